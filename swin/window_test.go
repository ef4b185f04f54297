package swin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

func TestWindowPartitionRoundTrip(t *testing.T) {
	x := ts.MustRand([]int64{2, 8, 8, 3}, gotch.Float, gotch.CPU)

	windows := windowPartition(x, 4)
	assert.Equal(t, []int64{2 * 4, 16, 3}, windows.MustSize())

	back := windowReverse(windows, 4, 8, 8)
	assert.True(t, back.MustEqual(x, false))
}

func TestRelativePositionIndex(t *testing.T) {
	idx := relativePositionIndex(2)
	assert.Len(t, idx, 16)

	assert.Equal(t, int64(4), idx[0])     // same position: centre of the 3x3 table
	assert.Equal(t, int64(0), idx[0*4+3]) // key one down and right of query
	assert.Equal(t, int64(8), idx[3*4+0])
	for _, v := range idx {
		assert.True(t, v >= 0 && v < 9)
	}
}

func TestShiftedWindowMask(t *testing.T) {
	mask := shiftedWindowMask(4, 4, 2, 1)
	assert.Len(t, mask, 4*4*4)

	for _, v := range mask[:16] {
		assert.Equal(t, float32(0), v, "top-left window lies in one region")
	}

	last := mask[3*16:]
	for q := 0; q < 4; q++ {
		for k := 0; k < 4; k++ {
			want := float32(-100)
			if q == k {
				want = 0
			}
			assert.Equal(t, want, last[q*4+k])
		}
	}
}
