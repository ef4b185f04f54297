package base_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

func TestFlattenRoundTrip(t *testing.T) {
	x := ts.MustRand([]int64{2, 5, 3, 4}, gotch.Float, gotch.CPU)

	tokens := base.Flatten(x, false)
	assert.Equal(t, []int64{2, 12, 5}, tokens.MustSize())

	back, err := base.Unflatten(tokens, 3, 4)
	require.NoError(t, err)
	assert.True(t, back.MustEqual(x, false))
}

func TestFlattenRowMajor(t *testing.T) {
	// one channel, 2x2 grid: values 0 1 / 2 3
	x := ts.MustOfSlice([]float32{0, 1, 2, 3}).MustView([]int64{1, 1, 2, 2}, true)
	tokens := base.Flatten(x, false)
	assert.Equal(t, []float64{0, 1, 2, 3}, tokens.Float64Values())
}

func TestUnflattenShapeError(t *testing.T) {
	x := ts.MustZeros([]int64{1, 10, 4}, gotch.Float, gotch.CPU)

	_, err := base.Unflatten(x, 3, 3)
	assert.True(t, errors.Is(err, base.ErrShape))

	_, err = base.Unflatten(ts.MustZeros([]int64{10, 4}, gotch.Float, gotch.CPU), 2, 5)
	assert.True(t, errors.Is(err, base.ErrShape))
}

func TestConvUpsample(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	up := base.NewConvUpsample(vs.Root(), 64, []int64{32, 32}, true)
	flat := base.NewConvUpsample(vs.Root().Sub("flat"), 64, []int64{32}, false)

	x := ts.MustRand([]int64{1, 64, 4, 4}, gotch.Float, gotch.CPU)
	assert.Equal(t, []int64{1, 32, 16, 16}, up.ForwardT(x, false).MustSize())
	assert.Equal(t, []int64{1, 32, 4, 4}, flat.ForwardT(x, false).MustSize())

	// conv, norm, relu, upsample per stage
	vars := vs.Variables()
	for _, name := range []string{"conv_tower.0.weight", "conv_tower.1.weight", "conv_tower.4.weight", "conv_tower.5.bias", "flat.conv_tower.1.weight"} {
		assert.Contains(t, vars, name)
	}
	assert.NotContains(t, vars, "conv_tower.0.bias")
}

func TestSegmentationHead(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	head := base.NewSegmentationHead(vs.Root(), 16, 9, 3)

	x := ts.MustRand([]int64{2, 16, 8, 8}, gotch.Float, gotch.CPU)
	assert.Equal(t, []int64{2, 9, 8, 8}, head.ForwardT(x, false).MustSize())
	assert.Contains(t, vs.Variables(), "0.weight")
}

func TestIdentity(t *testing.T) {
	x := ts.MustRand([]int64{2, 3, 4}, gotch.Float, gotch.CPU)
	id := base.NewIdentity()

	y := id.ForwardT(x, true)
	assert.True(t, y.MustEqual(x, false))

	// the output is a separate handle; dropping it keeps x alive
	y.MustDrop()
	assert.Equal(t, []int64{2, 3, 4}, x.MustSize())
	assert.True(t, id.Forward(x).MustEqual(x, false))
}
