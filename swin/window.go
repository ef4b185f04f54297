package swin

import (
	"github.com/sugarme/gotch/ts"
)

// windowPartition splits [B H W C] into non-overlapping windows [B*nW ws*ws C].
func windowPartition(x *ts.Tensor, ws int64) *ts.Tensor {
	size := x.MustSize()
	b, h, w, c := size[0], size[1], size[2], size[3]

	v := x.MustView([]int64{b, h / ws, ws, w / ws, ws, c}, false)
	p := v.MustPermute([]int64{0, 1, 3, 2, 4, 5}, true)
	out := p.MustContiguous(true).MustView([]int64{-1, ws * ws, c}, true)

	return out
}

// windowReverse merges windows [B*nW ws*ws C] back into [B H W C].
func windowReverse(windows *ts.Tensor, ws, h, w int64) *ts.Tensor {
	size := windows.MustSize()
	c := size[len(size)-1]
	b := size[0] / (h * w / ws / ws)

	v := windows.MustView([]int64{b, h / ws, w / ws, ws, ws, c}, false)
	p := v.MustPermute([]int64{0, 1, 3, 2, 4, 5}, true)
	out := p.MustContiguous(true).MustView([]int64{b, h, w, c}, true)

	return out
}

// relativePositionIndex maps every (query, key) pair of a ws x ws window to a row
// of the relative position bias table. The result has ws^4 entries, row-major over
// (query, key).
func relativePositionIndex(ws int64) []int64 {
	n := ws * ws
	idx := make([]int64, n*n)
	for q := int64(0); q < n; q++ {
		qh, qw := q/ws, q%ws
		for k := int64(0); k < n; k++ {
			kh, kw := k/ws, k%ws
			dh := qh - kh + ws - 1
			dw := qw - kw + ws - 1
			idx[q*n+k] = dh*(2*ws-1) + dw
		}
	}

	return idx
}

// shiftedWindowMask builds the additive attention mask [nW N N] of a shifted
// window block: tokens that came from different regions before the cyclic shift
// get -100 so they cannot attend to each other.
func shiftedWindowMask(h, w, ws, shift int64) []float32 {
	region := func(i, size int64) int64 {
		switch {
		case i < size-ws:
			return 0
		case i < size-shift:
			return 1
		default:
			return 2
		}
	}

	img := make([]int64, h*w)
	for i := int64(0); i < h; i++ {
		for j := int64(0); j < w; j++ {
			img[i*w+j] = region(i, h)*3 + region(j, w)
		}
	}

	n := ws * ws
	nW := (h / ws) * (w / ws)
	mask := make([]float32, nW*n*n)
	win := int64(0)
	for wi := int64(0); wi < h/ws; wi++ {
		for wj := int64(0); wj < w/ws; wj++ {
			ids := make([]int64, 0, n)
			for i := int64(0); i < ws; i++ {
				for j := int64(0); j < ws; j++ {
					ids = append(ids, img[(wi*ws+i)*w+wj*ws+j])
				}
			}
			for q := int64(0); q < n; q++ {
				for k := int64(0); k < n; k++ {
					if ids[q] != ids[k] {
						mask[win*n*n+q*n+k] = -100
					}
				}
			}
			win++
		}
	}

	return mask
}
