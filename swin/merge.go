package swin

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

// PatchMerging halves each spatial side of a token grid and doubles its width:
// [B H*W C] -> [B H/2*W/2 2C].
type PatchMerging struct {
	Norm      *nn.LayerNorm
	Reduction *nn.Linear

	resolution int64
	dim        int64
}

// NewPatchMerging creates PatchMerging for a square grid of side `resolution`,
// with variables `norm` and `reduction` (no bias) under p.
func NewPatchMerging(p *nn.Path, resolution, dim int64) *PatchMerging {
	return &PatchMerging{
		Norm:       base.LayerNorm(p.Sub("norm"), 4*dim),
		Reduction:  base.Linear(p.Sub("reduction"), 4*dim, 2*dim, false),
		resolution: resolution,
		dim:        dim,
	}
}

// ForwardT implements ts.ModuleT for PatchMerging.
func (m *PatchMerging) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	b, l, c := size[0], size[1], size[2]
	h, w := m.resolution, m.resolution
	if l != h*w || c != m.dim {
		panic(base.ShapeError("patch merging", []int64{b, h * w, m.dim}, size))
	}

	// Neighbour (i, j) of every 2x2 cell lands at channel block 2*j+i, which
	// is the x0, x1, x2, x3 order of the reference implementation.
	v := x.MustView([]int64{b, h / 2, 2, w / 2, 2, c}, false)
	p := v.MustPermute([]int64{0, 1, 3, 4, 2, 5}, true)
	cat := p.MustReshape([]int64{b, (h / 2) * (w / 2), 4 * c}, true)

	normed := m.Norm.Forward(cat)
	cat.MustDrop()
	out := m.Reduction.Forward(normed)
	normed.MustDrop()

	return out
}
