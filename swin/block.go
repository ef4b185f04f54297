package swin

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

// Block is a Swin Transformer block: (shifted) window attention followed by an
// MLP, both with pre-norm residuals.
type Block struct {
	Norm1 *nn.LayerNorm
	Attn  *WindowAttention
	Norm2 *nn.LayerNorm
	Mlp   *base.Mlp

	resolution int64
	windowSize int64
	shiftSize  int64
	mask       *ts.Tensor // nil unless shifted
}

// NewBlock creates a Block operating on a square grid of side `resolution`.
// When the grid fits in a single window the window shrinks to the grid and no
// shift is applied.
func NewBlock(p *nn.Path, dim, resolution, numHeads, windowSize, shiftSize int64, mlpRatio float64) *Block {
	if resolution <= windowSize {
		shiftSize = 0
		windowSize = resolution
	}

	b := &Block{
		Norm1:      base.LayerNorm(p.Sub("norm1"), dim),
		Attn:       NewWindowAttention(p.Sub("attn"), dim, windowSize, numHeads),
		Norm2:      base.LayerNorm(p.Sub("norm2"), dim),
		Mlp:        base.NewMlp(p.Sub("mlp"), dim, int64(float64(dim)*mlpRatio)),
		resolution: resolution,
		windowSize: windowSize,
		shiftSize:  shiftSize,
	}
	if shiftSize > 0 {
		nW := (resolution / windowSize) * (resolution / windowSize)
		n := windowSize * windowSize
		b.mask = ts.MustOfSlice(shiftedWindowMask(resolution, resolution, windowSize, shiftSize)).
			MustView([]int64{nW, n, n}, true).
			MustTo(b.Attn.BiasTable.MustDevice(), true)
	}

	return b
}

// ForwardT implements ts.ModuleT for Block. x is [B H*W C].
func (b *Block) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	bs, l, c := size[0], size[1], size[2]
	h, w := b.resolution, b.resolution
	if l != h*w {
		panic(base.ShapeError("swin block", []int64{bs, h * w, c}, size))
	}

	normed := b.Norm1.Forward(x)
	grid := normed.MustView([]int64{bs, h, w, c}, true)
	if b.shiftSize > 0 {
		grid = grid.MustRoll([]int64{-b.shiftSize, -b.shiftSize}, []int64{1, 2}, true)
	}

	windows := windowPartition(grid, b.windowSize)
	grid.MustDrop()
	attn := b.Attn.Forward(windows, b.mask)
	windows.MustDrop()

	merged := windowReverse(attn, b.windowSize, h, w)
	attn.MustDrop()
	if b.shiftSize > 0 {
		merged = merged.MustRoll([]int64{b.shiftSize, b.shiftSize}, []int64{1, 2}, true)
	}
	tokens := merged.MustView([]int64{bs, h * w, c}, true)

	out := x.MustAdd(tokens, false)
	tokens.MustDrop()

	n2 := b.Norm2.Forward(out)
	mlp := b.Mlp.ForwardT(n2, train)
	n2.MustDrop()
	res := out.MustAdd(mlp, true)
	mlp.MustDrop()

	return res
}
