package swin

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Stage processes a token sequence and returns one of the same shape.
type Stage interface {
	ForwardT(x *ts.Tensor, train bool) *ts.Tensor
}

// BasicLayer is one Swin stage: `depth` blocks alternating regular and shifted
// windows, without downsampling.
type BasicLayer struct {
	blocks []*Block
}

// NewBasicLayer creates BasicLayer with blocks under `blocks.{i}`.
func NewBasicLayer(p *nn.Path, dim, resolution, depth, numHeads, windowSize int64, mlpRatio float64) *BasicLayer {
	blocks := make([]*Block, depth)
	for i := range blocks {
		var shift int64
		if i%2 == 1 {
			shift = windowSize / 2
		}
		blocks[i] = NewBlock(p.Sub("blocks").Sub(fmt.Sprint(i)), dim, resolution, numHeads, windowSize, shift, mlpRatio)
	}

	return &BasicLayer{blocks}
}

// ForwardT implements Stage for BasicLayer.
func (l *BasicLayer) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := x.MustShallowClone()
	for _, blk := range l.blocks {
		next := blk.ForwardT(out, train)
		out.MustDrop()
		out = next
	}

	return out
}
