package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// ConvUpsample is a tower of (3x3 conv, group norm, ReLU[, bilinear x2]) stages.
//
// Variables are laid out as `conv_tower.{k}` where k counts every layer of the
// tower, parameterless ones included, so names line up with the PyTorch layout.
type ConvUpsample struct {
	convs    []*nn.Conv2D
	norms    []*GroupNorm
	upsample bool
}

// NewConvUpsample creates a ConvUpsample with one stage per entry of cOuts.
func NewConvUpsample(p *nn.Path, cIn int64, cOuts []int64, upsample bool) *ConvUpsample {
	tower := p.Sub("conv_tower")
	stride := 3
	if upsample {
		stride = 4
	}

	var (
		convs []*nn.Conv2D
		norms []*GroupNorm
	)
	for i, cOut := range cOuts {
		if i > 0 {
			cIn = cOuts[i-1]
		}
		convs = append(convs, Conv2dNoBias(tower.Sub(fmt.Sprint(i*stride)), cIn, cOut, 3, 1, 1))
		norms = append(norms, NewGroupNorm(tower.Sub(fmt.Sprint(i*stride+1)), 32, cOut))
	}

	return &ConvUpsample{
		convs:    convs,
		norms:    norms,
		upsample: upsample,
	}
}

// ForwardT implements ts.ModuleT for ConvUpsample.
func (c *ConvUpsample) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := x.MustShallowClone()
	for i := range c.convs {
		conv := c.convs[i].Forward(out)
		out.MustDrop()
		norm := c.norms[i].Forward(conv)
		conv.MustDrop()
		out = norm.MustRelu(true)
		if c.upsample {
			out = UpsampleBilinear(out, 2, true)
		}
	}

	return out
}

// UpsampleBilinear scales the spatial dimensions of a [B C H W] tensor by an
// integer factor (align_corners=false).
func UpsampleBilinear(x *ts.Tensor, factor int64, del bool) *ts.Tensor {
	size := x.MustSize()
	out := []int64{size[2] * factor, size[3] * factor}

	return x.MustUpsampleBilinear2d(out, false, nil, nil, del)
}

// NewSegmentationHead creates new SegmentatationHead (nn.SequentialT): a single
// convolution with `same` padding mapping cIn channels to class logits.
func NewSegmentationHead(p *nn.Path, cIn, cOut, ksize int64) *nn.SequentialT {
	seq := nn.SeqT()
	seq.Add(Conv2d(p.Sub("0"), cIn, cOut, ksize, ksize/2, 1))

	return seq
}
