package swinretina

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/config"
)

// Decoder turns the two branch sequences back into feature maps and predicts
// per-pixel class logits.
type Decoder struct {
	Trace Tracer

	convs    [2][2]*base.ConvUpsample
	convPred *nn.Conv2D
	head     *nn.SequentialT

	imageSize  int64
	patchSize  int64
	patchSizes [2][2]int64
}

// NewDecoder creates Decoder with variables `conv_list.{i}.{j}`, `conv_pred.0`
// and `segmentation_head.0` under p.
//
// Each token run with patch size ps gets log2(ps/p) upsampling stages, so every
// run reaches the S/p grid; a run already at S/p gets one stage without
// upsampling.
func NewDecoder(p *nn.Path, cfg *config.Config) *Decoder {
	d := &Decoder{
		imageSize:  cfg.ImageSize,
		patchSize:  cfg.PatchSize,
		patchSizes: cfg.DecoderPatchSizes(),
	}

	dims := cfg.BranchDims()
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			stages := 0
			for ps := d.patchSizes[i][j]; ps > cfg.PatchSize; ps /= 2 {
				stages++
			}
			upsample := stages > 0
			if !upsample {
				stages = 1
			}
			outs := make([]int64, stages)
			for k := range outs {
				outs[k] = cfg.DecoderChannels
			}
			cp := p.Sub("conv_list").Sub(fmt.Sprint(i)).Sub(fmt.Sprint(j))
			d.convs[i][j] = base.NewConvUpsample(cp, dims[i], outs, upsample)
		}
	}

	d.convPred = base.Conv2d(p.Sub("conv_pred").Sub("0"), cfg.DecoderChannels, cfg.HeadChannels, 1, 0, 1)
	d.head = base.NewSegmentationHead(p.Sub("segmentation_head"), cfg.HeadChannels, cfg.NumClasses, 3)

	return d
}

// Forward maps the branch sequences (class token first) to logits
// [B num_classes S S].
func (d *Decoder) Forward(xs [2]*ts.Tensor, train bool) (*ts.Tensor, error) {
	var sum *ts.Tensor
	fail := func(err error) (*ts.Tensor, error) {
		if sum != nil {
			sum.MustDrop()
		}
		return nil, err
	}

	for i := 0; i < 2; i++ {
		size := xs[i].MustSize()
		if len(size) != 3 {
			return fail(fmt.Errorf("%w: branch %d: expected token sequence [B L C], got %v", base.ErrShape, i+1, size))
		}

		fineSide := d.imageSize / d.patchSizes[i][0]
		coarseSide := d.imageSize / d.patchSizes[i][1]
		nFine, nCoarse := fineSide*fineSide, coarseSide*coarseSide
		if n := size[1] - 1; n != nFine+nCoarse {
			return fail(fmt.Errorf("%w: branch %d: %d tokens after the class token, want %d+%d", base.ErrShape, i+1, n, nFine, nCoarse))
		}

		var value *ts.Tensor
		runs := [2]struct{ start, n, side int64 }{
			{1, nFine, fineSide},
			{1 + nFine, nCoarse, coarseSide},
		}
		for j, run := range runs {
			tokens := base.Tokens(xs[i], run.start, run.n)
			grid, err := base.Unflatten(tokens, run.side, run.side)
			tokens.MustDrop()
			if err != nil {
				if value != nil {
					value.MustDrop()
				}
				return fail(err)
			}
			out := d.convs[i][j].ForwardT(grid, train)
			grid.MustDrop()
			if value == nil {
				value = out
			} else {
				value = value.MustAdd(out, true)
				out.MustDrop()
			}
		}
		d.Trace.trace(fmt.Sprintf("decoder.branch%d", i+1), value)

		if sum == nil {
			sum = value
		} else {
			sum = sum.MustAdd(value, true)
			value.MustDrop()
		}
	}

	pred := d.convPred.Forward(sum)
	sum.MustDrop()
	pred = pred.MustRelu(true)
	pred = base.UpsampleBilinear(pred, d.patchSize, true)
	d.Trace.trace("decoder.pred", pred)

	out := d.head.ForwardT(pred, train)
	pred.MustDrop()

	return out, nil
}
