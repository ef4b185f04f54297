package swinretina

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/config"
	"github.com/sugarme/swinretina/encoder"
	"github.com/sugarme/swinretina/swin"
)

// Pyramid is the output of PyramidFeatures.
type Pyramid struct {
	// Concat[0] is [proj1_2(skip1), skip2] (branch A), Concat[1] is
	// [proj3_4(skip4), skip3] (branch B, coarsest level first).
	Concat [2]*ts.Tensor
	// Skips are the fused CNN+Swin token sequences of levels 1-4.
	Skips [4]*ts.Tensor
}

// Drop releases every tensor of p.
func (p *Pyramid) Drop() {
	for _, t := range p.Concat {
		t.MustDrop()
	}
	for _, t := range p.Skips {
		t.MustDrop()
	}
}

// PyramidFeatures interleaves a CNN backbone with Swin stages level by level.
type PyramidFeatures struct {
	Trace Tracer

	backbone encoder.Encoder
	cnn      [4]ts.ModuleT
	swin     [4]swin.Stage
	channel  [4]*nn.Conv2D
	merge    [3]*swin.PatchMerging
	proj12   *nn.Linear
	proj34   *nn.Linear

	cnnWidths   [4]int64
	resolutions [4]int64
}

// NewPyramidFeatures creates PyramidFeatures with the backbone under `resnet`
// and the Swin stages under `swin_transformer`.
func NewPyramidFeatures(p *nn.Path, cfg *config.Config) (*PyramidFeatures, error) {
	backbone, err := encoder.New(p.Sub("resnet"), cfg.CNNBackbone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	res := cfg.LevelResolutions()
	opts := swin.Options{
		Resolution: res[0],
		EmbedDim:   cfg.SwinPyramidFM[0],
		WindowSize: cfg.WindowSize,
		MlpRatio:   cfg.MlpRatio,
	}
	copy(opts.Depths[:], cfg.SwinDepths)
	copy(opts.NumHeads[:], cfg.SwinHeads)
	transformer := swin.NewTransformer(p.Sub("swin_transformer"), opts)

	pf := &PyramidFeatures{
		backbone:    backbone,
		cnnWidths:   backbone.OutChannels(),
		proj12:      base.Linear(p.Sub("proj1_2"), cfg.SwinPyramidFM[0], cfg.SwinPyramidFM[1], true),
		proj34:      base.Linear(p.Sub("proj3_4"), cfg.SwinPyramidFM[3], cfg.SwinPyramidFM[2], true),
		resolutions: res,
	}
	for i := 0; i < 4; i++ {
		level := i + 1
		pf.cnn[i] = pf.backbone.Stage(level)
		pf.swin[i] = transformer.Stage(level)
		pf.channel[i] = base.Conv2d(p.Sub(fmt.Sprintf("p%d_ch", level)), pf.cnnWidths[i], cfg.SwinPyramidFM[i], 1, 0, 1)
		if i < 3 {
			pf.merge[i] = swin.NewPatchMerging(p.Sub(fmt.Sprintf("p%d_pm", level)), res[i], cfg.SwinPyramidFM[i])
		}
	}

	return pf, nil
}

// Forward maps an image [B 3 S S] to the two branch sequences and the four
// skip sequences.
func (pf *PyramidFeatures) Forward(x *ts.Tensor, train bool) (*Pyramid, error) {
	var (
		out    Pyramid
		fm     *ts.Tensor
		merged *ts.Tensor
	)
	release := func() {
		for _, t := range []*ts.Tensor{fm, merged} {
			if t != nil {
				t.MustDrop()
			}
		}
		for _, t := range out.Skips {
			if t != nil {
				t.MustDrop()
			}
		}
	}

	for i := 0; i < 4; i++ {
		var next *ts.Tensor
		if i == 0 {
			next = pf.cnn[i].ForwardT(x, train)
		} else {
			next = pf.cnn[i].ForwardT(fm, train)
			fm.MustDrop()
		}
		fm = next

		r := pf.resolutions[i]
		if size := fm.MustSize(); size[1] != pf.cnnWidths[i] || size[2] != r || size[3] != r {
			err := base.ShapeError(fmt.Sprintf("backbone level %d", i+1), []int64{size[0], pf.cnnWidths[i], r, r}, size)
			release()
			return nil, err
		}

		tokens := base.Flatten(pf.channel[i].Forward(fm), true) // [B r*r C_i]

		// Level 1 runs its stage on its own projected tokens, the others on
		// the patch-merged skip of the previous level.
		in := merged
		if i == 0 {
			in = tokens
		}
		sw := pf.swin[i].ForwardT(in, train)
		if merged != nil {
			merged.MustDrop()
			merged = nil
		}

		out.Skips[i] = tokens.MustAdd(sw, true)
		sw.MustDrop()
		pf.Trace.trace(fmt.Sprintf("pyramid.skip%d", i+1), out.Skips[i])

		if i < 3 {
			merged = pf.merge[i].ForwardT(out.Skips[i], train)
		}
	}
	fm.MustDrop()

	p1 := pf.proj12.Forward(out.Skips[0])
	out.Concat[0] = ts.MustCat([]*ts.Tensor{p1, out.Skips[1]}, 1)
	p1.MustDrop()

	p4 := pf.proj34.Forward(out.Skips[3])
	out.Concat[1] = ts.MustCat([]*ts.Tensor{p4, out.Skips[2]}, 1)
	p4.MustDrop()

	pf.Trace.trace("pyramid.concat1", out.Concat[0])
	pf.Trace.trace("pyramid.concat2", out.Concat[1])

	return &out, nil
}
