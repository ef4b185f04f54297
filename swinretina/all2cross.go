package swinretina

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/config"
	"github.com/sugarme/swinretina/crossvit"
)

// All2Cross prepends a class token to each pyramid branch and mixes the two
// branches with self attention and multi-scale cross attention.
type All2Cross struct {
	Trace Tracer

	pyramid   *PyramidFeatures
	clsTokens [2]*ts.Tensor
	attention [2]*crossvit.Attention
	blocks    []*crossvit.MultiScaleBlock
	norms     [2]*nn.LayerNorm
}

// NewAll2Cross creates All2Cross with variables `pyramid`, `cls_token_1_2`,
// `cls_token_3_4`, `attention1`, `attention2`, `blocks.{k}` and `norm.{0,1}`
// under p.
func NewAll2Cross(p *nn.Path, cfg *config.Config) (*All2Cross, error) {
	pyramid, err := NewPyramidFeatures(p.Sub("pyramid"), cfg)
	if err != nil {
		return nil, err
	}

	dims := cfg.BranchDims()
	m := &All2Cross{pyramid: pyramid}

	tokenNames := [2]string{"cls_token_1_2", "cls_token_3_4"}
	for i := 0; i < 2; i++ {
		m.clsTokens[i] = p.MustNewVar(tokenNames[i], []int64{1, 1, dims[i]}, nn.NewRandnInit(0.0, 0.02))
		m.attention[i] = crossvit.NewAttention(p.Sub(fmt.Sprintf("attention%d", i+1)), dims[i], cfg.AttentionHeads, cfg.AttentionDimHead, cfg.Dropout)
		m.norms[i] = base.LayerNorm(p.Sub("norm").Sub(fmt.Sprint(i)), dims[i])
	}

	for k, depth := range cfg.CrossDepth {
		opts := crossvit.MultiScaleOptions{
			Dims:    dims,
			QkvBias: false,
		}
		copy(opts.Depth[:], depth)
		copy(opts.Heads[:], cfg.CrossHeads)
		copy(opts.MlpRatio[:], cfg.CrossMlpRatio)
		m.blocks = append(m.blocks, crossvit.NewMultiScaleBlock(p.Sub("blocks").Sub(fmt.Sprint(k)), opts))
	}

	return m, nil
}

// Forward maps an image [B 3 S S] to the two branch sequences
// [B 1+N_A C_A] and [B 1+N_B C_B], class token first.
func (m *All2Cross) Forward(x *ts.Tensor, train bool) ([2]*ts.Tensor, error) {
	var xs [2]*ts.Tensor

	pyr, err := m.pyramid.Forward(x, train)
	if err != nil {
		return xs, err
	}
	defer pyr.Drop()

	batch := x.MustSize()[0]
	for i := 0; i < 2; i++ {
		cls := m.clsTokens[i].MustExpand([]int64{batch, -1, -1}, false, false)
		seq := ts.MustCat([]*ts.Tensor{cls, pyr.Concat[i]}, 1)
		cls.MustDrop()

		xs[i] = m.attention[i].ForwardT(seq, train)
		seq.MustDrop()
		m.Trace.trace(fmt.Sprintf("all2cross.attention%d", i+1), xs[i])
	}

	for k, blk := range m.blocks {
		next := blk.ForwardT(xs, train)
		for i := range xs {
			xs[i].MustDrop()
		}
		xs = next
		m.Trace.trace(fmt.Sprintf("all2cross.block%d.branch1", k), xs[0])
		m.Trace.trace(fmt.Sprintf("all2cross.block%d.branch2", k), xs[1])
	}

	for i := 0; i < 2; i++ {
		out := m.norms[i].Forward(xs[i])
		xs[i].MustDrop()
		xs[i] = out
	}

	return xs, nil
}
