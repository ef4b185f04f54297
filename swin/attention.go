package swin

import (
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

// WindowAttention is multi-head self attention inside a window with a learned
// relative position bias.
type WindowAttention struct {
	Qkv       *nn.Linear
	Proj      *nn.Linear
	BiasTable *ts.Tensor // [(2*ws-1)^2 heads]

	dim        int64
	windowSize int64
	numHeads   int64
	scale      float64
	index      *ts.Tensor // [ws^4]
}

// NewWindowAttention creates WindowAttention with variables `qkv`, `proj` and
// `relative_position_bias_table` under p.
func NewWindowAttention(p *nn.Path, dim, windowSize, numHeads int64) *WindowAttention {
	headDim := dim / numHeads
	tableSize := (2*windowSize - 1) * (2*windowSize - 1)
	table := p.MustNewVar("relative_position_bias_table", []int64{tableSize, numHeads}, nn.NewRandnInit(0.0, 0.02))
	index := ts.MustOfSlice(relativePositionIndex(windowSize)).MustTo(table.MustDevice(), true)

	return &WindowAttention{
		Qkv:        base.Linear(p.Sub("qkv"), dim, 3*dim, true),
		Proj:       base.Linear(p.Sub("proj"), dim, dim, true),
		BiasTable:  table,
		dim:        dim,
		windowSize: windowSize,
		numHeads:   numHeads,
		scale:      1.0 / math.Sqrt(float64(headDim)),
		index:      index,
	}
}

// Forward attends within windows x [B*nW N C]. mask is nil or [nW N N].
func (a *WindowAttention) Forward(x, mask *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	bw, n, c := size[0], size[1], size[2]
	headDim := c / a.numHeads

	qkvTs := a.Qkv.Forward(x)
	qkv := qkvTs.MustReshape([]int64{bw, n, 3, a.numHeads, headDim}, true).MustPermute([]int64{2, 0, 3, 1, 4}, true)
	q := qkv.MustSelect(0, 0, false).MustMulScalar(ts.FloatScalar(a.scale), true)
	k := qkv.MustSelect(0, 1, false)
	v := qkv.MustSelect(0, 2, false)
	qkv.MustDrop()

	kT := k.MustTranspose(-2, -1, true)
	attn := q.MustMatmul(kT, true) // [B*nW heads N N]
	kT.MustDrop()

	bias := a.positionBias(n)
	attn = attn.MustAdd(bias, true)
	bias.MustDrop()

	if mask != nil {
		nW := mask.MustSize()[0]
		m := mask.MustUnsqueeze(1, false).MustUnsqueeze(0, true) // [1 nW 1 N N]
		attn = attn.MustView([]int64{bw / nW, nW, a.numHeads, n, n}, true).MustAdd(m, true)
		m.MustDrop()
		attn = attn.MustView([]int64{-1, a.numHeads, n, n}, true)
	}

	probs := attn.MustSoftmax(-1, gotch.Float, true)
	out := probs.MustMatmul(v, true) // [B*nW heads N hd]
	v.MustDrop()
	merged := out.MustTranspose(1, 2, true).MustReshape([]int64{bw, n, c}, true)
	res := a.Proj.Forward(merged)
	merged.MustDrop()

	return res
}

// positionBias gathers the bias table into [1 heads N N].
func (a *WindowAttention) positionBias(n int64) *ts.Tensor {
	rows := a.BiasTable.MustIndexSelect(0, a.index, false) // [N*N heads]
	bias := rows.MustView([]int64{n, n, a.numHeads}, true).MustPermute([]int64{2, 0, 1}, true)

	return bias.MustContiguous(true).MustUnsqueeze(0, true)
}
