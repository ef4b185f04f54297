package crossvit

import (
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

// selfAttend runs scaled dot-product attention on packed projections
// qkv [B N 3*heads*hd] and returns [B N heads*hd].
func selfAttend(qkv *ts.Tensor, heads int64, scale float64) *ts.Tensor {
	size := qkv.MustSize()
	b, n := size[0], size[1]
	hd := size[2] / 3 / heads

	packed := qkv.MustReshape([]int64{b, n, 3, heads, hd}, false).MustPermute([]int64{2, 0, 3, 1, 4}, true)
	q := packed.MustSelect(0, 0, false)
	k := packed.MustSelect(0, 1, false)
	v := packed.MustSelect(0, 2, false)
	packed.MustDrop()

	out := attend(q, k, v, scale) // [B heads N hd]
	q.MustDrop()
	k.MustDrop()
	v.MustDrop()

	return out.MustTranspose(1, 2, true).MustReshape([]int64{b, n, heads * hd}, true)
}

// attend computes softmax(q k^T * scale) v over the last two dimensions.
func attend(q, k, v *ts.Tensor, scale float64) *ts.Tensor {
	kT := k.MustTranspose(-2, -1, false)
	dots := q.MustMatmul(kT, false).MustMulScalar(ts.FloatScalar(scale), true)
	kT.MustDrop()
	probs := dots.MustSoftmax(-1, gotch.Float, true)
	out := probs.MustMatmul(v, true)

	return out
}

// Attention is plain multi-head self attention with an inner width of
// heads*dimHead and a bias-free packed qkv projection.
type Attention struct {
	ToQkv   *nn.Linear
	ToOut   *nn.Linear
	Dropout *nn.Dropout

	heads int64
	scale float64
}

// NewAttention creates Attention with variables `to_qkv` and `to_out.0` under p.
func NewAttention(p *nn.Path, dim, heads, dimHead int64, dropout float64) *Attention {
	inner := heads * dimHead
	return &Attention{
		ToQkv:   base.Linear(p.Sub("to_qkv"), dim, 3*inner, false),
		ToOut:   base.Linear(p.Sub("to_out").Sub("0"), inner, dim, true),
		Dropout: nn.NewDropout(dropout),
		heads:   heads,
		scale:   math.Pow(float64(dimHead), -0.5),
	}
}

// ForwardT implements ts.ModuleT for Attention. x is [B N dim].
func (a *Attention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	qkv := a.ToQkv.Forward(x)
	ctx := selfAttend(qkv, a.heads, a.scale)
	qkv.MustDrop()
	out := a.ToOut.Forward(ctx)
	ctx.MustDrop()

	return a.Dropout.ForwardT(out, train)
}

// blockAttention is the attention of a ViT block: packed qkv plus output proj.
type blockAttention struct {
	Qkv  *nn.Linear
	Proj *nn.Linear

	heads int64
	scale float64
}

func newBlockAttention(p *nn.Path, dim, heads int64, qkvBias bool) *blockAttention {
	return &blockAttention{
		Qkv:   base.Linear(p.Sub("qkv"), dim, 3*dim, qkvBias),
		Proj:  base.Linear(p.Sub("proj"), dim, dim, true),
		heads: heads,
		scale: math.Pow(float64(dim/heads), -0.5),
	}
}

func (a *blockAttention) Forward(x *ts.Tensor) *ts.Tensor {
	qkv := a.Qkv.Forward(x)
	ctx := selfAttend(qkv, a.heads, a.scale)
	qkv.MustDrop()
	out := a.Proj.Forward(ctx)
	ctx.MustDrop()

	return out
}

// CrossAttention lets the first token of a sequence attend over all of it.
type CrossAttention struct {
	Wq   *nn.Linear
	Wk   *nn.Linear
	Wv   *nn.Linear
	Proj *nn.Linear

	heads int64
	scale float64
}

// NewCrossAttention creates CrossAttention with variables `wq`, `wk`, `wv` and
// `proj` under p.
func NewCrossAttention(p *nn.Path, dim, heads int64, qkvBias bool) *CrossAttention {
	return &CrossAttention{
		Wq:    base.Linear(p.Sub("wq"), dim, dim, qkvBias),
		Wk:    base.Linear(p.Sub("wk"), dim, dim, qkvBias),
		Wv:    base.Linear(p.Sub("wv"), dim, dim, qkvBias),
		Proj:  base.Linear(p.Sub("proj"), dim, dim, true),
		heads: heads,
		scale: math.Pow(float64(dim/heads), -0.5),
	}
}

// Forward maps x [B N C] to the attended first token [B 1 C].
func (a *CrossAttention) Forward(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	b, n, c := size[0], size[1], size[2]
	hd := c / a.heads

	split := func(t *ts.Tensor, length int64) *ts.Tensor {
		return t.MustReshape([]int64{b, length, a.heads, hd}, true).MustPermute([]int64{0, 2, 1, 3}, true)
	}

	first := base.Tokens(x, 0, 1)
	q := split(a.Wq.Forward(first), 1) // [B heads 1 hd]
	first.MustDrop()
	k := split(a.Wk.Forward(x), n) // [B heads N hd]
	v := split(a.Wv.Forward(x), n)

	out := attend(q, k, v, a.scale) // [B heads 1 hd]
	q.MustDrop()
	k.MustDrop()
	v.MustDrop()

	ctx := out.MustTranspose(1, 2, true).MustReshape([]int64{b, 1, c}, true)
	res := a.Proj.Forward(ctx)
	ctx.MustDrop()

	return res
}
