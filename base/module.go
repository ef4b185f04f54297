package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// ForwardT implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Linear creates a linear layer with weights drawn from N(0, 0.02) and zero bias,
// the initialization transformer layers use.
func Linear(p *nn.Path, inDim, outDim int64, bias bool) *nn.Linear {
	config := nn.DefaultLinearConfig()
	config.WsInit = nn.NewRandnInit(0.0, 0.02)
	config.BsInit = nn.NewConstInit(0.0)
	config.Bias = bias

	return nn.NewLinear(p, inDim, outDim, config)
}

// LayerNorm creates a layer norm over the last dimension.
func LayerNorm(p *nn.Path, dim int64) *nn.LayerNorm {
	return nn.NewLayerNorm(p, []int64{dim}, nn.DefaultLayerNormConfig())
}

// GroupNorm normalizes channels of a feature map in groups.
type GroupNorm struct {
	Ws        *ts.Tensor
	Bs        *ts.Tensor
	numGroups int64
	eps       float64
}

// NewGroupNorm creates GroupNorm with `weight` and `bias` variables under p.
func NewGroupNorm(p *nn.Path, numGroups, numChannels int64) *GroupNorm {
	ws := p.MustNewVar("weight", []int64{numChannels}, nn.NewConstInit(1.0))
	bs := p.MustNewVar("bias", []int64{numChannels}, nn.NewConstInit(0.0))

	return &GroupNorm{
		Ws:        ws,
		Bs:        bs,
		numGroups: numGroups,
		eps:       1e-5,
	}
}

// Forward implements ts.Module for GroupNorm.
func (g *GroupNorm) Forward(x *ts.Tensor) *ts.Tensor {
	return ts.MustGroupNorm(x, g.numGroups, g.Ws, g.Bs, g.eps, true)
}

// ForwardT implements ts.ModuleT for GroupNorm.
func (g *GroupNorm) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return g.Forward(x)
}

// Gelu applies exact (erf) GELU.
func Gelu(x *ts.Tensor) *ts.Tensor {
	return x.MustGelu("none", false)
}

// Mlp is a two-layer perceptron with GELU in between.
type Mlp struct {
	Fc1 *nn.Linear
	Fc2 *nn.Linear
}

// NewMlp creates Mlp with variables `fc1` and `fc2` under p.
func NewMlp(p *nn.Path, dim, hidden int64) *Mlp {
	return &Mlp{
		Fc1: Linear(p.Sub("fc1"), dim, hidden, true),
		Fc2: Linear(p.Sub("fc2"), hidden, dim, true),
	}
}

// ForwardT implements ts.ModuleT for Mlp.
func (m *Mlp) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	h := m.Fc1.Forward(x)
	act := Gelu(h)
	h.MustDrop()
	out := m.Fc2.Forward(act)
	act.MustDrop()

	return out
}
