package crossvit

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

// Block is a pre-norm transformer encoder block.
type Block struct {
	Norm1 *nn.LayerNorm
	Attn  *blockAttention
	Norm2 *nn.LayerNorm
	Mlp   *base.Mlp
}

// NewBlock creates Block with variables `norm1`, `attn`, `norm2` and `mlp` under p.
func NewBlock(p *nn.Path, dim, heads int64, mlpRatio float64, qkvBias bool) *Block {
	return &Block{
		Norm1: base.LayerNorm(p.Sub("norm1"), dim),
		Attn:  newBlockAttention(p.Sub("attn"), dim, heads, qkvBias),
		Norm2: base.LayerNorm(p.Sub("norm2"), dim),
		Mlp:   base.NewMlp(p.Sub("mlp"), dim, int64(float64(dim)*mlpRatio)),
	}
}

// ForwardT implements ts.ModuleT for Block.
func (b *Block) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	n1 := b.Norm1.Forward(x)
	attn := b.Attn.Forward(n1)
	n1.MustDrop()
	out := x.MustAdd(attn, false)
	attn.MustDrop()

	n2 := b.Norm2.Forward(out)
	mlp := b.Mlp.ForwardT(n2, train)
	n2.MustDrop()
	res := out.MustAdd(mlp, true)
	mlp.MustDrop()

	return res
}

// CrossAttentionBlock updates the first token of a sequence by cross
// attention over the whole sequence. Its output holds that token only.
type CrossAttentionBlock struct {
	Norm1 *nn.LayerNorm
	Attn  *CrossAttention
}

// NewCrossAttentionBlock creates CrossAttentionBlock with variables `norm1` and
// `attn` under p.
func NewCrossAttentionBlock(p *nn.Path, dim, heads int64, qkvBias bool) *CrossAttentionBlock {
	return &CrossAttentionBlock{
		Norm1: base.LayerNorm(p.Sub("norm1"), dim),
		Attn:  NewCrossAttention(p.Sub("attn"), dim, heads, qkvBias),
	}
}

// ForwardT maps x [B N C] to [B 1 C].
func (b *CrossAttentionBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	n1 := b.Norm1.Forward(x)
	attn := b.Attn.Forward(n1)
	n1.MustDrop()
	first := base.Tokens(x, 0, 1)
	out := first.MustAdd(attn, true)
	attn.MustDrop()

	return out
}

// projection is LayerNorm -> GELU -> Linear, stored as `0` and `2` under its
// path.
type projection struct {
	Norm   *nn.LayerNorm
	Linear *nn.Linear
}

func newProjection(p *nn.Path, in, out int64) *projection {
	return &projection{
		Norm:   base.LayerNorm(p.Sub("0"), in),
		Linear: base.Linear(p.Sub("2"), in, out, true),
	}
}

func (m *projection) Forward(x *ts.Tensor) *ts.Tensor {
	n := m.Norm.Forward(x)
	act := base.Gelu(n)
	n.MustDrop()
	out := m.Linear.Forward(act)
	act.MustDrop()

	return out
}

// MultiScaleOptions configures a MultiScaleBlock for two branches.
type MultiScaleOptions struct {
	Dims     [2]int64
	Depth    [3]int64 // self-attention blocks per branch, then cross-attention depth
	Heads    [2]int64
	MlpRatio [3]float64
	QkvBias  bool
}

// MultiScaleBlock exchanges information between two token branches: each
// branch runs its own blocks, then its class token is projected into the other
// branch's width, attends over the other branch's patch tokens, and is
// projected back.
type MultiScaleBlock struct {
	blocks      [2][]*Block
	projs       [2]*projection
	fusion      [2][]*CrossAttentionBlock
	revertProjs [2]*projection
}

// NewMultiScaleBlock creates MultiScaleBlock with variables `blocks`, `projs`,
// `fusion` and `revert_projs` under p.
func NewMultiScaleBlock(p *nn.Path, opts MultiScaleOptions) *MultiScaleBlock {
	var m MultiScaleBlock
	for d := 0; d < 2; d++ {
		other := (d + 1) % 2
		dim, otherDim := opts.Dims[d], opts.Dims[other]

		for i := int64(0); i < opts.Depth[d]; i++ {
			bp := p.Sub("blocks").Sub(fmt.Sprint(d)).Sub(fmt.Sprint(i))
			m.blocks[d] = append(m.blocks[d], NewBlock(bp, dim, opts.Heads[d], opts.MlpRatio[d], opts.QkvBias))
		}

		m.projs[d] = newProjection(p.Sub("projs").Sub(fmt.Sprint(d)), dim, otherDim)

		fp := p.Sub("fusion").Sub(fmt.Sprint(d))
		if opts.Depth[2] == 0 {
			m.fusion[d] = []*CrossAttentionBlock{NewCrossAttentionBlock(fp, otherDim, opts.Heads[other], opts.QkvBias)}
		} else {
			for i := int64(0); i < opts.Depth[2]; i++ {
				m.fusion[d] = append(m.fusion[d], NewCrossAttentionBlock(fp.Sub(fmt.Sprint(i)), otherDim, opts.Heads[other], opts.QkvBias))
			}
		}

		m.revertProjs[d] = newProjection(p.Sub("revert_projs").Sub(fmt.Sprint(d)), otherDim, dim)
	}

	return &m
}

// ForwardT runs the block on both branches. Each xs[i] is [B 1+N_i C_i] with
// the class token first; outputs keep that layout.
func (m *MultiScaleBlock) ForwardT(xs [2]*ts.Tensor, train bool) [2]*ts.Tensor {
	var outsB, projCls [2]*ts.Tensor
	for d := 0; d < 2; d++ {
		out := xs[d].MustShallowClone()
		for _, blk := range m.blocks[d] {
			next := blk.ForwardT(out, train)
			out.MustDrop()
			out = next
		}
		outsB[d] = out

		cls := base.Tokens(out, 0, 1)
		projCls[d] = m.projs[d].Forward(cls)
		cls.MustDrop()
	}

	var outs [2]*ts.Tensor
	for d := 0; d < 2; d++ {
		other := outsB[(d+1)%2]
		patches := base.Tokens(other, 1, other.MustSize()[1]-1)
		tmp := ts.MustCat([]*ts.Tensor{projCls[d], patches}, 1)
		patches.MustDrop()

		for _, fb := range m.fusion[d] {
			next := fb.ForwardT(tmp, train)
			tmp.MustDrop()
			tmp = next
		}

		reverted := m.revertProjs[d].Forward(tmp)
		tmp.MustDrop()

		own := base.Tokens(outsB[d], 1, outsB[d].MustSize()[1]-1)
		outs[d] = ts.MustCat([]*ts.Tensor{reverted, own}, 1)
		reverted.MustDrop()
		own.MustDrop()
	}

	for d := 0; d < 2; d++ {
		outsB[d].MustDrop()
		projCls[d].MustDrop()
	}

	return outs
}
