package swin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/swin"
)

func TestPatchMerging(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	pm := swin.NewPatchMerging(vs.Root(), 8, 96)

	x := ts.MustRand([]int64{2, 64, 96}, gotch.Float, gotch.CPU)
	assert.Equal(t, []int64{2, 16, 192}, pm.ForwardT(x, false).MustSize())

	assert.Panics(t, func() {
		pm.ForwardT(ts.MustRand([]int64{2, 63, 96}, gotch.Float, gotch.CPU), false)
	})

	vars := vs.Variables()
	assert.Contains(t, vars, "norm.weight")
	assert.Contains(t, vars, "reduction.weight")
	assert.NotContains(t, vars, "reduction.bias")
}

func TestTransformerStages(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	opts := swin.Options{
		Resolution: 16,
		EmbedDim:   96,
		Depths:     [4]int64{2, 1, 2, 1},
		NumHeads:   [4]int64{3, 6, 12, 24},
		WindowSize: 4,
		MlpRatio:   4,
	}
	tr := swin.NewTransformer(vs.Root(), opts)

	for level := 1; level <= 4; level++ {
		res := int64(16 >> (level - 1))
		dim := int64(96 << (level - 1))
		x := ts.MustRand([]int64{1, res * res, dim}, gotch.Float, gotch.CPU)
		out := tr.Stage(level).ForwardT(x, false)
		assert.Equal(t, x.MustSize(), out.MustSize(), "level %d", level)
		assert.False(t, out.MustIsnan(false).MustAny(false).Int64Values()[0] != 0)
	}

	vars := vs.Variables()
	for _, name := range []string{
		"layers.0.blocks.1.attn.qkv.weight",
		"layers.0.blocks.1.attn.relative_position_bias_table",
		"layers.2.blocks.0.mlp.fc2.bias",
		"layers.3.blocks.0.norm2.weight",
	} {
		assert.Contains(t, vars, name)
	}
	assert.NotContains(t, vars, "layers.0.blocks.0.attn.relative_position_index")

	assert.Panics(t, func() { tr.Stage(5) })
}

func TestDefaultOptions(t *testing.T) {
	opts := swin.DefaultOptions()
	assert.Equal(t, int64(56), opts.Resolution)
	assert.Equal(t, [4]int64{2, 2, 6, 2}, opts.Depths)
}
