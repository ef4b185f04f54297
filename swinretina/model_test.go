package swinretina_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/checkpoint"
	"github.com/sugarme/swinretina/config"
	"github.com/sugarme/swinretina/swinretina"
)

// smallConfig is a 64x64 model: levels 16, 8, 4, 2 with 4x4 windows.
func smallConfig() *config.Config {
	cfg := config.ResNet18()
	cfg.ImageSize = 64
	cfg.WindowSize = 4
	cfg.SwinDepths = []int64{2, 1, 1, 1}
	cfg.CrossDepth = [][]int64{{1, 1, 0}}
	cfg.NumClasses = 3
	cfg.SwinPretrainedPath = ""
	return cfg
}

func newModel(t *testing.T, cfg *config.Config, opts ...swinretina.Option) (*nn.VarStore, *swinretina.SwinRetina) {
	t.Helper()
	vs := nn.NewVarStore(gotch.CPU)
	m, err := swinretina.New(vs, cfg, opts...)
	require.NoError(t, err)
	return vs, m
}

func finite(x *ts.Tensor) bool {
	return x.MustIsfinite(false).MustAll(true).Int64Values()[0] != 0
}

func TestPyramidFeatures(t *testing.T) {
	cfg := smallConfig()
	vs := nn.NewVarStore(gotch.CPU)
	pf, err := swinretina.NewPyramidFeatures(vs.Root(), cfg)
	require.NoError(t, err)

	x := ts.MustZeros([]int64{2, 3, 64, 64}, gotch.Float, gotch.CPU)
	pyr, err := pf.Forward(x, false)
	require.NoError(t, err)
	defer pyr.Drop()

	tokens := cfg.BranchTokens()
	assert.Equal(t, []int64{2, tokens[0], 192}, pyr.Concat[0].MustSize())
	assert.Equal(t, []int64{2, tokens[1], 384}, pyr.Concat[1].MustSize())
	assert.Equal(t, [2]int64{16*16 + 8*8, 4*4 + 2*2}, tokens)

	for i, want := range [][]int64{{2, 256, 96}, {2, 64, 192}, {2, 16, 384}, {2, 4, 768}} {
		assert.Equal(t, want, pyr.Skips[i].MustSize(), "skip %d", i+1)
	}

	// branch B holds the four projected level-4 tokens, then level 3
	head := pyr.Skips[2].MustNarrow(1, 0, 1, false)
	tail := pyr.Concat[1].MustNarrow(1, 4, 1, false)
	assert.True(t, head.MustEqual(tail, false))
}

func TestAll2Cross(t *testing.T) {
	cfg := smallConfig()
	vs := nn.NewVarStore(gotch.CPU)
	m, err := swinretina.NewAll2Cross(vs.Root(), cfg)
	require.NoError(t, err)

	x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
	xs, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1 + 320, 192}, xs[0].MustSize())
	assert.Equal(t, []int64{1, 1 + 20, 384}, xs[1].MustSize())
}

func TestForward(t *testing.T) {
	_, m := newModel(t, smallConfig())

	x := ts.MustZeros([]int64{2, 3, 64, 64}, gotch.Float, gotch.CPU)
	out, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 64, 64}, out.MustSize())
	assert.True(t, finite(out))

	again, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.True(t, out.MustEqual(again, false), "eval forward passes must be identical")

	labels, err := m.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 64, 64}, labels.MustSize())
	for _, v := range labels.Int64Values() {
		assert.True(t, v >= 0 && v < 3)
	}
}

func TestForwardRejectsInput(t *testing.T) {
	_, m := newModel(t, smallConfig())

	for _, shape := range [][]int64{{1, 3, 32, 32}, {1, 1, 64, 64}, {3, 64, 64}} {
		x := ts.MustZeros(shape, gotch.Float, gotch.CPU)
		_, err := m.Forward(x, false)
		assert.True(t, errors.Is(err, base.ErrShape), "shape %v", shape)
	}

	assert.Panics(t, func() {
		m.ForwardT(ts.MustZeros([]int64{1, 3, 60, 60}, gotch.Float, gotch.CPU), false)
	})
}

func TestInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.ImageSize = 66

	_, err := swinretina.New(nn.NewVarStore(gotch.CPU), cfg)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestVariableNames(t *testing.T) {
	vs, _ := newModel(t, smallConfig())
	vars := vs.Variables()

	for _, name := range []string{
		"All2Cross.pyramid.resnet.conv1.weight",
		"All2Cross.pyramid.resnet.layer1.0.conv1.weight",
		"All2Cross.pyramid.swin_transformer.layers.0.blocks.1.attn.relative_position_bias_table",
		"All2Cross.pyramid.p1_ch.weight",
		"All2Cross.pyramid.p4_ch.bias",
		"All2Cross.pyramid.p3_pm.reduction.weight",
		"All2Cross.pyramid.proj1_2.weight",
		"All2Cross.pyramid.proj3_4.bias",
		"All2Cross.cls_token_1_2",
		"All2Cross.cls_token_3_4",
		"All2Cross.attention1.to_qkv.weight",
		"All2Cross.attention2.to_out.0.weight",
		"All2Cross.blocks.0.blocks.1.0.attn.qkv.weight",
		"All2Cross.blocks.0.fusion.1.attn.wq.weight",
		"All2Cross.norm.1.weight",
		"conv_list.0.0.conv_tower.0.weight",
		"conv_list.1.1.conv_tower.8.weight",
		"conv_pred.0.weight",
		"segmentation_head.0.bias",
	} {
		assert.Contains(t, vars, name)
	}
	assert.NotContains(t, vars, "All2Cross.pyramid.p4_pm.norm.weight")
	assert.NotContains(t, vars, "conv_list.0.0.conv_tower.3.weight")
}

func TestTracer(t *testing.T) {
	var stages []string
	tracer := func(stage string, x *ts.Tensor) { stages = append(stages, stage) }
	_, m := newModel(t, smallConfig(), swinretina.WithTracer(tracer))

	_, err := m.Forward(ts.MustZeros([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU), false)
	require.NoError(t, err)
	assert.Contains(t, stages, "pyramid.skip4")
	assert.Contains(t, stages, "pyramid.concat2")
	assert.Contains(t, stages, "decoder.pred")
	assert.Equal(t, "logits", stages[len(stages)-1])
}

func TestPretrainedSwin(t *testing.T) {
	dir := t.TempDir()
	srcVS, _ := newModel(t, smallConfig())
	swinWeights := checkpoint.FromVarStore(srcVS, swinretina.SwinPrefix)
	// official releases carry buffers and a final norm the model does not use
	swinWeights["layers.0.blocks.0.attn.relative_position_index"] = &checkpoint.Tensor{Shape: []int64{1}, Data: []float32{0}}
	swinWeights["norm.weight"] = &checkpoint.Tensor{Shape: []int64{1}, Data: []float32{1}}

	path := filepath.Join(dir, "swin.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, swinWeights))

	cfg := smallConfig()
	cfg.SwinPretrainedPath = path
	dstVS, _ := newModel(t, cfg)

	name := swinretina.SwinPrefix + ".layers.2.blocks.0.attn.qkv.weight"
	want := srcVS.Variables()[name]
	got := dstVS.Variables()[name]
	assert.True(t, got.MustEqual(&want, false))
}

func TestPretrainedSwinMissingKey(t *testing.T) {
	srcVS, _ := newModel(t, smallConfig())
	swinWeights := checkpoint.FromVarStore(srcVS, swinretina.SwinPrefix)
	delete(swinWeights, "layers.1.blocks.0.norm1.weight")

	path := filepath.Join(t.TempDir(), "swin.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, swinWeights))

	cfg := smallConfig()
	cfg.SwinPretrainedPath = path
	_, err := swinretina.New(nn.NewVarStore(gotch.CPU), cfg)
	require.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
	assert.Contains(t, err.Error(), "layers.1.blocks.0.norm1.weight")

	cfg.SwinPretrainedPath = filepath.Join(t.TempDir(), "absent.pth")
	_, err = swinretina.New(nn.NewVarStore(gotch.CPU), cfg)
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
}

func TestPretrainedBackbone(t *testing.T) {
	srcVS, _ := newModel(t, smallConfig())
	weights := checkpoint.FromVarStore(srcVS, swinretina.BackbonePrefix)
	weights["fc.weight"] = &checkpoint.Tensor{Shape: []int64{1000, 512}, Data: make([]float32, 1000*512)}

	path := filepath.Join(t.TempDir(), "resnet18.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, weights))

	cfg := smallConfig()
	cfg.PretrainedPath = path
	_, err := swinretina.New(nn.NewVarStore(gotch.CPU), cfg)
	assert.NoError(t, err)

	// a resnet50 checkpoint does not fit a resnet18 backbone
	cfg50 := config.ResNet50()
	cfg50.ImageSize, cfg50.WindowSize, cfg50.SwinPretrainedPath = 64, 4, ""
	vs50, _ := newModel(t, cfg50)
	path50 := filepath.Join(t.TempDir(), "resnet50.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path50, checkpoint.FromVarStore(vs50, swinretina.BackbonePrefix)))

	cfg.PretrainedPath = path50
	_, err = swinretina.New(nn.NewVarStore(gotch.CPU), cfg)
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
}

func TestLoadWeights(t *testing.T) {
	srcVS, src := newModel(t, smallConfig())

	// name the backbone the way the PyTorch model stores it
	torchNames := strings.NewReplacer(
		"pyramid.resnet.conv1.", "pyramid.resnet_layers.0.",
		"pyramid.resnet.bn1.", "pyramid.resnet_layers.1.",
		"pyramid.resnet.layer1.", "pyramid.resnet_layers.4.",
		"pyramid.resnet.layer2.", "pyramid.resnet_layers.5.",
		"pyramid.resnet.layer3.", "pyramid.resnet_layers.6.",
		"pyramid.resnet.layer4.", "pyramid.resnet_layers.7.",
	)
	weights := checkpoint.FromVarStore(srcVS, "").Rename(torchNames)
	require.Contains(t, weights, "All2Cross.pyramid.resnet_layers.4.0.conv1.weight")

	path := filepath.Join(t.TempDir(), "swinretina.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, weights))

	_, dst := newModel(t, smallConfig())
	report, err := dst.LoadWeights(path)
	require.NoError(t, err)
	assert.Empty(t, report.Dropped)

	x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
	want, err := src.Forward(x, false)
	require.NoError(t, err)
	got, err := dst.Forward(x, false)
	require.NoError(t, err)
	assert.True(t, got.MustAllclose(want, 1e-5, 1e-5, false, false))
}

func TestDecoderRejectsTokenCount(t *testing.T) {
	cfg := smallConfig()
	vs := nn.NewVarStore(gotch.CPU)
	dec := swinretina.NewDecoder(vs.Root(), cfg)

	good := [2]*ts.Tensor{
		ts.MustRand([]int64{1, 1 + 320, 192}, gotch.Float, gotch.CPU),
		ts.MustRand([]int64{1, 1 + 20, 384}, gotch.Float, gotch.CPU),
	}
	out, err := dec.Forward(good, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 64, 64}, out.MustSize())

	bad := [2]*ts.Tensor{good[0], ts.MustRand([]int64{1, 1 + 19, 384}, gotch.Float, gotch.CPU)}
	_, err = dec.Forward(bad, false)
	assert.True(t, errors.Is(err, base.ErrShape))
}

func TestFullSizeForward(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the 224x224 resnet34 model")
	}

	cfg := config.ResNet34()
	cfg.SwinPretrainedPath = ""
	require.Equal(t, [4]int64{56 * 56, 28 * 28, 14 * 14, 7 * 7}, cfg.LevelTokens())

	_, m := newModel(t, cfg)
	var out *ts.Tensor
	ts.NoGrad(func() {
		var err error
		out, err = m.Forward(ts.MustZeros([]int64{1, 3, 224, 224}, gotch.Float, gotch.CPU), false)
		require.NoError(t, err)
	})
	assert.Equal(t, []int64{1, 9, 224, 224}, out.MustSize())
	assert.True(t, finite(out))
}
