package encoder_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/encoder"
)

func TestResNetStages(t *testing.T) {
	for _, b := range []encoder.Backbone{encoder.ResNet18, encoder.ResNet50} {
		t.Run(string(b), func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			enc, err := encoder.New(vs.Root(), b)
			require.NoError(t, err)

			channels, err := encoder.Channels(b)
			require.NoError(t, err)
			assert.Equal(t, channels, enc.OutChannels())

			x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
			fms := enc.ForwardAll(x, false)
			require.Len(t, fms, 4)
			for i, fm := range fms {
				side := int64(64 / encoder.StemStride >> i)
				assert.Equal(t, []int64{1, channels[i], side, side}, fm.MustSize(), "level %d", i+1)
			}

			// stages chained one by one give the same maps
			fm := enc.Stage(1).ForwardT(x, false)
			for level := 2; level <= 4; level++ {
				fm = enc.Stage(level).ForwardT(fm, false)
			}
			assert.True(t, fm.MustAllclose(fms[3], 1e-5, 1e-6, false, false))
		})
	}
}

func TestTorchvisionNames(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.New(vs.Root(), encoder.ResNet34)
	require.NoError(t, err)

	vars := vs.Variables()
	for _, name := range []string{
		"conv1.weight",
		"bn1.running_mean",
		"layer1.0.conv1.weight",
		"layer2.0.downsample.0.weight",
		"layer2.0.downsample.1.bias",
		"layer4.2.bn2.weight",
	} {
		assert.Contains(t, vars, name)
	}
	assert.NotContains(t, vars, "fc.weight")
}

func TestShortcutWithoutProjection(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	same := encoder.NewBasicBlock(vs.Root().Sub("same"), 8, 8, 1)
	down := encoder.NewBasicBlock(vs.Root().Sub("down"), 8, 16, 2)

	assert.IsType(t, &base.Identity{}, same.Downsample)
	assert.NotContains(t, vs.Variables(), "same.downsample.0.weight")
	assert.Contains(t, vs.Variables(), "down.downsample.0.weight")

	x := ts.MustRand([]int64{1, 8, 8, 8}, gotch.Float, gotch.CPU)
	assert.Equal(t, []int64{1, 8, 8, 8}, same.ForwardT(x, false).MustSize())
	assert.Equal(t, []int64{1, 16, 4, 4}, down.ForwardT(x, false).MustSize())
	// the residual input survives the block
	assert.Equal(t, []int64{1, 8, 8, 8}, x.MustSize())

	var enc encoder.Encoder
	enc, err := encoder.New(vs.Root().Sub("resnet"), encoder.ResNet18)
	require.NoError(t, err)
	assert.Equal(t, [4]int64{64, 128, 256, 512}, enc.OutChannels())
}

func TestUnknownBackbone(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.New(vs.Root(), "vgg16")
	assert.True(t, errors.Is(err, encoder.ErrUnknownBackbone))

	_, err = encoder.Channels("resnet101")
	assert.True(t, errors.Is(err, encoder.ErrUnknownBackbone))

	assert.Equal(t, []encoder.Backbone{encoder.ResNet18, encoder.ResNet34, encoder.ResNet50}, encoder.Supported())
}

func TestNormalize(t *testing.T) {
	x := ts.MustOnes([]int64{1, 3, 2, 2}, gotch.Float, gotch.CPU)
	n := encoder.Normalize(x)
	vals := n.Float64Values()
	assert.InDelta(t, (1-0.485)/0.229, vals[0], 1e-5)
	assert.InDelta(t, (1-0.406)/0.225, vals[11], 1e-5)
}
