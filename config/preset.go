package config

import (
	"path/filepath"

	"github.com/sugarme/swinretina/encoder"
	"github.com/sugarme/swinretina/envconfig"
)

// SwinTinyCheckpoint is the file name of the Swin-T ImageNet-1k release.
const SwinTinyCheckpoint = "swin_tiny_patch4_window7_224.pth"

// Preset returns the configuration for backbone b.
func Preset(b encoder.Backbone) (*Config, error) {
	channels, err := encoder.Channels(b)
	if err != nil {
		return nil, invalid("%v", err)
	}

	cfg := defaults()
	cfg.CNNBackbone = b
	cfg.CNNPyramidFM = channels[:]

	return cfg, nil
}

// ResNet18 is Swin-T fused with a ResNet-18.
func ResNet18() *Config {
	cfg, _ := Preset(encoder.ResNet18)
	return cfg
}

// ResNet34 is Swin-T fused with a ResNet-34.
func ResNet34() *Config {
	cfg, _ := Preset(encoder.ResNet34)
	return cfg
}

// ResNet50 is Swin-T fused with a ResNet-50.
func ResNet50() *Config {
	cfg, _ := Preset(encoder.ResNet50)
	return cfg
}

func defaults() *Config {
	return &Config{
		ImageSize:  224,
		PatchSize:  4,
		InChannels: 3,
		NumClasses: 9,

		SwinPyramidFM: []int64{96, 192, 384, 768},
		SwinDepths:    []int64{2, 2, 6, 2},
		SwinHeads:     []int64{3, 6, 12, 24},
		WindowSize:    7,
		MlpRatio:      4.0,

		CrossDepth:       [][]int64{{1, 4, 0}, {1, 4, 0}},
		CrossHeads:       []int64{6, 6},
		CrossMlpRatio:    []float64{4.0, 4.0, 1.0},
		AttentionHeads:   8,
		AttentionDimHead: 64,

		DecoderChannels: 128,
		HeadChannels:    16,

		SwinPretrainedPath: filepath.Join(envconfig.WeightsDir(), SwinTinyCheckpoint),
	}
}
