package config

import (
	"fmt"

	"github.com/sugarme/swinretina/encoder"
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks that every declared width, size and patch size is consistent.
// The returned error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.ImageSize <= 0 || c.PatchSize <= 0 {
		return invalid("image_size (%d) and patch_size (%d) must be positive", c.ImageSize, c.PatchSize)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return invalid("image_size %d is not divisible by patch_size %d", c.ImageSize, c.PatchSize)
	}
	for _, ps := range c.DecoderPatchSizes() {
		for _, p := range ps {
			if c.ImageSize%p != 0 {
				return invalid("image_size %d is not divisible by pyramid patch size %d", c.ImageSize, p)
			}
		}
	}
	if c.PatchSize != encoder.StemStride {
		return invalid("patch_size %d must equal the backbone stem stride %d", c.PatchSize, encoder.StemStride)
	}
	if c.InChannels != 3 {
		return invalid("in_channels must be 3, got %d", c.InChannels)
	}
	if c.NumClasses < 1 {
		return invalid("num_classes must be at least 1, got %d", c.NumClasses)
	}

	channels, err := encoder.Channels(c.CNNBackbone)
	if err != nil {
		return invalid("%v", err)
	}
	if len(c.CNNPyramidFM) != 4 {
		return invalid("cnn_pyramid_fm needs 4 widths, got %v", c.CNNPyramidFM)
	}
	for i, ch := range channels {
		if c.CNNPyramidFM[i] != ch {
			return invalid("cnn_pyramid_fm %v does not match %s stage widths %v", c.CNNPyramidFM, c.CNNBackbone, channels)
		}
	}

	if len(c.SwinPyramidFM) != 4 || len(c.SwinDepths) != 4 || len(c.SwinHeads) != 4 {
		return invalid("swin_pyramid_fm, swin_depths and swin_heads need 4 entries each")
	}
	if c.SwinPyramidFM[0] <= 0 {
		return invalid("swin_pyramid_fm widths must be positive, got %v", c.SwinPyramidFM)
	}
	for i := 1; i < 4; i++ {
		if c.SwinPyramidFM[i] != 2*c.SwinPyramidFM[i-1] {
			return invalid("swin_pyramid_fm %v must double per level (patch merging doubles widths)", c.SwinPyramidFM)
		}
	}
	if c.WindowSize <= 0 {
		return invalid("window_size must be positive, got %d", c.WindowSize)
	}
	if c.MlpRatio <= 0 {
		return invalid("mlp_ratio must be positive, got %v", c.MlpRatio)
	}
	for i, r := range c.LevelResolutions() {
		if c.SwinHeads[i] <= 0 || c.SwinPyramidFM[i]%c.SwinHeads[i] != 0 {
			return invalid("swin level %d width %d is not divisible by %d heads", i+1, c.SwinPyramidFM[i], c.SwinHeads[i])
		}
		if c.SwinDepths[i] <= 0 {
			return invalid("swin level %d depth must be positive, got %d", i+1, c.SwinDepths[i])
		}
		if r > c.WindowSize && r%c.WindowSize != 0 {
			return invalid("swin level %d grid %dx%d is not tiled by window %d", i+1, r, r, c.WindowSize)
		}
	}

	if len(c.CrossDepth) == 0 {
		return invalid("cross_depth needs at least one multi-scale block")
	}
	for _, row := range c.CrossDepth {
		if len(row) != 3 {
			return invalid("cross_depth rows are [branch A, branch B, fusion], got %v", row)
		}
		for _, d := range row {
			if d < 0 {
				return invalid("cross_depth entries must not be negative, got %v", row)
			}
		}
	}
	if len(c.CrossHeads) != 2 || len(c.CrossMlpRatio) != 3 {
		return invalid("cross_heads needs 2 entries and cross_mlp_ratio 3")
	}
	for _, r := range c.CrossMlpRatio {
		if r <= 0 {
			return invalid("cross_mlp_ratio entries must be positive, got %v", c.CrossMlpRatio)
		}
	}
	for i, dim := range c.BranchDims() {
		if c.CrossHeads[i] <= 0 || dim%c.CrossHeads[i] != 0 {
			return invalid("branch width %d is not divisible by %d heads", dim, c.CrossHeads[i])
		}
	}
	if c.AttentionHeads <= 0 || c.AttentionDimHead <= 0 {
		return invalid("attention_heads and attention_dim_head must be positive")
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return invalid("dropout must be in [0, 1), got %v", c.Dropout)
	}

	if c.DecoderChannels <= 0 || c.DecoderChannels%32 != 0 {
		return invalid("decoder_channels %d must be a positive multiple of 32 (group norm groups)", c.DecoderChannels)
	}
	if c.HeadChannels <= 0 {
		return invalid("head_channels must be positive, got %d", c.HeadChannels)
	}

	return nil
}
