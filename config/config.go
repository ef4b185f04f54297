// Package config describes the geometry and weights of a SwinRetina model.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sugarme/swinretina/encoder"
)

// ErrInvalidConfig reports a configuration whose declared shapes cannot work
// together.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is supplied once at model construction and never mutated afterwards.
type Config struct {
	ImageSize  int64 `yaml:"image_size"`
	PatchSize  int64 `yaml:"patch_size"`
	InChannels int64 `yaml:"in_channels"`
	NumClasses int64 `yaml:"num_classes"`

	CNNBackbone   encoder.Backbone `yaml:"cnn_backbone"`
	CNNPyramidFM  []int64          `yaml:"cnn_pyramid_fm"`
	SwinPyramidFM []int64          `yaml:"swin_pyramid_fm"`
	SwinDepths    []int64          `yaml:"swin_depths"`
	SwinHeads     []int64          `yaml:"swin_heads"`
	WindowSize    int64            `yaml:"window_size"`
	MlpRatio      float64          `yaml:"mlp_ratio"`

	CrossDepth       [][]int64 `yaml:"cross_depth"`
	CrossHeads       []int64   `yaml:"cross_heads"`
	CrossMlpRatio    []float64 `yaml:"cross_mlp_ratio"`
	AttentionHeads   int64     `yaml:"attention_heads"`
	AttentionDimHead int64     `yaml:"attention_dim_head"`
	Dropout          float64   `yaml:"dropout"`

	DecoderChannels int64 `yaml:"decoder_channels"`
	HeadChannels    int64 `yaml:"head_channels"`

	PretrainedPath     string `yaml:"pretrained_path"`      // CNN weights; empty for random init
	SwinPretrainedPath string `yaml:"swin_pretrained_path"` // Swin checkpoint; empty for random init
}

// Load reads a YAML file. Keys absent from the file keep the values of the
// preset named by `cnn_backbone` (resnet34 when unset).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var head struct {
		Backbone encoder.Backbone `yaml:"cnn_backbone"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if head.Backbone == "" {
		head.Backbone = encoder.ResNet34
	}

	cfg, err := Preset(head.Backbone)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	n := *c
	n.CNNPyramidFM = append([]int64(nil), c.CNNPyramidFM...)
	n.SwinPyramidFM = append([]int64(nil), c.SwinPyramidFM...)
	n.SwinDepths = append([]int64(nil), c.SwinDepths...)
	n.SwinHeads = append([]int64(nil), c.SwinHeads...)
	n.CrossHeads = append([]int64(nil), c.CrossHeads...)
	n.CrossMlpRatio = append([]float64(nil), c.CrossMlpRatio...)
	n.CrossDepth = nil
	for _, row := range c.CrossDepth {
		n.CrossDepth = append(n.CrossDepth, append([]int64(nil), row...))
	}
	return &n
}

// GridSize is the token grid side of pyramid level 1.
func (c *Config) GridSize() int64 {
	return c.ImageSize / c.PatchSize
}

// LevelResolutions returns the token grid side of each pyramid level.
func (c *Config) LevelResolutions() [4]int64 {
	g := c.GridSize()
	return [4]int64{g, g / 2, g / 4, g / 8}
}

// LevelTokens returns the token count of each pyramid level.
func (c *Config) LevelTokens() [4]int64 {
	var n [4]int64
	for i, r := range c.LevelResolutions() {
		n[i] = r * r
	}
	return n
}

// BranchTokens returns the token counts (without class token) of the two
// concatenated branches: levels 1+2 and levels 3+4.
func (c *Config) BranchTokens() [2]int64 {
	n := c.LevelTokens()
	return [2]int64{n[0] + n[1], n[2] + n[3]}
}

// BranchDims returns the channel widths of the two branches.
func (c *Config) BranchDims() [2]int64 {
	return [2]int64{c.SwinPyramidFM[1], c.SwinPyramidFM[2]}
}

// DecoderPatchSizes returns, per branch, the patch sizes of the two token runs
// the decoder splits a branch into.
func (c *Config) DecoderPatchSizes() [2][2]int64 {
	p := c.PatchSize
	return [2][2]int64{{p, 2 * p}, {4 * p, 8 * p}}
}
