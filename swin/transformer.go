package swin

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
)

// Options configures a Transformer.
type Options struct {
	Resolution int64    // token grid side of stage 1
	EmbedDim   int64    // width of stage 1; doubles per stage
	Depths     [4]int64 // blocks per stage
	NumHeads   [4]int64 // attention heads per stage
	WindowSize int64
	MlpRatio   float64
}

// DefaultOptions returns Swin-T at 224x224 input with patch size 4.
func DefaultOptions() Options {
	return Options{
		Resolution: 56,
		EmbedDim:   96,
		Depths:     [4]int64{2, 2, 6, 2},
		NumHeads:   [4]int64{3, 6, 12, 24},
		WindowSize: 7,
		MlpRatio:   4.0,
	}
}

// Transformer holds the four stages of a hierarchical Swin Transformer. Patch
// embedding, downsampling and the classification head are not part of it: the
// caller feeds each stage and merges patches between stages itself.
type Transformer struct {
	layers [4]*BasicLayer
}

// NewTransformer creates the stages under `layers.{i}` of p, matching the
// parameter names of the official checkpoints.
func NewTransformer(p *nn.Path, opts Options) *Transformer {
	var t Transformer
	for i := range t.layers {
		dim := opts.EmbedDim << i
		res := opts.Resolution >> i
		t.layers[i] = NewBasicLayer(p.Sub("layers").Sub(fmt.Sprint(i)), dim, res, opts.Depths[i], opts.NumHeads[i], opts.WindowSize, opts.MlpRatio)
	}

	return &t
}

// Stage returns the stage of pyramid level `level` (1-4).
func (t *Transformer) Stage(level int) Stage {
	if level < 1 || level > len(t.layers) {
		panic(fmt.Sprintf("swin: pyramid level %d out of range [1, 4]", level))
	}
	return t.layers[level-1]
}
