// Package swinretina implements SwinRetina, a hybrid CNN / Swin Transformer
// segmentation network with CrossViT fusion of its feature pyramid.
package swinretina

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/checkpoint"
	"github.com/sugarme/swinretina/config"
)

// Variable name prefixes of the pretrained sub-networks.
const (
	BackbonePrefix = "All2Cross.pyramid.resnet"
	SwinPrefix     = "All2Cross.pyramid.swin_transformer"
)

// fullCheckpointNames maps the backbone keys of a trained PyTorch SwinRetina
// (an indexed list of the torchvision children) to torchvision names.
var fullCheckpointNames = strings.NewReplacer(
	"pyramid.resnet_layers.0.", "pyramid.resnet.conv1.",
	"pyramid.resnet_layers.1.", "pyramid.resnet.bn1.",
	"pyramid.resnet_layers.4.", "pyramid.resnet.layer1.",
	"pyramid.resnet_layers.5.", "pyramid.resnet.layer2.",
	"pyramid.resnet_layers.6.", "pyramid.resnet.layer3.",
	"pyramid.resnet_layers.7.", "pyramid.resnet.layer4.",
)

// CanonicalNames renames the keys of a trained PyTorch SwinRetina checkpoint
// to the variable names of this package.
func CanonicalNames(tensors checkpoint.Tensors) checkpoint.Tensors {
	return tensors.Rename(fullCheckpointNames)
}

// Option configures New.
type Option func(*SwinRetina)

// WithLogger sets the logger used while building and loading the model.
func WithLogger(l *slog.Logger) Option {
	return func(m *SwinRetina) { m.logger = l }
}

// WithTracer observes intermediate tensors of every forward pass.
func WithTracer(t Tracer) Option {
	return func(m *SwinRetina) { m.tracer = t }
}

// SwinRetina is the full segmentation model.
type SwinRetina struct {
	vs        *nn.VarStore
	cfg       *config.Config
	all2cross *All2Cross
	decoder   *Decoder

	logger *slog.Logger
	tracer Tracer
}

// New builds a SwinRetina under the root of vs and loads the pretrained CNN
// and Swin weights named by cfg. Configuration problems return an error
// wrapping config.ErrInvalidConfig, weight problems checkpoint.ErrCheckpoint.
func New(vs *nn.VarStore, cfg *config.Config, opts ...Option) (*SwinRetina, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &SwinRetina{
		vs:     vs,
		cfg:    cfg.Clone(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	root := vs.Root()
	all2cross, err := NewAll2Cross(root.Sub("All2Cross"), m.cfg)
	if err != nil {
		return nil, err
	}
	m.all2cross = all2cross
	m.decoder = NewDecoder(root, m.cfg)

	m.all2cross.Trace = m.tracer
	m.all2cross.pyramid.Trace = m.tracer
	m.decoder.Trace = m.tracer

	if err := m.loadPretrained("backbone", BackbonePrefix, m.cfg.PretrainedPath); err != nil {
		return nil, err
	}
	if err := m.loadPretrained("swin", SwinPrefix, m.cfg.SwinPretrainedPath); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *SwinRetina) loadPretrained(what, prefix, path string) error {
	if path == "" {
		m.logger.Warn("no pretrained weights, using random initialization", "part", what)
		return nil
	}

	tensors, err := checkpoint.Read(path)
	if err != nil {
		return err
	}
	report, err := checkpoint.Apply(m.vs, prefix, tensors)
	if err != nil {
		return fmt.Errorf("%s weights %s: %w", what, path, err)
	}
	m.logger.Info("pretrained weights loaded", "part", what, "path", path,
		"loaded", len(report.Loaded), "dropped", len(report.Dropped))

	return nil
}

// LoadWeights replaces every model variable with the tensors of a trained
// SwinRetina checkpoint.
func (m *SwinRetina) LoadWeights(path string) (*checkpoint.Report, error) {
	tensors, err := checkpoint.Read(path)
	if err != nil {
		return nil, err
	}
	report, err := checkpoint.Apply(m.vs, "", CanonicalNames(tensors))
	if err != nil {
		return nil, fmt.Errorf("model weights %s: %w", path, err)
	}
	m.logger.Info("model weights loaded", "path", path, "loaded", len(report.Loaded), "dropped", len(report.Dropped))

	return report, nil
}

// Config returns a copy of the model configuration.
func (m *SwinRetina) Config() *config.Config {
	return m.cfg.Clone()
}

// Forward maps images [B in_channels S S] to logits [B num_classes S S].
func (m *SwinRetina) Forward(x *ts.Tensor, train bool) (*ts.Tensor, error) {
	size := x.MustSize()
	s := m.cfg.ImageSize
	if len(size) != 4 || size[1] != m.cfg.InChannels || size[2] != s || size[3] != s {
		want := []int64{-1, m.cfg.InChannels, s, s}
		if len(size) > 0 {
			want[0] = size[0]
		}
		return nil, base.ShapeError("input", want, size)
	}

	xs, err := m.all2cross.Forward(x, train)
	if err != nil {
		return nil, err
	}
	out, err := m.decoder.Forward(xs, train)
	xs[0].MustDrop()
	xs[1].MustDrop()
	if err != nil {
		return nil, err
	}
	m.tracer.trace("logits", out)

	return out, nil
}

// ForwardT implements ts.ModuleT for SwinRetina. It panics where Forward
// returns an error.
func (m *SwinRetina) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out, err := m.Forward(x, train)
	if err != nil {
		panic(err)
	}
	return out
}

// Predict returns the per-pixel class labels [B S S] of x in eval mode.
func (m *SwinRetina) Predict(x *ts.Tensor) (*ts.Tensor, error) {
	var (
		labels *ts.Tensor
		err    error
	)
	ts.NoGrad(func() {
		var logits *ts.Tensor
		logits, err = m.Forward(x, false)
		if err != nil {
			return
		}
		labels = logits.MustArgmax([]int64{1}, false, true)
	})

	return labels, err
}
