package encoder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Encoder is encoder interface for a image segmentation model.
type Encoder interface {
	// ForwardAll returns the feature maps of every pyramid level, finest first.
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	// Stage returns the module producing pyramid level `level` (1-4) from the
	// previous level's feature map (level 1 takes the image).
	Stage(level int) ts.ModuleT
	// OutChannels returns the channel width of each pyramid level.
	OutChannels() [4]int64
}

var _ Encoder = (*ResNetEncoder)(nil)

// Backbone names a supported CNN backbone.
type Backbone string

const (
	ResNet18 Backbone = "resnet18"
	ResNet34 Backbone = "resnet34"
	ResNet50 Backbone = "resnet50"
)

// StemStride is the downsampling factor of pyramid level 1 relative to the input.
const StemStride = 4

// ErrUnknownBackbone is returned for a backbone name outside the dispatch table.
var ErrUnknownBackbone = errors.New("unknown backbone")

type entry struct {
	channels [4]int64
	build    func(p *nn.Path) *ResNetEncoder
}

var backbones = map[Backbone]entry{
	ResNet18: {[4]int64{64, 128, 256, 512}, NewResNet18Encoder},
	ResNet34: {[4]int64{64, 128, 256, 512}, NewResNet34Encoder},
	ResNet50: {[4]int64{256, 512, 1024, 2048}, NewResNet50Encoder},
}

// Channels returns the pyramid channel widths of backbone b.
func Channels(b Backbone) ([4]int64, error) {
	s, ok := backbones[b]
	if !ok {
		return [4]int64{}, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownBackbone, b, Supported())
	}
	return s.channels, nil
}

// Supported lists the backbone names in the dispatch table.
func Supported() []Backbone {
	var names []Backbone
	for b := range backbones {
		names = append(names, b)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	return names
}

// New builds the encoder for backbone b under p.
func New(p *nn.Path, b Backbone) (*ResNetEncoder, error) {
	s, ok := backbones[b]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownBackbone, b, Supported())
	}
	return s.build(p), nil
}
