package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/swinretina/base"
)

// ResNetEncoder exposes the four residual stages of a torchvision ResNet.
// Variable names follow torchvision so pretrained weights load directly.
type ResNetEncoder struct {
	layer0   ts.ModuleT
	layer1   ts.ModuleT
	layer2   ts.ModuleT
	layer3   ts.ModuleT
	layer4   ts.ModuleT
	channels [4]int64
}

// ForwardAll implements Encoder interface for ResNetEncoder
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	x1 := e.Stage(1).ForwardT(x, train)
	x2 := e.layer2.ForwardT(x1, train)
	x3 := e.layer3.ForwardT(x2, train)
	x4 := e.layer4.ForwardT(x3, train)

	return []*ts.Tensor{x1, x2, x3, x4}
}

// Stage implements Encoder interface for ResNetEncoder.
// Level 1 is conv1, bn1, relu, maxpool and layer1.
func (e *ResNetEncoder) Stage(level int) ts.ModuleT {
	switch level {
	case 1:
		return nn.NewFuncT(func(x *ts.Tensor, train bool) *ts.Tensor {
			x0 := e.layer0.ForwardT(x, train)
			x1 := e.layer1.ForwardT(x0, train)
			x0.MustDrop()
			return x1
		})
	case 2:
		return e.layer2
	case 3:
		return e.layer3
	case 4:
		return e.layer4
	default:
		panic(fmt.Sprintf("encoder: pyramid level %d out of range [1, 4]", level))
	}
}

// OutChannels implements Encoder interface for ResNetEncoder.
func (e *ResNetEncoder) OutChannels() [4]int64 {
	return e.channels
}

func NewResNet18Encoder(p *nn.Path) *ResNetEncoder {
	return &ResNetEncoder{
		layer0:   layerZero(p), // NOTE. `conv1` and `bn1` are at root of pretrained model
		layer1:   basicLayer(p.Sub("layer1"), 64, 64, 1, 2),
		layer2:   basicLayer(p.Sub("layer2"), 64, 128, 2, 2),
		layer3:   basicLayer(p.Sub("layer3"), 128, 256, 2, 2),
		layer4:   basicLayer(p.Sub("layer4"), 256, 512, 2, 2),
		channels: [4]int64{64, 128, 256, 512},
	}
}

func NewResNet34Encoder(p *nn.Path) *ResNetEncoder {
	return &ResNetEncoder{
		layer0:   layerZero(p),
		layer1:   basicLayer(p.Sub("layer1"), 64, 64, 1, 3),
		layer2:   basicLayer(p.Sub("layer2"), 64, 128, 2, 4),
		layer3:   basicLayer(p.Sub("layer3"), 128, 256, 2, 6),
		layer4:   basicLayer(p.Sub("layer4"), 256, 512, 2, 3),
		channels: [4]int64{64, 128, 256, 512},
	}
}

func NewResNet50Encoder(p *nn.Path) *ResNetEncoder {
	return &ResNetEncoder{
		layer0:   layerZero(p),
		layer1:   bottleneckLayer(p.Sub("layer1"), 64, 64, 1, 3),
		layer2:   bottleneckLayer(p.Sub("layer2"), 256, 128, 2, 4),
		layer3:   bottleneckLayer(p.Sub("layer3"), 512, 256, 2, 6),
		layer4:   bottleneckLayer(p.Sub("layer4"), 1024, 512, 2, 3),
		channels: [4]int64{256, 512, 1024, 2048},
	}
}

// Normalize standardizes a [B 3 H W] image in [0, 1] with the ImageNet RGB
// statistics the pretrained backbones were trained on.
func Normalize(x *ts.Tensor) *ts.Tensor {
	meanVals := []float32{0.485, 0.456, 0.406} // image RGB mean
	sdVals := []float32{0.229, 0.224, 0.225}   // image RGB standard error

	device := x.MustDevice()
	mean := ts.MustOfSlice(meanVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	sd := ts.MustOfSlice(sdVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)

	// x = (x - mean)/sd
	n := x.MustSub(mean, false).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}

func layerZero(p *nn.Path) ts.ModuleT {
	conv1 := conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2)
	bn1 := nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig())
	layer0 := nn.SeqT()
	layer0.Add(conv1)
	layer0.Add(bn1)
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return layer0
}

func basicLayer(path *nn.Path, cIn, cOut, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBasicBlock(path.Sub("0"), cIn, cOut, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBasicBlock(path.Sub(fmt.Sprint(blockIndex)), cOut, cOut, 1))
	}

	return layer
}

// bottleneckLayer stacks cnt bottleneck blocks of the given width; outputs have
// 4*width channels.
func bottleneckLayer(path *nn.Path, cIn, width, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBottleneckBlock(path.Sub("0"), cIn, width, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBottleneckBlock(path.Sub(fmt.Sprint(blockIndex)), 4*width, width, 1))
	}

	return layer
}

func conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(path.Sub("1"), cOut, nn.DefaultBatchNormConfig()))

		return seq
	}
	return base.NewIdentity()
}

type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Downsample ts.ModuleT
}

func NewBasicBlock(path *nn.Path, cIn, cOut, stride int64) *BasicBlock {
	conv1 := conv2dNoBias(path.Sub("conv1"), cIn, cOut, 3, 1, stride)
	bn1 := nn.BatchNorm2D(path.Sub("bn1"), cOut, nn.DefaultBatchNormConfig())
	conv2 := conv2dNoBias(path.Sub("conv2"), cOut, cOut, 3, 1, 1)
	bn2 := nn.BatchNorm2D(path.Sub("bn2"), cOut, nn.DefaultBatchNormConfig())
	downsample := downSample(path.Sub("downsample"), cIn, cOut, stride)

	return &BasicBlock{conv1, bn1, conv2, bn2, downsample}
}

func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.Forward(x)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.Forward(relu)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	dsl := bb.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}

// BottleneckBlock is the 1x1-3x3-1x1 residual block of ResNet-50 and deeper,
// with the stride on the 3x3 convolution.
type BottleneckBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Conv3      *nn.Conv2D
	Bn3        *nn.BatchNorm
	Downsample ts.ModuleT
}

func NewBottleneckBlock(path *nn.Path, cIn, width, stride int64) *BottleneckBlock {
	cOut := 4 * width
	bnConfig := nn.DefaultBatchNormConfig()

	return &BottleneckBlock{
		Conv1:      conv2dNoBias(path.Sub("conv1"), cIn, width, 1, 0, 1),
		Bn1:        nn.BatchNorm2D(path.Sub("bn1"), width, bnConfig),
		Conv2:      conv2dNoBias(path.Sub("conv2"), width, width, 3, 1, stride),
		Bn2:        nn.BatchNorm2D(path.Sub("bn2"), width, bnConfig),
		Conv3:      conv2dNoBias(path.Sub("conv3"), width, cOut, 1, 0, 1),
		Bn3:        nn.BatchNorm2D(path.Sub("bn3"), cOut, bnConfig),
		Downsample: downSample(path.Sub("downsample"), cIn, cOut, stride),
	}
}

func (bb *BottleneckBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.Forward(x)
	relu1 := bb.Bn1.ForwardT(c1, train).MustRelu(true)
	c1.MustDrop()
	c2 := bb.Conv2.Forward(relu1)
	relu1.MustDrop()
	relu2 := bb.Bn2.ForwardT(c2, train).MustRelu(true)
	c2.MustDrop()
	c3 := bb.Conv3.Forward(relu2)
	relu2.MustDrop()
	bn3Ts := bb.Bn3.ForwardT(c3, train)
	c3.MustDrop()
	dsl := bb.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn3Ts, true)
	bn3Ts.MustDrop()

	return dslAdd.MustRelu(true)
}
