package nn

import (
	"fmt"
	"math"

	"github.com/cropwatch/leafnet/tensor"
)

// Conv2D implements a 2D convolution over [N,C,H,W] input.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a convolution layer with He uniform weights scaled by
// the fan-in of each filter.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("conv2d channels and kernel size must be positive")
	}
	if stride <= 0 {
		return nil, fmt.Errorf("conv2d stride must be positive, got %d", stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("conv2d padding must be non-negative, got %d", padding)
	}

	fanIn := inputChannels * kernelSize * kernelSize
	bound := math.Sqrt(6.0 / float64(fanIn))

	weightData := make([]float32, outputChannels*inputChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.New([]int{outputChannels, inputChannels, kernelSize, kernelSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		weight:   weight,
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}
	return conv, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != c.weight.Shape[1] {
		return nil, fmt.Errorf("channel mismatch: expected %d, got %d", c.weight.Shape[1], input.Shape[1])
	}
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding), nil
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) Train() { c.training = true }

func (c *Conv2D) Eval() { c.training = false }

func (c *Conv2D) IsTraining() bool { return c.training }

func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }

func (c *Conv2D) Bias() *tensor.Tensor { return c.bias }

// MaxPool2D downsamples by taking the maximum of each kernel window.
type MaxPool2D struct {
	kernelSize int
	stride     int
	training   bool
}

func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	if stride <= 0 {
		stride = kernelSize
	}
	return &MaxPool2D{
		kernelSize: kernelSize,
		stride:     stride,
		training:   true,
	}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("maxpool2d expects 4D input, got shape %v", input.Shape)
	}
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride), nil
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return nil }

func (m *MaxPool2D) Train() { m.training = true }

func (m *MaxPool2D) Eval() { m.training = false }

func (m *MaxPool2D) IsTraining() bool { return m.training }

// DualPool reduces feature maps to 1x1 spatial size by concatenating
// global max pooling and global average pooling along the channel
// dimension, doubling the channel count. The max half keeps the sharpest
// lesion response while the average half keeps overall leaf context.
type DualPool struct {
	training bool
}

func NewDualPool() *DualPool {
	return &DualPool{training: true}
}

func (d *DualPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("dual pool expects 4D input, got shape %v", input.Shape)
	}
	maxPooled := tensor.GlobalMaxPoolAutograd(input)
	avgPooled := tensor.GlobalAvgPoolAutograd(input)
	return tensor.ConcatChannelsAutograd(maxPooled, avgPooled), nil
}

func (d *DualPool) Parameters() []*tensor.Tensor { return nil }

func (d *DualPool) Train() { d.training = true }

func (d *DualPool) Eval() { d.training = false }

func (d *DualPool) IsTraining() bool { return d.training }
