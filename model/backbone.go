package model

import (
	"fmt"

	"github.com/cropwatch/leafnet/nn"
	"github.com/cropwatch/leafnet/tensor"
)

// NamedTensor pairs a tensor with its checkpoint name. Trainable is false
// for running statistics, which are saved and restored but never updated
// by the optimizer.
type NamedTensor struct {
	Name      string
	Tensor    *tensor.Tensor
	Trainable bool
}

// Backbone extracts a [N,C,H,W] feature map from normalized input images.
type Backbone interface {
	nn.Module
	OutChannels() int
	NamedTensors() []NamedTensor
}

// CompactBackbone is a three-stage convolutional feature extractor. Each
// stage halves the spatial size and grows the channel count.
type CompactBackbone struct {
	conv1, conv2, conv3 *nn.Conv2D
	bn1, bn2, bn3       *nn.BatchNorm
	relu                *nn.ReLU
	pool                *nn.MaxPool2D
	outChannels         int
	training            bool
}

// NewCompactBackbone builds the 3 -> 16 -> 32 -> 64 channel stack used for
// training from scratch on modest datasets.
func NewCompactBackbone() (*CompactBackbone, error) {
	channels := []int{3, 16, 32, 64}

	convs := make([]*nn.Conv2D, 3)
	bns := make([]*nn.BatchNorm, 3)
	for i := 0; i < 3; i++ {
		conv, err := nn.NewConv2D(channels[i], channels[i+1], 3, 1, 1, false)
		if err != nil {
			return nil, fmt.Errorf("building stage %d conv: %w", i+1, err)
		}
		bn, err := nn.NewBatchNorm(channels[i+1], 1e-5, 0.1)
		if err != nil {
			return nil, fmt.Errorf("building stage %d batchnorm: %w", i+1, err)
		}
		convs[i] = conv
		bns[i] = bn
	}

	return &CompactBackbone{
		conv1: convs[0], conv2: convs[1], conv3: convs[2],
		bn1: bns[0], bn2: bns[1], bn3: bns[2],
		relu:        nn.NewReLU(),
		pool:        nn.NewMaxPool2D(2, 2),
		outChannels: channels[3],
		training:    true,
	}, nil
}

func (b *CompactBackbone) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	stages := []struct {
		conv *nn.Conv2D
		bn   *nn.BatchNorm
	}{
		{b.conv1, b.bn1},
		{b.conv2, b.bn2},
		{b.conv3, b.bn3},
	}

	x := input
	for i, stage := range stages {
		var err error
		if x, err = stage.conv.Forward(x); err != nil {
			return nil, fmt.Errorf("stage %d conv: %w", i+1, err)
		}
		if x, err = stage.bn.Forward(x); err != nil {
			return nil, fmt.Errorf("stage %d batchnorm: %w", i+1, err)
		}
		if x, err = b.relu.Forward(x); err != nil {
			return nil, err
		}
		if x, err = b.pool.Forward(x); err != nil {
			return nil, fmt.Errorf("stage %d pool: %w", i+1, err)
		}
	}
	return x, nil
}

func (b *CompactBackbone) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range b.modules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (b *CompactBackbone) modules() []nn.Module {
	return []nn.Module{b.conv1, b.bn1, b.conv2, b.bn2, b.conv3, b.bn3, b.relu, b.pool}
}

func (b *CompactBackbone) Train() {
	b.training = true
	for _, m := range b.modules() {
		m.Train()
	}
}

func (b *CompactBackbone) Eval() {
	b.training = false
	for _, m := range b.modules() {
		m.Eval()
	}
}

func (b *CompactBackbone) IsTraining() bool { return b.training }

func (b *CompactBackbone) OutChannels() int { return b.outChannels }

func (b *CompactBackbone) NamedTensors() []NamedTensor {
	var out []NamedTensor
	stages := []struct {
		prefix string
		conv   *nn.Conv2D
		bn     *nn.BatchNorm
	}{
		{"backbone.stage1", b.conv1, b.bn1},
		{"backbone.stage2", b.conv2, b.bn2},
		{"backbone.stage3", b.conv3, b.bn3},
	}
	for _, s := range stages {
		out = append(out,
			NamedTensor{Name: s.prefix + ".conv.weight", Tensor: s.conv.Weight(), Trainable: true},
		)
		out = append(out, batchNormTensors(s.prefix+".bn", s.bn)...)
	}
	return out
}

func batchNormTensors(prefix string, bn *nn.BatchNorm) []NamedTensor {
	return []NamedTensor{
		{Name: prefix + ".gamma", Tensor: bn.Gamma(), Trainable: true},
		{Name: prefix + ".beta", Tensor: bn.Beta(), Trainable: true},
		{Name: prefix + ".running_mean", Tensor: bn.RunningMean()},
		{Name: prefix + ".running_var", Tensor: bn.RunningVar()},
	}
}
