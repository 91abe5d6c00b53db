package nn

import (
	"fmt"
	"math"

	"github.com/cropwatch/leafnet/tensor"
)

// Linear implements a fully connected layer: y = xW + b.
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a dense layer with Xavier uniform weights,
// W ~ U(-sqrt(6/(fan_in+fan_out)), sqrt(6/(fan_in+fan_out))).
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear layer sizes must be positive, got %d and %d", inputSize, outputSize)
	}
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.New([]int{inputSize, outputSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}
	return linear, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("linear layer expects 2D input [batch, features], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output := tensor.MatMulAutograd(input, l.weight)
	if l.bias != nil {
		output = tensor.AddAutograd(output, l.bias)
	}
	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train() { l.training = true }

func (l *Linear) Eval() { l.training = false }

func (l *Linear) IsTraining() bool { return l.training }

// Weight exposes the weight tensor for checkpointing.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias exposes the bias tensor for checkpointing; nil when absent.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// ReLU applies the rectified linear unit elementwise.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }

func (r *ReLU) Train() { r.training = true }

func (r *ReLU) Eval() { r.training = false }

func (r *ReLU) IsTraining() bool { return r.training }

// Flatten collapses every dimension after the batch dimension.
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("flatten expects at least 2D input, got shape %v", input.Shape)
	}
	features := 1
	for _, dim := range input.Shape[1:] {
		features *= dim
	}
	return tensor.ReshapeAutograd(input, []int{input.Shape[0], features}), nil
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }

func (f *Flatten) Train() { f.training = true }

func (f *Flatten) Eval() { f.training = false }

func (f *Flatten) IsTraining() bool { return f.training }

// Dropout zeroes activations with probability p during training and
// rescales survivors so expectations match eval mode.
type Dropout struct {
	p        float32
	training bool
}

func NewDropout(p float32) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0,1), got %v", p)
	}
	return &Dropout{p: p, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.DropoutAutograd(input, d.p, d.training, globalRng), nil
}

func (d *Dropout) P() float32 { return d.p }

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }

func (d *Dropout) Train() { d.training = true }

func (d *Dropout) Eval() { d.training = false }

func (d *Dropout) IsTraining() bool { return d.training }
