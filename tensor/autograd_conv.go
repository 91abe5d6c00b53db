package tensor

import (
	"fmt"
)

// Conv2DOp implements the Operation interface for 2D convolution with an
// optional bias input.
type Conv2DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv2DOp requires input and weight, with optional bias")
	}
	input, weight := inputs[0], inputs[1]
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	op.inputs = inputs

	result, err := Conv2DForward(input, weight, bias, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = input.requiresGrad || weight.requiresGrad ||
		(bias != nil && bias.requiresGrad)
	return result
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]

	gradInput, err := conv2DInputGrad(gradOut, weight, input.Shape, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for input: %v", err))
	}
	gradWeight, err := conv2DWeightGrad(gradOut, input, weight.Shape, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for weight: %v", err))
	}
	grads := []*Tensor{gradInput, gradWeight}
	if len(op.inputs) == 3 {
		gradBias, err := conv2DBiasGrad(gradOut)
		if err != nil {
			panic(fmt.Sprintf("backward pass failed for bias: %v", err))
		}
		grads = append(grads, gradBias)
	}
	return grads
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

// MaxPool2DOp implements the Operation interface for 2D max pooling. The
// forward pass records winner indices so gradients route only to the
// selected elements.
type MaxPool2DOp struct {
	inputs  []*Tensor
	kernel  int
	stride  int
	indices []int
}

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MaxPool2DOp requires exactly 1 input")
	}
	input := inputs[0]
	op.inputs = inputs

	result, indices, err := MaxPool2DForward(input, op.kernel, op.stride)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	op.indices = indices
	result.creator = op
	result.requiresGrad = input.requiresGrad
	return result
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := maxPool2DBackward(gradOut, op.indices, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

// GlobalAvgPoolOp reduces each channel plane to its mean. Gradients are
// spread evenly across the plane.
type GlobalAvgPoolOp struct {
	inputs []*Tensor
}

func (op *GlobalAvgPoolOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("GlobalAvgPoolOp requires exactly 1 input")
	}
	input := inputs[0]
	op.inputs = inputs

	result, err := GlobalAvgPool2D(input)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = input.requiresGrad
	return result
}

func (op *GlobalAvgPoolOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	plane := h * w

	grad, err := Zeros(input.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	g := gradOut.Data.([]float32)
	out := grad.Data.([]float32)
	scale := 1 / float32(plane)
	for i := 0; i < n*c; i++ {
		gv := g[i] * scale
		for j := 0; j < plane; j++ {
			out[i*plane+j] = gv
		}
	}
	return []*Tensor{grad}
}

func (op *GlobalAvgPoolOp) Inputs() []*Tensor { return op.inputs }

// GlobalMaxPoolOp reduces each channel plane to its maximum. Gradients
// route to the winning element only.
type GlobalMaxPoolOp struct {
	inputs  []*Tensor
	indices []int
}

func (op *GlobalMaxPoolOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("GlobalMaxPoolOp requires exactly 1 input")
	}
	input := inputs[0]
	op.inputs = inputs

	result, indices, err := GlobalMaxPool2D(input)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	op.indices = indices
	result.creator = op
	result.requiresGrad = input.requiresGrad
	return result
}

func (op *GlobalMaxPoolOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	g := gradOut.Data.([]float32)
	out := grad.Data.([]float32)
	for i, idx := range op.indices {
		out[idx] += g[i]
	}
	return []*Tensor{grad}
}

func (op *GlobalMaxPoolOp) Inputs() []*Tensor { return op.inputs }

// ConcatChannelsOp joins two feature maps along the channel dimension and
// splits the gradient back at the same boundary.
type ConcatChannelsOp struct {
	inputs []*Tensor
}

func (op *ConcatChannelsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("ConcatChannelsOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := ConcatChannels(a, b)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *ConcatChannelsOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	h, w := a.Shape[2], a.Shape[3]
	plane := h * w

	gradA, err := Zeros(a.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	gradB, err := Zeros(b.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	g := gradOut.Data.([]float32)
	da := gradA.Data.([]float32)
	db := gradB.Data.([]float32)
	for bi := 0; bi < n; bi++ {
		copy(da[bi*ca*plane:(bi+1)*ca*plane], g[bi*(ca+cb)*plane:])
		copy(db[bi*cb*plane:(bi+1)*cb*plane], g[bi*(ca+cb)*plane+ca*plane:])
	}
	return []*Tensor{gradA, gradB}
}

func (op *ConcatChannelsOp) Inputs() []*Tensor { return op.inputs }

// Autograd entry points for the convolution family.

func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) *Tensor {
	op := &Conv2DOp{stride: stride, padding: padding}
	if bias == nil {
		return op.Forward(input, weight)
	}
	return op.Forward(input, weight, bias)
}

func MaxPool2DAutograd(input *Tensor, kernel, stride int) *Tensor {
	op := &MaxPool2DOp{kernel: kernel, stride: stride}
	return op.Forward(input)
}

func GlobalAvgPoolAutograd(input *Tensor) *Tensor {
	op := &GlobalAvgPoolOp{}
	return op.Forward(input)
}

func GlobalMaxPoolAutograd(input *Tensor) *Tensor {
	op := &GlobalMaxPoolOp{}
	return op.Forward(input)
}

func ConcatChannelsAutograd(a, b *Tensor) *Tensor {
	op := &ConcatChannelsOp{}
	return op.Forward(a, b)
}
