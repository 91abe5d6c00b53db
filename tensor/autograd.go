package tensor

import (
	"fmt"
)

// reduceGradientToShape sums a gradient over broadcast dimensions so it
// matches the shape of the forward input that produced it.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}
	if len(targetShape) == 1 && targetShape[0] == 1 {
		return SumAll(grad)
	}

	result := grad
	var err error

	// Broadcasting padded the target on the left, so leading extra
	// dimensions are summed away first.
	for len(result.Shape) > len(targetShape) {
		result, err = sumOverDimension(result, 0)
		if err != nil {
			return nil, err
		}
	}
	for i := range targetShape {
		if i < len(result.Shape) && targetShape[i] == 1 && result.Shape[i] > 1 {
			summed, err := sumOverDimension(result, i)
			if err != nil {
				return nil, err
			}
			// Keep the dimension at size one.
			keepShape := append([]int(nil), result.Shape...)
			keepShape[i] = 1
			result, err = summed.Reshape(keepShape)
			if err != nil {
				return nil, err
			}
		}
	}
	if !shapesEqual(result.Shape, targetShape) {
		result, err = result.Reshape(targetShape)
		if err != nil {
			return nil, fmt.Errorf("reducing gradient from %v to %v: %w", grad.Shape, targetShape, err)
		}
	}
	return result, nil
}

// sumOverDimension sums a Float32 tensor over one dimension, dropping it.
func sumOverDimension(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	outShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			outShape = append(outShape, size)
		}
	}
	if len(outShape) == 0 {
		return SumAll(t)
	}

	result, err := Zeros(outShape, Float32)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	for o := 0; o < outer; o++ {
		for k := 0; k < t.Shape[dim]; k++ {
			base := (o*t.Shape[dim] + k) * inner
			outBase := o * inner
			for i := 0; i < inner; i++ {
				out[outBase+i] += data[base+i]
			}
		}
	}
	return result, nil
}

// AddOp implements the Operation interface for tensor addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input A: %v", err))
	}
	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

// SubOp implements the Operation interface for tensor subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input A: %v", err))
	}
	neg, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("failed to negate gradient: %v", err))
	}
	gradB, err := reduceGradientToShape(neg, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

// MulOp implements the Operation interface for elementwise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	gradAFull, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for input A: %v", err))
	}
	gradA, err := reduceGradientToShape(gradAFull, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input A: %v", err))
	}

	gradBFull, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for input B: %v", err))
	}
	gradB, err := reduceGradientToShape(gradBFull, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

// MatMulOp implements the Operation interface for matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// dA = dOut @ B^T, dB = A^T @ dOut
	bT, err := Transpose2D(b)
	if err != nil {
		panic(fmt.Sprintf("failed to transpose input B: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for input A: %v", err))
	}
	aT, err := Transpose2D(a)
	if err != nil {
		panic(fmt.Sprintf("failed to transpose input A: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

// ReLUOp implements the Operation interface for the rectified linear unit.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	data, err := a.Float32s()
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result, err := Zeros(a.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	out := result.Data.([]float32)
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range out {
		if in[i] > 0 {
			out[i] = g[i]
		}
	}
	return []*Tensor{grad}
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

// ReshapeOp implements the Operation interface for shape changes. The
// gradient is the incoming gradient viewed at the original shape.
type ReshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	result, err := a.Reshape(op.newShape)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

// High-level autograd functions that create and execute operations.

func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

func ReshapeAutograd(a *Tensor, newShape []int) *Tensor {
	op := &ReshapeOp{newShape: append([]int(nil), newShape...)}
	return op.Forward(a)
}
