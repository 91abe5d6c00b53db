package tensor

import (
	"fmt"
)

// Reshape returns a tensor sharing the same data with a new shape. The
// element count must be preserved.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems, newShape)
	}
	return &Tensor{
		Shape:        append([]int(nil), newShape...),
		Strides:      calculateStrides(newShape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	return t.Reshape(newShape)
}

func (t *Tensor) Clone() (*Tensor, error) {
	result, err := New(t.Shape, t.DType, nil)
	if err != nil {
		return nil, err
	}
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		result.Data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		result.Data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}
	result.requiresGrad = t.requiresGrad
	return result, nil
}

func (t *Tensor) Float32s() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor does not hold Float32 data (dtype=%s)", t.DType)
	}
	return data, nil
}

func (t *Tensor) Int32s() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor does not hold Int32 data (dtype=%s)", t.DType)
	}
	return data, nil
}

// Item returns the single element of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a one-element tensor, got %d elements", t.NumElems)
	}
	data, err := t.Float32s()
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// ZeroGrads clears the gradients of every tensor in the slice. Optimizers
// call this at the start of each step.
func ZeroGrads(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
