package tensor

import (
	"fmt"
)

func New(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := t.setData(data); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}
	return New(shape, dtype, data)
}

func Ones(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		slice := make([]float32, numElems)
		for i := range slice {
			slice[i] = 1.0
		}
		data = slice
	case Int32:
		slice := make([]int32, numElems)
		for i := range slice {
			slice[i] = 1
		}
		data = slice
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}
	return New(shape, dtype, data)
}

func Full(shape []int, dtype DType, value interface{}) (*Tensor, error) {
	return New(shape, dtype, value)
}

func FromScalar(value float32) *Tensor {
	t, _ := New([]int{1}, Float32, []float32{value})
	return t
}
