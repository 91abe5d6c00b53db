package tensor

import (
	"fmt"
	"math"
)

type binaryFloat32 func(a, b float32) float32

func elementwise(t1, t2 *Tensor, name string, fn binaryFloat32) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("%s requires Float32 tensors, got %s and %s", name, t1.DType, t2.DType)
	}

	a, b := t1, t2
	if !shapesEqual(a.Shape, b.Shape) {
		outShape, err := BroadcastShapes(a.Shape, b.Shape)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if a, err = BroadcastTensor(a, outShape); err != nil {
			return nil, err
		}
		if b, err = BroadcastTensor(b, outShape); err != nil {
			return nil, err
		}
	}

	result, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}
	d1 := a.Data.([]float32)
	d2 := b.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = fn(d1[i], d2[i])
	}
	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Add", func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Sub", func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Mul", func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Div", func(a, b float32) float32 { return a / b })
}

func Scale(t *Tensor, s float32) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)
	for i := range out {
		out[i] = data[i] * s
	}
	return result, nil
}

func AddScalar(t *Tensor, s float32) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)
	for i := range out {
		out[i] = data[i] + s
	}
	return result, nil
}

func Sqrt(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)
	for i := range out {
		out[i] = float32(math.Sqrt(float64(data[i])))
	}
	return result, nil
}

func Exp(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)
	for i := range out {
		out[i] = float32(math.Exp(float64(data[i])))
	}
	return result, nil
}

// SumAll sums every element into a one-element tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	sum := float32(0)
	for _, v := range data {
		sum += v
	}
	return New([]int{1}, Float32, []float32{sum})
}

func MeanAll(t *Tensor) (*Tensor, error) {
	result, err := SumAll(t)
	if err != nil {
		return nil, err
	}
	result.Data.([]float32)[0] /= float32(t.NumElems)
	return result, nil
}

// ArgMaxRows returns the index of the largest element in each row of a 2D
// tensor. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMaxRows requires a 2D tensor, got shape %v", t.Shape)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		bestVal := data[r*cols]
		for c := 1; c < cols; c++ {
			if v := data[r*cols+c]; v > bestVal {
				best = c
				bestVal = v
			}
		}
		result[r] = best
	}
	return result, nil
}
