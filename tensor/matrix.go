package tensor

import (
	"fmt"
)

// MatMul multiplies two 2D tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}
	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("MatMul inner dimensions do not match: %v x %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{m, n}, Float32)
	if err != nil {
		return nil, err
	}
	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	out := result.Data.([]float32)

	// i-k-j loop order keeps both inner accesses sequential.
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b[p*n : (p+1)*n]
			outRow := out[i*n : (i+1)*n]
			for j := range bRow {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return result, nil
}

// Transpose2D swaps the two dimensions of a 2D tensor, copying data.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose2D requires a 2D tensor, got shape %v", t.Shape)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows}, Float32)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return result, nil
}
