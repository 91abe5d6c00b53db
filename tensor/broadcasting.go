package tensor

import (
	"fmt"
)

// BroadcastShapes computes the result shape of broadcasting two shapes
// using the usual trailing-dimension rules.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	n := len(shape1)
	if len(shape2) > n {
		n = len(shape2)
	}
	result := make([]int, n)
	for i := 0; i < n; i++ {
		d1, d2 := 1, 1
		if i >= n-len(shape1) {
			d1 = shape1[i-(n-len(shape1))]
		}
		if i >= n-len(shape2) {
			d2 = shape2[i-(n-len(shape2))]
		}
		switch {
		case d1 == d2:
			result[i] = d1
		case d1 == 1:
			result[i] = d2
		case d2 == 1:
			result[i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return result, nil
}

func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// BroadcastTensor materializes t at targetShape, repeating data along
// broadcast dimensions.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t, nil
	}

	// Left-pad the source shape with ones to the target rank.
	srcShape := make([]int, len(targetShape))
	for i := range srcShape {
		srcShape[i] = 1
	}
	offset := len(targetShape) - len(t.Shape)
	if offset < 0 {
		return nil, fmt.Errorf("cannot broadcast shape %v to lower-rank shape %v", t.Shape, targetShape)
	}
	for i, d := range t.Shape {
		srcShape[offset+i] = d
	}
	for i := range targetShape {
		if srcShape[i] != targetShape[i] && srcShape[i] != 1 {
			return nil, fmt.Errorf("cannot broadcast shape %v to %v", t.Shape, targetShape)
		}
	}

	result, err := New(targetShape, t.DType, nil)
	if err != nil {
		return nil, err
	}
	srcStrides := calculateStrides(srcShape)
	coords := make([]int, len(targetShape))

	srcIndex := func() int {
		idx := 0
		for i, c := range coords {
			if srcShape[i] != 1 {
				idx += c * srcStrides[i]
			}
		}
		return idx
	}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, result.NumElems)
		for i := 0; i < result.NumElems; i++ {
			dst[i] = src[srcIndex()]
			advanceCoords(coords, targetShape)
		}
		result.Data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, result.NumElems)
		for i := 0; i < result.NumElems; i++ {
			dst[i] = src[srcIndex()]
			advanceCoords(coords, targetShape)
		}
		result.Data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for broadcast: %s", t.DType)
	}
	return result, nil
}

func advanceCoords(coords, shape []int) {
	for i := len(coords) - 1; i >= 0; i-- {
		coords[i]++
		if coords[i] < shape[i] {
			return
		}
		coords[i] = 0
	}
}
