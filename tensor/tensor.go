package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Forward stores the inputs on
// the op and returns a result whose creator is the op; Backward returns one
// gradient per input, in input order. A nil entry means no gradient flows
// to that input.
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetCreator attaches the operation that produced t, linking it into the
// autograd graph. Operations defined outside this package use it from
// their Forward methods.
func (t *Tensor) SetCreator(op Operation) {
	t.creator = op
}

func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// Detach returns a view of the same data with no autograd history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Backward propagates gradients from t to every tensor in its history.
// If t has no gradient yet it is seeded with ones, which is the usual
// case for a scalar loss.
func (t *Tensor) Backward() error {
	if t.DType != Float32 {
		return fmt.Errorf("backward requires a Float32 tensor, got %s", t.DType)
	}

	if t.grad == nil {
		seed, err := Ones(t.Shape, Float32)
		if err != nil {
			return fmt.Errorf("seeding gradient: %w", err)
		}
		t.grad = seed
	}

	// Topological order over the creator graph, leaves first.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation %T returned %d gradients for %d inputs",
				node.creator, len(grads), len(inputs))
		}
		for j, in := range inputs {
			if grads[j] == nil {
				continue
			}
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			if err := in.accumulateGrad(grads[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if !shapesEqual(g.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}
	acc := t.grad.Data.([]float32)
	inc := g.Data.([]float32)
	for i := range acc {
		acc[i] += inc[i]
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
