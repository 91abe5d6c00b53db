package training

import (
	"fmt"
	"math"

	"github.com/cropwatch/leafnet/tensor"
)

// CrossEntropyLoss computes softmax cross entropy over 2D logits and 1D
// int32 targets. With per-class weights set, each sample's loss scales by
// its class weight and the batch loss normalizes by the sum of applied
// weights, so loss magnitude stays comparable across differently
// balanced splits.
type CrossEntropyLoss struct {
	weights []float32
}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func NewWeightedCrossEntropyLoss(weights []float32) *CrossEntropyLoss {
	return &CrossEntropyLoss{weights: weights}
}

// Forward returns a one-element loss tensor wired into the autograd
// graph, so calling Backward on it propagates gradients to the logits.
func (l *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits, got shape %v", logits.Shape)
	}
	if len(targets.Shape) != 1 || targets.DType != tensor.Int32 {
		return nil, fmt.Errorf("cross entropy expects 1D Int32 targets, got %s shape %v", targets.DType, targets.Shape)
	}
	if logits.Shape[0] != targets.Shape[0] {
		return nil, fmt.Errorf("batch size mismatch: %d logits rows, %d targets", logits.Shape[0], targets.Shape[0])
	}
	if l.weights != nil && len(l.weights) != logits.Shape[1] {
		return nil, fmt.Errorf("loss has %d class weights for %d classes", len(l.weights), logits.Shape[1])
	}
	tgt, err := targets.Int32s()
	if err != nil {
		return nil, err
	}
	classes := logits.Shape[1]
	for _, t := range tgt {
		if t < 0 || int(t) >= classes {
			return nil, fmt.Errorf("target %d out of range for %d classes", t, classes)
		}
	}

	op := &crossEntropyOp{weights: l.weights}
	return op.Forward(logits, targets), nil
}

type crossEntropyOp struct {
	inputs  []*tensor.Tensor
	weights []float32
	softmax []float32
	norm    float32
}

func (op *crossEntropyOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	if len(inputs) != 2 {
		panic("crossEntropyOp requires logits and targets")
	}
	logits, targets := inputs[0], inputs[1]
	op.inputs = inputs

	data := logits.Data.([]float32)
	tgt := targets.Data.([]int32)
	batch := logits.Shape[0]
	classes := logits.Shape[1]

	op.softmax = make([]float32, len(data))
	totalLoss := float32(0)
	totalWeight := float32(0)
	for r := 0; r < batch; r++ {
		row := data[r*classes : (r+1)*classes]
		out := op.softmax[r*classes : (r+1)*classes]

		// Stable softmax: subtract the row maximum before exponentiating.
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := float32(0)
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			out[i] = e
			sum += e
		}
		for i := range out {
			out[i] /= sum
		}

		w := float32(1)
		if op.weights != nil {
			w = op.weights[tgt[r]]
		}
		totalLoss += -w * float32(math.Log(float64(out[tgt[r]])+1e-10))
		totalWeight += w
	}
	if totalWeight == 0 {
		totalWeight = 1
	}
	op.norm = totalWeight

	result, err := tensor.New([]int{1}, tensor.Float32, []float32{totalLoss / totalWeight})
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.SetCreator(op)
	result.SetRequiresGrad(logits.RequiresGrad())
	return result
}

func (op *crossEntropyOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	logits, targets := op.inputs[0], op.inputs[1]
	tgt := targets.Data.([]int32)
	batch := logits.Shape[0]
	classes := logits.Shape[1]
	upstream := gradOut.Data.([]float32)[0]

	grad, err := tensor.Zeros(logits.Shape, tensor.Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	out := grad.Data.([]float32)
	for r := 0; r < batch; r++ {
		w := float32(1)
		if op.weights != nil {
			w = op.weights[tgt[r]]
		}
		scale := upstream * w / op.norm
		for c := 0; c < classes; c++ {
			p := op.softmax[r*classes+c]
			if int32(c) == tgt[r] {
				out[r*classes+c] = scale * (p - 1)
			} else {
				out[r*classes+c] = scale * p
			}
		}
	}
	// Targets receive no gradient.
	return []*tensor.Tensor{grad, nil}
}

func (op *crossEntropyOp) Inputs() []*tensor.Tensor { return op.inputs }
