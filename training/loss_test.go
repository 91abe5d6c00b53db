package training

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/cropwatch/leafnet/tensor"
)

func mustTensor(t *testing.T, shape []int, dtype tensor.DType, data interface{}) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.New(shape, dtype, data)
	if err != nil {
		t.Fatalf("New(%v) failed: %v", shape, err)
	}
	return tn
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	// Uniform logits over C classes give loss ln(C).
	logits := mustTensor(t, []int{2, 4}, tensor.Float32, []float32{
		0, 0, 0, 0,
		1, 1, 1, 1,
	})
	targets := mustTensor(t, []int{2}, tensor.Int32, []int32{0, 3})

	loss := NewCrossEntropyLoss()
	out, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	v, err := out.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	expected := math.Log(4)
	if math.Abs(float64(v)-expected) > 1e-4 {
		t.Errorf("loss = %v, expected ln(4) = %v", v, expected)
	}
}

func TestCrossEntropyConfidentPrediction(t *testing.T) {
	logits := mustTensor(t, []int{1, 3}, tensor.Float32, []float32{20, 0, 0})
	targets := mustTensor(t, []int{1}, tensor.Int32, []int32{0})

	loss := NewCrossEntropyLoss()
	out, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	v, _ := out.Item()
	if v > 0.01 {
		t.Errorf("loss = %v for a confident correct prediction, expected ~0", v)
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := mustTensor(t, []int{1, 3}, tensor.Float32, []float32{1, 2, 3})
	logits.SetRequiresGrad(true)
	targets := mustTensor(t, []int{1}, tensor.Int32, []int32{1})

	loss := NewCrossEntropyLoss()
	out, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := out.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := logits.Grad()
	if grad == nil {
		t.Fatal("logits have no gradient")
	}
	g, _ := grad.Float32s()

	// The gradient is softmax - onehot: negative at the target, positive
	// elsewhere, summing to zero.
	if g[1] >= 0 {
		t.Errorf("target grad = %v, expected negative", g[1])
	}
	if g[0] <= 0 || g[2] <= 0 {
		t.Errorf("non-target grads = %v, %v, expected positive", g[0], g[2])
	}
	var sum float64
	for _, v := range g {
		sum += float64(v)
	}
	if math.Abs(sum) > 1e-5 {
		t.Errorf("grad sum = %v, expected ~0", sum)
	}
}

func TestWeightedCrossEntropyUpweightsRareClass(t *testing.T) {
	logits := mustTensor(t, []int{1, 2}, tensor.Float32, []float32{0, 1})
	targets := mustTensor(t, []int{1}, tensor.Int32, []int32{0})

	plain, err := NewCrossEntropyLoss().Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	logits2 := mustTensor(t, []int{1, 2}, tensor.Float32, []float32{0, 1})
	weighted, err := NewWeightedCrossEntropyLoss([]float32{3, 1}).Forward(logits2, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	p, _ := plain.Item()
	w, _ := weighted.Item()
	// Per-sample weighting normalizes by the applied weights, so with a
	// single sample the means agree.
	if math.Abs(float64(p-w)) > 1e-5 {
		t.Errorf("single-sample weighted loss %v should equal unweighted %v", w, p)
	}
}

func TestWeightedCrossEntropyBatch(t *testing.T) {
	// Two identical rows with different targets. Upweighting class 0
	// pulls the mean toward that row's loss.
	logits := mustTensor(t, []int{2, 2}, tensor.Float32, []float32{
		0, 2,
		0, 2,
	})
	targets := mustTensor(t, []int{2}, tensor.Int32, []int32{0, 1})

	unweighted, err := NewCrossEntropyLoss().Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	logits2 := mustTensor(t, []int{2, 2}, tensor.Float32, []float32{
		0, 2,
		0, 2,
	})
	weighted, err := NewWeightedCrossEntropyLoss([]float32{5, 1}).Forward(logits2, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	u, _ := unweighted.Item()
	w, _ := weighted.Item()
	if w <= u {
		t.Errorf("weighted loss %v should exceed unweighted %v when the hard class is upweighted", w, u)
	}
}

func TestCrossEntropyValidation(t *testing.T) {
	loss := NewCrossEntropyLoss()

	logits := mustTensor(t, []int{2, 3}, tensor.Float32, make([]float32, 6))
	badTargets := mustTensor(t, []int{3}, tensor.Int32, []int32{0, 1, 2})
	if _, err := loss.Forward(logits, badTargets); err == nil {
		t.Error("expected error for batch size mismatch")
	}

	outOfRange := mustTensor(t, []int{2}, tensor.Int32, []int32{0, 3})
	if _, err := loss.Forward(logits, outOfRange); err == nil {
		t.Error("expected error for out-of-range target")
	}
}

func TestClassWeightsInverseFrequency(t *testing.T) {
	weights, err := ClassWeights([]int{100, 50, 10}, quietLogger())
	if err != nil {
		t.Fatalf("ClassWeights failed: %v", err)
	}
	if len(weights) != 3 {
		t.Fatalf("got %d weights, expected 3", len(weights))
	}

	// Rarer classes weigh at least as much as common ones.
	if !(weights[0] <= weights[1] && weights[1] <= weights[2]) {
		t.Errorf("weights %v are not monotone in rarity", weights)
	}
	for i, w := range weights {
		if w <= 0 || math.IsInf(float64(w), 0) || math.IsNaN(float64(w)) {
			t.Errorf("weight %d = %v, expected positive and finite", i, w)
		}
	}

	// Normalized to mean 1.
	var sum float64
	for _, w := range weights {
		sum += float64(w)
	}
	if math.Abs(sum/3-1) > 1e-5 {
		t.Errorf("mean weight = %v, expected 1", sum/3)
	}
}

func TestClassWeightsZeroCount(t *testing.T) {
	weights, err := ClassWeights([]int{10, 0, 5}, quietLogger())
	if err != nil {
		t.Fatalf("ClassWeights failed: %v", err)
	}
	for i, w := range weights {
		if w <= 0 || math.IsInf(float64(w), 0) || math.IsNaN(float64(w)) {
			t.Errorf("weight %d = %v, expected positive and finite", i, w)
		}
	}
	// The absent class is clamped to the rarest present class's weight,
	// never above it.
	if weights[1] != weights[2] {
		t.Errorf("absent class weight = %v, expected the rarest class's weight %v", weights[1], weights[2])
	}
	if weights[1] <= weights[0] {
		t.Errorf("absent class weight %v should exceed the common class's %v", weights[1], weights[0])
	}
}

func TestClassWeightsEmpty(t *testing.T) {
	if _, err := ClassWeights(nil, quietLogger()); err == nil {
		t.Error("expected error for empty counts")
	}
	if _, err := ClassWeights([]int{0, 0}, quietLogger()); err == nil {
		t.Error("expected error when every class is empty")
	}
}
