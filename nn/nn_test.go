package nn

import (
	"reflect"
	"testing"

	"github.com/cropwatch/leafnet/tensor"
)

func TestLinearForwardShape(t *testing.T) {
	SetRandomSeed(42)
	layer, err := NewLinear(4, 3, true)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	input, err := tensor.Ones([]int{2, 4}, tensor.Float32)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	output, err := layer.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(output.Shape, []int{2, 3}) {
		t.Errorf("output shape = %v, expected [2 3]", output.Shape)
	}
	if len(layer.Parameters()) != 2 {
		t.Errorf("expected 2 parameters (weight, bias), got %d", len(layer.Parameters()))
	}
}

func TestLinearSeedReproducible(t *testing.T) {
	SetRandomSeed(7)
	l1, err := NewLinear(8, 8, false)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	SetRandomSeed(7)
	l2, err := NewLinear(8, 8, false)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	w1, _ := l1.Weight().Float32s()
	w2, _ := l2.Weight().Float32s()
	if !reflect.DeepEqual(w1, w2) {
		t.Error("same seed produced different weights")
	}
}

func TestConv2DForwardShape(t *testing.T) {
	SetRandomSeed(1)
	conv, err := NewConv2D(3, 16, 3, 1, 1, true)
	if err != nil {
		t.Fatalf("NewConv2D failed: %v", err)
	}

	input, err := tensor.Zeros([]int{2, 3, 8, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	output, err := conv.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(output.Shape, []int{2, 16, 8, 8}) {
		t.Errorf("output shape = %v, expected [2 16 8 8]", output.Shape)
	}
}

func TestDualPoolDoublesChannels(t *testing.T) {
	pool := NewDualPool()

	input, err := tensor.New([]int{1, 2, 2, 2}, tensor.Float32, []float32{
		1, 2, 3, 4,
		-1, -2, -3, -4,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	output, err := pool.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(output.Shape, []int{1, 4, 1, 1}) {
		t.Fatalf("output shape = %v, expected [1 4 1 1]", output.Shape)
	}

	// Max features first, then averages.
	data, _ := output.Float32s()
	expected := []float32{4, -1, 2.5, -2.5}
	if !reflect.DeepEqual(data, expected) {
		t.Errorf("dual pool output = %v, expected %v", data, expected)
	}
}

func TestBatchNormTrainEvalToggle(t *testing.T) {
	bn, err := NewBatchNorm(4, 0, 0)
	if err != nil {
		t.Fatalf("NewBatchNorm failed: %v", err)
	}
	if !bn.IsTraining() {
		t.Error("new module should default to training mode")
	}
	bn.Eval()
	if bn.IsTraining() {
		t.Error("Eval() should clear training mode")
	}

	// Eval mode with fresh running stats (mean 0, var 1) is identity
	// up to eps.
	input, err := tensor.New([]int{1, 4}, tensor.Float32, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	output, err := bn.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	data, _ := output.Float32s()
	for i, v := range data {
		in := float32(i + 1)
		if v < in-0.01 || v > in+0.01 {
			t.Errorf("element %d = %v, expected ~%v", i, v, in)
		}
	}
}

func TestSequentialPropagatesMode(t *testing.T) {
	SetRandomSeed(3)
	l, err := NewLinear(2, 2, true)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	drop, err := NewDropout(0.5)
	if err != nil {
		t.Fatalf("NewDropout failed: %v", err)
	}
	seq := NewSequential(l, NewReLU(), drop)

	seq.Eval()
	for i, m := range seq.Modules() {
		if m.IsTraining() {
			t.Errorf("module %d still in training mode after Eval()", i)
		}
	}
	seq.Train()
	if !drop.IsTraining() {
		t.Error("Train() did not propagate to dropout")
	}
}

func TestFlattenPreservesBatch(t *testing.T) {
	f := NewFlatten()
	input, err := tensor.Zeros([]int{2, 3, 4, 4}, tensor.Float32)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	output, err := f.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(output.Shape, []int{2, 48}) {
		t.Errorf("output shape = %v, expected [2 48]", output.Shape)
	}
}

func TestDropoutInvalidProbability(t *testing.T) {
	if _, err := NewDropout(1.0); err == nil {
		t.Error("expected error for p = 1.0")
	}
	if _, err := NewDropout(-0.1); err == nil {
		t.Error("expected error for negative p")
	}
}
