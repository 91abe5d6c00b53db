package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestConv2DOutputSize(t *testing.T) {
	tests := []struct {
		in, kernel, stride, padding int
		expected                    int
	}{
		{32, 3, 1, 1, 32},
		{32, 3, 2, 1, 16},
		{64, 2, 2, 0, 32},
		{7, 3, 1, 0, 5},
	}
	for _, test := range tests {
		got := Conv2DOutputSize(test.in, test.kernel, test.stride, test.padding)
		if got != test.expected {
			t.Errorf("Conv2DOutputSize(%d, %d, %d, %d) = %d, expected %d",
				test.in, test.kernel, test.stride, test.padding, got, test.expected)
		}
	}
}

func TestConv2DForwardIdentityKernel(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 3, 3}, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	// 1x1 identity kernel, zero bias: output equals input.
	weight := mustTensor(t, []int{1, 1, 1, 1}, []float32{1})
	bias := mustTensor(t, []int{1}, []float32{0})

	out, err := Conv2DForward(input, weight, bias, 1, 0)
	if err != nil {
		t.Fatalf("Conv2DForward failed: %v", err)
	}
	data, _ := out.Float32s()
	inData, _ := input.Float32s()
	if !reflect.DeepEqual(data, inData) {
		t.Errorf("identity conv output = %v, expected %v", data, inData)
	}
}

func TestConv2DForwardSum(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	weight := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	bias := mustTensor(t, []int{1}, []float32{0.5})

	out, err := Conv2DForward(input, weight, bias, 1, 0)
	if err != nil {
		t.Fatalf("Conv2DForward failed: %v", err)
	}
	data, _ := out.Float32s()
	if len(data) != 1 || data[0] != 10.5 {
		t.Errorf("conv output = %v, expected [10.5]", data)
	}
}

func TestMaxPool2DForward(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 4, 4}, []float32{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 1, 2, 3,
		1, 1, 1, 1,
	})
	out, indices, err := MaxPool2DForward(input, 2, 2)
	if err != nil {
		t.Fatalf("MaxPool2DForward failed: %v", err)
	}
	data, _ := out.Float32s()
	if !reflect.DeepEqual(data, []float32{4, 8, 9, 3}) {
		t.Errorf("pooled = %v, expected [4 8 9 3]", data)
	}
	if len(indices) != 4 {
		t.Fatalf("expected 4 winner indices, got %d", len(indices))
	}
	if indices[0] != 5 {
		t.Errorf("winner index for first window = %d, expected 5", indices[0])
	}
}

func TestMaxPoolBackwardRoutesToWinner(t *testing.T) {
	input := mustTensor(t, []int{1, 1, 2, 2}, []float32{1, 4, 2, 3})
	input.SetRequiresGrad(true)

	out := MaxPool2DAutograd(input, 2, 2)
	if err := out.Backward(); err != nil {
		t.Fatalf("Backward() failed: %v", err)
	}
	got := gradData(t, input)
	if !reflect.DeepEqual(got, []float32{0, 1, 0, 0}) {
		t.Errorf("grad = %v, expected [0 1 0 0]", got)
	}
}

func TestGlobalPools(t *testing.T) {
	input := mustTensor(t, []int{1, 2, 2, 2}, []float32{
		1, 2, 3, 4, // channel 0
		10, 20, 30, 40, // channel 1
	})

	avg, err := GlobalAvgPool2D(input)
	if err != nil {
		t.Fatalf("GlobalAvgPool2D failed: %v", err)
	}
	avgData, _ := avg.Float32s()
	if !reflect.DeepEqual(avgData, []float32{2.5, 25}) {
		t.Errorf("avg pool = %v, expected [2.5 25]", avgData)
	}
	if !reflect.DeepEqual(avg.Shape, []int{1, 2, 1, 1}) {
		t.Errorf("avg pool shape = %v, expected [1 2 1 1]", avg.Shape)
	}

	maxT, _, err := GlobalMaxPool2D(input)
	if err != nil {
		t.Fatalf("GlobalMaxPool2D failed: %v", err)
	}
	maxData, _ := maxT.Float32s()
	if !reflect.DeepEqual(maxData, []float32{4, 40}) {
		t.Errorf("max pool = %v, expected [4 40]", maxData)
	}
}

func TestConcatChannels(t *testing.T) {
	a := mustTensor(t, []int{1, 1, 1, 2}, []float32{1, 2})
	b := mustTensor(t, []int{1, 2, 1, 2}, []float32{3, 4, 5, 6})

	out, err := ConcatChannels(a, b)
	if err != nil {
		t.Fatalf("ConcatChannels failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{1, 3, 1, 2}) {
		t.Fatalf("concat shape = %v, expected [1 3 1 2]", out.Shape)
	}
	data, _ := out.Float32s()
	if !reflect.DeepEqual(data, []float32{1, 2, 3, 4, 5, 6}) {
		t.Errorf("concat data = %v", data)
	}
}

func TestConcatChannelsBackwardSplits(t *testing.T) {
	a := mustTensor(t, []int{1, 1, 1, 1}, []float32{1})
	b := mustTensor(t, []int{1, 2, 1, 1}, []float32{2, 3})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out := ConcatChannelsAutograd(a, b)
	if err := out.Backward(); err != nil {
		t.Fatalf("Backward() failed: %v", err)
	}
	if got := gradData(t, a); len(got) != 1 {
		t.Errorf("grad a has %d elements, expected 1", len(got))
	}
	if got := gradData(t, b); len(got) != 2 {
		t.Errorf("grad b has %d elements, expected 2", len(got))
	}
}

func TestConv2DNumericalGradient(t *testing.T) {
	// Check dL/dw for one weight element against a central difference,
	// with L = sum of conv outputs.
	const eps = 1e-2
	inputData := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	weightData := []float32{0.5, -0.3, 0.2, 0.1}

	lossAt := func(w0 float32) float32 {
		wd := append([]float32(nil), weightData...)
		wd[0] = w0
		input := mustTensor(t, []int{1, 1, 3, 3}, inputData)
		weight := mustTensor(t, []int{1, 1, 2, 2}, wd)
		bias := mustTensor(t, []int{1}, []float32{0})
		out, err := Conv2DForward(input, weight, bias, 1, 0)
		if err != nil {
			t.Fatalf("Conv2DForward failed: %v", err)
		}
		sum, err := SumAll(out)
		if err != nil {
			t.Fatalf("SumAll failed: %v", err)
		}
		v, _ := sum.Item()
		return v
	}

	input := mustTensor(t, []int{1, 1, 3, 3}, inputData)
	weight := mustTensor(t, []int{1, 1, 2, 2}, weightData)
	bias := mustTensor(t, []int{1}, []float32{0})
	weight.SetRequiresGrad(true)

	out := Conv2DAutograd(input, weight, bias, 1, 0)
	if err := out.Backward(); err != nil {
		t.Fatalf("Backward() failed: %v", err)
	}
	analytic := gradData(t, weight)[0]
	numeric := (lossAt(weightData[0]+eps) - lossAt(weightData[0]-eps)) / (2 * eps)

	if math.Abs(float64(analytic-numeric)) > 1e-2 {
		t.Errorf("analytic grad %v differs from numeric %v", analytic, numeric)
	}
}
