package augment

import (
	"image"
	"image/color"
	"math/rand"
	"reflect"
	"testing"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(99))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func testConfig(size int) Config {
	return Config{Size: size, Mean: DefaultMean, Std: DefaultStd, Seed: 1}
}

func TestEvalPipelineShape(t *testing.T) {
	p, err := New(Eval, testConfig(32))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := p.Apply(testImage(100, 60))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{3, 32, 32}) {
		t.Errorf("output shape = %v, expected [3 32 32]", out.Shape)
	}
}

func TestEvalPipelineDeterministic(t *testing.T) {
	p, err := New(Eval, testConfig(24))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	img := testImage(64, 48)
	first, err := p.Apply(img)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	second, err := p.Apply(img)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	a, _ := first.Float32s()
	b, _ := second.Float32s()
	if !reflect.DeepEqual(a, b) {
		t.Error("eval pipeline produced different tensors for the same image")
	}
}

func TestTrainPipelineSeedReproducible(t *testing.T) {
	img := testImage(64, 64)

	run := func(seed int64) [][]float32 {
		cfg := testConfig(32)
		cfg.Seed = seed
		p, err := New(Train, cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		var outs [][]float32
		for i := 0; i < 5; i++ {
			out, err := p.Apply(img)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			data, _ := out.Float32s()
			outs = append(outs, data)
		}
		return outs
	}

	first := run(7)
	second := run(7)
	for i := range first {
		if !reflect.DeepEqual(first[i], second[i]) {
			t.Errorf("apply %d differs between identically seeded pipelines", i)
		}
	}
}

func TestTrainPipelineShape(t *testing.T) {
	p, err := New(Train, testConfig(32))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		out, err := p.Apply(testImage(80, 50))
		if err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
		if !reflect.DeepEqual(out.Shape, []int{3, 32, 32}) {
			t.Fatalf("apply %d output shape = %v, expected [3 32 32]", i, out.Shape)
		}
	}
}

func TestNormalization(t *testing.T) {
	// A uniform gray image normalizes to (v - mean) / std per channel.
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}

	p, err := New(Eval, testConfig(16))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	out, err := p.Apply(img)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	data, _ := out.Float32s()

	v := float32(128) / 255
	plane := 16 * 16
	for ch := 0; ch < 3; ch++ {
		expected := (v - DefaultMean[ch]) / DefaultStd[ch]
		got := data[ch*plane]
		if got < expected-1e-4 || got > expected+1e-4 {
			t.Errorf("channel %d = %v, expected %v", ch, got, expected)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig(0)
	if _, err := New(Eval, cfg); err == nil {
		t.Error("expected error for zero size")
	}
	bad := testConfig(32)
	bad.Std = [3]float32{0, 1, 1}
	if _, err := New(Eval, bad); err == nil {
		t.Error("expected error for zero std")
	}
}

func TestModeString(t *testing.T) {
	if Train.String() != "train" || Eval.String() != "eval" {
		t.Errorf("mode strings = %q, %q", Train.String(), Eval.String())
	}
}
