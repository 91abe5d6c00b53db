package serve

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropwatch/leafnet/checkpoints"
	"github.com/cropwatch/leafnet/vision/augment"
)

// fakeBackend returns fixed logits regardless of input.
type fakeBackend struct {
	logits []float32
	err    error
	closed bool
	calls  int
}

func (f *fakeBackend) Logits(input []float32, channels, height, width int) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.logits, nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func testSpec() checkpoints.ModelSpec {
	return checkpoints.ModelSpec{
		NumClasses:    5,
		HiddenSize:    256,
		Dropout:       0.5,
		DropoutHidden: 0.25,
		ImageSize:     32,
		Classes:       []string{"cbb", "cbsd", "cgm", "cmd", "healthy"},
		Mean:          augment.DefaultMean,
		Std:           augment.DefaultStd,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngImage(t *testing.T) io.Reader {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: 120, B: uint8(y * 6), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &buf
}

func newTestService(t *testing.T, backend Backend) *Service {
	t.Helper()
	svc, err := NewService(backend, testSpec(), quietLogger())
	require.NoError(t, err)
	return svc
}

func TestPredictRanked(t *testing.T) {
	backend := &fakeBackend{logits: []float32{0.1, 3.0, 1.0, 2.0, 0.5}}
	svc := newTestService(t, backend)

	preds, err := svc.Predict(pngImage(t), 3)
	require.NoError(t, err)
	require.Len(t, preds, 3)

	assert.Equal(t, "cbsd", preds[0].Label)
	assert.Equal(t, "cmd", preds[1].Label)
	assert.Equal(t, "cgm", preds[2].Label)
	for i := 1; i < len(preds); i++ {
		assert.LessOrEqual(t, preds[i].Probability, preds[i-1].Probability)
	}
	for _, p := range preds {
		assert.Greater(t, p.Probability, 0.0)
		assert.Less(t, p.Probability, 1.0)
	}
}

func TestPredictFullDistributionSumsToOne(t *testing.T) {
	backend := &fakeBackend{logits: []float32{-2, 0, 2, 4, 6}}
	svc := newTestService(t, backend)

	preds, err := svc.Predict(pngImage(t), 5)
	require.NoError(t, err)
	require.Len(t, preds, 5)

	sum := 0.0
	for _, p := range preds {
		sum += p.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestPredictDefaultK(t *testing.T) {
	backend := &fakeBackend{logits: []float32{1, 2, 3, 4, 5}}
	svc := newTestService(t, backend)

	preds, err := svc.Predict(pngImage(t), 0)
	require.NoError(t, err)
	assert.Len(t, preds, DefaultTopK)
}

func TestPredictKValidation(t *testing.T) {
	backend := &fakeBackend{logits: []float32{1, 2, 3, 4, 5}}
	svc := newTestService(t, backend)

	var vErr *ValidationInputError
	_, err := svc.Predict(pngImage(t), 6)
	require.ErrorAs(t, err, &vErr, "k above the class count is a caller error")

	_, err = svc.Predict(pngImage(t), -1)
	require.ErrorAs(t, err, &vErr)

	// Validation failures never reach the backend.
	assert.Zero(t, backend.calls)
}

func TestPredictCorruptImage(t *testing.T) {
	backend := &fakeBackend{logits: []float32{1, 2, 3, 4, 5}}
	svc := newTestService(t, backend)

	var vErr *ValidationInputError
	_, err := svc.Predict(strings.NewReader("definitely not an image"), 3)
	require.ErrorAs(t, err, &vErr)
	assert.Zero(t, backend.calls)
}

func TestPredictBackendFailure(t *testing.T) {
	backend := &fakeBackend{err: errors.New("session lost")}
	svc := newTestService(t, backend)

	var rErr *InferenceRuntimeError
	_, err := svc.Predict(pngImage(t), 3)
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "forward", rErr.Stage)
}

func TestPredictLogitCountMismatch(t *testing.T) {
	backend := &fakeBackend{logits: []float32{1, 2}}
	svc := newTestService(t, backend)

	var rErr *InferenceRuntimeError
	_, err := svc.Predict(pngImage(t), 3)
	require.ErrorAs(t, err, &rErr)
}

func TestTopKTieBreaksByClassIndex(t *testing.T) {
	backend := &fakeBackend{logits: []float32{1, 1, 1, 1, 1}}
	svc := newTestService(t, backend)

	preds, err := svc.Predict(pngImage(t), 5)
	require.NoError(t, err)

	labels := make([]string, len(preds))
	for i, p := range preds {
		labels[i] = p.Label
	}
	assert.Equal(t, []string{"cbb", "cbsd", "cgm", "cmd", "healthy"}, labels)
}

func TestSoftmaxStableWithLargeLogits(t *testing.T) {
	probs := softmax([]float32{1000, 999, 998})
	sum := 0.0
	for _, p := range probs {
		require.False(t, math.IsNaN(p))
		require.False(t, math.IsInf(p, 0))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[0], probs[1])
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, testSpec(), quietLogger())
	assert.Error(t, err)

	spec := testSpec()
	spec.Classes = spec.Classes[:3]
	_, err = NewService(&fakeBackend{}, spec, quietLogger())
	assert.Error(t, err)
}

func TestServiceClose(t *testing.T) {
	backend := &fakeBackend{logits: []float32{1, 2, 3, 4, 5}}
	svc := newTestService(t, backend)
	require.NoError(t, svc.Close())
	assert.True(t, backend.closed)
}
