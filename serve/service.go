// Package serve loads a trained parameter set once and answers single
// image prediction requests with ranked top-k probabilities.
package serve

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math"
	"sort"

	"github.com/cropwatch/leafnet/checkpoints"
	"github.com/cropwatch/leafnet/vision/augment"
)

// DefaultTopK is used when a request does not specify k.
const DefaultTopK = 3

// Prediction is one ranked class.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Backend runs a forward pass for a single preprocessed image and
// returns the raw logits. Implementations must be safe for concurrent
// calls or serialize internally.
type Backend interface {
	Logits(input []float32, channels, height, width int) ([]float32, error)
	Close() error
}

// Service holds one read-only parameter set and the evaluation transform
// chain. A Service is either loaded or unloaded for its whole lifetime;
// the unloaded state still answers health checks.
type Service struct {
	backend  Backend
	spec     checkpoints.ModelSpec
	pipeline *augment.Pipeline
	logger   *slog.Logger
}

// NewService wires a backend with its model spec. Use Load or LoadONNX
// for the usual construction paths.
func NewService(backend Backend, spec checkpoints.ModelSpec, logger *slog.Logger) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("service requires a backend")
	}
	if len(spec.Classes) != spec.NumClasses {
		return nil, fmt.Errorf("spec lists %d class names for %d classes", len(spec.Classes), spec.NumClasses)
	}
	if logger == nil {
		logger = slog.Default()
	}
	pipeline, err := augment.New(augment.Eval, augment.Config{
		Size: spec.ImageSize,
		Mean: spec.Mean,
		Std:  spec.Std,
	})
	if err != nil {
		return nil, fmt.Errorf("building eval pipeline: %w", err)
	}
	return &Service{
		backend:  backend,
		spec:     spec,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// Load reads a JSON checkpoint and serves it with the native backend.
func Load(checkpointPath string, logger *slog.Logger) (*Service, error) {
	ckpt, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	backend, err := newNativeBackend(ckpt)
	if err != nil {
		return nil, err
	}
	return NewService(backend, ckpt.Spec, logger)
}

func (s *Service) Classes() []string {
	return append([]string(nil), s.spec.Classes...)
}

func (s *Service) NumClasses() int {
	return s.spec.NumClasses
}

func (s *Service) Close() error {
	return s.backend.Close()
}

// Predict decodes one image, runs the evaluation pipeline and a forward
// pass, and returns the k highest-probability classes in strictly
// descending order. Ties rank the lower-indexed class first. k greater
// than the class count is a caller error, never clamped.
func (s *Service) Predict(r io.Reader, k int) ([]Prediction, error) {
	if k == 0 {
		k = DefaultTopK
	}
	if k < 0 {
		return nil, &ValidationInputError{Reason: fmt.Sprintf("k must be positive, got %d", k)}
	}
	if k > s.spec.NumClasses {
		return nil, &ValidationInputError{
			Reason: fmt.Sprintf("k=%d exceeds class count %d", k, s.spec.NumClasses),
		}
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &ValidationInputError{Reason: "image could not be decoded", Err: err}
	}

	input, err := s.pipeline.Apply(img)
	if err != nil {
		return nil, &InferenceRuntimeError{Stage: "preprocess", Err: err}
	}
	data, err := input.Float32s()
	if err != nil {
		return nil, &InferenceRuntimeError{Stage: "preprocess", Err: err}
	}

	logits, err := s.backend.Logits(data, 3, s.spec.ImageSize, s.spec.ImageSize)
	if err != nil {
		return nil, &InferenceRuntimeError{Stage: "forward", Err: err}
	}
	if len(logits) != s.spec.NumClasses {
		return nil, &InferenceRuntimeError{
			Stage: "forward",
			Err:   fmt.Errorf("backend returned %d logits for %d classes", len(logits), s.spec.NumClasses),
		}
	}

	probs := softmax(logits)
	return s.topK(probs, k), nil
}

// softmax subtracts the max logit before exponentiating so large logits
// cannot overflow.
func softmax(logits []float32) []float64 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v - maxVal))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func (s *Service) topK(probs []float64, k int) []Prediction {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	// Stable sort keeps equal probabilities in class index order.
	sort.SliceStable(order, func(a, b int) bool {
		return probs[order[a]] > probs[order[b]]
	})

	out := make([]Prediction, k)
	for i := 0; i < k; i++ {
		idx := order[i]
		out[i] = Prediction{
			Label:       s.spec.Classes[idx],
			Probability: probs[idx],
		}
	}
	return out
}
