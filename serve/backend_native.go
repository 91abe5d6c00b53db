package serve

import (
	"fmt"
	"sync"

	"github.com/cropwatch/leafnet/checkpoints"
	"github.com/cropwatch/leafnet/model"
	"github.com/cropwatch/leafnet/tensor"
)

// nativeBackend runs the in-process classifier. Forward passes share
// per-op scratch state inside the autograd graph, so they are serialized
// with a mutex rather than risking shared buffers under concurrent
// requests.
type nativeBackend struct {
	mu  sync.Mutex
	clf *model.Classifier
}

func newNativeBackend(ckpt *checkpoints.Checkpoint) (*nativeBackend, error) {
	clf, err := model.New(model.Config{
		NumClasses:    ckpt.Spec.NumClasses,
		HiddenSize:    ckpt.Spec.HiddenSize,
		Dropout:       ckpt.Spec.Dropout,
		DropoutHidden: ckpt.Spec.DropoutHidden,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("rebuilding model from checkpoint: %w", err)
	}
	if err := checkpoints.LoadWeights(clf.NamedTensors(), ckpt.Weights); err != nil {
		return nil, err
	}
	clf.Eval()
	return &nativeBackend{clf: clf}, nil
}

func (b *nativeBackend) Logits(input []float32, channels, height, width int) ([]float32, error) {
	t, err := tensor.New([]int{1, channels, height, width}, tensor.Float32, input)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	logits, err := b.clf.Forward(t)
	if err != nil {
		return nil, err
	}
	data, err := logits.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

func (b *nativeBackend) Close() error { return nil }
