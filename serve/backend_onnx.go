package serve

import (
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/cropwatch/leafnet/checkpoints"
)

// onnxBackend serves an exported ONNX model through onnxruntime. The
// session binds fixed input and output tensors, so forward passes are
// serialized with a mutex.
type onnxBackend struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// LoadONNX serves an exported ONNX model. The JSON checkpoint supplies
// the model spec (classes, image size, normalization constants); the
// ONNX file supplies the weights the runtime executes.
func LoadONNX(modelPath, checkpointPath string, logger *slog.Logger) (*Service, error) {
	ckpt, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint spec: %w", err)
	}
	backend, err := newONNXBackend(modelPath, ckpt.Spec)
	if err != nil {
		return nil, err
	}
	return NewService(backend, ckpt.Spec, logger)
}

func newONNXBackend(modelPath string, spec checkpoints.ModelSpec) (*onnxBackend, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initializing onnx environment: %w", err)
	}

	inputShape := ort.NewShape(1, 3, int64(spec.ImageSize), int64(spec.ImageSize))
	outputShape := ort.NewShape(1, int64(spec.NumClasses))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"logits"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}

	return &onnxBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (b *onnxBackend) Logits(input []float32, channels, height, width int) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dst := b.inputTensor.GetData()
	if len(dst) != len(input) {
		return nil, fmt.Errorf("input has %d values, session expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx session run: %w", err)
	}
	src := b.outputTensor.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

func (b *onnxBackend) Close() error {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	ort.DestroyEnvironment()
	return nil
}
