// Package checkpoints saves and restores model weights. The native format
// is JSON; trained models can also be exported as ONNX graphs for serving
// outside this module.
package checkpoints

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cropwatch/leafnet/model"
)

// Format selects the on-disk representation of a saved model.
type Format int

const (
	FormatJSON Format = iota
	FormatONNX
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// WeightTensor is one named tensor in a checkpoint.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// ModelSpec captures everything needed to rebuild the classifier and feed
// it correctly shaped input.
type ModelSpec struct {
	NumClasses    int        `json:"num_classes"`
	HiddenSize    int        `json:"hidden_size"`
	Dropout       float32    `json:"dropout"`
	DropoutHidden float32    `json:"dropout_hidden"`
	ImageSize     int        `json:"image_size"`
	Classes       []string   `json:"classes"`
	Mean          [3]float32 `json:"normalization_mean"`
	Std           [3]float32 `json:"normalization_std"`
}

// TrainingState records where in the cross-validation run the checkpoint
// was taken.
type TrainingState struct {
	Fold        int     `json:"fold"`
	Epoch       int     `json:"epoch"`
	TrainLoss   float64 `json:"train_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// Checkpoint is the root of the JSON format.
type Checkpoint struct {
	SchemaVersion int            `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	Spec          ModelSpec      `json:"spec"`
	Training      *TrainingState `json:"training,omitempty"`
	Weights       []WeightTensor `json:"weights"`
	Fingerprint   string         `json:"fingerprint"`
}

const schemaVersion = 1

// ShapeMismatchError reports a stored tensor whose shape does not match
// the model it is being loaded into.
type ShapeMismatchError struct {
	Name     string
	Expected []int
	Actual   []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("checkpoint tensor %q has shape %v, model expects %v", e.Name, e.Actual, e.Expected)
}

// ExtractWeights snapshots the model's named tensors, copying data so
// later training steps do not mutate the checkpoint.
func ExtractWeights(named []model.NamedTensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(named))
	for _, nt := range named {
		data, err := nt.Tensor.Float32s()
		if err != nil {
			return nil, fmt.Errorf("extracting %q: %w", nt.Name, err)
		}
		cp := make([]float32, len(data))
		copy(cp, data)
		weights = append(weights, WeightTensor{
			Name:  nt.Name,
			Shape: nt.Tensor.Size(),
			Data:  cp,
		})
	}
	return weights, nil
}

// LoadWeights copies checkpoint data into the model's tensors. Every model
// tensor must be present in the checkpoint with a matching shape.
func LoadWeights(named []model.NamedTensor, weights []WeightTensor) error {
	byName := make(map[string]*WeightTensor, len(weights))
	for i := range weights {
		byName[weights[i].Name] = &weights[i]
	}
	for _, nt := range named {
		wt, ok := byName[nt.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing tensor %q", nt.Name)
		}
		expected := nt.Tensor.Size()
		if !intsEqual(expected, wt.Shape) {
			return &ShapeMismatchError{Name: nt.Name, Expected: expected, Actual: wt.Shape}
		}
		dst, err := nt.Tensor.Float32s()
		if err != nil {
			return fmt.Errorf("loading %q: %w", nt.Name, err)
		}
		if len(dst) != len(wt.Data) {
			return &ShapeMismatchError{Name: nt.Name, Expected: expected, Actual: wt.Shape}
		}
		copy(dst, wt.Data)
	}
	return nil
}

// WeightFingerprint hashes every tensor's name, shape and data. Two
// checkpoints with the same fingerprint hold identical weights.
func WeightFingerprint(weights []WeightTensor) string {
	h := sha256.New()
	var buf [4]byte
	for _, wt := range weights {
		h.Write([]byte(wt.Name))
		for _, d := range wt.Shape {
			binary.LittleEndian.PutUint32(buf[:], uint32(d))
			h.Write(buf[:])
		}
		for _, v := range wt.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Save writes the checkpoint atomically: the file appears complete or not
// at all.
func Save(path string, ckpt *Checkpoint) error {
	ckpt.SchemaVersion = schemaVersion
	if ckpt.CreatedAt.IsZero() {
		ckpt.CreatedAt = time.Now().UTC()
	}
	ckpt.Fingerprint = WeightFingerprint(ckpt.Weights)

	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}

// Load reads and validates a JSON checkpoint.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if ckpt.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported checkpoint schema version %d", ckpt.SchemaVersion)
	}
	if got := WeightFingerprint(ckpt.Weights); ckpt.Fingerprint != "" && got != ckpt.Fingerprint {
		return nil, fmt.Errorf("checkpoint fingerprint mismatch: file may be corrupt")
	}
	return &ckpt, nil
}

func intsEqual(a, b []int) bool {
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
