package training

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cropwatch/leafnet/checkpoints"
	"github.com/cropwatch/leafnet/vision/dataset"
)

// writeSyntheticDataset creates a two-class image directory where class
// hue differs, so even a briefly trained model sees structured data.
func writeSyntheticDataset(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	rng := rand.New(rand.NewSource(11))
	for class, base := range map[string]color.RGBA{
		"blight":  {R: 200, G: 40, B: 40, A: 255},
		"healthy": {R: 40, G: 200, B: 40, A: 255},
	} {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for i := 0; i < perClass; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 40, 40))
			for y := 0; y < 40; y++ {
				for x := 0; x < 40; x++ {
					jit := uint8(rng.Intn(40))
					img.Set(x, y, color.RGBA{
						R: base.R + jit, G: base.G + jit, B: base.B + jit, A: 255,
					})
				}
			}
			path := filepath.Join(dir, "leaf"+strings.Repeat("x", i)+".png")
			f, err := os.Create(path)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := png.Encode(f, img); err != nil {
				f.Close()
				t.Fatalf("encode: %v", err)
			}
			f.Close()
		}
	}
	return root
}

func smokeConfig(dir string) Config {
	return Config{
		Folds:            2,
		Epochs:           1,
		BatchSize:        4,
		LRTransfer:       1e-4,
		LRClassification: 1e-3,
		ImageSize:        32,
		Seed:             1,
		Shuffle:          true,
		Workers:          2,
		CheckpointDir:    dir,
	}
}

func TestOrchestratorRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in short mode")
	}

	root := writeSyntheticDataset(t, 4)
	table, err := dataset.LoadDirectory(root)
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	ckptDir := t.TempDir()
	sink := &recordingSink{}
	orch, err := NewOrchestrator(table, smokeConfig(ckptDir), sink, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Folds) != 2 {
		t.Fatalf("ran %d folds, expected 2", len(result.Folds))
	}
	if result.Stopped {
		t.Error("run reported stopped without a cancellation")
	}
	if len(sink.epochs) != 2 {
		t.Errorf("sink saw %d epochs, expected 2", len(sink.epochs))
	}
	if sink.folds != 2 {
		t.Errorf("sink saw %d fold ends, expected 2", sink.folds)
	}

	for _, fr := range result.Folds {
		if fr.EpochsRun != 1 {
			t.Errorf("fold %d ran %d epochs, expected 1", fr.Fold, fr.EpochsRun)
		}
		if fr.BestEpoch != 0 {
			t.Errorf("fold %d best epoch = %d, expected 0", fr.Fold, fr.BestEpoch)
		}
		if fr.CheckpointPath == "" {
			t.Fatalf("fold %d has no checkpoint", fr.Fold)
		}

		ckpt, err := checkpoints.Load(fr.CheckpointPath)
		if err != nil {
			t.Fatalf("loading fold %d checkpoint: %v", fr.Fold, err)
		}
		if ckpt.Spec.NumClasses != 2 {
			t.Errorf("checkpoint has %d classes, expected 2", ckpt.Spec.NumClasses)
		}
		if ckpt.Spec.ImageSize != 32 {
			t.Errorf("checkpoint image size = %d, expected 32", ckpt.Spec.ImageSize)
		}
		if ckpt.Training == nil || ckpt.Training.Fold != fr.Fold {
			t.Errorf("checkpoint training state = %+v", ckpt.Training)
		}
		if len(ckpt.Spec.Classes) != 2 {
			t.Errorf("checkpoint classes = %v", ckpt.Spec.Classes)
		}
	}

	if result.MeanValAccuracy < 0 || result.MeanValAccuracy > 1 {
		t.Errorf("mean val accuracy = %v, expected within [0,1]", result.MeanValAccuracy)
	}
}

func TestOrchestratorStopsAtEpochBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in short mode")
	}

	root := writeSyntheticDataset(t, 3)
	table, err := dataset.LoadDirectory(root)
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	cfg := smokeConfig(t.TempDir())
	cfg.Epochs = 3
	orch, err := NewOrchestrator(table, cfg, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	// An already-cancelled context still finishes the first epoch, then
	// stops cleanly with a checkpoint in place.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Stopped {
		t.Fatal("result should report the early stop")
	}
	if len(result.Folds) != 1 {
		t.Fatalf("ran %d folds, expected the stop after fold 0", len(result.Folds))
	}
	fr := result.Folds[0]
	if fr.EpochsRun != 1 {
		t.Errorf("fold ran %d epochs before stopping, expected 1", fr.EpochsRun)
	}
	if fr.CheckpointPath == "" {
		t.Error("stopped fold should still have its best checkpoint")
	}
}

func TestOrchestratorConfigValidation(t *testing.T) {
	root := writeSyntheticDataset(t, 2)
	table, err := dataset.LoadDirectory(root)
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	bad := smokeConfig(t.TempDir())
	bad.Folds = 1
	if _, err := NewOrchestrator(table, bad, nil, nil, quietLogger()); err == nil {
		t.Error("expected error for a single fold")
	}

	bad = smokeConfig(t.TempDir())
	bad.CheckpointDir = ""
	if _, err := NewOrchestrator(table, bad, nil, nil, quietLogger()); err == nil {
		t.Error("expected error for a missing checkpoint directory")
	}

	bad = smokeConfig(t.TempDir())
	bad.ImageSize = 16
	if _, err := NewOrchestrator(table, bad, nil, nil, quietLogger()); err == nil {
		t.Error("expected error for a too-small image size")
	}

	if _, err := NewOrchestrator(nil, smokeConfig(t.TempDir()), nil, nil, quietLogger()); err == nil {
		t.Error("expected error for a nil table")
	}
}
