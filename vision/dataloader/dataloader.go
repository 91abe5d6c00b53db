// Package dataloader batches dataset samples into training tensors.
// Images are decoded and augmented on parallel workers, but batch order
// and content depend only on the sample order and the per-sample decode
// outcomes, never on worker timing.
package dataloader

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math/rand"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/cropwatch/leafnet/tensor"
	"github.com/cropwatch/leafnet/vision/augment"
	"github.com/cropwatch/leafnet/vision/dataset"
)

// SampleDecodeError marks one unreadable image. The loader logs it and
// drops the sample rather than aborting the batch.
type SampleDecodeError struct {
	ID  string
	Err error
}

func (e *SampleDecodeError) Error() string {
	return fmt.Sprintf("decoding sample %q: %v", e.ID, e.Err)
}

func (e *SampleDecodeError) Unwrap() error { return e.Err }

// Config controls batching and decode behavior.
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Workers   int
	CacheSize int // decoded images kept in the LRU cache; 0 disables caching
}

// Batch is one step's worth of data: images [N,3,S,S] and labels [N].
type Batch struct {
	Images    *tensor.Tensor
	Labels    *tensor.Tensor
	Size      int
	SampleIDs []string
}

// Loader iterates a sample list in epochs.
type Loader struct {
	samples  []dataset.Sample
	pipeline *augment.Pipeline
	cfg      Config
	logger   *slog.Logger
	rng      *rand.Rand
	cache    *imageCache
}

func New(samples []dataset.Sample, pipeline *augment.Pipeline, cfg Config, logger *slog.Logger) (*Loader, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataloader requires at least one sample")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("dataloader requires an augmentation pipeline")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loader{
		samples:  append([]dataset.Sample(nil), samples...),
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.CacheSize > 0 {
		l.cache = newImageCache(cfg.CacheSize)
	}
	return l, nil
}

func (l *Loader) Len() int {
	return len(l.samples)
}

// BatchesPerEpoch counts batches including a trailing partial batch.
func (l *Loader) BatchesPerEpoch() int {
	return (len(l.samples) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Epoch returns an iterator over one pass of the data. With shuffling
// enabled, each epoch draws a fresh permutation from the loader's seeded
// source, so a fixed seed reproduces the same epoch sequence.
func (l *Loader) Epoch() *Epoch {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &Epoch{loader: l, order: order}
}

// Epoch yields batches until the sample list is exhausted.
type Epoch struct {
	loader *Loader
	order  []int
	cursor int
}

// Next decodes and assembles the next batch. It returns nil when the
// epoch is done. Samples that fail to decode are skipped with a warning;
// if every sample in a batch fails, an error is returned.
func (e *Epoch) Next(ctx context.Context) (*Batch, error) {
	l := e.loader
	for e.cursor < len(e.order) {
		end := e.cursor + l.cfg.BatchSize
		if end > len(e.order) {
			end = len(e.order)
		}
		indices := e.order[e.cursor:end]
		e.cursor = end

		batch, err := l.assemble(ctx, indices)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}
		// Whole batch failed to decode; surface it rather than shrink
		// the epoch silently.
		return nil, fmt.Errorf("all %d samples in batch failed to decode", len(indices))
	}
	return nil, nil
}

func (l *Loader) assemble(ctx context.Context, indices []int) (*Batch, error) {
	type slot struct {
		img *tensor.Tensor
		ok  bool
	}
	slots := make([]slot, len(indices))

	// Augmentation parameters are drawn here in index order, before any
	// worker runs, so each batch position always receives the same draw
	// regardless of worker scheduling. A skipped sample still consumes
	// its draw.
	params := make([]augment.Params, len(indices))
	for i := range indices {
		params[i] = l.pipeline.Draw()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for i, idx := range indices {
		i, s := i, l.samples[idx]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := l.decode(s)
			if err != nil {
				l.logger.Warn("skipping unreadable sample",
					"sample", s.ID, "error", err)
				return nil
			}
			t, err := l.pipeline.ApplyWith(img, params[i])
			if err != nil {
				l.logger.Warn("skipping sample after transform failure",
					"sample", s.ID, "error", err)
				return nil
			}
			slots[i] = slot{img: t, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Assemble in index order so content is independent of decode timing.
	var kept []int
	for i := range slots {
		if slots[i].ok {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	first := slots[kept[0]].img
	c, h, w := first.Shape[0], first.Shape[1], first.Shape[2]
	imageData := make([]float32, len(kept)*c*h*w)
	labelData := make([]int32, len(kept))
	sampleIDs := make([]string, len(kept))

	stride := c * h * w
	for pos, i := range kept {
		data, err := slots[i].img.Float32s()
		if err != nil {
			return nil, err
		}
		copy(imageData[pos*stride:(pos+1)*stride], data)
		s := l.samples[indices[i]]
		labelData[pos] = int32(s.Label)
		sampleIDs[pos] = s.ID
	}

	images, err := tensor.New([]int{len(kept), c, h, w}, tensor.Float32, imageData)
	if err != nil {
		return nil, err
	}
	labels, err := tensor.New([]int{len(kept)}, tensor.Int32, labelData)
	if err != nil {
		return nil, err
	}
	return &Batch{
		Images:    images,
		Labels:    labels,
		Size:      len(kept),
		SampleIDs: sampleIDs,
	}, nil
}

func (l *Loader) decode(s dataset.Sample) (image.Image, error) {
	if l.cache != nil {
		if img, ok := l.cache.get(s.ID); ok {
			return img, nil
		}
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, &SampleDecodeError{ID: s.ID, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &SampleDecodeError{ID: s.ID, Err: err}
	}
	if l.cache != nil {
		l.cache.put(s.ID, img)
	}
	return img, nil
}
