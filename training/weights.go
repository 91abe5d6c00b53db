package training

import (
	"fmt"
	"log/slog"
)

// ClassWeights derives inverse-frequency loss weights from per-class
// sample counts, normalized to mean one so loss scale is comparable
// across folds. A class absent from the split is clamped to the largest
// weight among the present classes; that situation points at a fold
// construction problem and is logged.
func ClassWeights(counts []int, logger *slog.Logger) ([]float32, error) {
	if len(counts) == 0 {
		return nil, fmt.Errorf("class weights require at least one class")
	}
	if logger == nil {
		logger = slog.Default()
	}

	total := 0
	for _, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("negative class count %d", c)
		}
		total += c
	}
	if total == 0 {
		return nil, fmt.Errorf("class weights require at least one sample")
	}

	raw := make([]float64, len(counts))
	ceiling := 0.0
	for i, c := range counts {
		if c == 0 {
			continue
		}
		raw[i] = float64(total) / float64(c)
		if raw[i] > ceiling {
			ceiling = raw[i]
		}
	}
	for i, c := range counts {
		if c == 0 {
			logger.Warn("class missing from training split, using ceiling weight", "class", i)
			raw[i] = ceiling
		}
	}

	mean := 0.0
	for _, w := range raw {
		mean += w
	}
	mean /= float64(len(raw))

	weights := make([]float32, len(raw))
	for i, w := range raw {
		weights[i] = float32(w / mean)
	}
	return weights, nil
}
