package training

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
)

// EpochMetrics is the scalar summary emitted after every epoch.
type EpochMetrics struct {
	Fold        int
	Epoch       int
	TrainLoss   float64
	ValAccuracy float64
	LRFactor    float64
	Duration    time.Duration
}

// MetricsSink receives training telemetry. The orchestrator never depends
// on a concrete backend; callers inject whatever sink they want.
type MetricsSink interface {
	EpochEnd(m EpochMetrics)
	FoldEnd(fold int, bestEpoch int, bestValAccuracy float64)
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) EpochEnd(EpochMetrics)     {}
func (NopSink) FoldEnd(int, int, float64) {}
func (NopSink) Close() error              { return nil }

// SlogSink logs metrics through a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger}
}

func (s *SlogSink) EpochEnd(m EpochMetrics) {
	s.Logger.Info("epoch complete",
		"fold", m.Fold,
		"epoch", m.Epoch,
		"train_loss", m.TrainLoss,
		"val_accuracy", m.ValAccuracy,
		"lr_factor", m.LRFactor,
		"duration", m.Duration.Round(time.Millisecond))
}

func (s *SlogSink) FoldEnd(fold, bestEpoch int, bestValAccuracy float64) {
	s.Logger.Info("fold complete",
		"fold", fold,
		"best_epoch", bestEpoch,
		"best_val_accuracy", bestValAccuracy)
}

func (s *SlogSink) Close() error { return nil }

// CSVSink appends one row per epoch to a CSV file.
type CSVSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating metrics file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"fold", "epoch", "train_loss", "val_accuracy", "lr_factor"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing metrics header: %w", err)
	}
	return &CSVSink{file: f, writer: w}, nil
}

func (s *CSVSink) EpochEnd(m EpochMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Write([]string{
		strconv.Itoa(m.Fold),
		strconv.Itoa(m.Epoch),
		strconv.FormatFloat(m.TrainLoss, 'g', -1, 64),
		strconv.FormatFloat(m.ValAccuracy, 'g', -1, 64),
		strconv.FormatFloat(m.LRFactor, 'g', -1, 64),
	})
	s.writer.Flush()
}

func (s *CSVSink) FoldEnd(int, int, float64) {}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// MultiSink fans out to several sinks.
type MultiSink struct {
	sinks []MetricsSink
}

func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) EpochEnd(em EpochMetrics) {
	for _, s := range m.sinks {
		s.EpochEnd(em)
	}
}

func (m *MultiSink) FoldEnd(fold, bestEpoch int, bestValAccuracy float64) {
	for _, s := range m.sinks {
		s.FoldEnd(fold, bestEpoch, bestValAccuracy)
	}
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
