package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cropwatch/leafnet/config"
	"github.com/cropwatch/leafnet/training"
	"github.com/cropwatch/leafnet/vision/dataset"
)

func newTrainCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run stratified cross-validation training",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, stdout, stderr)
		},
	}
	cmd.Flags().Int("epochs", 0, "Override the configured epoch count")
	cmd.Flags().Int("folds", 0, "Override the configured fold count")
	return cmd
}

func runTrain(cmd *cobra.Command, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetInt("epochs"); v > 0 {
		cfg.Training.Epochs = v
	}
	if v, _ := cmd.Flags().GetInt("folds"); v > 0 {
		cfg.Training.Folds = v
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	table, err := dataset.LoadCSV(cfg.SampleTablePath(), cfg.ImagesDirPath(), cfg.Data.Classes)
	if err != nil {
		return fmt.Errorf("loading sample table: %w", err)
	}
	fmt.Fprintln(stdout, table.String())

	var sink training.MetricsSink = training.NewSlogSink(logger)
	if cfg.Training.MetricsPath != "" {
		csvSink, err := training.NewCSVSink(cfg.Training.MetricsPath)
		if err != nil {
			return fmt.Errorf("opening metrics file: %w", err)
		}
		sink = training.NewMultiSink(sink, csvSink)
	}
	defer sink.Close() //nolint:errcheck // flushed per row

	orch, err := training.NewOrchestrator(table, training.Config{
		Folds:            cfg.Training.Folds,
		Epochs:           cfg.Training.Epochs,
		BatchSize:        cfg.Training.BatchSize,
		ValBatchSize:     cfg.Training.ValBatchSize,
		LRTransfer:       cfg.Training.LRTransfer,
		LRClassification: cfg.Training.LRClassification,
		WeightDecay:      cfg.Training.WeightDecay,
		ImageSize:        cfg.Data.ImageSize,
		Seed:             cfg.Training.Seed,
		Shuffle:          cfg.Training.Shuffle,
		Workers:          cfg.Training.Workers,
		CheckpointDir:    cfg.Training.CheckpointDir,
		ShowProgress:     cfg.Training.Progress,
	}, sink, nil, logger)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM request a clean stop at the next epoch boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	for _, fr := range result.Folds {
		fmt.Fprintf(stdout, "fold %d: best epoch %d, val accuracy %.4f, checkpoint %s\n",
			fr.Fold, fr.BestEpoch, fr.BestValAccuracy, fr.CheckpointPath)
	}
	fmt.Fprintf(stdout, "mean val accuracy over %d fold(s): %.4f\n", len(result.Folds), result.MeanValAccuracy)
	if result.Stopped {
		fmt.Fprintln(stderr, "run stopped early on request")
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
