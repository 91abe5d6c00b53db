// Package training drives the cross-validated train/validate loop and
// owns the loss, optimizers, schedulers and metric plumbing around it.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cropwatch/leafnet/checkpoints"
	"github.com/cropwatch/leafnet/model"
	"github.com/cropwatch/leafnet/nn"
	"github.com/cropwatch/leafnet/tensor"
	"github.com/cropwatch/leafnet/vision/augment"
	"github.com/cropwatch/leafnet/vision/dataloader"
	"github.com/cropwatch/leafnet/vision/dataset"
)

// Config collects every knob the fold loop needs.
type Config struct {
	Folds        int
	Epochs       int
	BatchSize    int
	ValBatchSize int

	// The backbone trains at the transfer rate, the head at the
	// classification rate.
	LRTransfer       float64
	LRClassification float64
	WeightDecay      float64

	ImageSize int
	Seed      int64
	Shuffle   bool
	Workers   int

	CheckpointDir string
	Model         model.Config
	ShowProgress  bool
}

func (c *Config) validate() error {
	if c.Folds < 2 {
		return fmt.Errorf("fold count must be at least 2, got %d", c.Folds)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epoch count must be at least 1, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("train batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.ValBatchSize < 1 {
		c.ValBatchSize = c.BatchSize
	}
	if c.LRTransfer <= 0 || c.LRClassification <= 0 {
		return fmt.Errorf("learning rates must be positive, got transfer=%v classification=%v",
			c.LRTransfer, c.LRClassification)
	}
	if c.ImageSize < 32 {
		return fmt.Errorf("image size must be at least 32, got %d", c.ImageSize)
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint directory is required")
	}
	return nil
}

// FoldResult summarizes one completed fold.
type FoldResult struct {
	Fold            int
	EpochsRun       int
	BestEpoch       int
	BestValAccuracy float64
	FinalTrainLoss  float64
	CheckpointPath  string
	Confusion       *ConfusionMatrix
}

// Result summarizes a whole cross-validation run.
type Result struct {
	Folds           []FoldResult
	MeanValAccuracy float64
	Stopped         bool
}

// Orchestrator runs the fold/epoch state machine: folds strictly in
// sequence, each starting from freshly initialized weights, with a
// validation pass and a metric emission after every epoch. The best
// validation accuracy checkpoint per fold is kept; the last epoch's
// weights are not persisted unless they are the best.
type Orchestrator struct {
	table  *dataset.Table
	cfg    Config
	sink   MetricsSink
	sched  LRScheduler
	logger *slog.Logger
}

func NewOrchestrator(table *dataset.Table, cfg Config, sink MetricsSink, sched LRScheduler, logger *slog.Logger) (*Orchestrator, error) {
	if table == nil {
		return nil, fmt.Errorf("orchestrator requires a dataset table")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Model.NumClasses == 0 {
		cfg.Model = model.DefaultConfig()
		cfg.Model.NumClasses = table.NumClasses()
	}
	if cfg.Model.NumClasses != table.NumClasses() {
		return nil, fmt.Errorf("model has %d classes but table has %d", cfg.Model.NumClasses, table.NumClasses())
	}
	if sink == nil {
		sink = NopSink{}
	}
	if sched == nil {
		sched = NewCosineAnnealingLR(cfg.Epochs, 0.01)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		table:  table,
		cfg:    cfg,
		sink:   sink,
		sched:  sched,
		logger: logger,
	}, nil
}

// Run executes every fold. A context cancellation is honored at the next
// epoch boundary: the current epoch finishes, its checkpoint bookkeeping
// completes, and the partial result is returned with Stopped set.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	folds, err := o.table.StratifiedFolds(o.cfg.Folds, o.cfg.Seed, o.cfg.Shuffle)
	if err != nil {
		return nil, fmt.Errorf("building folds: %w", err)
	}
	o.logger.Info("starting cross-validation run",
		"folds", o.cfg.Folds,
		"epochs", o.cfg.Epochs,
		"samples", o.table.Len(),
		"classes", o.table.NumClasses())

	result := &Result{}
	for _, fold := range folds {
		fr, stopped, err := o.runFold(ctx, fold)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", fold.Index, err)
		}
		result.Folds = append(result.Folds, *fr)
		if stopped {
			result.Stopped = true
			break
		}
	}

	total := 0.0
	for _, fr := range result.Folds {
		total += fr.BestValAccuracy
	}
	if len(result.Folds) > 0 {
		result.MeanValAccuracy = total / float64(len(result.Folds))
	}
	return result, nil
}

func (o *Orchestrator) runFold(ctx context.Context, fold dataset.Fold) (*FoldResult, bool, error) {
	// Fresh weights per fold; the seed offset keeps folds independent
	// while the whole run stays reproducible.
	nn.SetRandomSeed(o.cfg.Seed + int64(fold.Index))
	clf, err := model.New(o.cfg.Model, nil)
	if err != nil {
		return nil, false, err
	}

	counts := dataset.CountsFor(fold.Train, o.table.NumClasses())
	weights, err := ClassWeights(counts, o.logger)
	if err != nil {
		return nil, false, err
	}
	loss := NewWeightedCrossEntropyLoss(weights)

	optimizer, err := NewAdam([]*ParamGroup{
		{Name: "backbone", Params: clf.BackboneParameters(), BaseLR: o.cfg.LRTransfer},
		{Name: "head", Params: clf.HeadParameters(), BaseLR: o.cfg.LRClassification},
	}, o.cfg.WeightDecay)
	if err != nil {
		return nil, false, err
	}

	augCfg := augment.Config{
		Size: o.cfg.ImageSize,
		Mean: augment.DefaultMean,
		Std:  augment.DefaultStd,
		Seed: o.cfg.Seed + int64(fold.Index),
	}
	trainPipe, err := augment.New(augment.Train, augCfg)
	if err != nil {
		return nil, false, err
	}
	evalPipe, err := augment.New(augment.Eval, augCfg)
	if err != nil {
		return nil, false, err
	}

	trainLoader, err := dataloader.New(fold.Train, trainPipe, dataloader.Config{
		BatchSize: o.cfg.BatchSize,
		Shuffle:   true,
		Seed:      o.cfg.Seed + int64(fold.Index),
		Workers:   o.cfg.Workers,
	}, o.logger)
	if err != nil {
		return nil, false, err
	}
	valLoader, err := dataloader.New(fold.Val, evalPipe, dataloader.Config{
		BatchSize: o.cfg.ValBatchSize,
		Workers:   o.cfg.Workers,
		CacheSize: len(fold.Val),
	}, o.logger)
	if err != nil {
		return nil, false, err
	}

	o.logger.Info("starting fold",
		"fold", fold.Index,
		"train_samples", len(fold.Train),
		"val_samples", len(fold.Val),
		"class_weights", weights)

	fr := &FoldResult{Fold: fold.Index, BestEpoch: -1}
	stopped := false
	for epoch := 0; epoch < o.cfg.Epochs; epoch++ {
		start := time.Now()
		factor := o.sched.Factor(epoch)
		optimizer.SetLRFactor(factor)

		// The epoch itself runs on a background context so a stop request
		// never abandons a half-applied epoch; cancellation is honored at
		// the boundary check below.
		trainLoss, err := o.trainEpoch(context.Background(), clf, loss, optimizer, trainLoader, fold.Index, epoch)
		if err != nil {
			return nil, false, err
		}
		valAccuracy, cm, err := o.validate(context.Background(), clf, valLoader)
		if err != nil {
			return nil, false, err
		}

		fr.EpochsRun = epoch + 1
		fr.FinalTrainLoss = trainLoss
		fr.Confusion = cm
		o.sink.EpochEnd(EpochMetrics{
			Fold:        fold.Index,
			Epoch:       epoch,
			TrainLoss:   trainLoss,
			ValAccuracy: valAccuracy,
			LRFactor:    factor,
			Duration:    time.Since(start),
		})

		if valAccuracy > fr.BestValAccuracy || fr.BestEpoch < 0 {
			fr.BestValAccuracy = valAccuracy
			fr.BestEpoch = epoch
			path, err := o.saveCheckpoint(clf, fold.Index, epoch, trainLoss, valAccuracy)
			if err != nil {
				return nil, false, err
			}
			fr.CheckpointPath = path
		}

		if ctx.Err() != nil {
			o.logger.Info("stop requested, ending fold after current epoch",
				"fold", fold.Index, "epoch", epoch)
			stopped = true
			break
		}
	}

	o.sink.FoldEnd(fold.Index, fr.BestEpoch, fr.BestValAccuracy)
	return fr, stopped, nil
}

func (o *Orchestrator) trainEpoch(ctx context.Context, clf *model.Classifier, loss *CrossEntropyLoss,
	optimizer Optimizer, loader *dataloader.Loader, foldIdx, epochIdx int) (float64, error) {

	clf.Train()
	var bar *ProgressBar
	if o.cfg.ShowProgress {
		bar = NewProgressBar(fmt.Sprintf("fold %d epoch %d", foldIdx, epochIdx),
			loader.BatchesPerEpoch(), os.Stderr)
	}

	totalLoss := 0.0
	totalSamples := 0
	step := 0
	epoch := loader.Epoch()
	for {
		batch, err := epoch.Next(ctx)
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		optimizer.ZeroGrad()
		logits, err := clf.Forward(batch.Images)
		if err != nil {
			return 0, err
		}
		lossT, err := loss.Forward(logits, batch.Labels)
		if err != nil {
			return 0, err
		}
		if err := lossT.Backward(); err != nil {
			return 0, err
		}
		if err := optimizer.Step(); err != nil {
			return 0, err
		}

		lossVal, err := lossT.Item()
		if err != nil {
			return 0, err
		}
		totalLoss += float64(lossVal) * float64(batch.Size)
		totalSamples += batch.Size
		step++
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": totalLoss / float64(totalSamples)})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if totalSamples == 0 {
		return 0, fmt.Errorf("training epoch saw no samples")
	}
	return totalLoss / float64(totalSamples), nil
}

func (o *Orchestrator) validate(ctx context.Context, clf *model.Classifier, loader *dataloader.Loader) (float64, *ConfusionMatrix, error) {
	clf.Eval()
	defer clf.Train()

	cm := NewConfusionMatrix(o.table.Classes())
	epoch := loader.Epoch()
	for {
		batch, err := epoch.Next(ctx)
		if err != nil {
			return 0, nil, err
		}
		if batch == nil {
			break
		}
		logits, err := clf.Forward(batch.Images)
		if err != nil {
			return 0, nil, err
		}
		predicted, err := tensor.ArgMaxRows(logits)
		if err != nil {
			return 0, nil, err
		}
		labels, err := batch.Labels.Int32s()
		if err != nil {
			return 0, nil, err
		}
		for i, p := range predicted {
			cm.Add(int(labels[i]), p)
		}
	}
	if cm.Total() == 0 {
		return 0, nil, fmt.Errorf("validation pass saw no samples")
	}
	return cm.Accuracy(), cm, nil
}

func (o *Orchestrator) saveCheckpoint(clf *model.Classifier, foldIdx, epochIdx int, trainLoss, valAccuracy float64) (string, error) {
	weights, err := checkpoints.ExtractWeights(clf.NamedTensors())
	if err != nil {
		return "", err
	}
	ckpt := &checkpoints.Checkpoint{
		Spec: checkpoints.ModelSpec{
			NumClasses:    o.cfg.Model.NumClasses,
			HiddenSize:    o.cfg.Model.HiddenSize,
			Dropout:       o.cfg.Model.Dropout,
			DropoutHidden: o.cfg.Model.DropoutHidden,
			ImageSize:     o.cfg.ImageSize,
			Classes:       o.table.Classes(),
			Mean:          augment.DefaultMean,
			Std:           augment.DefaultStd,
		},
		Training: &checkpoints.TrainingState{
			Fold:        foldIdx,
			Epoch:       epochIdx,
			TrainLoss:   trainLoss,
			ValAccuracy: valAccuracy,
		},
		Weights: weights,
	}
	path := filepath.Join(o.cfg.CheckpointDir, fmt.Sprintf("fold%d_best.json", foldIdx))
	if err := checkpoints.Save(path, ckpt); err != nil {
		return "", err
	}
	o.logger.Info("saved checkpoint",
		"fold", foldIdx, "epoch", epochIdx, "val_accuracy", valAccuracy, "path", path)
	return path, nil
}
