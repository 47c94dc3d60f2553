// Package train turns a directory of labeled images into a model artifact.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/waste-api/internal/config"
	"github.com/Brownie44l1/waste-api/internal/convnet"
	"github.com/Brownie44l1/waste-api/internal/dataset"
	"github.com/Brownie44l1/waste-api/internal/imaging"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/store"
)

type Options struct {
	DataDir         string
	OutputPath      string
	ImageSize       int
	BatchSize       int
	Epochs          int
	ValidationSplit float64
	LearningRate    float64
	Seed            int64
	Interpolation   string
	Conv1Filters    int
	Conv2Filters    int
	HiddenUnits     int
}

// OptionsFromConfig copies the train section and writes to the model path.
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Train
	return Options{
		DataDir:         t.DataDir,
		OutputPath:      cfg.Model.Path,
		ImageSize:       t.ImageSize,
		BatchSize:       t.BatchSize,
		Epochs:          t.Epochs,
		ValidationSplit: t.ValidationSplit,
		LearningRate:    t.LearningRate,
		Seed:            t.Seed,
		Interpolation:   t.Interpolation,
		Conv1Filters:    t.Conv1Filters,
		Conv2Filters:    t.Conv2Filters,
		HiddenUnits:     t.HiddenUnits,
	}
}

func (o Options) validate() error {
	var errs []error
	if o.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if o.OutputPath == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if o.BatchSize <= 0 || o.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("batch size and epochs must be positive, got %d and %d", o.BatchSize, o.Epochs))
	}
	if o.ValidationSplit < 0 || o.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("validation split must be in [0,1), got %v", o.ValidationSplit))
	}
	if o.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning rate must be positive, got %v", o.LearningRate))
	}
	return errors.Join(errs...)
}

// Report summarises one training run.
type Report struct {
	RunID             string
	Classes           []string
	Counts            map[string]int
	Skipped           []string
	TrainSamples      int
	ValidationSamples int
	History           []convnet.EpochStats
	ArtifactPath      string
	Duration          time.Duration
}

// Final returns the last epoch's stats.
func (r *Report) Final() convnet.EpochStats {
	if len(r.History) == 0 {
		return convnet.EpochStats{}
	}
	return r.History[len(r.History)-1]
}

// RunRecorder receives a row per finished run. *store.Store satisfies it.
type RunRecorder interface {
	RecordTrainingRun(store.TrainingRun) error
}

type Trainer struct {
	logger *zap.Logger
	runs   RunRecorder
}

// NewTrainer returns a Trainer. runs may be nil.
func NewTrainer(logger *zap.Logger, runs RunRecorder) *Trainer {
	return &Trainer{logger: logger, runs: runs}
}

// Train loads the dataset, fits a network and writes the artifact to
// opts.OutputPath, replacing whatever was there.
func (t *Trainer) Train(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	runID := uuid.NewString()
	logger := t.logger.With(zap.String("run_id", runID))

	transform := imaging.Transform{
		Size:          opts.ImageSize,
		Interpolation: opts.Interpolation,
		Layout:        imaging.LayoutCHW,
	}
	if transform.Interpolation == "" {
		transform.Interpolation = "nearest"
	}
	if err := transform.Validate(); err != nil {
		return nil, err
	}
	arch := convnet.Architecture{
		InputSize:    opts.ImageSize,
		Channels:     imaging.Channels,
		Conv1Filters: opts.Conv1Filters,
		Conv2Filters: opts.Conv2Filters,
		HiddenUnits:  opts.HiddenUnits,
	}

	ds, err := dataset.Load(ctx, opts.DataDir, transform, logger)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	arch.Classes = len(ds.Classes)

	net, err := convnet.New(arch, opts.Seed)
	if err != nil {
		return nil, err
	}

	trainSet, valSet := ds.Split(opts.ValidationSplit, opts.Seed)
	logger.Info("training started",
		zap.Strings("classes", ds.Classes),
		zap.Int("train_samples", len(trainSet)),
		zap.Int("validation_samples", len(valSet)),
		zap.Int("epochs", opts.Epochs),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("image_size", opts.ImageSize))

	history, err := net.Fit(ctx, examples(trainSet), examples(valSet), convnet.FitOptions{
		Epochs:       opts.Epochs,
		BatchSize:    opts.BatchSize,
		LearningRate: float32(opts.LearningRate),
		Seed:         opts.Seed,
	}, func(s convnet.EpochStats) {
		logger.Info("epoch finished",
			zap.Int("epoch", s.Epoch),
			zap.Float64("loss", s.TrainLoss),
			zap.Float64("accuracy", s.TrainAccuracy),
			zap.Float64("val_loss", s.ValLoss),
			zap.Float64("val_accuracy", s.ValAccuracy))
	})
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}

	artifact := model.NewArtifact(net, model.Metadata{
		Classes:       ds.Classes,
		Interpolation: transform.Interpolation,
		CreatedAt:     time.Now().UTC(),
		Training: &model.TrainingSummary{
			RunID:             runID,
			DataDir:           opts.DataDir,
			Epochs:            opts.Epochs,
			BatchSize:         opts.BatchSize,
			LearningRate:      opts.LearningRate,
			Seed:              opts.Seed,
			TrainSamples:      len(trainSet),
			ValidationSamples: len(valSet),
			History:           history,
		},
	})
	if err := model.SaveArtifact(opts.OutputPath, artifact); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(ds.Classes))
	for i, n := range ds.Counts() {
		counts[ds.Classes[i]] = n
	}
	report := &Report{
		RunID:             runID,
		Classes:           ds.Classes,
		Counts:            counts,
		Skipped:           ds.Skipped,
		TrainSamples:      len(trainSet),
		ValidationSamples: len(valSet),
		History:           history,
		ArtifactPath:      opts.OutputPath,
		Duration:          time.Since(start),
	}
	logger.Info("artifact saved",
		zap.String("path", opts.OutputPath),
		zap.Duration("took", report.Duration),
		zap.Float64("val_accuracy", report.Final().ValAccuracy))

	if t.runs != nil {
		final := report.Final()
		err := t.runs.RecordTrainingRun(store.TrainingRun{
			RunID:             runID,
			DataDir:           opts.DataDir,
			Classes:           ds.Classes,
			Epochs:            opts.Epochs,
			TrainSamples:      len(trainSet),
			ValidationSamples: len(valSet),
			ValLoss:           final.ValLoss,
			ValAccuracy:       final.ValAccuracy,
			ArtifactPath:      opts.OutputPath,
		})
		if err != nil {
			logger.Warn("failed to record training run", zap.Error(err))
		}
	}
	return report, nil
}

func examples(samples []dataset.Sample) []convnet.Example {
	out := make([]convnet.Example, len(samples))
	for i, s := range samples {
		out[i] = convnet.Example{Input: s.Tensor, Label: s.Label}
	}
	return out
}
