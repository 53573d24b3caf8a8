// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ocr trains the CRNN text recognition models (see package models/crnn) with the CTC loss.
//
// All hyperparameters live in the context: see CreateDefaultContext for the full list and their defaults.
package ocr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/crnn/ctc"
	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/crnn/models/crnn"
	"github.com/gomlx/crnn/ocrdata"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamTrainSteps is the target global step of the training.
	ParamTrainSteps = "train_steps"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointPeriod is the period, in seconds, between checkpoints saved during training.
	ParamCheckpointPeriod = "checkpoint_period_secs"

	// ParamEvalBatchSize is the batch size used for evaluation. If 0, it uses the training batch size.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumSynthetic is the number of synthetic examples per evaluation epoch, when training on
	// synthetic data.
	ParamNumSynthetic = "num_synthetic"

	// ParamTrainIndex and ParamEvalIndex are the index files of the training and evaluation examples,
	// relative to the data directory.
	ParamTrainIndex = "train_index"
	ParamEvalIndex  = "eval_index"
)

// ParamsExcludedFromSaving lists the parameters that are not saved along the checkpoints, so they can be
// changed when training continues.
var ParamsExcludedFromSaving = []string{
	ParamTrainSteps, ParamNumCheckpoints, ParamCheckpointPeriod, ParamTrainIndex, ParamEvalIndex, plotly.ParamPlots,
}

// CreateDefaultContext returns a context with the default hyperparameters of the model (see hyperparams.Default)
// and of the training.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	hyperparams.Default().SetInContext(ctx)
	ctx.SetParams(map[string]any{
		ParamTrainSteps:       10_000,
		ParamNumCheckpoints:   3,
		ParamCheckpointPeriod: 180,
		ParamEvalBatchSize:    0,
		ParamNumSynthetic:     ocrdata.DefaultNumSynthetic,
		ParamTrainIndex:       "train.txt",
		ParamEvalIndex:        "test.txt",

		ctc.ParamZeroInfeasible: true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,

		// "plots" generates intermediary evaluation points, saved along the checkpoint, and plotted
		// with Plotly if running in a notebook.
		plotly.ParamPlots: false,
	})
	return ctx
}

// Config of TrainModel that is not part of the context hyperparameters.
type Config struct {
	// DataDir holds the index files and images of the datasets, and is the base directory for
	// relative checkpoint paths.
	DataDir string

	// Checkpoint is the directory where to load/save the model. If empty, no checkpoints are used.
	Checkpoint string

	// Synthetic trains on generated images of digits instead of the datasets in DataDir.
	Synthetic bool

	// EvaluateOnEnd reports the evaluation metrics at the end of the training.
	EvaluateOnEnd bool

	// Verbosity of the output: 0 prints only the progress bar, 1 some information, 2 all the hyperparameters.
	// Negative values also disable the progress bar.
	Verbosity int
}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// TrainModel trains the model configured by the hyperparameters in ctx, until the global step reaches
// the "train_steps" hyperparameter.
//
// If a checkpoint is given and already exists, training continues from it, and its saved hyperparameters
// take precedence over the ones in ctx, except for those listed in paramsSet (the ones set in the
// command line) and ParamsExcludedFromSaving.
func TrainModel(ctx *context.Context, cfg Config, paramsSet []string) error {
	return exceptions.TryCatch[error](func() { trainModel(ctx, cfg, paramsSet) })
}

func trainModel(ctx *context.Context, cfg Config, paramsSet []string) {
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}
	dataDir := data.ReplaceTildeInDir(cfg.DataDir)
	if dataDir != "" && !data.FileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			panic(errors.Wrapf(err, "failed to create data directory %q", dataDir))
		}
	}

	// Checkpoints: loading them restores the hyperparameters saved, so this comes first.
	var checkpoint *checkpoints.Handler
	if cfg.Checkpoint != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(cfg.Checkpoint, dataDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			panic(errors.WithMessagef(err, "failed to set up checkpoints in %q", cfg.Checkpoint))
		}
		if cfg.Verbosity >= 1 {
			fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		}
	}
	hp := hyperparams.FromContext(ctx)
	if err := hp.Validate(); err != nil {
		panic(err)
	}
	if cfg.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Datasets.
	trainDS, evalOnTrainDS, evalDS, err := ocrdata.CreateDatasets(Backend, hp, ocrdata.Config{
		TrainIndex:    data.ReplaceTildeInDir(joinDir(dataDir, context.GetParamOr(ctx, ParamTrainIndex, ""))),
		EvalIndex:     data.ReplaceTildeInDir(joinDir(dataDir, context.GetParamOr(ctx, ParamEvalIndex, ""))),
		Synthetic:     cfg.Synthetic,
		NumSynthetic:  context.GetParamOr(ctx, ParamNumSynthetic, ocrdata.DefaultNumSynthetic),
		EvalBatchSize: context.GetParamOr(ctx, ParamEvalBatchSize, 0),
		Seed:          uint64(time.Now().UnixNano()),
	})
	if err != nil {
		panic(err)
	}

	lossFn, err := ctc.LossFnFromContext(ctx)
	if err != nil {
		panic(err)
	}
	meanAccuracyMetric := ctc.NewSequenceAccuracy("Mean Sequence Accuracy", "#acc")
	movingAccuracyMetric := ctc.NewMovingAverageSequenceAccuracy("Moving Average Sequence Accuracy", "~acc", 0.01)

	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, crnn.ModelFn, lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if cfg.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		period := time.Second * time.Duration(context.GetParamOr(ctx, ParamCheckpointPeriod, 180))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(evalOnTrainDS, evalDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(evalOnTrainDS)
	}

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
		klog.V(1).Infof("continuing training from global step %d", globalStep)
	}
	if globalStep < numTrainSteps {
		if _, err := loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			panic(errors.WithMessagef(err, "training failed at step %d", loop.LoopStep))
		}
		if cfg.Verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages with the final weights.
		if batchnorm.UpdateAverages(trainer, evalOnTrainDS) {
			if cfg.Verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				if err := checkpoint.Save(); err != nil {
					panic(err)
				}
			}
		}
	} else {
		fmt.Printf("\t - target %s=%d already reached. To train further, set a number larger "+
			"than the current global step %d.\n", ParamTrainSteps, numTrainSteps, globalStep)
	}

	if cfg.EvaluateOnEnd {
		if cfg.Verbosity >= 1 {
			fmt.Println()
		}
		if err := commandline.ReportEval(trainer, evalDS, evalOnTrainDS); err != nil {
			panic(err)
		}
	}
}

// joinDir joins filePath to dir, if it is relative.
func joinDir(dir, filePath string) string {
	if filePath == "" || dir == "" || filepath.IsAbs(filePath) || strings.HasPrefix(filePath, "~") {
		return filePath
	}
	return filepath.Join(dir, filePath)
}
