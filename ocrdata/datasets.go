// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ocrdata

import (
	"github.com/gomlx/crnn/charset"
	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/pkg/errors"
)

// Config selects the source of the examples for CreateDatasets.
type Config struct {
	// TrainIndex and EvalIndex are the paths to the index files (see LoadIndex) of the training and
	// evaluation examples. Ignored if Synthetic is set.
	TrainIndex, EvalIndex string

	// Synthetic uses the Synthetic digits dataset instead of index files, with NumSynthetic examples
	// per evaluation epoch.
	Synthetic    bool
	NumSynthetic int

	// EvalBatchSize defaults to the training batch size if 0.
	EvalBatchSize int

	// Parallelism is the number of goroutines preprocessing examples. 0 uses the number of cores.
	Parallelism int

	// Seed for the shuffling of the training examples and the generation of the synthetic ones.
	Seed uint64
}

// DefaultNumSynthetic is the number of synthetic examples per evaluation epoch, if Config.NumSynthetic is 0.
const DefaultNumSynthetic = 1024

// CreateDatasets returns the batched datasets used in training:
//
//   - trainDS: shuffled and infinite, dropping incomplete batches. Used for training.
//   - evalOnTrainDS: the training examples, one epoch, not shuffled. Used to evaluate and to update the
//     batch normalization averages.
//   - evalDS: the evaluation examples, one epoch.
//
// Images and labels are shaped according to hp (ImgHeight, ImgWidth and NumLabel) and batched with
// hp.BatchSize.
func CreateDatasets(backend backends.Backend, hp hyperparams.Hyperparams, cfg Config) (
	trainDS, evalOnTrainDS, evalDS train.Dataset, err error) {
	if hp.BatchSize <= 0 {
		err = errors.Errorf("ocrdata: batch size must be > 0, got %d", hp.BatchSize)
		return
	}
	evalBatchSize := cfg.EvalBatchSize
	if evalBatchSize <= 0 {
		evalBatchSize = hp.BatchSize
	}

	var baseTrain, baseEvalOnTrain, baseEval train.Dataset
	if cfg.Synthetic {
		if numDigitClasses := charset.Digits().Size(); hp.NumClasses < numDigitClasses {
			err = errors.Errorf("ocrdata: synthetic digits require %q >= %d, got %d",
				hyperparams.ParamNumClasses, numDigitClasses, hp.NumClasses)
			return
		}
		numExamples := cfg.NumSynthetic
		if numExamples <= 0 {
			numExamples = DefaultNumSynthetic
		}
		baseTrain = NewSynthetic("synthetic-train", numExamples, hp.ImgHeight, hp.ImgWidth, hp.NumLabel, cfg.Seed).
			Infinite(true)
		baseEvalOnTrain = NewSynthetic("synthetic-train", numExamples, hp.ImgHeight, hp.ImgWidth, hp.NumLabel, cfg.Seed)
		baseEval = NewSynthetic("synthetic-eval", numExamples, hp.ImgHeight, hp.ImgWidth, hp.NumLabel, cfg.Seed+1)
	} else {
		var trainExamples, evalExamples []Example
		trainExamples, err = LoadIndex(cfg.TrainIndex)
		if err != nil {
			return
		}
		evalExamples, err = LoadIndex(cfg.EvalIndex)
		if err != nil {
			return
		}
		if len(trainExamples) == 0 {
			err = errors.Errorf("ocrdata: no training examples in %q", cfg.TrainIndex)
			return
		}
		if err = CheckLabels(trainExamples, hp.NumClasses); err != nil {
			err = errors.WithMessagef(err, "index file %q", cfg.TrainIndex)
			return
		}
		if err = CheckLabels(evalExamples, hp.NumClasses); err != nil {
			err = errors.WithMessagef(err, "index file %q", cfg.EvalIndex)
			return
		}
		baseTrain = NewDataset("train", trainExamples, hp.ImgHeight, hp.ImgWidth, hp.NumLabel, hp.NumClasses).
			Shuffle(cfg.Seed).Infinite(true)
		baseEvalOnTrain = NewDataset("train", trainExamples, hp.ImgHeight, hp.ImgWidth, hp.NumLabel, hp.NumClasses)
		baseEval = NewDataset("eval", evalExamples, hp.ImgHeight, hp.ImgWidth, hp.NumLabel, hp.NumClasses)
	}

	parallel := func(ds train.Dataset) train.Dataset {
		return data.CustomParallel(ds).Parallelism(cfg.Parallelism).Buffer(hp.BatchSize).Start()
	}
	trainDS = data.Batch(backend, parallel(baseTrain), hp.BatchSize, true, true)
	evalOnTrainDS = data.Batch(backend, parallel(baseEvalOnTrain), evalBatchSize, true, false)
	evalDS = data.Batch(backend, parallel(baseEval), evalBatchSize, true, false)
	return
}
