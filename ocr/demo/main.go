// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// OCR demo trainer of the CRNN models.
//
// It trains on the images listed in the index files (see package ocrdata) under -data, or on
// synthetic images of digits with -synthetic. Example:
//
//	$ demo -synthetic -checkpoint=digits -set="model=crnn_no_lstm;num_classes=11;img_width=128;batch_size=32"
package main

import (
	"flag"

	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/crnn/ocr"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/ocr", "Directory with the index files and images of the datasets.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagSynthetic  = flag.Bool("synthetic", false, "Train on generated images of digits, instead of the datasets in -data.")
	flagHParams    = flag.String("hparams", "", "YAML file with hyperparameters, applied before the -set ones.")
)

// configureContext applies the hyperparameters from the YAML file, if given, and then the settings.
func configureContext(ctx *context.Context, hparamsFile, settings string) (paramsSet []string, err error) {
	if hparamsFile != "" {
		paramsSet, err = hyperparams.LoadYAML(ctx, hparamsFile)
		if err != nil {
			return nil, err
		}
	}
	settingsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, err
	}
	return append(paramsSet, settingsSet...), nil
}

func main() {
	// Flags with context settings.
	ctx := ocr.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(configureContext(ctx, *flagHParams, *settings))

	// Train.
	must.M(ocr.TrainModel(ctx, ocr.Config{
		DataDir:       *flagDataDir,
		Checkpoint:    *flagCheckpoint,
		Synthetic:     *flagSynthetic,
		EvaluateOnEnd: *flagEval,
		Verbosity:     *flagVerbosity,
	}, paramsSet))
}
