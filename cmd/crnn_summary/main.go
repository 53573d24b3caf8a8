// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// crnn_summary prints the hyperparameters, the output shape of every layer, and the variables of a CRNN model.
// With -checkpoint it can also list (-metrics) and plot (-plot) the metrics saved during training.
//
// The model is configured by the default hyperparameters, overlaid with the ones loaded from a checkpoint
// (-checkpoint), a YAML file (-hparams) and the command line (-set), in this order. Example:
//
//	$ crnn_summary -set="model=crnn_no_lstm;img_width=128"
package main

import (
	"flag"
	"os"
	"slices"

	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory of a checkpoint to read the hyperparameters and variables from.")
	flagHParams    = flag.String("hparams", "", "YAML file with hyperparameters to overlay on the defaults.")
	flagScope      = flag.String("scope", "", "Absolute scope of the model variables. Defaults to \"/model\".")

	flagParams  = flag.Bool("params", true, "Lists the hyperparameters.")
	flagLayers  = flag.Bool("layers", true, "Lists the output shape of each layer of the model.")
	flagVars    = flag.Bool("vars", true, "Lists the variables of the model.")
	flagSummary = flag.Bool("summary", true, "Displays a summary of the model sizes.")
	flagMetrics = flag.Bool("metrics", false, "Lists the last value of the metrics saved in the -checkpoint during training.")
	flagPlot    = flag.String("plot", "", "If set, plots the metrics saved in the -checkpoint to PNG files named \"<plot>_<metric type>.png\".")
)

// loadContext creates the context with the model hyperparameters. The variables in the checkpoint, if given,
// are loaded on demand.
func loadContext(checkpointDir, hparamsFile, settings string) (ctx *context.Context, paramsSet []string, err error) {
	ctx = context.New()
	hyperparams.Default().SetInContext(ctx)
	if checkpointDir != "" {
		checkpointDir = data.ReplaceTildeInDir(checkpointDir)
		if !data.FileExists(checkpointDir) {
			return nil, nil, errors.Errorf("checkpoint directory %q doesn't exist", checkpointDir)
		}
		if _, err = checkpoints.Load(ctx).Dir(checkpointDir).Done(); err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to load checkpoint %q", checkpointDir)
		}
	}
	if hparamsFile != "" {
		paramsSet, err = hyperparams.LoadYAML(ctx, hparamsFile)
		if err != nil {
			return nil, nil, err
		}
	}
	if settings != "" {
		var settingsSet []string
		settingsSet, err = commandline.ParseContextSettings(ctx, settings)
		if err != nil {
			return nil, nil, err
		}
		paramsSet = append(paramsSet, settingsSet...)
		slices.Sort(paramsSet)
		paramsSet = slices.Compact(paramsSet)
	}
	return ctx, paramsSet, nil
}

func main() {
	settingsCtx := context.New()
	hyperparams.Default().SetInContext(settingsCtx)
	settings := commandline.CreateContextSettingsFlag(settingsCtx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'crnn_summary -help'.", flag.Args())
		os.Exit(1)
	}

	ctx, paramsSet, err := loadContext(*flagCheckpoint, *flagHParams, *settings)
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	must.M(report(os.Stdout, backends.MustNew(), ctx, paramsSet, reportConfig{
		scope:      *flagScope,
		params:     *flagParams,
		layers:     *flagLayers,
		vars:       *flagVars,
		summ:       *flagSummary,
		checkpoint: data.ReplaceTildeInDir(*flagCheckpoint),
		metrics:    *flagMetrics,
		plotPrefix: *flagPlot,
	}))
}
