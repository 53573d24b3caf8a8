// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ctc

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

const (
	// ParamLossType is the context hyperparameter that selects the loss, see LossFnFromContext.
	// It holds the same key as hyperparams.ParamLossType.
	ParamLossType = "loss_type"

	// ParamZeroInfeasible is the context hyperparameter (bool) that configures Config.ZeroInfeasible
	// for LossFnFromContext. Defaults to true.
	ParamZeroInfeasible = "ctc_zero_infeasible"
)

// LossTypes accepted by LossFnFromContext. "warpctc" is an alias of "ctc", kept for configurations
// written for the WarpCTC kernel.
var LossTypes = []string{"ctc", "warpctc"}

// LossFn implements train.LossFn (and losses.LossFn) for the CTC loss, with the default configuration
// (blank 0, infeasible labels not zeroed).
//
// The labels[0] are the padded labels [batchSize, maxLabelLength] and predictions[0] are the
// logits [batchSize, numFrames, numClasses].
//
// Labels can have 2 optional extra values (in any order):
//
//   - mask: a boolean mask of shape [batchSize] set to true for values to be used, and false for those to be ignored.
//     The returned mean loss takes in consideration the mask.
//   - weights: a float value of shape [batchSize] with the relative weights to be applied to each example.
func LossFn(labels, predictions []*Node) *Node {
	return MakeLossFn(DefaultBlank, false)(labels, predictions)
}

// MakeLossFn returns a losses.LossFn for the CTC loss configured with the given blank class and
// ZeroInfeasible setting. It returns the mean loss over the batch, see LossFn.
func MakeLossFn(blank int, zeroInfeasible bool) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		if len(labels) == 0 || len(predictions) == 0 {
			Panicf("ctc loss requires labels and predictions, got %d labels and %d predictions", len(labels), len(predictions))
		}
		logits := predictions[0]
		loss := New(logits, labels[0]).Blank(blank).ZeroInfeasible(zeroInfeasible).Done()

		weightsShape := shapes.Make(logits.DType(), logits.Shape().Dim(0))
		weights, mask := losses.CheckExtraLabelsForWeightsAndMask(weightsShape, labels[1:])
		if weights != nil {
			loss = Mul(loss, weights)
		}
		if mask != nil {
			loss = Where(mask, loss, ZerosLike(loss))
			return MaskedReduceAllMean(loss, mask)
		}
		return ReduceAllMean(loss)
	}
}

// LossFnFromContext returns the CTC loss configured by the context hyperparameters ParamLossType
// and ParamZeroInfeasible.
//
// It returns an error if the loss type is not one of LossTypes.
func LossFnFromContext(ctx *context.Context) (losses.LossFn, error) {
	lossType := context.GetParamOr(ctx, ParamLossType, "ctc")
	if slices.Index(LossTypes, lossType) == -1 {
		return nil, errors.Errorf("invalid value %q for hyperparameter %q, known losses are: %q",
			lossType, ParamLossType, LossTypes)
	}
	zeroInfeasible := context.GetParamOr(ctx, ParamZeroInfeasible, true)
	return MakeLossFn(DefaultBlank, zeroInfeasible), nil
}
