// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hyperparams holds the hyperparameters of the CRNN models and their mapping
// to (and from) GoMLX context parameters.
//
// The canonical storage of the hyperparameters is the context (see context.Context.SetParams),
// so they are saved along with checkpoints. Hyperparams is a typed snapshot used by the model
// builders, the datasets and the tools.
package hyperparams

import (
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamModel selects the architecture: one of ValidModels.
	ParamModel = "model"

	// ParamDropout is the dropout rate applied after the convolutional tower. 0 disables it.
	ParamDropout = "dropout"

	// ParamNumClasses is the number of output classes, including the CTC blank (class 0).
	ParamNumClasses = "num_classes"

	// ParamLossType selects the loss: "ctc" or "warpctc" for training. Empty means inference,
	// and the models output softmax probabilities only.
	ParamLossType = "loss_type"

	// ParamSeqLength is the number of time steps fed to the CTC loss. If 0 it is derived from
	// the image width and the model, otherwise it must match the derived value.
	ParamSeqLength = "seq_length"

	// ParamNumLabel is the maximum number of characters in a label.
	ParamNumLabel = "num_label"

	// ParamNumLSTMLayer is the number of stacked bidirectional LSTM layers.
	ParamNumLSTMLayer = "num_lstm_layer"

	// ParamNumHidden is the size of the hidden state of each LSTM direction.
	ParamNumHidden = "num_hidden"

	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamImgHeight is the height of the input images. It must be divisible by 8.
	ParamImgHeight = "img_height"

	// ParamImgWidth is the width of the input images.
	ParamImgWidth = "img_width"
)

const (
	// ModelNoLSTM is the convolutional model that classifies each column of the feature map directly.
	ModelNoLSTM = "crnn_no_lstm"
	// ModelLSTM is the convolutional model with residual blocks followed by a bidirectional LSTM stack.
	ModelLSTM = "crnn_lstm"
)

// ValidModels lists the supported values for ParamModel.
var ValidModels = []string{ModelLSTM, ModelNoLSTM}

const (
	// LossCTC trains with the CTC loss built from graph ops.
	LossCTC = "ctc"
	// LossWarpCTC is accepted for configurations written for warp-ctc, and uses the same loss as LossCTC.
	LossWarpCTC = "warpctc"
)

// ValidLossTypes lists the supported values for ParamLossType. The empty string selects inference.
var ValidLossTypes = []string{LossCTC, LossWarpCTC, ""}

// Hyperparams of the CRNN models.
type Hyperparams struct {
	Model        string
	Dropout      float64
	NumClasses   int
	LossType     string
	SeqLength    int
	NumLabel     int
	NumLSTMLayer int
	NumHidden    int

	// Shapes: used by the datasets and the summary tool.
	BatchSize, ImgHeight, ImgWidth int
}

// Default returns the hyperparameters for the Chinese charset model: 6426 classes,
// 32x280 images and up to 10 characters per label.
func Default() Hyperparams {
	return Hyperparams{
		Model:        ModelLSTM,
		Dropout:      0.5,
		NumClasses:   6426,
		LossType:     LossCTC,
		SeqLength:    0,
		NumLabel:     10,
		NumLSTMLayer: 2,
		NumHidden:    100,
		BatchSize:    128,
		ImgHeight:    32,
		ImgWidth:     280,
	}
}

// Params returns the hyperparameters as a map of context parameters.
func (hp Hyperparams) Params() map[string]any {
	return map[string]any{
		ParamModel:        hp.Model,
		ParamDropout:      hp.Dropout,
		ParamNumClasses:   hp.NumClasses,
		ParamLossType:     hp.LossType,
		ParamSeqLength:    hp.SeqLength,
		ParamNumLabel:     hp.NumLabel,
		ParamNumLSTMLayer: hp.NumLSTMLayer,
		ParamNumHidden:    hp.NumHidden,
		ParamBatchSize:    hp.BatchSize,
		ParamImgHeight:    hp.ImgHeight,
		ParamImgWidth:     hp.ImgWidth,
	}
}

// SetInContext sets all hyperparameters as parameters of ctx, in its current scope.
func (hp Hyperparams) SetInContext(ctx *context.Context) {
	ctx.SetParams(hp.Params())
}

// FromContext reads the hyperparameters from the context, using Default for the missing ones.
func FromContext(ctx *context.Context) Hyperparams {
	def := Default()
	return Hyperparams{
		Model:        context.GetParamOr(ctx, ParamModel, def.Model),
		Dropout:      context.GetParamOr(ctx, ParamDropout, def.Dropout),
		NumClasses:   context.GetParamOr(ctx, ParamNumClasses, def.NumClasses),
		LossType:     context.GetParamOr(ctx, ParamLossType, def.LossType),
		SeqLength:    context.GetParamOr(ctx, ParamSeqLength, def.SeqLength),
		NumLabel:     context.GetParamOr(ctx, ParamNumLabel, def.NumLabel),
		NumLSTMLayer: context.GetParamOr(ctx, ParamNumLSTMLayer, def.NumLSTMLayer),
		NumHidden:    context.GetParamOr(ctx, ParamNumHidden, def.NumHidden),
		BatchSize:    context.GetParamOr(ctx, ParamBatchSize, def.BatchSize),
		ImgHeight:    context.GetParamOr(ctx, ParamImgHeight, def.ImgHeight),
		ImgWidth:     context.GetParamOr(ctx, ParamImgWidth, def.ImgWidth),
	}
}

// IsTraining returns whether a loss type is configured, in which case the models output the CTC loss
// along with the probabilities.
func (hp Hyperparams) IsTraining() bool {
	return hp.LossType != ""
}

// DerivedSeqLength returns the number of time steps (the width of the final feature map) produced
// by the selected model for the configured image width.
//
//   - crnn_no_lstm: three 2x2 poolings with stride 2, so width/8.
//   - crnn_lstm: two 2x2 poolings with stride 2, then a 2x2 pooling with stride (2, 1) without padding,
//     so width/4 - 1.
func (hp Hyperparams) DerivedSeqLength() int {
	switch hp.Model {
	case ModelNoLSTM:
		return hp.ImgWidth / 8
	default:
		return hp.ImgWidth/4 - 1
	}
}

// SequenceLength returns SeqLength if set, or DerivedSeqLength otherwise.
func (hp Hyperparams) SequenceLength() int {
	if hp.SeqLength > 0 {
		return hp.SeqLength
	}
	return hp.DerivedSeqLength()
}

// Validate checks that the hyperparameters can build a model.
func (hp Hyperparams) Validate() error {
	if slices.Index(ValidModels, hp.Model) == -1 {
		return errors.Errorf("hyperparameter %q must take one value from %v, got %q", ParamModel, ValidModels, hp.Model)
	}
	if slices.Index(ValidLossTypes, hp.LossType) == -1 {
		return errors.Errorf("hyperparameter %q must take one value from %q, got %q", ParamLossType, ValidLossTypes, hp.LossType)
	}
	if hp.Dropout < 0 || hp.Dropout >= 1 {
		return errors.Errorf("hyperparameter %q must be in the range [0, 1), got %g", ParamDropout, hp.Dropout)
	}
	if hp.NumClasses < 2 {
		return errors.Errorf("hyperparameter %q must be >= 2 (blank plus at least one character), got %d",
			ParamNumClasses, hp.NumClasses)
	}
	if hp.NumLabel <= 0 {
		return errors.Errorf("hyperparameter %q must be > 0, got %d", ParamNumLabel, hp.NumLabel)
	}
	if hp.Model == ModelLSTM {
		if hp.NumLSTMLayer <= 0 {
			return errors.Errorf("hyperparameter %q must be > 0, got %d", ParamNumLSTMLayer, hp.NumLSTMLayer)
		}
		if hp.NumHidden <= 0 {
			return errors.Errorf("hyperparameter %q must be > 0, got %d", ParamNumHidden, hp.NumHidden)
		}
	}
	if hp.ImgHeight <= 0 || hp.ImgHeight%8 != 0 {
		return errors.Errorf("hyperparameter %q must be a positive multiple of 8, got %d", ParamImgHeight, hp.ImgHeight)
	}
	if hp.ImgWidth < 16 {
		return errors.Errorf("hyperparameter %q must be >= 16, got %d", ParamImgWidth, hp.ImgWidth)
	}
	derived := hp.DerivedSeqLength()
	if hp.SeqLength > 0 && hp.SeqLength != derived {
		return errors.Errorf("hyperparameter %q=%d doesn't match the %d time steps model %q produces for %q=%d "+
			"-- set it to 0 to use the derived value", ParamSeqLength, hp.SeqLength, derived, hp.Model, ParamImgWidth, hp.ImgWidth)
	}
	if hp.NumLabel > derived {
		return errors.Errorf("hyperparameter %q=%d is larger than the %d time steps produced by the model, "+
			"labels that long could never be recognized", ParamNumLabel, hp.NumLabel, derived)
	}
	return nil
}
