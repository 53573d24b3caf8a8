// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package crnn implements the CRNN (Convolutional Recurrent Neural Network) models for text line
// recognition (OCR) [1]: a convolutional tower collapses the height of the image, so each column
// of the resulting feature map becomes one frame of a sequence, which is classified per frame and
// trained with the CTC loss.
//
// Two variants are provided, selected by the hyperparameter "model" (see package hyperparams):
//
//   - crnn_no_lstm: only convolutions, a fully-connected layer classifies each frame.
//   - crnn_lstm: a residual tower with bottleneck convolutions, followed by a stack of bidirectional
//     LSTM layers.
//
// Images are shaped [batchSize, imgHeight, imgWidth, 1] (channels last), float32 with values in [0, 1].
// Labels are shaped [batchSize, numLabel], Int32, padded with 0, the CTC blank.
//
// [1] https://arxiv.org/abs/1507.05717, Shi, Bai and Yao, 2015
package crnn

import (
	"fmt"

	"github.com/gomlx/crnn/ctc"
	"github.com/gomlx/crnn/hyperparams"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// LeakyReluAlpha is the slope of the negative side of the LeakyReLU activations.
const LeakyReluAlpha = 0.25

// NumLayers is the number of convolution layers of the towers, and the size of LayerSizes.
const NumLayers = 6

// LayerSizes returns the number of filters of each convolution layer: min(32*2^(i+1), 512).
func LayerSizes() []int {
	sizes := make([]int, NumLayers)
	for ii := range sizes {
		sizes[ii] = min(32<<(ii+1), 512)
	}
	return sizes
}

// LayerObserver is called by the model builders with the output of each named layer.
// It's used to inspect the shapes of the model, see Describe.
type LayerObserver func(name string, x *Node)

// builder holds what is shared by the model graph building functions.
type builder struct {
	ctx        *context.Context
	hp         hyperparams.Hyperparams
	layerSizes []int
	observer   LayerObserver
}

func newBuilder(ctx *context.Context, hp hyperparams.Hyperparams, observer LayerObserver) *builder {
	if err := hp.Validate(); err != nil {
		panic(err)
	}
	return &builder{ctx: ctx, hp: hp, layerSizes: LayerSizes(), observer: observer}
}

// named reports x as the output of layer name.
func (b *builder) named(name string, x *Node) *Node {
	if b.observer != nil {
		b.observer(name, x)
	}
	return x
}

// checkImages validates the images shape against the hyperparameters.
func (b *builder) checkImages(images *Node) {
	if images.Rank() != 4 || images.Shape().Dim(1) != b.hp.ImgHeight || images.Shape().Dim(2) != b.hp.ImgWidth ||
		images.Shape().Dim(3) != 1 {
		Panicf("crnn: images must be shaped [batchSize, %d, %d, 1], got %s", b.hp.ImgHeight, b.hp.ImgWidth, images.Shape())
	}
	if !images.DType().IsFloat() {
		Panicf("crnn: images must be float, got %s", images.DType())
	}
}

// conv creates a convolution with the variables in scope name.
func (b *builder) conv(name string, x *Node, filters int, kernel [2]int, same bool) *Node {
	c := layers.Convolution(b.ctx.In(name), x).CurrentScope().
		Filters(filters).KernelSizePerDim(kernel[0], kernel[1])
	if same {
		c = c.PadSame()
	} else {
		c = c.NoPadding()
	}
	return b.named(name, c.Done())
}

// batchNorm uses momentum 0.9, epsilon 1e-3 and no learned scale (gamma fixed to 1).
func (b *builder) batchNorm(name string, x *Node) *Node {
	x = batchnorm.New(b.ctx.In(name), x, -1).CurrentScope().
		Momentum(0.9).Epsilon(1e-3).Scale(false).Done()
	return b.named(name, x)
}

func (b *builder) leakyRelu(name string, x *Node) *Node {
	return b.named(name, activations.LeakyReluWithAlpha(x, LeakyReluAlpha))
}

// convRelu is a convolution "conv-<i>", optionally followed by a batch normalization, and a LeakyReLU.
func (b *builder) convRelu(i int, x *Node, filters int, kernel [2]int, same, bn bool) *Node {
	x = b.conv(layerName("conv", i), x, filters, kernel, same)
	if bn {
		x = b.batchNorm(layerName("batchnorm", i), x)
	}
	return b.leakyRelu(layerName("leakyrelu", i), x)
}

// bottleConv reduces the channels to filters/2 with a 1x1 convolution, applies the kernel convolution
// and restores the channels to filters with another 1x1 convolution.
func (b *builder) bottleConv(i int, x *Node, filters int, kernel [2]int, same, bn bool) *Node {
	bottleneck := filters / 2
	prefix := layerName("conv", i)
	x = b.conv(prefix+"-1-1x1", x, bottleneck, [2]int{1, 1}, false)
	x = b.leakyRelu(layerName("leakyrelu", i)+"-1", x)
	x = b.conv(prefix, x, bottleneck, kernel, same)
	x = b.leakyRelu(layerName("leakyrelu", i)+"-2", x)
	x = b.conv(prefix+"-2-1x1", x, filters, [2]int{1, 1}, false)
	if bn {
		x = b.batchNorm(layerName("batchnorm", i), x)
	}
	return b.leakyRelu(layerName("leakyrelu", i), x)
}

// dropout is a no-op if the rate is 0 or if not training.
func (b *builder) dropout(x *Node) *Node {
	if b.hp.Dropout <= 0 {
		return x
	}
	return b.named("dropout", layers.DropoutStatic(b.ctx.In("dropout"), x, b.hp.Dropout))
}

// toSequence converts the feature map [batchSize, 1, numFrames, features] to [batchSize, numFrames, features].
func (b *builder) toSequence(x *Node) *Node {
	if x.Rank() != 4 || x.Shape().Dim(1) != 1 {
		Panicf("crnn: the feature map must have height 1 to convert to a sequence, got %s", x.Shape())
	}
	numFrames := b.hp.SequenceLength()
	if x.Shape().Dim(2) != numFrames {
		Panicf("crnn: the feature map has %d frames, but %d were expected", x.Shape().Dim(2), numFrames)
	}
	return Squeeze(x, 1)
}

// classify projects each frame to the logits of the classes.
func (b *builder) classify(name string, x *Node) *Node {
	return b.named(name, layers.Dense(b.ctx.In(name), x, true, b.hp.NumClasses))
}

// head returns the model outputs given the logits: the probabilities (with gradients blocked) and
// the CTC loss per example if training (hp.LossType set), or only the probabilities otherwise.
func (b *builder) head(logits, labels *Node) []*Node {
	probs := b.named("softmax", Softmax(logits, -1))
	if !b.hp.IsTraining() {
		return []*Node{probs}
	}
	if labels == nil {
		Panicf("crnn: labels are required to build the CTC loss (loss_type=%q)", b.hp.LossType)
	}
	labels.AssertDims(logits.Shape().Dim(0), b.hp.NumLabel)
	zeroInfeasible := context.GetParamOr(b.ctx, ctc.ParamZeroInfeasible, true)
	loss := ctc.New(logits, labels).ZeroInfeasible(zeroInfeasible).Done()
	return []*Node{StopGradient(probs), b.named("ctc_loss", loss)}
}

func layerName(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}

// logitsFn builds the logits of one of the variants.
type logitsFn func(b *builder, images *Node) *Node

func logitsFnFor(model string) logitsFn {
	switch model {
	case hyperparams.ModelNoLSTM:
		return noLSTMLogits
	case hyperparams.ModelLSTM:
		return lstmLogits
	}
	Panicf("crnn: unknown model %q, valid values are %q", model, hyperparams.ValidModels)
	return nil
}

// Logits builds the model selected by hp.Model and returns the logits, shaped
// [batchSize, numFrames, numClasses], where numFrames is hp.SequenceLength().
//
// It panics (with an error) if the hyperparameters are not valid.
func Logits(ctx *context.Context, hp hyperparams.Hyperparams, images *Node) *Node {
	b := newBuilder(ctx, hp, nil)
	return logitsFnFor(hp.Model)(b, images)
}

// Build builds the model selected by hp.Model with its output head: see NoLSTM and LSTM.
func Build(ctx *context.Context, hp hyperparams.Hyperparams, images, labels *Node) []*Node {
	b := newBuilder(ctx, hp, nil)
	return b.head(logitsFnFor(hp.Model)(b, images), labels)
}

// ModelFn implements train.ModelFn: it reads the hyperparameters from the context and
// returns the logits of the images in inputs[0].
//
// The loss is not included: use it along ctc.LossFnFromContext.
func ModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	hp := hyperparams.FromContext(ctx)
	return []*Node{Logits(ctx, hp, inputs[0])}
}

// SequenceLength returns the number of frames produced by the model configured in hp, or an
// error if hp is invalid.
func SequenceLength(hp hyperparams.Hyperparams) (int, error) {
	if err := hp.Validate(); err != nil {
		return 0, errors.WithMessage(err, "crnn: invalid hyperparameters")
	}
	return hp.SequenceLength(), nil
}
