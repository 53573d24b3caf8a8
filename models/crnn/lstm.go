// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crnn

import (
	"github.com/gomlx/crnn/hyperparams"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/lstm"
)

// LSTM builds the "crnn_lstm" model: a residual convolutional tower with bottleneck convolutions,
// followed by a stack of bidirectional LSTM layers (see LSTMStack) and a fully-connected layer
// ("pred_fc"). It produces T = imgWidth/4 - 1 frames.
//
// The outputs are the same as NoLSTM: [probabilities, loss] if training, [probabilities] otherwise.
func LSTM(ctx *context.Context, hp hyperparams.Hyperparams, images, labels *Node) []*Node {
	hp.Model = hyperparams.ModelLSTM
	b := newBuilder(ctx, hp, nil)
	return b.head(lstmLogits(b, images), labels)
}

func lstmLogits(b *builder, images *Node) *Node {
	b.checkImages(images)
	sizes := b.layerSizes
	kernel := [2]int{3, 3}
	x := b.convRelu(0, images, sizes[0], kernel, true, true)
	x = b.convRelu(1, x, sizes[1], kernel, true, true)
	x = b.named("pool-0", MaxPool(x).Window(2).Done())

	x = b.convRelu(2, x, sizes[2], kernel, true, true)
	x = b.convRelu(3, x, sizes[3], kernel, true, true)
	residual := b.named("pool-1", MaxPool(x).Window(2).Done())

	x = b.bottleConv(4, residual, sizes[4], kernel, true, true)
	x = b.bottleConv(5, x, sizes[5], kernel, true, true)
	x = b.named("residual", Add(x, residual))

	// Halves the height only: the width loses a single column, since there is no padding.
	x = b.named("pool-2", MaxPool(x).Window(2).StridePerAxis(2, 1).NoPadding().Done())
	x = b.bottleConv(6, x, 512, [2]int{x.Shape().Dim(1), 1}, false, true)

	x = b.dropout(x)
	x = b.toSequence(x)
	x = b.named("lstm", LSTMStack(b.ctx.In("lstm"), x, b.hp.NumLSTMLayer, b.hp.NumHidden))
	return b.classify("pred_fc", x)
}

// LSTMStack runs numLayers bidirectional LSTM layers of numHidden units each over the sequence x,
// shaped [batchSize, numFrames, features]. A feature map [batchSize, 1, numFrames, features] is also
// accepted, its height axis is squeezed.
//
// Each layer reads the concatenated forward and backward hidden states of the previous one, and the
// variables of layer i are created in the scope "layer-<i>".
//
// It returns the hidden states of the last layer, shaped [batchSize, numFrames, 2*numHidden].
func LSTMStack(ctx *context.Context, x *Node, numLayers, numHidden int) *Node {
	if x.Rank() == 4 {
		if x.Shape().Dim(1) != 1 {
			Panicf("LSTMStack: a feature map must have height 1, got shape %s", x.Shape())
		}
		x = Squeeze(x, 1)
	}
	if x.Rank() != 3 {
		Panicf("LSTMStack: x must be shaped [batchSize, numFrames, features], got %s", x.Shape())
	}
	if numLayers <= 0 || numHidden <= 0 {
		Panicf("LSTMStack: numLayers (%d) and numHidden (%d) must be > 0", numLayers, numHidden)
	}
	batchSize, numFrames := x.Shape().Dim(0), x.Shape().Dim(1)
	for ii := range numLayers {
		all, _, _ := lstm.New(ctx.In(layerName("layer", ii)), x, numHidden).
			Direction(lstm.DirBidirectional).Done()
		// all: [numFrames, numDirections, batchSize, numHidden] -> [batchSize, numFrames, 2*numHidden]
		x = TransposeAllDims(all, 2, 0, 1, 3)
		x = Reshape(x, batchSize, numFrames, 2*numHidden)
	}
	return x
}
