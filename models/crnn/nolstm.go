// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crnn

import (
	"github.com/gomlx/crnn/hyperparams"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// NoLSTM builds the "crnn_no_lstm" model: a convolutional tower whose output columns are classified
// by a fully-connected layer, with T = imgWidth/8 frames.
//
// If hp.LossType is set (training) it returns the probabilities (with the gradients blocked) and the CTC
// loss per example, shaped [batchSize]. Otherwise it returns only the probabilities, shaped
// [batchSize, T, numClasses].
func NoLSTM(ctx *context.Context, hp hyperparams.Hyperparams, images, labels *Node) []*Node {
	hp.Model = hyperparams.ModelNoLSTM
	b := newBuilder(ctx, hp, nil)
	return b.head(noLSTMLogits(b, images), labels)
}

func noLSTMLogits(b *builder, images *Node) *Node {
	b.checkImages(images)
	sizes := b.layerSizes
	kernel := [2]int{3, 3}
	x := b.convRelu(0, images, sizes[0], kernel, true, true)
	x = b.named("pool-0", Sub(
		b.named("pool-0_m", MaxPool(x).Window(2).Done()),
		b.named("pool-0_a", MeanPool(x).Window(2).Done())))

	x = b.convRelu(1, x, sizes[1], kernel, true, true)
	x = b.named("pool-1", MaxPool(x).Window(2).Done())

	x = b.convRelu(2, x, sizes[2], kernel, true, true)
	x = b.convRelu(3, x, sizes[3], kernel, true, true)
	x = b.named("pool-2", MaxPool(x).Window(2).Done())

	x = b.convRelu(4, x, sizes[4], kernel, true, true)
	x = b.convRelu(5, x, sizes[5], kernel, true, true)
	// Collapse what remains of the height.
	x = b.named("pool1", MeanPool(x).WindowPerAxis(x.Shape().Dim(1), 1).StridePerAxis(1, 1).Done())

	x = b.dropout(x)
	x = b.named("sequence", b.toSequence(x))
	return b.classify("fc", x)
}
