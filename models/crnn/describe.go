// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crnn

import (
	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// LayerShape is the output shape of a named layer of the model.
type LayerShape struct {
	Name  string
	Shape shapes.Shape
}

// Describe builds (but doesn't compile or execute) the model configured by hp for a batch of
// hp.BatchSize images, and returns the output shape of each named layer, in the order they are created.
//
// The first entry is the input "images", and if hp.LossType is set the last one is the "ctc_loss".
//
// The model variables are created in ctx (but not initialized), so their shapes can be enumerated
// afterward with ctx.EnumerateVariables.
func Describe(backend backends.Backend, ctx *context.Context, hp hyperparams.Hyperparams) ([]LayerShape, error) {
	if err := hp.Validate(); err != nil {
		return nil, errors.WithMessage(err, "crnn: invalid hyperparameters")
	}
	if hp.BatchSize <= 0 {
		return nil, errors.Errorf("crnn: hyperparameter %q must be > 0 to describe the model, got %d",
			hyperparams.ParamBatchSize, hp.BatchSize)
	}
	var described []LayerShape
	observer := func(name string, x *Node) {
		described = append(described, LayerShape{Name: name, Shape: x.Shape()})
	}
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "crnn_describe")
		images := Parameter(g, "images", shapes.Make(dtypes.Float32, hp.BatchSize, hp.ImgHeight, hp.ImgWidth, 1))
		var labels *Node
		if hp.IsTraining() {
			labels = Parameter(g, "labels", shapes.Make(dtypes.Int32, hp.BatchSize, hp.NumLabel))
		}
		b := newBuilder(ctx, hp, observer)
		b.named("images", images)
		b.head(logitsFnFor(hp.Model)(b, images), labels)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "crnn: failed to build model %q", hp.Model)
	}
	return described, nil
}
