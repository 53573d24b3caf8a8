// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package recognizer loads a trained CRNN model and recognizes the text in images of text lines.
//
// To use it, create a Recognizer with New, and call Recognize with an image of any size: it is converted
// to grayscale and resized to the input size of the model.
package recognizer

import (
	"image"

	"github.com/gomlx/crnn/charset"
	"github.com/gomlx/crnn/ctc"
	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/crnn/models/crnn"
	"github.com/gomlx/crnn/ocrdata"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Recognizer holds a compiled CRNN model and the charset to decode its predictions.
// It is safe for concurrent use.
type Recognizer struct {
	backend backends.Backend
	ctx     *context.Context
	hp      hyperparams.Hyperparams
	charset *charset.Charset

	// exec takes a batch of images and returns the best path of each, shaped [batchSize, numFrames].
	exec *context.Exec
}

// New loads the model from checkpointDir, using the backend configured by GOMLX_BACKEND.
// The charset must have as many classes as the model ("num_classes" hyperparameter).
func New(checkpointDir string, cs *charset.Charset) (*Recognizer, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	return NewWithBackend(backend, checkpointDir, cs)
}

// NewWithBackend is like New, but uses the given backend.
func NewWithBackend(backend backends.Backend, checkpointDir string, cs *charset.Charset) (*Recognizer, error) {
	ctx := context.New()
	// The hyperparameters are loaded from the checkpoint as well, so it builds the same model.
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading CRNN model from %q", checkpointDir)
	}
	return newFromContext(backend, ctx, cs)
}

func newFromContext(backend backends.Backend, ctx *context.Context, cs *charset.Charset) (*Recognizer, error) {
	hp := hyperparams.FromContext(ctx)
	hp.LossType = "" // Inference.
	if err := hp.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid model hyperparameters")
	}
	if cs.Size() != hp.NumClasses {
		return nil, errors.Errorf("charset has %d classes (including the blank), but the model was trained with %s=%d",
			cs.Size(), hyperparams.ParamNumClasses, hp.NumClasses)
	}
	r := &Recognizer{
		backend: backend,
		ctx:     ctx.Reuse(), // It is an error to create new variables.
		hp:      hp,
		charset: cs,
	}
	r.exec = context.NewExec(backend, r.ctx.In("model"), func(ctx *context.Context, images *graph.Node) *graph.Node {
		probs := crnn.Build(ctx, r.hp, images, nil)[0]
		return ctc.BestPath(probs)
	})
	return r, nil
}

// Hyperparams of the loaded model.
func (r *Recognizer) Hyperparams() hyperparams.Hyperparams {
	return r.hp
}

// Recognize returns the text in img.
func (r *Recognizer) Recognize(img image.Image) (string, error) {
	texts, err := r.RecognizeBatch([]image.Image{img})
	if err != nil {
		return "", err
	}
	return texts[0], nil
}

// RecognizeBatch returns the text in each of the images, processed as one batch.
func (r *Recognizer) RecognizeBatch(images []image.Image) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	height, width := r.hp.ImgHeight, r.hp.ImgWidth
	imageSize := height * width
	batch := tensors.FromShape(shapes.Make(dtypes.Float32, len(images), height, width, 1))
	tensors.MutableFlatData(batch, func(flat []float32) {
		for ii, img := range images {
			tensors.ConstFlatData(ocrdata.ImageToTensor(img, height, width), func(imgFlat []float32) {
				copy(flat[ii*imageSize:(ii+1)*imageSize], imgFlat)
			})
		}
	})

	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = r.exec.Call(batch) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run the CRNN model")
	}
	texts := make([]string, len(images))
	for ii, ids := range ctc.DecodePaths(outputs[0], charset.Blank) {
		texts[ii] = r.charset.Decode(ids)
	}
	return texts, nil
}
