// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crnn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/crnn/hyperparams"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// smallHyperparams returns a configuration small enough to run fast on CPU: 16x32 images and 5 classes.
func smallHyperparams(model string) hyperparams.Hyperparams {
	hp := hyperparams.Default()
	hp.Model = model
	hp.Dropout = 0
	hp.NumClasses = 5
	hp.LossType = ""
	hp.NumLabel = 3
	hp.NumLSTMLayer = 2
	hp.NumHidden = 4
	hp.BatchSize = 2
	hp.ImgHeight = 16
	hp.ImgWidth = 32
	return hp
}

func randomImages(hp hyperparams.Hyperparams) [][][][]float32 {
	rng := rand.New(rand.NewPCG(42, 7))
	images := make([][][][]float32, hp.BatchSize)
	for b := range images {
		images[b] = make([][][]float32, hp.ImgHeight)
		for y := range images[b] {
			images[b][y] = make([][]float32, hp.ImgWidth)
			for x := range images[b][y] {
				images[b][y][x] = []float32{rng.Float32()}
			}
		}
	}
	return images
}

func TestLayerSizes(t *testing.T) {
	assert.Equal(t, []int{64, 128, 256, 512, 512, 512}, LayerSizes())
}

func TestSequenceLength(t *testing.T) {
	hp := hyperparams.Default()
	numFrames, err := SequenceLength(hp)
	require.NoError(t, err)
	assert.Equal(t, 69, numFrames)

	hp.Model = hyperparams.ModelNoLSTM
	numFrames, err = SequenceLength(hp)
	require.NoError(t, err)
	assert.Equal(t, 35, numFrames)

	hp.SeqLength = 69
	_, err = SequenceLength(hp)
	require.Error(t, err)

	hp.SeqLength = 0
	hp.ImgHeight = 30
	_, err = SequenceLength(hp)
	require.Error(t, err)
}

func TestLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for model, wantFrames := range map[string]int{hyperparams.ModelNoLSTM: 4, hyperparams.ModelLSTM: 7} {
		t.Run(model, func(t *testing.T) {
			hp := smallHyperparams(model)
			ctx := context.New()
			logits := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
				return Logits(ctx, hp, images)
			}, randomImages(hp))
			assert.Equal(t, []int{hp.BatchSize, wantFrames, hp.NumClasses}, logits.Shape().Dimensions)
			tensors.ConstFlatData(logits, func(flat []float32) {
				for _, v := range flat {
					require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
				}
			})
		})
	}
}

func TestDropoutInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range hyperparams.ValidModels {
		t.Run(model, func(t *testing.T) {
			hp := smallHyperparams(model)
			hp.Dropout = 0.5
			images := randomImages(hp)
			ctx := context.New()
			logitsWith := func(ctx *context.Context, hp hyperparams.Hyperparams) []float32 {
				logits := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
					return Logits(ctx, hp, images)
				}, images)
				return tensors.CopyFlatData[float32](logits)
			}
			first := logitsWith(ctx, hp)
			second := logitsWith(ctx.Reuse(), hp)
			assert.Equal(t, first, second, "dropout must not change logits out of training")

			// Same variables, no dropout.
			noDropout := hp
			noDropout.Dropout = 0
			assert.InDeltaSlice(t, first, logitsWith(ctx.Reuse(), noDropout), 1e-5)
		})
	}
}

func TestInferenceHead(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	hp := smallHyperparams(hyperparams.ModelLSTM)
	outputs := context.ExecOnceN(backend, context.New(), func(ctx *context.Context, images *Node) []*Node {
		return LSTM(ctx, hp, images, nil)
	}, randomImages(hp))
	require.Len(t, outputs, 1)
	probs := outputs[0]
	assert.Equal(t, []int{hp.BatchSize, 7, hp.NumClasses}, probs.Shape().Dimensions)
	tensors.ConstFlatData(probs, func(flat []float32) {
		for frame := 0; frame < len(flat); frame += hp.NumClasses {
			var sum float32
			for _, p := range flat[frame : frame+hp.NumClasses] {
				sum += p
			}
			require.InDelta(t, 1.0, sum, 1e-4)
		}
	})
}

func TestTrainingHead(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range hyperparams.ValidModels {
		t.Run(model, func(t *testing.T) {
			hp := smallHyperparams(model)
			hp.LossType = hyperparams.LossCTC
			hp.Dropout = 0.5
			labels := [][]int32{{1, 2, 0}, {3, 3, 4}}
			outputs := context.ExecOnceN(backend, context.New(), func(ctx *context.Context, images, labels *Node) []*Node {
				return Build(ctx, hp, images, labels)
			}, randomImages(hp), labels)
			require.Len(t, outputs, 2)
			assert.Equal(t, []int{hp.BatchSize, hp.SequenceLength(), hp.NumClasses}, outputs[0].Shape().Dimensions)
			assert.Equal(t, []int{hp.BatchSize}, outputs[1].Shape().Dimensions)
			for _, loss := range tensors.CopyFlatData[float32](outputs[1]) {
				require.Greater(t, loss, float32(0))
				require.False(t, math.IsInf(float64(loss), 0) || math.IsNaN(float64(loss)))
			}
		})
	}

	// Labels are required for training.
	hp := smallHyperparams(hyperparams.ModelNoLSTM)
	hp.LossType = hyperparams.LossCTC
	require.Panics(t, func() {
		_ = context.ExecOnceN(backend, context.New(), func(ctx *context.Context, images *Node) []*Node {
			return NoLSTM(ctx, hp, images, nil)
		}, randomImages(hp))
	})
}

func TestModelFn(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	hp := smallHyperparams(hyperparams.ModelNoLSTM)
	ctx := context.New()
	hp.SetInContext(ctx)
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		return ModelFn(ctx, nil, []*Node{images})
	}, randomImages(hp))
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{hp.BatchSize, 4, hp.NumClasses}, outputs[0].Shape().Dimensions)

	// Invalid hyperparameters panic.
	ctx = context.New()
	hp.ImgHeight = 12
	hp.SetInContext(ctx)
	require.Panics(t, func() {
		_ = context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
			return ModelFn(ctx, nil, []*Node{images})
		}, randomImages(hp))
	})
}

func TestLSTMStack(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return LSTMStack(ctx.In("lstm"), x, 3, 6)
	}, [][][][]float32{{{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}}}})
	assert.Equal(t, []int{1, 5, 12}, output.Shape().Dimensions)
	for ii := range 3 {
		v := ctx.InAbsPath("/lstm/" + layerName("layer", ii)).GetVariable("inputsW")
		require.NotNil(t, v)
	}
	assert.Nil(t, ctx.InAbsPath("/lstm/layer-3").GetVariable("inputsW"))
	assert.Equal(t, []int{2, 4, 6, 2}, ctx.InAbsPath("/lstm/layer-0").GetVariable("inputsW").Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 6, 12}, ctx.InAbsPath("/lstm/layer-1").GetVariable("inputsW").Shape().Dimensions)
}

func TestDescribe(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	t.Run(hyperparams.ModelNoLSTM, func(t *testing.T) {
		hp := smallHyperparams(hyperparams.ModelNoLSTM)
		described, err := Describe(backend, context.New(), hp)
		require.NoError(t, err)
		got := make(map[string][]int, len(described))
		for _, layer := range described {
			got[layer.Name] = layer.Shape.Dimensions
		}
		assert.Equal(t, "images", described[0].Name)
		assert.Equal(t, "softmax", described[len(described)-1].Name)
		assert.Equal(t, []int{2, 16, 32, 64}, got["conv-0"])
		assert.Equal(t, []int{2, 8, 16, 64}, got["pool-0_m"])
		assert.Equal(t, []int{2, 8, 16, 64}, got["pool-0"])
		assert.Equal(t, []int{2, 2, 4, 512}, got["leakyrelu-5"])
		assert.Equal(t, []int{2, 1, 4, 512}, got["pool1"])
		assert.Equal(t, []int{2, 4, 5}, got["fc"])
		assert.NotContains(t, got, "dropout")
		assert.NotContains(t, got, "ctc_loss")
	})

	t.Run(hyperparams.ModelLSTM, func(t *testing.T) {
		hp := smallHyperparams(hyperparams.ModelLSTM)
		hp.LossType = hyperparams.LossCTC
		hp.Dropout = 0.2
		ctx := context.New()
		described, err := Describe(backend, ctx, hp)
		require.NoError(t, err)
		got := make(map[string][]int, len(described))
		for _, layer := range described {
			got[layer.Name] = layer.Shape.Dimensions
		}
		assert.Equal(t, "ctc_loss", described[len(described)-1].Name)
		assert.Equal(t, []int{2}, got["ctc_loss"])
		assert.Equal(t, []int{2, 4, 8, 512}, got["pool-1"])
		assert.Equal(t, []int{2, 4, 8, 256}, got["conv-4-1-1x1"])
		assert.Equal(t, []int{2, 4, 8, 512}, got["leakyrelu-4"])
		assert.Equal(t, []int{2, 2, 7, 512}, got["pool-2"])
		assert.Equal(t, []int{2, 1, 7, 256}, got["conv-6"])
		assert.Equal(t, []int{2, 1, 7, 512}, got["leakyrelu-6"])
		assert.Equal(t, []int{2, 1, 7, 512}, got["dropout"])
		assert.Equal(t, []int{2, 7, 8}, got["lstm"])
		assert.Equal(t, []int{2, 7, 5}, got["pred_fc"])

		// Variables are created but not initialized.
		v := ctx.InAbsPath("/conv-6").GetVariable("weights")
		require.NotNil(t, v)
		assert.Equal(t, []int{2, 1, 256, 256}, v.Shape().Dimensions)
		assert.Equal(t, []int{8, 5}, ctx.InAbsPath("/pred_fc/dense").GetVariable("weights").Shape().Dimensions)
	})

	_, err := Describe(backend, context.New(), hyperparams.Hyperparams{})
	require.Error(t, err)
}
