// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ctc

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// uniformLogits returns logits shaped [batchSize, numFrames, numClasses] with equal probabilities for all classes.
func uniformLogits(g *Graph, batchSize, numFrames, numClasses int) *Node {
	return Zeros(g, shapes.Make(dtypes.Float32, batchSize, numFrames, numClasses))
}

func TestLoss(t *testing.T) {
	// With uniform probabilities over 2 classes, every path of T frames has probability 2^-T, so the
	// loss is -log(numValidPaths * 2^-T).
	graphtest.RunTestGraphFn(t, "uniform", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{
			// Single frame, label "1": only path is "1".
			New(uniformLogits(g, 1, 1, 2), Const(g, [][]int32{{1}})).Done(),
			// Two frames, label "1": paths "11", "01", "10".
			New(uniformLogits(g, 1, 2, 2), Const(g, [][]int32{{1}})).Done(),
			// Two frames, empty label: path "00".
			New(uniformLogits(g, 1, 2, 2), Const(g, [][]int32{{0}})).Done(),
			// Three frames, label "11": only path is "101".
			New(uniformLogits(g, 1, 3, 2), Const(g, [][]int32{{1, 1}})).Done(),
			// Batch of 2, with int64 labels and padding.
			New(uniformLogits(g, 2, 2, 3), Const(g, [][]int64{{1, 0}, {1, 2}})).Done(),
		}
		return
	}, []any{
		[]float32{float32(math.Log(2))},
		[]float32{float32(-math.Log(0.75))},
		[]float32{float32(math.Log(4))},
		[]float32{float32(math.Log(8))},
		// 3 classes, 9 paths: label "1" has 3 valid paths and label "12" only 1.
		[]float32{float32(-math.Log(3.0 / 9.0)), float32(math.Log(9))},
	}, 1e-4)
}

func TestLossOptions(t *testing.T) {
	graphtest.RunTestGraphFn(t, "options", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{
			// "11" requires 3 frames: infeasible in 2.
			New(uniformLogits(g, 1, 2, 2), Const(g, [][]int32{{1, 1}})).ZeroInfeasible(true).Done(),
			// Only the first 2 frames are used.
			New(uniformLogits(g, 1, 3, 2), Const(g, [][]int32{{1}})).
				LogitsLengths(Const(g, []int32{2})).Done(),
			// Blank is class 1 and the label is "0", padded with 1.
			New(uniformLogits(g, 1, 2, 2), Const(g, [][]int32{{0, 1}})).Blank(1).Done(),
			// Feasible labels are not affected by ZeroInfeasible.
			New(uniformLogits(g, 1, 3, 2), Const(g, [][]int32{{1, 1}})).ZeroInfeasible(true).Done(),
		}
		return
	}, []any{
		[]float32{0},
		[]float32{float32(-math.Log(0.75))},
		[]float32{float32(-math.Log(0.75))},
		[]float32{float32(math.Log(8))},
	}, 1e-4)

	// Without ZeroInfeasible the loss is very large, but finite.
	backend := graphtest.BuildTestBackend()
	loss := ExecOnce(backend, func(logits, labels *Node) *Node {
		return New(logits, labels).Done()
	}, [][][]float32{{{0, 0}, {0, 0}}}, [][]int32{{1, 1}})
	value := tensors.CopyFlatData[float32](loss)[0]
	assert.Greater(t, value, float32(1e9))
	assert.False(t, math.IsInf(float64(value), 0))
}

func TestLossClassOutOfRange(t *testing.T) {
	// Class 7 can't be emitted with 2 classes: it must not be taken as a certain emission.
	backend := graphtest.BuildTestBackend()
	loss := ExecOnce(backend, func(logits, labels *Node) *Node {
		return New(logits, labels).Done()
	}, [][][]float32{{{0, 0}, {0, 0}}}, [][]int32{{7}})
	value := tensors.CopyFlatData[float32](loss)[0]
	assert.Greater(t, value, float32(1e9))
	assert.False(t, math.IsInf(float64(value), 0))

	graphtest.RunTestGraphFn(t, "out-of-range", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{
			New(uniformLogits(g, 1, 2, 2), Const(g, [][]int32{{7}})).ZeroInfeasible(true).Done(),
			// Only the second example of the batch is affected.
			New(uniformLogits(g, 2, 2, 2), Const(g, [][]int32{{1, 0}, {1, 2}})).ZeroInfeasible(true).Done(),
		}
		return
	}, []any{
		[]float32{0},
		[]float32{float32(-math.Log(0.75)), 0},
	}, 1e-4)
}

func TestLossGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// With one frame, the CTC loss is the cross-entropy of the only symbol: the gradient
	// is softmax(logits) - onehot(label).
	grads := ExecOnce(backend, func(logits, labels *Node) *Node {
		loss := ReduceAllSum(New(logits, labels).Done())
		return Gradient(loss, logits)[0]
	}, [][][]float32{{{0, 0}}, {{0, math.Ln2}}}, [][]int32{{1}, {1}})
	got := tensors.CopyFlatData[float32](grads)
	want := []float32{0.5, -0.5, 1.0 / 3.0, -1.0 / 3.0}
	require.InDeltaSlice(t, want, got, 1e-4)

	// Gradients are finite even for infeasible labels.
	grads = ExecOnce(backend, func(logits, labels *Node) *Node {
		loss := ReduceAllSum(New(logits, labels).ZeroInfeasible(true).Done())
		return Gradient(loss, logits)[0]
	}, [][][]float32{{{0.1, 0.2}, {0.3, -0.1}}}, [][]int32{{1, 1}})
	for _, v := range tensors.CopyFlatData[float32](grads) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		require.Equal(t, float32(0), v)
	}
}

func TestLossFn(t *testing.T) {
	graphtest.RunTestGraphFn(t, "LossFn", func(g *Graph) (inputs, outputs []*Node) {
		logits := uniformLogits(g, 2, 2, 2)
		labels := Const(g, [][]int32{{1}, {0}})
		outputs = []*Node{
			LossFn([]*Node{labels}, []*Node{logits}),
			LossFn([]*Node{labels, Const(g, []bool{true, false})}, []*Node{logits}),
			LossFn([]*Node{labels, Const(g, []float32{0, 2})}, []*Node{logits}),
		}
		return
	}, []any{
		float32((-math.Log(0.75) + math.Log(4)) / 2),
		float32(-math.Log(0.75)),
		float32(math.Log(4)),
	}, 1e-4)
}

func TestLossFnFromContext(t *testing.T) {
	ctx := context.New()
	_, err := LossFnFromContext(ctx)
	require.NoError(t, err)
	ctx.SetParam(ParamLossType, "warpctc")
	_, err = LossFnFromContext(ctx)
	require.NoError(t, err)
	ctx.SetParam(ParamLossType, "mse")
	_, err = LossFnFromContext(ctx)
	require.Error(t, err)

	// The default zeroes infeasible labels.
	ctx.SetParam(ParamLossType, "ctc")
	lossFn, err := LossFnFromContext(ctx)
	require.NoError(t, err)
	graphtest.RunTestGraphFn(t, "LossFnFromContext", func(g *Graph) (inputs, outputs []*Node) {
		logits := uniformLogits(g, 2, 2, 2)
		labels := Const(g, [][]int32{{1, 1}, {1, 0}})
		outputs = []*Node{lossFn([]*Node{labels}, []*Node{logits})}
		return
	}, []any{float32(-math.Log(0.75) / 2)}, 1e-4)
}
