// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ctc

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollapse(t *testing.T) {
	assert.Equal(t, []int{1, 1, 2}, Collapse([]int{1, 1, 0, 1, 2, 2, 0}, 0))
	assert.Equal(t, []int{}, Collapse([]int{0, 0, 0}, 0))
	assert.Equal(t, []int{}, Collapse([]int32{}, 0))
	assert.Equal(t, []int{3, 2, 3}, Collapse([]int64{3, 3, 2, 3, 3}, 0))
	assert.Equal(t, []int{0, 0}, Collapse([]int32{0, 2, 0, 0}, 2))
}

func TestGreedyDecode(t *testing.T) {
	// Probabilities shaped [2, 4, 3]: paths [1 1 0 2] and [2 0 2 2].
	probs := tensors.FromValue([][][]float32{
		{{0.1, 0.8, 0.1}, {0.2, 0.7, 0.1}, {0.9, 0.05, 0.05}, {0.1, 0.1, 0.8}},
		{{0.1, 0.1, 0.8}, {0.6, 0.2, 0.2}, {0.3, 0.3, 0.4}, {0.0, 0.0, 1.0}},
	})
	assert.Equal(t, [][]int{{1, 2}, {2, 2}}, GreedyDecode(probs, 0))

	logits := tensors.FromValue([][][]float64{{{-1, 3}, {2, 0}, {-5, 1}}})
	assert.Equal(t, [][]int{{1, 1}}, GreedyDecode(logits, 0))

	paths := tensors.FromValue([][]int32{{1, 1, 0, 2}, {0, 0, 0, 0}})
	assert.Equal(t, [][]int{{1, 2}, {}}, DecodePaths(paths, 0))

	require.Panics(t, func() { GreedyDecode(tensors.FromValue([]float32{1, 2}), 0) })
}

func TestGreedyDecodeGraph(t *testing.T) {
	graphtest.RunTestGraphFn(t, "GreedyDecodeGraph", func(g *Graph) (inputs, outputs []*Node) {
		paths := Const(g, [][]int32{{1, 1, 0, 2}, {2, 0, 2, 2}, {0, 0, 0, 0}, {1, 2, 1, 2}})
		logits := OneHot(paths, 3, dtypes.Float32)
		inputs = []*Node{paths}
		decoded, lengths := GreedyDecodeGraph(logits, 3, 0)
		outputs = []*Node{decoded, lengths, BestPath(logits)}
		return
	}, []any{
		[][]int32{{1, 2, 0}, {2, 2, 0}, {0, 0, 0}, {1, 2, 1}},
		[]int32{2, 2, 0, 4},
		[][]int32{{1, 1, 0, 2}, {2, 0, 2, 2}, {0, 0, 0, 0}, {1, 2, 1, 2}},
	}, -1)
}

func TestSequenceAccuracy(t *testing.T) {
	graphtest.RunTestGraphFn(t, "SequenceAccuracyGraph", func(g *Graph) (inputs, outputs []*Node) {
		// Decodes to [1 2], [2 2], [] and [1 2 1 2].
		paths := Const(g, [][]int32{{1, 1, 0, 2}, {2, 0, 2, 2}, {0, 0, 0, 0}, {1, 2, 1, 2}})
		logits := OneHot(paths, 3, dtypes.Float32)
		labels := Const(g, [][]int32{{1, 2, 0}, {2, 0, 0}, {0, 0, 0}, {1, 2, 1}})
		inputs = []*Node{labels}
		outputs = []*Node{
			SequenceAccuracyGraph(nil, []*Node{labels}, []*Node{logits}),
			SequenceAccuracyGraph(nil, []*Node{labels, Const(g, []bool{true, false, false, true})}, []*Node{logits}),
			SequenceAccuracyGraph(nil, []*Node{labels, Const(g, []float32{1, 0, 3, 0})}, []*Node{logits}),
		}
		return
	}, []any{
		float32(0.5),
		float32(0.5),
		float32(1.0),
	}, 1e-5)
}
