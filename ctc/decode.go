// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ctc

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// BestPath returns the most likely class of each frame, shaped [batchSize, numFrames] of dtype Int32.
// It accepts either logits or probabilities shaped [batchSize, numFrames, numClasses].
func BestPath(logits *Node) *Node {
	if logits.Rank() != 3 {
		Panicf("ctc.BestPath expects logits shaped [batchSize, numFrames, numClasses], got %s", logits.Shape())
	}
	return ArgMax(logits, -1, dtypes.Int32)
}

// Collapse converts a best path (one class per frame) to a label: consecutive repeated classes are
// merged and then blanks are dropped.
//
// E.g.: with blank 0, Collapse([1 1 0 1 2 2 0], 0) = [1 1 2].
func Collapse[T interface{ ~int | ~int32 | ~int64 }](path []T, blank int) []int {
	label := make([]int, 0, len(path))
	previous := blank
	for _, class := range path {
		c := int(class)
		if c != blank && c != previous {
			label = append(label, c)
		}
		previous = c
	}
	return label
}

// DecodePaths collapses each row of paths, shaped [batchSize, numFrames] as returned by BestPath.
func DecodePaths(paths *tensors.Tensor, blank int) [][]int {
	shape := paths.Shape()
	if shape.Rank() != 2 {
		Panicf("ctc.DecodePaths expects paths shaped [batchSize, numFrames], got %s", shape)
	}
	batchSize, numFrames := shape.Dim(0), shape.Dim(1)
	results := make([][]int, batchSize)
	switch shape.DType {
	case dtypes.Int32:
		tensors.ConstFlatData(paths, func(flat []int32) {
			for ii := range results {
				results[ii] = Collapse(flat[ii*numFrames:(ii+1)*numFrames], blank)
			}
		})
	case dtypes.Int64:
		tensors.ConstFlatData(paths, func(flat []int64) {
			for ii := range results {
				results[ii] = Collapse(flat[ii*numFrames:(ii+1)*numFrames], blank)
			}
		})
	default:
		Panicf("ctc.DecodePaths: paths must be Int32 or Int64, got %s", shape.DType)
	}
	return results
}

// GreedyDecode returns the best path decoding of each example of probsOrLogits, shaped
// [batchSize, numFrames, numClasses]. It is the Go version of BestPath followed by Collapse.
//
// Since the argmax is the same, it accepts either the softmax probabilities or the logits.
func GreedyDecode(probsOrLogits *tensors.Tensor, blank int) [][]int {
	shape := probsOrLogits.Shape()
	if shape.Rank() != 3 {
		Panicf("ctc.GreedyDecode expects values shaped [batchSize, numFrames, numClasses], got %s", shape)
	}
	batchSize, numFrames, numClasses := shape.Dim(0), shape.Dim(1), shape.Dim(2)
	path := make([]int, numFrames)
	results := make([][]int, batchSize)
	decode := func(exampleIdx int, valueAt func(idx int) float64) {
		for frame := range numFrames {
			base := (exampleIdx*numFrames + frame) * numClasses
			best, bestValue := 0, valueAt(base)
			for class := 1; class < numClasses; class++ {
				if v := valueAt(base + class); v > bestValue {
					best, bestValue = class, v
				}
			}
			path[frame] = best
		}
		results[exampleIdx] = Collapse(path, blank)
	}
	switch shape.DType {
	case dtypes.Float32:
		tensors.ConstFlatData(probsOrLogits, func(flat []float32) {
			for ii := range batchSize {
				decode(ii, func(idx int) float64 { return float64(flat[idx]) })
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData(probsOrLogits, func(flat []float64) {
			for ii := range batchSize {
				decode(ii, func(idx int) float64 { return flat[idx] })
			}
		})
	default:
		Panicf("ctc.GreedyDecode: values must be Float32 or Float64, got %s", shape.DType)
	}
	return results
}
