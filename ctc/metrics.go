// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ctc

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// GreedyDecodeGraph decodes the best path of logits in the graph, compacting the result to the
// left: it returns the decoded labels shaped [batchSize, maxLabelLength] (padded with blank, and
// truncated to maxLabelLength) and their lengths shaped [batchSize] (not truncated). Both are Int32.
func GreedyDecodeGraph(logits *Node, maxLabelLength, blank int) (decoded, lengths *Node) {
	g := logits.Graph()
	path := BestPath(logits)
	batchSize := path.Shape().Dim(0)
	blankNode := Scalar(g, dtypes.Int32, blank)

	// A frame emits a symbol if it is not blank and differs from the previous frame.
	previous := ShiftWithScalar(path, -1, ShiftDirRight, 1, float64(blank))
	emits := LogicalAnd(NotEqual(path, blankNode), NotEqual(path, previous))
	emitsInt := ConvertDType(emits, dtypes.Int32)
	lengths = ReduceSum(emitsInt, -1)

	// Output position of each emitted symbol, and a one-hot of it: [batchSize, numFrames, maxLabelLength].
	outputPos := AddScalar(CumSum(emitsInt, -1), -1)
	outputPos = Where(emits, outputPos, Scalar(g, dtypes.Int32, maxLabelLength))
	placement := OneHot(outputPos, maxLabelLength, dtypes.Float32)
	symbols := ConvertDType(path, dtypes.Float32)
	decoded = ConvertDType(Einsum("bt,btl->bl", symbols, placement), dtypes.Int32)
	if blank != 0 {
		filled := LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize, maxLabelLength), 1), InsertAxes(lengths, -1))
		decoded = Where(filled, decoded, blankNode)
	}
	return decoded, lengths
}

// SequenceAccuracyGraph returns the fraction of examples whose greedy (best path) decoding exactly
// matches the label. It can be used with metrics.NewMeanMetric and the other metric constructors.
//
// labels[0] are the padded labels [batchSize, maxLabelLength] and predictions[0] the logits
// (or probabilities) [batchSize, numFrames, numClasses]. Weights and mask shaped [batchSize] can be given
// in the labels slice following the labels themselves, and they will be accounted for.
func SequenceAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	logits := predictions[0]
	g := logits.Graph()
	dtype := logits.DType()
	label := labels[0]
	if label.Rank() != 2 || !label.DType().IsInt() {
		Panicf("ctc sequence accuracy requires integer labels shaped [batchSize, maxLabelLength], got %s", label.Shape())
	}
	if logits.Rank() != 3 || logits.Shape().Dim(0) != label.Shape().Dim(0) {
		Panicf("ctc sequence accuracy requires logits shaped [batchSize, numFrames, numClasses], got %s (labels %s)",
			logits.Shape(), label.Shape())
	}
	label = ConvertDType(label, dtypes.Int32)
	maxLabelLength := label.Shape().Dim(1)
	blankNode := Scalar(g, dtypes.Int32, DefaultBlank)
	labelLengths := ReduceSum(ConvertDType(NotEqual(label, blankNode), dtypes.Int32), -1)
	decoded, decodedLengths := GreedyDecodeGraph(logits, maxLabelLength, DefaultBlank)

	positions := Iota(g, shapes.Make(dtypes.Int32, label.Shape().Dimensions...), 1)
	inLabel := LessThan(positions, InsertAxes(labelLengths, -1))
	symbolMatches := LogicalOr(LogicalNot(inLabel), Equal(decoded, label))
	allMatch := Equal(
		ReduceSum(ConvertDType(symbolMatches, dtypes.Int32), -1),
		Scalar(g, dtypes.Int32, maxLabelLength))
	correct := ConvertDType(LogicalAnd(allMatch, Equal(decodedLengths, labelLengths)), dtype)

	weightsShape := shapes.Make(dtype, correct.Shape().Dimensions...)
	weights, mask := losses.CheckExtraLabelsForWeightsAndMask(weightsShape, labels[1:])
	if mask != nil {
		correct = Where(mask, correct, ZerosLike(correct))
	}
	if weights != nil {
		correct = Mul(weights, correct)
	}
	var totalWeight *Node
	if weights == nil && mask == nil {
		totalWeight = Scalar(g, dtype, float64(correct.Shape().Size()))
	} else if weights == nil {
		totalWeight = ReduceAllSum(ConvertDType(mask, dtype))
	} else {
		totalWeight = ReduceAllSum(weights)
	}
	return Div(ReduceAllSum(correct), totalWeight)
}

func sequenceAccuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

// NewSequenceAccuracy returns a mean metric of the exact-match accuracy of the greedy decoding,
// see SequenceAccuracyGraph.
func NewSequenceAccuracy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, SequenceAccuracyGraph, sequenceAccuracyPPrint)
}

// NewMovingAverageSequenceAccuracy returns an exponential moving average of the exact-match accuracy
// of the greedy decoding. A typical value of newExampleWeight is 0.01.
func NewMovingAverageSequenceAccuracy(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, metrics.AccuracyMetricType,
		SequenceAccuracyGraph, sequenceAccuracyPPrint, newExampleWeight)
}
