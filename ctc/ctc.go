// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ctc implements the Connectionist Temporal Classification loss [1] and its greedy decoding
// using only GoMLX graph operations, so its gradient is given by the usual automatic differentiation.
//
// The forward ("alpha") recursion runs in log-space over the "extended label": the label with a blank
// inserted before, between and after each of its symbols. Like the lstm layer, the recursion is unrolled
// over the time axis, so the size of the graph is O(T).
//
// Conventions:
//
//   - logits are shaped [batchSize, numFrames, numClasses], not normalized: LogSoftmax is applied internally.
//   - labels are shaped [batchSize, maxLabelLength], any integer dtype. Labels are left aligned and padded
//     with the blank class. So the length of a label is its number of non-blank entries.
//
// [1] https://www.cs.toronto.edu/~graves/icml_2006.pdf, Graves et al., 2006
package ctc

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// DefaultBlank is the class index used for the CTC blank, and for padding labels.
const DefaultBlank = 0

// Config holds the configuration of a CTC loss. Create it with New, configure it and call Done.
type Config struct {
	logits, labels *Node
	logitsLengths  *Node
	blank          int
	zeroInfeasible bool
}

// New creates the configuration of a CTC loss of labels given the logits.
//
//   - logits: shaped [batchSize, numFrames, numClasses], float.
//   - labels: shaped [batchSize, maxLabelLength], integer, padded with the blank class.
//
// Call Config.Done to build the loss.
func New(logits, labels *Node) *Config {
	return &Config{
		logits: logits,
		labels: labels,
		blank:  DefaultBlank,
	}
}

// Blank sets the index of the blank class. Default is DefaultBlank (0).
func (c *Config) Blank(blank int) *Config {
	c.blank = blank
	return c
}

// ZeroInfeasible configures the loss of labels that can't be aligned to the frames (labels too long,
// counting the blanks required between repeated symbols) to be 0, with a 0 gradient.
// Labels with symbols out of the range of classes can't be aligned either.
//
// If false (the default), those examples get a very large loss.
func (c *Config) ZeroInfeasible(zeroInfeasible bool) *Config {
	c.zeroInfeasible = zeroInfeasible
	return c
}

// LogitsLengths sets the number of valid frames of each example, shaped [batchSize], integer.
// Frames past the length are ignored.
//
// The default is to use all frames of logits.
func (c *Config) LogitsLengths(lengths *Node) *Config {
	c.logitsLengths = lengths
	return c
}

// logZero returns the value used as log(0): a finite value keeps the gradients free of NaNs.
func logZero(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64, dtypes.Float32:
		return -1e10
	case dtypes.Float16, dtypes.BFloat16:
		return -1e4
	default:
		Panicf("ctc: logits must be float, got dtype %s", dtype)
	}
	return 0
}

// Done builds the CTC loss: the negative log-likelihood of each label, shaped [batchSize].
func (c *Config) Done() *Node {
	logits, labels := c.logits, c.labels
	g := logits.Graph()
	dtype := logits.DType()
	if logits.Rank() != 3 {
		Panicf("ctc: logits must be shaped [batchSize, numFrames, numClasses], got %s", logits.Shape())
	}
	if labels.Rank() != 2 || !labels.DType().IsInt() {
		Panicf("ctc: labels must be integers shaped [batchSize, maxLabelLength], got %s", labels.Shape())
	}
	batchSize, numFrames, numClasses := logits.Shape().Dim(0), logits.Shape().Dim(1), logits.Shape().Dim(2)
	if labels.Shape().Dim(0) != batchSize {
		Panicf("ctc: logits (%s) and labels (%s) batch sizes don't match", logits.Shape(), labels.Shape())
	}
	if c.blank < 0 || c.blank >= numClasses {
		Panicf("ctc: blank class %d out of range for %d classes", c.blank, numClasses)
	}
	if c.logitsLengths != nil {
		c.logitsLengths.AssertDims(batchSize)
	}
	labels = ConvertDType(labels, dtypes.Int32)
	maxLabelLength := labels.Shape().Dim(1)
	extLength := 2*maxLabelLength + 1
	lz := logZero(dtype)

	// Extended labels: [batchSize, extLength] with blanks in the even positions.
	blankNode := Scalar(g, dtypes.Int32, c.blank)
	extended := BroadcastToDims(blankNode, batchSize, 1)
	if maxLabelLength > 0 {
		blanks := BroadcastToDims(blankNode, batchSize, maxLabelLength)
		interleaved := Reshape(Stack([]*Node{blanks, labels}, 2), batchSize, 2*maxLabelLength)
		extended = Concatenate([]*Node{interleaved, extended}, 1)
	}
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, extLength), 1)
	logZeroNode := Scalar(g, dtype, lz)
	shiftRight := func(x *Node, n int) *Node {
		if n >= extLength {
			return logZeroNode
		}
		return ShiftWithScalar(x, -1, ShiftDirRight, n, lz)
	}

	// A transition can skip the blank in between if the symbols it connects differ.
	var canSkip *Node
	if maxLabelLength > 0 {
		canSkip = LogicalAnd(
			GreaterOrEqual(positions, Scalar(g, dtypes.Int32, 2)),
			NotEqual(extended, ShiftWithScalar(extended, -1, ShiftDirRight, 2, float64(c.blank))))
	}

	// emissions[b, t, s]: log-probability of the symbol of position s at frame t.
	logProbs := LogSoftmax(logits, -1)
	emissions := Einsum("btc,bsc->bts", logProbs, OneHot(extended, numClasses, dtype))
	// Symbols out of the class range can't be emitted.
	validSymbols := LogicalAnd(
		GreaterOrEqual(extended, ScalarZero(g, dtypes.Int32)),
		LessThan(extended, Scalar(g, dtypes.Int32, numClasses)))
	emissions = Where(BroadcastToDims(InsertAxes(validSymbols, 1), batchSize, numFrames, extLength),
		emissions, logZeroNode)

	var lengths *Node
	if c.logitsLengths != nil {
		lengths = ConvertDType(c.logitsLengths, dtypes.Int32)
	}
	var alpha *Node
	for t := range numFrames {
		emission := Reshape(Slice(emissions, AxisRange(), AxisElem(t), AxisRange()), batchSize, extLength)
		if t == 0 {
			// Paths start at the leading blank or at the first symbol.
			alpha = Where(LessThan(positions, Scalar(g, dtypes.Int32, 2)), emission, logZeroNode)
			continue
		}
		fromPrev := shiftRight(alpha, 1)
		fromSkip := logZeroNode
		if canSkip != nil {
			fromSkip = Where(canSkip, shiftRight(alpha, 2), logZeroNode)
		}
		next := Add(logAddExp3(alpha, fromPrev, fromSkip), emission)
		if lengths != nil {
			next = Where(GreaterThan(lengths, Scalar(g, dtypes.Int32, t)), next, alpha)
		}
		alpha = next
	}

	// Paths end at the last symbol or at the trailing blank.
	labelLengths := ReduceSum(ConvertDType(NotEqual(labels, blankNode), dtypes.Int32), -1)
	lastBlank := InsertAxes(MulScalar(labelLengths, 2), -1)
	isEnd := LogicalOr(
		Equal(positions, lastBlank),
		LogicalAnd(
			Equal(positions, AddScalar(lastBlank, -1)),
			InsertAxes(GreaterThan(labelLengths, ScalarZero(g, dtypes.Int32)), -1)))
	endAlpha := Where(isEnd, alpha, logZeroNode)
	normalizer := StopGradient(ReduceAndKeep(endAlpha, ReduceMax, -1))
	logLikelihood := Add(
		Squeeze(normalizer, -1),
		Log(ReduceSum(Exp(Sub(endAlpha, normalizer)), -1)))
	loss := Neg(logLikelihood)

	if c.zeroInfeasible {
		frames := lengths
		if frames == nil {
			frames = Scalar(g, dtypes.Int32, numFrames)
		}
		feasible := LogicalAnd(
			LessOrEqual(requiredFrames(labels, labelLengths, c.blank), frames),
			LogicalAll(validSymbols, -1))
		loss = Where(feasible, loss, ScalarZero(g, dtype))
	}
	return loss
}

// logAddExp3 returns log(exp(a) + exp(b) + exp(c)) element-wise.
func logAddExp3(a, b, c *Node) *Node {
	normalizer := StopGradient(Max(Max(a, b), c))
	sum := Add(Add(Exp(Sub(a, normalizer)), Exp(Sub(b, normalizer))), Exp(Sub(c, normalizer)))
	return Add(normalizer, Log(sum))
}

// requiredFrames returns the minimum number of frames to align each label: its length plus one blank
// between each pair of repeated symbols.
func requiredFrames(labels, labelLengths *Node, blank int) *Node {
	maxLabelLength := labels.Shape().Dim(1)
	if maxLabelLength < 2 {
		return labelLengths
	}
	g := labels.Graph()
	current := Slice(labels, AxisRange(), AxisRangeToEnd(1))
	previous := Slice(labels, AxisRange(), AxisRangeFromStart(maxLabelLength-1))
	repeated := LogicalAnd(Equal(current, previous), NotEqual(current, Scalar(g, dtypes.Int32, blank)))
	return Add(labelLengths, ReduceSum(ConvertDType(repeated, dtypes.Int32), -1))
}
