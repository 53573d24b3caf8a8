// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ocrdata

import (
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ImageToTensor converts img to grayscale, resizes it to width x height and returns it as a tensor
// shaped [height, width, 1], Float32 with values in [0, 1].
func ImageToTensor(img image.Image, height, width int) *tensors.Tensor {
	gray := imaging.Resize(imaging.Grayscale(img), width, height, imaging.Linear)
	t := tensors.FromShape(shapes.Make(dtypes.Float32, height, width, 1))
	tensors.MutableFlatData(t, func(flat []float32) {
		for y := range height {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+4*width]
			for x := range width {
				// Grayscale sets R, G and B to the same value.
				flat[y*width+x] = float32(row[4*x]) / 255.0
			}
		}
	})
	return t
}

// PadLabel converts the class ids to a tensor shaped [numLabel], Int32, padded with 0 (the CTC blank).
// It returns an error if the label has more than numLabel ids, or ids out of the range [1, numClasses).
func PadLabel(ids []int, numLabel, numClasses int) (*tensors.Tensor, error) {
	if err := checkLabel(ids, numClasses); err != nil {
		return nil, err
	}
	if len(ids) > numLabel {
		return nil, errors.Errorf("ocrdata: label has %d characters, but at most %d (hyperparameter \"num_label\") are supported",
			len(ids), numLabel)
	}
	padded := make([]int32, numLabel)
	for ii, id := range ids {
		padded[ii] = int32(id)
	}
	return tensors.FromValue(padded), nil
}

// Dataset implements train.Dataset, and yields one example of an index (see LoadIndex) at a time.
// The images are read from disk and preprocessed with ImageToTensor when yielded, so it is worth
// parallelizing it with data.CustomParallel.
//
// It is safe for concurrent use.
type Dataset struct {
	name                 string
	examples             []Example
	imgHeight, imgWidth  int
	numLabel, numClasses int
	infinite             bool
	rng                  *rand.Rand // Set if shuffling.
	order                []int
	next                 int

	mu sync.Mutex
}

// Assert *Dataset implements train.Dataset.
var _ train.Dataset = &Dataset{}

// NewDataset returns a Dataset over the examples, with images resized to imgHeight x imgWidth and
// labels padded to numLabel. Class ids must be in the range [1, numClasses): see CheckLabels.
// It yields each example once per epoch, in order: see Shuffle and Infinite.
func NewDataset(name string, examples []Example, imgHeight, imgWidth, numLabel, numClasses int) *Dataset {
	return &Dataset{
		name:       name,
		examples:   examples,
		imgHeight:  imgHeight,
		imgWidth:   imgWidth,
		numLabel:   numLabel,
		numClasses: numClasses,
		order:      xslices.Iota(0, len(examples)),
	}
}

// Shuffle the order of the examples with the given seed. They are reshuffled at every Reset,
// or at every epoch if the dataset is infinite.
func (ds *Dataset) Shuffle(seed uint64) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(seed, uint64(len(ds.examples))))
	ds.shuffleLocked()
	ds.name = ds.name + " [shuffled]"
	return ds
}

func (ds *Dataset) shuffleLocked() {
	if ds.rng == nil {
		return
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Infinite sets whether the dataset loops over the examples indefinitely. Typically used for training
// with train.Loop.RunSteps.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// NumExamples in one epoch.
func (ds *Dataset) NumExamples() int {
	return len(ds.examples)
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string {
	return ds.name
}

// nextIndex returns the index of the next example, or -1 at the end of the epoch.
func (ds *Dataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.order) == 0 {
		return -1
	}
	if ds.next >= len(ds.order) {
		if !ds.infinite {
			return -1
		}
		ds.next = 0
		ds.shuffleLocked()
	}
	index := ds.order[ds.next]
	ds.next++
	return index
}

// Yield implements train.Dataset. It returns `ds` as spec, the image in inputs[0] and the padded
// label in labels[0].
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	index := ds.nextIndex()
	if index == -1 {
		err = io.EOF
		return
	}
	example := ds.examples[index]
	img, err := imaging.Open(example.ImagePath)
	if err != nil {
		err = errors.Wrapf(err, "ocrdata: failed to read image #%d", index)
		return
	}
	label, err := PadLabel(example.Label, ds.numLabel, ds.numClasses)
	if err != nil {
		err = errors.WithMessage(err, example.describe())
		return
	}
	inputs = []*tensors.Tensor{ImageToTensor(img, ds.imgHeight, ds.imgWidth)}
	labels = []*tensors.Tensor{label}
	return
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.shuffleLocked()
}

// String returns a short description of the dataset.
func (ds *Dataset) String() string {
	return fmt.Sprintf("%s: %d examples of %dx%d", ds.name, len(ds.examples), ds.imgHeight, ds.imgWidth)
}
