// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ocrdata

import (
	"image"
	"image/color"
	"image/draw"
	"io"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gomlx/crnn/charset"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Synthetic implements train.Dataset, yielding images of random digit strings rendered with a fixed-size
// bitmap font, labeled with the charset.Digits class ids. It requires no data files, which makes it
// useful for tests and demos.
//
// Each epoch yields the same examples (unless it is infinite), so it can be used for evaluation.
//
// It is safe for concurrent use.
type Synthetic struct {
	name                 string
	imgHeight, imgWidth  int
	numLabel             int
	minLength, maxLength int
	numExamples, seed    uint64
	infinite             bool

	mu    sync.Mutex
	rng   *rand.Rand
	count uint64
}

// Assert *Synthetic implements train.Dataset.
var _ train.Dataset = &Synthetic{}

// NewSynthetic creates a dataset of numExamples images per epoch, sized imgHeight x imgWidth, with
// strings of 1 to numLabel digits, generated from seed.
func NewSynthetic(name string, numExamples int, imgHeight, imgWidth, numLabel int, seed uint64) *Synthetic {
	ds := &Synthetic{
		name:        name,
		imgHeight:   imgHeight,
		imgWidth:    imgWidth,
		numLabel:    numLabel,
		minLength:   1,
		maxLength:   numLabel,
		numExamples: uint64(max(numExamples, 0)),
		seed:        seed,
	}
	ds.Reset()
	return ds
}

// WithLengths sets the range of the number of digits of the generated strings. It is clipped to [1, numLabel].
func (ds *Synthetic) WithLengths(minLength, maxLength int) *Synthetic {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.minLength = min(max(minLength, 1), ds.numLabel)
	ds.maxLength = min(max(maxLength, ds.minLength), ds.numLabel)
	return ds
}

// Infinite sets whether the dataset generates examples indefinitely.
func (ds *Synthetic) Infinite(infinite bool) *Synthetic {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *Synthetic) Name() string {
	return ds.name
}

// Reset implements train.Dataset. It restarts the sequence of generated examples.
func (ds *Synthetic) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(ds.seed, 0x5eed))
	ds.count = 0
}

// nextText returns the next random string of digits, or false at the end of the epoch.
func (ds *Synthetic) nextText() (string, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.infinite && ds.count >= ds.numExamples {
		return "", false
	}
	ds.count++
	length := ds.minLength + ds.rng.IntN(ds.maxLength-ds.minLength+1)
	var sb strings.Builder
	for range length {
		sb.WriteByte(byte('0' + ds.rng.IntN(10)))
	}
	return sb.String(), true
}

// Yield implements train.Dataset. It returns `ds` as spec, the image in inputs[0] and the padded
// label in labels[0].
func (ds *Synthetic) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	text, ok := ds.nextText()
	if !ok {
		err = io.EOF
		return
	}
	ids, err := charset.Digits().Encode(text)
	if err != nil {
		err = errors.WithMessagef(err, "ocrdata: synthetic text %q", text)
		return
	}
	label, err := PadLabel(ids, ds.numLabel, charset.Digits().Size())
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{ImageToTensor(RenderText(text), ds.imgHeight, ds.imgWidth)}
	labels = []*tensors.Tensor{label}
	return
}

// RenderText draws text in black over a white background, using a 7x13 bitmap font, with a margin
// of 2 pixels around it.
func RenderText(text string) image.Image {
	const margin = 2
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 2*margin
	height := face.Height + 2*margin
	img := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(margin, margin+face.Ascent),
	}
	drawer.DrawString(text)
	return img
}
