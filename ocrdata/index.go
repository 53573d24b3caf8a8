// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ocrdata provides the datasets to train and evaluate the CRNN models: images of text lines
// listed in an index file, and synthetic images of digit strings.
//
// Both yield one example at a time, with the image shaped [imgHeight, imgWidth, 1] (Float32 in [0, 1])
// and the label shaped [numLabel] (Int32, padded with 0, the CTC blank). Use CreateDatasets to
// parallelize and batch them.
package ocrdata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// Example is one entry of an index: the path to an image of a text line and the class ids of its characters.
type Example struct {
	ImagePath string
	Label     []int

	// Line of the index where the example was listed, or 0 if it doesn't come from an index.
	Line int
}

// describe the example in error messages.
func (e Example) describe() string {
	if e.Line > 0 {
		return fmt.Sprintf("index line %d (image %q)", e.Line, e.ImagePath)
	}
	return fmt.Sprintf("image %q", e.ImagePath)
}

// CheckLabels returns an error for the first example with a class id out of the range [1, numClasses).
func CheckLabels(examples []Example, numClasses int) error {
	for _, example := range examples {
		if err := checkLabel(example.Label, numClasses); err != nil {
			return errors.WithMessage(err, example.describe())
		}
	}
	return nil
}

func checkLabel(ids []int, numClasses int) error {
	for _, id := range ids {
		if id <= 0 || id >= numClasses {
			return errors.Errorf("ocrdata: class id %d out of range, ids must be in [1, %d) (hyperparameter \"num_classes\"=%d)",
				id, numClasses, numClasses)
		}
	}
	return nil
}

// ParseIndex reads an index with one example per line: the image path followed by the class ids
// of its characters, separated by spaces, e.g. "images/001.jpg 3 17 5".
//
// Class ids must be > 0, since 0 is the CTC blank. Empty lines and lines starting with "#" are skipped.
// Paths are returned as they are written.
func ParseIndex(r io.Reader) ([]Example, error) {
	var examples []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Errorf("ocrdata: index line %d has no label: %q", lineNum, line)
		}
		example := Example{ImagePath: fields[0], Label: make([]int, 0, len(fields)-1), Line: lineNum}
		for _, field := range fields[1:] {
			id, err := strconv.Atoi(field)
			if err != nil {
				return nil, errors.Wrapf(err, "ocrdata: index line %d has an invalid class id %q", lineNum, field)
			}
			if id <= 0 {
				return nil, errors.Errorf("ocrdata: index line %d has class id %d, ids must be > 0 (0 is the blank)", lineNum, id)
			}
			example.Label = append(example.Label, id)
		}
		examples = append(examples, example)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "ocrdata: failed reading index at line %d", lineNum)
	}
	return examples, nil
}

// LoadIndex reads the index file at filePath (see ParseIndex). Relative image paths are resolved
// against the directory of the index file.
func LoadIndex(filePath string) ([]Example, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "ocrdata: failed to open index")
	}
	defer func() { _ = f.Close() }()
	examples, err := ParseIndex(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "index file %q", filePath)
	}
	baseDir := filepath.Dir(filePath)
	for ii := range examples {
		if !filepath.IsAbs(examples[ii].ImagePath) {
			examples[ii].ImagePath = filepath.Join(baseDir, examples[ii].ImagePath)
		}
	}
	return examples, nil
}
