// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package charset maps between text and the class ids used by the CRNN models.
//
// Class 0 is reserved for the CTC blank (also used as padding of the labels), and the characters
// of the vocabulary take the ids 1 to Size()-1, in the order they are listed.
package charset

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// SpaceToken is the line used in vocabulary files to represent the space character.
const SpaceToken = "<space>"

// Blank is the id of the CTC blank.
const Blank = 0

// Charset is an immutable vocabulary. It is safe for concurrent use.
type Charset struct {
	chars []string
	ids   map[string]int
}

// New creates a Charset from the list of characters: chars[i] gets the id i+1.
// Characters must be unique and non-empty.
func New(chars []string) (*Charset, error) {
	c := &Charset{
		chars: make([]string, 0, len(chars)+1),
		ids:   make(map[string]int, len(chars)),
	}
	c.chars = append(c.chars, "")
	for ii, char := range chars {
		if char == "" {
			return nil, errors.Errorf("charset: empty character at position %d", ii)
		}
		if previous, found := c.ids[char]; found {
			return nil, errors.Errorf("charset: character %q repeated at positions %d and %d", char, previous-1, ii)
		}
		c.ids[char] = len(c.chars)
		c.chars = append(c.chars, char)
	}
	return c, nil
}

// Parse reads a vocabulary with one character per line. Empty lines are skipped and the
// line SpaceToken stands for " ".
func Parse(r io.Reader) (*Charset, error) {
	var chars []string
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		line = strings.TrimSpace(line)
		if line == SpaceToken {
			line = " "
		}
		chars = append(chars, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "charset: failed reading vocabulary at line %d", lineNum)
	}
	return New(chars)
}

// Load reads the vocabulary file at filePath, see Parse.
func Load(filePath string) (*Charset, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "charset: failed to open vocabulary")
	}
	defer func() { _ = f.Close() }()
	c, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", filePath)
	}
	return c, nil
}

var digits = func() *Charset {
	c, err := New(strings.Split("0123456789", ""))
	if err != nil {
		panic(err)
	}
	return c
}()

// Digits returns the charset of the decimal digits: 11 classes, with "0" mapped to 1 and "9" to 10.
func Digits() *Charset {
	return digits
}

// Size returns the number of classes, including the blank. This is the value of the
// "num_classes" hyperparameter of a model trained with this charset.
func (c *Charset) Size() int {
	return len(c.chars)
}

// Chars returns the characters of the vocabulary, in id order (without the blank).
func (c *Charset) Chars() []string {
	return append([]string(nil), c.chars[1:]...)
}

// ID returns the class id of char, or false if it is not in the charset.
func (c *Charset) ID(char string) (int, bool) {
	id, found := c.ids[char]
	return id, found
}

// Encode converts text to class ids, one per character (rune).
// It returns an error on the first character not in the charset.
func (c *Charset) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for pos, r := range text {
		id, found := c.ids[string(r)]
		if !found {
			return nil, errors.Errorf("charset: character %q (byte position %d of %q) is not in the charset", r, pos, text)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode converts class ids to text. Blanks are skipped, and unknown ids are rendered as the Unicode replacement character.
func (c *Charset) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		switch {
		case id == Blank:
			continue
		case id < 0 || id >= len(c.chars):
			sb.WriteRune('\uFFFD')
		default:
			sb.WriteString(c.chars[id])
		}
	}
	return sb.String()
}
