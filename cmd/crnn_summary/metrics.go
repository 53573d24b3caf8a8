// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// metricLine is the evolution of one metric during training.
type metricLine struct {
	name, short, metricType string
	steps, values           []float64
}

// metricLines groups the points per metric, sorted by metric type and name. The values of each
// metric are sorted by step.
func metricLines(points []plots.Point) []*metricLine {
	byName := make(map[string]*metricLine)
	for _, pt := range plots.NewPoints(points).Extract() {
		line, found := byName[pt.MetricName]
		if !found {
			line = &metricLine{name: pt.MetricName, short: pt.Short, metricType: pt.MetricType}
			byName[pt.MetricName] = line
		}
		line.steps = append(line.steps, pt.Step)
		line.values = append(line.values, pt.Value)
	}
	lines := maps.Values(byName)
	slices.SortFunc(lines, func(a, b *metricLine) int {
		if cmp := strings.Compare(a.metricType, b.metricType); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.name, b.name)
	})
	return lines
}

func printMetrics(w io.Writer, lines []*metricLine) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Training Metrics"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Type", "Metric", "Short", "# Points", "Last Step", "Last Value")
	for _, line := range lines {
		last := len(line.steps) - 1
		table.Row(line.metricType, line.name, line.short, humanize.Comma(int64(len(line.steps))),
			humanize.Comma(int64(line.steps[last])), fmt.Sprintf("%.4g", line.values[last]))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// plotMetrics saves one PNG plot per metric type, named "<prefix>_<type>.png", and returns the paths of the files saved.
// Non-finite values are not plotted.
func plotMetrics(lines []*metricLine, prefix string) (filePaths []string, err error) {
	byType := make(map[string][]*metricLine)
	for _, line := range lines {
		byType[line.metricType] = append(byType[line.metricType], line)
	}
	metricTypes := maps.Keys(byType)
	slices.Sort(metricTypes)
	for _, metricType := range metricTypes {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "global step"
		p.Y.Label.Text = metricType
		p.Add(plotter.NewGrid())
		for ii, line := range byType[metricType] {
			xys := make(plotter.XYs, 0, len(line.steps))
			for jj, step := range line.steps {
				value := line.values[jj]
				if math.IsNaN(value) || math.IsInf(value, 0) {
					continue
				}
				xys = append(xys, plotter.XY{X: step, Y: value})
			}
			if len(xys) == 0 {
				continue
			}
			l, err := plotter.NewLine(xys)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to plot metric %q", line.name)
			}
			l.Color = plotutil.Color(ii)
			l.Dashes = plotutil.Dashes(ii)
			p.Add(l)
			p.Legend.Add(line.name, l)
		}
		filePath := fmt.Sprintf("%s_%s.png", prefix, strings.ReplaceAll(metricType, " ", "_"))
		if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
			return nil, errors.Wrapf(err, "failed to save plot of %q metrics", metricType)
		}
		filePaths = append(filePaths, filePath)
	}
	return filePaths, nil
}

// reportMetrics prints and plots the metrics saved in the checkpoint directory during training.
func reportMetrics(w io.Writer, checkpointDir string, cfg reportConfig) error {
	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	if err != nil {
		return errors.WithMessage(err, "no training metrics in the checkpoint, train with \"plots=true\" to save them")
	}
	lines := metricLines(points)
	if cfg.metrics {
		printMetrics(w, lines)
	}
	if cfg.plotPrefix != "" {
		filePaths, err := plotMetrics(lines, cfg.plotPrefix)
		if err != nil {
			return err
		}
		for _, filePath := range filePaths {
			_, _ = fmt.Fprintf(w, "Saved plot %q\n", filePath)
		}
	}
	return nil
}
