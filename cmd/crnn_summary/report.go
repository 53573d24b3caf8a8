// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/crnn/hyperparams"
	"github.com/gomlx/crnn/models/crnn"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/maps"
)

// reportConfig selects the tables printed by report.
type reportConfig struct {
	scope                      string
	params, layers, vars, summ bool

	// checkpoint directory, used to report the training metrics if metrics or plotPrefix are set.
	checkpoint string
	metrics    bool
	plotPrefix string
}

// report builds the model configured in ctx and prints the selected tables to w.
// Parameters in paramsSet are highlighted.
func report(w io.Writer, backend backends.Backend, ctx *context.Context, paramsSet []string, cfg reportConfig) error {
	hp := hyperparams.FromContext(ctx)
	modelCtx := ctx.In("model")
	if cfg.scope != "" {
		modelCtx = ctx.InAbsPath(cfg.scope)
	}
	// Variables loaded from a checkpoint are reused, the missing ones created.
	modelCtx = modelCtx.Checked(false)
	described, err := crnn.Describe(backend, modelCtx, hp)
	if err != nil {
		return err
	}
	if cfg.params {
		printParams(w, ctx, paramsSet)
	}
	if cfg.layers {
		printLayers(w, described)
	}
	if cfg.vars {
		printVariables(w, modelCtx)
	}
	if cfg.summ {
		printSummary(w, ctx, modelCtx, hp)
	}
	if cfg.checkpoint != "" && (cfg.metrics || cfg.plotPrefix != "") {
		return reportMetrics(w, cfg.checkpoint, cfg)
	}
	return nil
}

func printParams(w io.Writer, ctx *context.Context, paramsSet []string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newHighlightTable(lipgloss.Left)
	table.Table.Headers("Scope", "Name", "Type", "Value")

	type scopeKey struct{ Scope, Key string }
	values := make(map[scopeKey]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		values[scopeKey{Scope: scope, Key: key}] = value
	})
	keys := maps.Keys(values)
	slices.SortFunc(keys, func(a, b scopeKey) int {
		if cmp := strings.Compare(a.Scope, b.Scope); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Key, b.Key)
	})
	for _, key := range keys {
		value := values[key]
		fullKey := key.Key
		if key.Scope != context.RootScope {
			fullKey = key.Scope + context.ScopeSeparator + key.Key
		}
		highlight := slices.Contains(paramsSet, key.Key) || slices.Contains(paramsSet, fullKey)
		table.Row(highlight, key.Scope, key.Key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	}
	_, _ = fmt.Fprintln(w, table.Table.Render())
}

func printLayers(w io.Writer, described []crnn.LayerShape) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Layers"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers("#", "Layer", "Output Shape", "Size")
	for ii, layer := range described {
		table.Row(fmt.Sprintf("%d", ii), layer.Name, layer.Shape.String(), humanize.Comma(int64(layer.Shape.Size())))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// variableRows returns one row per variable under ctx scope: scope, name, shape, size and bytes, sorted.
func variableRows(ctx *context.Context) [][]string {
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	return rows
}

func printVariables(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	for _, row := range variableRows(ctx) {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

func printSummary(w io.Writer, ctx, modelCtx *context.Context, hp hyperparams.Hyperparams) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("model", hp.Model)
	table.Row("input", shapes.Make(dtypes.Float32, hp.BatchSize, hp.ImgHeight, hp.ImgWidth, 1).String())
	table.Row("time steps", humanize.Comma(int64(hp.SequenceLength())))
	table.Row("scope", modelCtx.Scope())
	// The global step is only there if loaded from a checkpoint.
	for _, c := range []*context.Context{modelCtx, ctx} {
		if v := c.GetVariable(optimizers.GlobalStepVariableName); v != nil {
			table.Row("global_step", humanize.Comma(tensors.ToScalar[int64](v.Value())))
			break
		}
	}

	var numVars, totalSize int
	var totalMemory uintptr
	modelCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	_, _ = fmt.Fprintln(w, table.Render())
}
