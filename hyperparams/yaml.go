// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hyperparams

import (
	"fmt"
	"os"
	"reflect"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadYAML overlays the context parameters with the values in the YAML file at filePath.
//
// The file is a mapping of parameter names to values. A nested mapping sets the parameters
// in the scope named by its key, e.g.:
//
//	model: crnn_no_lstm
//	dropout: 0.2
//	model_scope:
//	  num_hidden: 64
//
// Like commandline.ParseContextSettings, every parameter must already have a default value in the
// root scope of ctx, and the YAML value is converted to the type of the default.
//
// It returns the list of parameters set (scope joined with the name), sorted, which can be
// used to exclude them from being overwritten when loading a checkpoint.
func LoadYAML(ctx *context.Context, filePath string) (paramsSet []string, err error) {
	filePath = data.ReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read hyperparameters from %q", filePath)
	}
	var values map[string]any
	if err = yaml.Unmarshal(contents, &values); err != nil {
		return nil, errors.Wrapf(err, "failed to parse hyperparameters YAML in %q", filePath)
	}
	rootCtx := ctx.InAbsPath(context.RootScope)
	paramsSet, err = setParamsFromMap(rootCtx, rootCtx, values, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "hyperparameters file %q", filePath)
	}
	slices.Sort(paramsSet)
	return paramsSet, nil
}

func setParamsFromMap(rootCtx, ctx *context.Context, values map[string]any, paramsSet []string) ([]string, error) {
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			var err error
			paramsSet, err = setParamsFromMap(rootCtx, ctx.In(key), nested, paramsSet)
			if err != nil {
				return nil, err
			}
			continue
		}
		defaultValue, found := rootCtx.GetParam(key)
		if !found {
			return nil, errors.Errorf("can't set parameter %q (scope=%q) because the param %q is not known in the root context",
				key, ctx.Scope(), key)
		}
		converted, err := convertToTypeOf(value, defaultValue)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q (scope=%q)", key, ctx.Scope())
		}
		ctx.SetParam(key, converted)
		if ctx.Scope() == context.RootScope {
			paramsSet = append(paramsSet, key)
		} else {
			paramsSet = append(paramsSet, context.JoinScope(ctx.Scope(), key))
		}
	}
	return paramsSet, nil
}

// convertToTypeOf converts value to the type of defaultValue, for the scalar types YAML decodes to.
func convertToTypeOf(value, defaultValue any) (any, error) {
	if defaultValue == nil || value == nil {
		return value, nil
	}
	targetType := reflect.TypeOf(defaultValue)
	v := reflect.ValueOf(value)
	if v.Type() == targetType {
		return value, nil
	}
	if targetType.Kind() == reflect.String {
		return fmt.Sprintf("%v", value), nil
	}
	if v.Kind() == reflect.String || !v.CanConvert(targetType) {
		return nil, errors.Errorf("value %v (%T) cannot be converted to %s", value, value, targetType)
	}
	if v.Kind() == reflect.Float64 && targetType.Kind() >= reflect.Int && targetType.Kind() <= reflect.Uint64 {
		if f := v.Float(); f != float64(int64(f)) {
			return nil, errors.Errorf("value %g is not an integer, as required by %s", f, targetType)
		}
	}
	return v.Convert(targetType).Interface(), nil
}
