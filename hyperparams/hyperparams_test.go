// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hyperparams

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	hp := Default()
	require.NoError(t, hp.Validate())
	assert.True(t, hp.IsTraining())
	assert.Equal(t, 69, hp.SequenceLength())

	hp.Model = ModelNoLSTM
	assert.Equal(t, 35, hp.SequenceLength())
	require.NoError(t, hp.Validate())

	hp.SeqLength = 35
	require.NoError(t, hp.Validate())
	assert.Equal(t, 35, hp.SequenceLength())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.New()
	want := Default()
	want.Model = ModelNoLSTM
	want.Dropout = 0.1
	want.NumClasses = 11
	want.LossType = ""
	want.ImgWidth = 128
	want.SetInContext(ctx)
	assert.Equal(t, want, FromContext(ctx))
	assert.Equal(t, want, FromContext(ctx.In("model").In("conv")))

	// Missing parameters fall back to the defaults.
	assert.Equal(t, Default(), FromContext(context.New()))

	// Integer values are converted when a float is expected.
	ctx.SetParam(ParamDropout, 0)
	assert.Equal(t, 0.0, FromContext(ctx).Dropout)
}

func TestValidate(t *testing.T) {
	for name, modify := range map[string]func(hp *Hyperparams){
		"model":          func(hp *Hyperparams) { hp.Model = "resnet" },
		"loss_type":      func(hp *Hyperparams) { hp.LossType = "cross_entropy" },
		"dropout":        func(hp *Hyperparams) { hp.Dropout = 1.0 },
		"num_classes":    func(hp *Hyperparams) { hp.NumClasses = 1 },
		"num_label":      func(hp *Hyperparams) { hp.NumLabel = 0 },
		"num_lstm_layer": func(hp *Hyperparams) { hp.NumLSTMLayer = 0 },
		"num_hidden":     func(hp *Hyperparams) { hp.NumHidden = -1 },
		"img_height":     func(hp *Hyperparams) { hp.ImgHeight = 30 },
		"img_width":      func(hp *Hyperparams) { hp.ImgWidth = 8 },
		"seq_length":     func(hp *Hyperparams) { hp.SeqLength = 35 },
		"long_labels":    func(hp *Hyperparams) { hp.ImgWidth = 32; hp.NumLabel = 10 },
	} {
		hp := Default()
		modify(&hp)
		err := hp.Validate()
		require.Errorf(t, err, "invalid %q should have failed validation", name)
	}

	// LSTM sizes are not checked for the model without LSTM.
	hp := Default()
	hp.Model = ModelNoLSTM
	hp.NumLSTMLayer = 0
	require.NoError(t, hp.Validate())
}

func TestLoadYAML(t *testing.T) {
	ctx := context.New()
	Default().SetInContext(ctx)
	filePath := filepath.Join(t.TempDir(), "hparams.yaml")
	contents := `
model: crnn_no_lstm
dropout: 0
num_classes: 11
img_width: 160
model_scope:
  num_hidden: 32
`
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0644))
	paramsSet, err := LoadYAML(ctx, filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"/model_scope/num_hidden", "dropout", "img_width", "model", "num_classes"}, paramsSet)

	hp := FromContext(ctx)
	assert.Equal(t, ModelNoLSTM, hp.Model)
	assert.Equal(t, 0.0, hp.Dropout)
	assert.Equal(t, 11, hp.NumClasses)
	assert.Equal(t, 160, hp.ImgWidth)
	assert.Equal(t, 100, hp.NumHidden)
	assert.Equal(t, 32, FromContext(ctx.In("model_scope")).NumHidden)

	// Unknown parameters and unconvertible values are errors.
	require.NoError(t, os.WriteFile(filePath, []byte("learning_rate_of_the_moon: 1\n"), 0644))
	_, err = LoadYAML(ctx, filePath)
	require.Error(t, err)
	require.NoError(t, os.WriteFile(filePath, []byte("num_hidden: 1.5\n"), 0644))
	_, err = LoadYAML(ctx, filePath)
	require.Error(t, err)
	require.NoError(t, os.WriteFile(filePath, []byte("num_hidden: [1, 2]\n"), 0644))
	_, err = LoadYAML(ctx, filePath)
	require.Error(t, err)
	_, err = LoadYAML(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidChoices(t *testing.T) {
	for _, model := range ValidModels {
		for _, lossType := range ValidLossTypes {
			hp := Default()
			hp.Model = model
			hp.LossType = lossType
			require.NoErrorf(t, hp.Validate(), "model=%q, loss_type=%q", model, lossType)
		}
	}
	assert.ElementsMatch(t, []string{ModelNoLSTM, ModelLSTM}, ValidModels)
	assert.ElementsMatch(t, []string{LossCTC, LossWarpCTC, ""}, ValidLossTypes)
}
