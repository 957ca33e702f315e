package model

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		output     float32
		label      string
		confidence float64
	}{
		{0.9, LabelPneumonia, 90},
		{0.2, LabelNormal, 80},
		{0.5, LabelNormal, 50},
		{0.50001, LabelPneumonia, 50.001},
		{0, LabelNormal, 100},
		{1, LabelPneumonia, 100},
	}
	for _, tt := range tests {
		got := Decide(tt.output)
		assert.Equal(t, tt.label, got.Prediction, "output %v", tt.output)
		assert.InDelta(t, tt.confidence, got.Confidence, 1e-3, "output %v", tt.output)
		assert.InDelta(t, float64(tt.output), got.RawOutput, 1e-9)
	}
}

func TestDecideConfidenceRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		p := rng.Float32()
		got := Decide(p)
		assert.Equal(t, p > 0.5, got.Prediction == LabelPneumonia)
		assert.GreaterOrEqual(t, got.Confidence, 0.0)
		assert.LessOrEqual(t, got.Confidence, 100.0)
		if got.Prediction == LabelPneumonia {
			assert.InDelta(t, float64(p)*100, got.Confidence, 1e-9)
		} else {
			assert.InDelta(t, (1-float64(p))*100, got.Confidence, 1e-9)
		}
	}
}

func tinyModel(t *testing.T) *nn.Model {
	t.Helper()
	m, err := nn.Build(nn.Shape{150, 150, 3}, []nn.LayerConfig{
		nn.Conv2D{Filters: 2, Kernel: 3, Activation: nn.ReLU},
		nn.MaxPool2D{Size: 4},
		nn.Flatten{},
		nn.Dense{Units: 1, Activation: nn.Sigmoid},
	}, 1)
	require.NoError(t, err)
	return m
}

func TestNativePredict(t *testing.T) {
	m := tinyModel(t)
	path := filepath.Join(t.TempDir(), "model.gob.zst")
	require.NoError(t, m.SaveFile(path, nn.Metadata{Classes: []string{"NORMAL", "PNEUMONIA"}}))

	c, err := Open("native", path, "", "")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "native", c.Backend())

	sample := make(preprocess.Sample, preprocess.SampleLen)
	for i := range sample {
		sample[i] = float32(i%255) / 255
	}
	got, err := c.Predict(context.Background(), sample)
	require.NoError(t, err)

	x, err := nn.FromData(sample, 1, m.Input)
	require.NoError(t, err)
	want, err := m.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data[0], got)
	assert.Greater(t, got, float32(0))
	assert.Less(t, got, float32(1))
}

func TestNativeRejectsBadInput(t *testing.T) {
	c, err := NewNativeFromModel(tinyModel(t))
	require.NoError(t, err)

	_, err = c.Predict(context.Background(), make(preprocess.Sample, 10))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Predict(ctx, make(preprocess.Sample, preprocess.SampleLen))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNativeRejectsWrongArchitecture(t *testing.T) {
	m, err := nn.Build(nn.Shape{8, 8, 3}, []nn.LayerConfig{nn.Flatten{}, nn.Dense{Units: 1, Activation: nn.Sigmoid}}, 1)
	require.NoError(t, err)
	_, err = NewNativeFromModel(m)
	assert.ErrorIs(t, err, ErrModelLoad)

	m, err = nn.Build(nn.Shape{150, 150, 3}, []nn.LayerConfig{nn.MaxPool2D{Size: 10}, nn.Flatten{}, nn.Dense{Units: 2}}, 1)
	require.NoError(t, err)
	_, err = NewNativeFromModel(m)
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestOpenFailures(t *testing.T) {
	_, err := Open("native", filepath.Join(t.TempDir(), "missing.gob.zst"), "", "")
	assert.True(t, errors.Is(err, ErrModelLoad))

	_, err = Open("tflite", "x", "", "")
	assert.True(t, errors.Is(err, ErrModelLoad))

	_, err = Open("onnx", "model.onnx", filepath.Join(t.TempDir(), "missing.json"), "")
	assert.True(t, errors.Is(err, ErrModelLoad))
}

func TestReadMetadata(t *testing.T) {
	dir := t.TempDir()
	write := func(body string) string {
		path := filepath.Join(dir, "meta.json")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	meta, err := ReadMetadata(write(`{"input_shape":[1,150,150,3],"output_shape":[1,1],"classes":["NORMAL","PNEUMONIA"]}`))
	require.NoError(t, err)
	assert.Equal(t, "input", meta.InputName)
	assert.Equal(t, "output", meta.OutputName)
	assert.Equal(t, 150, meta.ImageSize)
	assert.Equal(t, []string{"NORMAL", "PNEUMONIA"}, meta.Classes)

	bad := []string{
		`not json`,
		`{"input_shape":[1,3,150,150],"output_shape":[1,1]}`,
		`{"input_shape":[1,150,150,3],"output_shape":[1,2]}`,
		`{"input_shape":[1,150,150,3],"output_shape":[]}`,
		`{"input_shape":[1,150,150,3],"output_shape":[1],"image_size":224}`,
	}
	for _, body := range bad {
		_, err := ReadMetadata(write(body))
		assert.ErrorIs(t, err, ErrModelLoad, body)
	}
}
