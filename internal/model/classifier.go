// Package model holds the classifier backends used by the inference service
// and the rule that turns a raw output into a labelled prediction.
package model

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

// ErrModelLoad is returned when a backend cannot be constructed from its files.
var ErrModelLoad = nn.ErrModelLoad

// Classifier scores one preprocessed sample and returns the probability of
// pneumonia.
type Classifier interface {
	Predict(ctx context.Context, s preprocess.Sample) (float32, error)
	Backend() string
	Close()
}

var inputShape = nn.Shape{preprocess.ImageSize, preprocess.ImageSize, preprocess.Channels}

// Native runs a model trained by this module. It only reads the network, so
// concurrent Predict calls need no locking.
type Native struct {
	model    *nn.Model
	Metadata nn.Metadata
}

// NewNative loads the artifact at path.
func NewNative(path string) (*Native, error) {
	m, meta, err := nn.LoadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := NewNativeFromModel(m)
	if err != nil {
		return nil, err
	}
	n.Metadata = meta
	log.Info().Str("path", path).Int("params", m.NumParams()).Strs("classes", meta.Classes).
		Float64("test_accuracy", meta.TestAccuracy).Msg("Native model loaded")
	return n, nil
}

// NewNativeFromModel wraps an in-memory model.
func NewNativeFromModel(m *nn.Model) (*Native, error) {
	if !m.Input.Equal(inputShape) {
		return nil, fmt.Errorf("%w: model input %v, expected %v", ErrModelLoad, m.Input, inputShape)
	}
	if !m.OutShape().Equal(nn.Shape{1}) {
		return nil, fmt.Errorf("%w: model output %v, expected a single unit", ErrModelLoad, m.OutShape())
	}
	return &Native{model: m}, nil
}

func (n *Native) Predict(ctx context.Context, s preprocess.Sample) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.Validate(); err != nil {
		return 0, err
	}
	x, err := nn.FromData(s, 1, n.model.Input)
	if err != nil {
		return 0, err
	}
	out, err := n.model.Predict(x)
	if err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	return out.Data[0], nil
}

func (n *Native) Backend() string { return "native" }

func (n *Native) Close() {}

// Open builds the classifier for backend, "native" or "onnx".
func Open(backend, modelPath, metadataPath, libPath string) (Classifier, error) {
	switch backend {
	case "native":
		n, err := NewNative(modelPath)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "onnx":
		o, err := NewONNX(modelPath, metadataPath, libPath)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrModelLoad, backend)
	}
}
