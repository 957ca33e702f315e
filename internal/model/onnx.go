package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

// ONNX serves a classifier exported from another framework. The session
// reuses one pair of input and output tensors, so runs are serialized.
type ONNX struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// ReadMetadata parses and checks the metadata file of an exported model. The
// input must be a single NHWC image and the output a single probability.
func ReadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to read metadata: %v", ErrModelLoad, err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to parse metadata: %v", ErrModelLoad, err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if metadata.ImageSize == 0 {
		metadata.ImageSize = preprocess.ImageSize
	}

	want := []int64{1, preprocess.ImageSize, preprocess.ImageSize, preprocess.Channels}
	if !equalShape(metadata.InputShape, want) {
		return Metadata{}, fmt.Errorf("%w: input shape %v, expected %v", ErrModelLoad, metadata.InputShape, want)
	}
	if metadata.ImageSize != preprocess.ImageSize {
		return Metadata{}, fmt.Errorf("%w: image size %d, expected %d", ErrModelLoad, metadata.ImageSize, preprocess.ImageSize)
	}
	n := int64(1)
	for _, d := range metadata.OutputShape {
		n *= d
	}
	if len(metadata.OutputShape) == 0 || n != 1 {
		return Metadata{}, fmt.Errorf("%w: output shape %v must hold a single value", ErrModelLoad, metadata.OutputShape)
	}
	return metadata, nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NewONNX opens modelPath with the onnxruntime shared library at libPath, or
// the platform default when libPath is empty.
func NewONNX(modelPath, metadataPath, libPath string) (*ONNX, error) {
	metadata, err := ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelLoad, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", ErrModelLoad, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", ErrModelLoad, err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrModelLoad, err)
	}

	log.Info().Str("path", modelPath).Ints64("input_shape", metadata.InputShape).
		Strs("classes", metadata.Classes).Msg("ONNX model loaded")
	return &ONNX{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *ONNX) Predict(ctx context.Context, sample preprocess.Sample) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := sample.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.inputTensor.GetData(), sample)
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	return s.outputTensor.GetData()[0], nil
}

func (s *ONNX) Backend() string { return "onnx" }

func (s *ONNX) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}
