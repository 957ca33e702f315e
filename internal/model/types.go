package model

import "github.com/Brownie44l1/cxr-api/internal/nn"

const (
	LabelPneumonia = "Pneumonia"
	LabelNormal    = "Normal"

	// Threshold separates the two labels. An output equal to it is Normal.
	Threshold = nn.Threshold
)

// Metadata describes an exported ONNX model.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// PredictionRequest carries an already normalized sample.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Prediction struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	RawOutput  float64 `json:"raw_output"`
}

// Decide maps the sigmoid output of the classifier to a label and a
// percentage confidence in that label.
func Decide(output float32) Prediction {
	p := float64(output)
	if p > Threshold {
		return Prediction{Prediction: LabelPneumonia, Confidence: p * 100, RawOutput: p}
	}
	return Prediction{Prediction: LabelNormal, Confidence: (1 - p) * 100, RawOutput: p}
}
