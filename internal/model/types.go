package model

import (
	"time"

	"github.com/Brownie44l1/waste-api/internal/convnet"
	"github.com/Brownie44l1/waste-api/internal/imaging"
)

// Metadata describes how a scoring function must be fed and read.
type Metadata struct {
	InputShape    []int64        `json:"input_shape"`
	OutputShape   []int64        `json:"output_shape"`
	Classes       []string       `json:"classes"`
	ImageSize     int            `json:"image_size"`
	Interpolation string         `json:"interpolation,omitempty"`
	Layout        imaging.Layout `json:"layout,omitempty"`

	// ONNX graphs only. Empty means "input" / "output".
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`

	Training  *TrainingSummary `json:"training,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Transform is the preprocessing a request image must go through.
func (m Metadata) Transform() imaging.Transform {
	return imaging.Transform{
		Size:          m.ImageSize,
		Interpolation: m.Interpolation,
		Layout:        m.Layout,
	}
}

// TrainingSummary is recorded by the trainer alongside the weights.
type TrainingSummary struct {
	RunID             string               `json:"run_id"`
	DataDir           string               `json:"data_dir"`
	Epochs            int                  `json:"epochs"`
	BatchSize         int                  `json:"batch_size"`
	LearningRate      float64              `json:"learning_rate"`
	Seed              int64                `json:"seed"`
	TrainSamples      int                  `json:"train_samples"`
	ValidationSamples int                  `json:"validation_samples"`
	History           []convnet.EpochStats `json:"history"`
}

// Final returns the stats of the last epoch, or zero stats if none ran.
func (s *TrainingSummary) Final() convnet.EpochStats {
	if s == nil || len(s.History) == 0 {
		return convnet.EpochStats{}
	}
	return s.History[len(s.History)-1]
}

// Prediction is the arg-max of one scoring call.
type Prediction struct {
	Label        string             `json:"label"`
	Index        int                `json:"index"`
	Confidence   float32            `json:"confidence"`
	Distribution map[string]float32 `json:"distribution"`
}
