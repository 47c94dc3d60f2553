package model

import (
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/chewxy/math32"

	"github.com/Brownie44l1/waste-api/internal/convnet"
)

// ErrLabelMismatch is returned when the configured label list differs from
// the one the model was trained with.
var ErrLabelMismatch = errors.New("configured labels do not match the model")

// Scorer maps a preprocessed tensor to one score per class.
type Scorer interface {
	Score(input []float32) ([]float32, error)
	Close() error
}

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

type Options struct {
	Backend string
	Path    string

	// ONNX backend only.
	MetadataPath string
	OnnxLibrary  string

	// Labels, if non-empty, must equal the model's label list.
	Labels []string
}

// Server owns a loaded scoring function. It is read-only after NewServer and
// safe for concurrent use.
type Server struct {
	scorer   Scorer
	Metadata Metadata
}

// NewServer loads the model named by opts. Any failure here is meant to
// stop the process before it starts listening.
func NewServer(opts Options) (*Server, error) {
	var (
		scorer Scorer
		meta   Metadata
		err    error
	)
	switch opts.Backend {
	case BackendNative, "":
		scorer, meta, err = loadNative(opts.Path)
	case BackendONNX:
		scorer, meta, err = loadONNX(opts.Path, opts.MetadataPath, opts.OnnxLibrary)
	default:
		return nil, fmt.Errorf("unknown model backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	s, err := New(meta, scorer)
	if err != nil {
		scorer.Close()
		return nil, err
	}
	if len(opts.Labels) > 0 && !slices.Equal(opts.Labels, meta.Classes) {
		scorer.Close()
		return nil, fmt.Errorf("%w: configured %v, model has %v", ErrLabelMismatch, opts.Labels, meta.Classes)
	}
	return s, nil
}

// New wraps an already loaded scorer.
func New(meta Metadata, scorer Scorer) (*Server, error) {
	if len(meta.Classes) == 0 {
		return nil, errors.New("model metadata lists no classes")
	}
	if err := meta.Transform().Validate(); err != nil {
		return nil, fmt.Errorf("model metadata: %w", err)
	}
	return &Server{scorer: scorer, Metadata: meta}, nil
}

func (s *Server) Classes() []string {
	return slices.Clone(s.Metadata.Classes)
}

// PredictImage applies the model's preprocessing to img and predicts.
func (s *Server) PredictImage(img image.Image) (*Prediction, error) {
	input, err := s.Metadata.Transform().Apply(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing failed: %w", err)
	}
	return s.Predict(input)
}

// Predict scores a preprocessed tensor and returns the most likely class.
// Ties go to the lowest class index.
func (s *Server) Predict(inputData []float32) (*Prediction, error) {
	if want := s.Metadata.Transform().TensorLen(); len(inputData) != want {
		return nil, fmt.Errorf("%w: input has %d values, want %d", ErrShapeMismatch, len(inputData), want)
	}

	outputData, err := s.scorer.Score(inputData)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(outputData) != len(s.Metadata.Classes) {
		return nil, fmt.Errorf("%w: %d scores for %d classes", ErrShapeMismatch, len(outputData), len(s.Metadata.Classes))
	}
	if !isDistribution(outputData) {
		outputData = softmax(outputData)
	}

	maxIdx := 0
	maxVal := outputData[0]
	predictions := make(map[string]float32, len(outputData))

	for i, val := range outputData {
		if math32.IsNaN(val) {
			return nil, errors.New("inference produced NaN")
		}
		predictions[s.Metadata.Classes[i]] = val
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	return &Prediction{
		Label:        s.Metadata.Classes[maxIdx],
		Index:        maxIdx,
		Confidence:   min(max(maxVal, 0), 1),
		Distribution: predictions,
	}, nil
}

func (s *Server) Close() error {
	if s.scorer == nil {
		return nil
	}
	return s.scorer.Close()
}

// nativeScorer runs a convnet trained by this repository. Predict allocates
// its activations per call, so no locking is needed.
type nativeScorer struct {
	net *convnet.Network
}

func (n nativeScorer) Score(input []float32) ([]float32, error) {
	return n.net.Predict(input)
}

func (nativeScorer) Close() error { return nil }

func loadNative(path string) (Scorer, Metadata, error) {
	a, err := LoadArtifact(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	return nativeScorer{net: a.Network}, a.Metadata, nil
}

// isDistribution reports whether v already looks like softmax output.
// ONNX exports may end in raw logits instead.
func isDistribution(v []float32) bool {
	var sum float32
	for _, x := range v {
		if x < 0 || x > 1 {
			return false
		}
		sum += x
	}
	return math32.Abs(sum-1) < 1e-3
}

func softmax(logits []float32) []float32 {
	maxV := logits[0]
	for _, v := range logits[1:] {
		maxV = math32.Max(maxV, v)
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
