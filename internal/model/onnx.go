package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// onnxScorer runs a graph exported from another framework. The input and
// output tensors are bound to the session once, so Run calls are serialized.
type onnxScorer struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func loadONNX(modelPath, metadataPath, libraryPath string) (Scorer, Metadata, error) {
	if metadataPath == "" {
		return nil, Metadata{}, errors.New("onnx backend needs a metadata file")
	}
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := checkONNXShapes(metadata); err != nil {
		return nil, Metadata{}, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to open onnx model: %w", err)
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, Metadata{}, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, Metadata{}, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{orDefault(metadata.InputName, "input")}, []string{orDefault(metadata.OutputName, "output")},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, Metadata{}, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxScorer{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, metadata, nil
}

// checkONNXShapes makes sure a request tensor fits the bound input and that
// the output holds one score per class.
func checkONNXShapes(m Metadata) error {
	if len(m.InputShape) == 0 || len(m.OutputShape) == 0 {
		return fmt.Errorf("%w: metadata needs input_shape and output_shape", ErrShapeMismatch)
	}
	if got, want := product(m.InputShape), int64(m.Transform().TensorLen()); got != want {
		return fmt.Errorf("%w: input shape %v holds %d values, image size %d needs %d",
			ErrShapeMismatch, m.InputShape, got, m.ImageSize, want)
	}
	if got := product(m.OutputShape); got != int64(len(m.Classes)) {
		return fmt.Errorf("%w: output shape %v for %d classes", ErrShapeMismatch, m.OutputShape, len(m.Classes))
	}
	return nil
}

func product(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (s *onnxScorer) Score(input []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	out := s.outputTensor.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

// Close releases the session. The ONNX environment itself is process-wide
// and torn down by the process exiting.
func (s *onnxScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
		s.session = nil
	}
	if s.inputTensor != nil {
		errs = append(errs, s.inputTensor.Destroy())
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		errs = append(errs, s.outputTensor.Destroy())
		s.outputTensor = nil
	}
	return errors.Join(errs...)
}
