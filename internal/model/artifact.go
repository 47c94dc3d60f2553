package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/waste-api/internal/convnet"
	"github.com/Brownie44l1/waste-api/internal/imaging"
)

const (
	artifactFormat  = "waste-classifier"
	artifactVersion = 1
)

// ErrShapeMismatch is returned when metadata, weights and tensors disagree
// about sizes.
var ErrShapeMismatch = errors.New("model shape mismatch")

// Artifact is the file the trainer writes and the native backend loads.
type Artifact struct {
	Format   string           `json:"format"`
	Version  int              `json:"version"`
	Metadata Metadata         `json:"metadata"`
	Network  *convnet.Network `json:"network"`
}

// NewArtifact fills in the shapes and format fields from the network.
func NewArtifact(net *convnet.Network, meta Metadata) *Artifact {
	arch := net.Architecture()
	meta.ImageSize = arch.InputSize
	meta.Layout = imaging.LayoutCHW
	meta.InputShape = []int64{1, int64(arch.Channels), int64(arch.InputSize), int64(arch.InputSize)}
	meta.OutputShape = []int64{1, int64(arch.Classes)}
	return &Artifact{
		Format:   artifactFormat,
		Version:  artifactVersion,
		Metadata: meta,
		Network:  net,
	}
}

func (a *Artifact) validate() error {
	if a.Format != artifactFormat {
		return fmt.Errorf("unexpected artifact format %q", a.Format)
	}
	if a.Version != artifactVersion {
		return fmt.Errorf("unsupported artifact version %d", a.Version)
	}
	if a.Network == nil {
		return errors.New("artifact has no network")
	}
	arch := a.Network.Architecture()
	m := a.Metadata
	if len(m.Classes) == 0 {
		return errors.New("artifact has no classes")
	}
	if len(m.Classes) != arch.Classes {
		return fmt.Errorf("%w: %d labels for %d outputs", ErrShapeMismatch, len(m.Classes), arch.Classes)
	}
	if m.ImageSize != arch.InputSize {
		return fmt.Errorf("%w: image size %d, network input %d", ErrShapeMismatch, m.ImageSize, arch.InputSize)
	}
	if m.Layout != "" && m.Layout != imaging.LayoutCHW {
		return fmt.Errorf("%w: native network needs %s layout, got %s", ErrShapeMismatch, imaging.LayoutCHW, m.Layout)
	}
	return m.Transform().Validate()
}

// SaveArtifact writes a to path, replacing any previous file. The data goes
// to a temp file in the same directory first so readers never see a
// partial artifact.
func SaveArtifact(path string, a *Artifact) error {
	if err := a.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse artifact %s: %w", path, err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact %s: %w", path, err)
	}
	return &a, nil
}
