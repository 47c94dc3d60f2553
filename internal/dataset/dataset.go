// Package dataset loads a directory of labeled images: one subdirectory per
// class, the subdirectory name being the label.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/waste-api/internal/imaging"
)

var (
	ErrNoClasses = errors.New("dataset has no class directories")
	ErrNoImages  = errors.New("class has no usable images")
)

// Sample is one preprocessed example.
type Sample struct {
	Path   string
	Label  int
	Tensor []float32
}

type Dataset struct {
	// Classes are sorted by name; a sample's Label indexes into it.
	Classes []string
	Samples []Sample
	// Skipped lists files that exist but could not be decoded.
	Skipped []string
}

// Load reads every class directory under root and preprocesses each image
// with tr. Unreadable files are skipped; a class left empty is an error.
func Load(ctx context.Context, root string, tr imaging.Transform, logger *zap.Logger) (*Dataset, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dataset directory: %w", err)
	}

	ds := &Dataset{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ds.Classes = append(ds.Classes, e.Name())
		}
	}
	if len(ds.Classes) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoClasses)
	}
	sort.Strings(ds.Classes)

	for label, class := range ds.Classes {
		classDir := filepath.Join(root, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("read class %q: %w", class, err)
		}

		usable := 0
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			path := filepath.Join(classDir, f.Name())
			img, _, err := imaging.DecodeFile(path, imaging.DefaultMaxPixels)
			if err != nil {
				logger.Warn("skipping unreadable image", zap.String("path", path), zap.Error(err))
				ds.Skipped = append(ds.Skipped, path)
				continue
			}
			tensor, err := tr.Apply(img)
			if err != nil {
				return nil, fmt.Errorf("preprocess %s: %w", path, err)
			}
			ds.Samples = append(ds.Samples, Sample{Path: path, Label: label, Tensor: tensor})
			usable++
		}
		if usable == 0 {
			return nil, fmt.Errorf("%q: %w", class, ErrNoImages)
		}
		logger.Info("loaded class", zap.String("class", class), zap.Int("label", label), zap.Int("images", usable))
	}
	return ds, nil
}

// Split shuffles each class with seed and moves validationFraction of it
// (rounded down) into the validation set, so every class keeps at least one
// training example.
func (ds *Dataset) Split(validationFraction float64, seed int64) (train, validation []Sample) {
	rng := rand.New(rand.NewSource(seed))

	byClass := make([][]Sample, len(ds.Classes))
	for _, s := range ds.Samples {
		byClass[s.Label] = append(byClass[s.Label], s)
	}
	for _, samples := range byClass {
		rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
		nVal := int(float64(len(samples)) * validationFraction)
		if nVal >= len(samples) {
			nVal = len(samples) - 1
		}
		validation = append(validation, samples[:nVal]...)
		train = append(train, samples[nVal:]...)
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	return train, validation
}

// Counts returns the number of samples per class, indexed like Classes.
func (ds *Dataset) Counts() []int {
	counts := make([]int, len(ds.Classes))
	for _, s := range ds.Samples {
		counts[s.Label]++
	}
	return counts
}
