package train

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Brownie44l1/waste-api/internal/dataset"
	"github.com/Brownie44l1/waste-api/internal/imaging/imagetest"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/store"
)

type recorder struct {
	runs []store.TrainingRun
}

func (r *recorder) RecordTrainingRun(run store.TrainingRun) error {
	r.runs = append(r.runs, run)
	return nil
}

func testOptions(dataDir, out string) Options {
	return Options{
		DataDir:         dataDir,
		OutputPath:      out,
		ImageSize:       12,
		BatchSize:       4,
		Epochs:          20,
		ValidationSplit: 0.2,
		LearningRate:    0.01,
		Seed:            42,
		Conv1Filters:    4,
		Conv2Filters:    4,
		HiddenUnits:     8,
	}
}

// writeColours creates two classes: "A" in shades of red, "B" in shades of blue.
func writeColours(t *testing.T, root string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		shade := uint8(200 + 5*i)
		imagetest.WriteSolidPNG(t, filepath.Join(root, "A", fmt.Sprintf("a%02d.png", i)),
			color.RGBA{R: shade, A: 255}, 20, 16)
		imagetest.WriteSolidPNG(t, filepath.Join(root, "B", fmt.Sprintf("b%02d.png", i)),
			color.RGBA{B: shade, A: 255}, 16, 20)
	}
}

func TestTrainThenPredict(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "dataset")
	out := filepath.Join(dir, "models", "waste_classifier.json")
	writeColours(t, data, 10)

	rec := &recorder{}
	report, err := NewTrainer(zaptest.NewLogger(t), rec).Train(context.Background(), testOptions(data, out))
	require.NoError(t, err)

	require.Equal(t, []string{"A", "B"}, report.Classes)
	require.Equal(t, map[string]int{"A": 10, "B": 10}, report.Counts)
	require.Equal(t, 16, report.TrainSamples)
	require.Equal(t, 4, report.ValidationSamples)
	require.Len(t, report.History, 20)
	require.NotEmpty(t, report.RunID)

	require.Len(t, rec.runs, 1)
	require.Equal(t, report.RunID, rec.runs[0].RunID)
	require.Equal(t, out, rec.runs[0].ArtifactPath)

	s, err := model.NewServer(model.Options{Path: out, Labels: []string{"A", "B"}})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, "nearest", s.Metadata.Interpolation)
	require.Equal(t, report.RunID, s.Metadata.Training.RunID)

	heldOut := imagetest.Solid(color.RGBA{R: 230, G: 10, A: 255}, 25, 25)
	p, err := s.PredictImage(heldOut)
	require.NoError(t, err)
	require.Equal(t, "A", p.Label)
	require.Greater(t, p.Confidence, float32(0.5))
}

func TestTrainOverwritesArtifact(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "dataset")
	out := filepath.Join(dir, "model.json")
	writeColours(t, data, 3)
	require.NoError(t, os.WriteFile(out, []byte("old"), 0o644))

	opts := testOptions(data, out)
	opts.Epochs = 1
	_, err := NewTrainer(zaptest.NewLogger(t), nil).Train(context.Background(), opts)
	require.NoError(t, err)

	_, err = model.LoadArtifact(out)
	require.NoError(t, err)
}

func TestTrainMissingDataDir(t *testing.T) {
	dir := t.TempDir()
	_, err := NewTrainer(zaptest.NewLogger(t), nil).Train(context.Background(),
		testOptions(filepath.Join(dir, "nope"), filepath.Join(dir, "m.json")))
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, err = os.Stat(filepath.Join(dir, "m.json"))
	require.True(t, errors.Is(err, os.ErrNotExist), "no artifact on failure")
}

func TestTrainEmptyDataDir(t *testing.T) {
	dir := t.TempDir()
	_, err := NewTrainer(zaptest.NewLogger(t), nil).Train(context.Background(),
		testOptions(dir, filepath.Join(t.TempDir(), "m.json")))
	require.ErrorIs(t, err, dataset.ErrNoClasses)
}

func TestTrainUnwritableOutput(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "dataset")
	writeColours(t, data, 2)
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	opts := testOptions(data, filepath.Join(blocker, "m.json"))
	opts.Epochs = 1
	_, err := NewTrainer(zaptest.NewLogger(t), nil).Train(context.Background(), opts)
	require.Error(t, err)
}

func TestTrainCancelled(t *testing.T) {
	dir := t.TempDir()
	writeColours(t, dir, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTrainer(zaptest.NewLogger(t), nil).Train(ctx, testOptions(dir, filepath.Join(t.TempDir(), "m.json")))
	require.ErrorIs(t, err, context.Canceled)
}

func TestOptionsValidate(t *testing.T) {
	opts := testOptions("data", "out.json")
	require.NoError(t, opts.validate())

	opts.ValidationSplit = 1
	opts.Epochs = 0
	require.Error(t, opts.validate())
}
