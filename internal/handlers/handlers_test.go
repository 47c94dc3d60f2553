package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Brownie44l1/waste-api/internal/guidance"
	"github.com/Brownie44l1/waste-api/internal/imaging/imagetest"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/store"
	"github.com/Brownie44l1/waste-api/internal/tempfile"
)

var classes = []string{"hazardous", "organic", "recyclable"}

type countingScorer struct {
	mu    sync.Mutex
	out   []float32
	err   error
	calls int
}

func (s *countingScorer) Score([]float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.out, s.err
}

func (s *countingScorer) Close() error { return nil }

func (s *countingScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	handler http.Handler
	scorer  *countingScorer
	tempDir string
}

func defaultOptions() Options {
	return Options{
		UploadField:       "file",
		MaxUploadBytes:    1 << 20,
		AllowedOrigins:    []string{"*"},
		IncludeConfidence: true,
	}
}

func newFixture(t *testing.T, opts Options, history History) *fixture {
	t.Helper()
	scorer := &countingScorer{out: []float32{0.1, 0.7, 0.2}}
	srv, err := model.New(model.Metadata{Classes: classes, ImageSize: 8}, scorer)
	require.NoError(t, err)

	tempDir := filepath.Join(t.TempDir(), "uploads")
	tf, err := tempfile.NewTempFiles(tempDir)
	require.NoError(t, err)

	h, err := NewHandler(srv, tf, guidance.NewCatalog(nil), history, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{handler: h.Routes(), scorer: scorer, tempDir: tempDir}
}

func (f *fixture) tempEntries(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	return len(entries)
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "from the kitchen"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, field string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, field, "banana.png", data)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func greenPNG(t *testing.T) []byte {
	return imagetest.SolidPNG(t, color.RGBA{G: 180, A: 255}, 30, 20)
}

func TestPredict(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)

	rec := f.upload(t, "file", greenPNG(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	require.Equal(t, "organic", body["prediction"])
	require.InDelta(t, 0.7, body["confidence"], 1e-6)
	require.NotContains(t, body, "predictions")
	require.NotContains(t, body, "bin")
	require.Equal(t, 0, f.tempEntries(t))
}

func TestPredictMissingField(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)

	rec := f.upload(t, "image", greenPNG(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "No file provided")
	require.Zero(t, f.scorer.Calls())
	require.Equal(t, 0, f.tempEntries(t))
}

func TestPredictNotMultipart(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString(`{"image": []}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, f.scorer.Calls())
}

func TestPredictCorruptImage(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)

	rec := f.upload(t, "file", []byte("definitely not a png"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "Invalid image format")
	require.Zero(t, f.scorer.Calls())
	require.Equal(t, 0, f.tempEntries(t), "upload removed after a decode failure")
}

func TestPredictOversizedHeader(t *testing.T) {
	opts := defaultOptions()
	opts.MaxPixels = 1_000_000
	f := newFixture(t, opts, nil)

	// a few dozen bytes on the wire declaring a 50000x50000 image
	rec := f.upload(t, "file", imagetest.HeaderOnlyPNG(t, 50000, 50000))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "Image dimensions too large")
	require.Zero(t, f.scorer.Calls())
	require.Equal(t, 0, f.tempEntries(t))

	rec = f.upload(t, "file", greenPNG(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPredictScorerFailure(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	f.scorer.err = errors.New("out of memory")

	rec := f.upload(t, "file", greenPNG(t))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Prediction failed", decode(t, rec)["error"])
	require.Equal(t, 0, f.tempEntries(t))

	// the server keeps serving
	f.scorer.err = nil
	rec = f.upload(t, "file", greenPNG(t))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictTooLarge(t *testing.T) {
	opts := defaultOptions()
	opts.MaxUploadBytes = 64
	f := newFixture(t, opts, nil)

	rec := f.upload(t, "file", bytes.Repeat([]byte{0xff}, 4096))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Zero(t, f.scorer.Calls())
	require.Equal(t, 0, f.tempEntries(t))
}

func TestPredictIsIdempotent(t *testing.T) {
	for _, cacheSize := range []int{0, 8} {
		opts := defaultOptions()
		opts.CacheSize = cacheSize
		f := newFixture(t, opts, nil)

		img := greenPNG(t)
		first := f.upload(t, "file", img)
		second := f.upload(t, "file", img)
		require.Equal(t, http.StatusOK, first.Code)
		require.Equal(t, first.Body.String(), second.Body.String())

		if cacheSize > 0 {
			require.Equal(t, 1, f.scorer.Calls(), "second request served from cache")
		} else {
			require.Equal(t, 2, f.scorer.Calls())
		}
	}
}

func TestPredictResponseShape(t *testing.T) {
	opts := defaultOptions()
	opts.IncludeConfidence = false
	f := newFixture(t, opts, nil)
	body := decode(t, f.upload(t, "file", greenPNG(t)))
	require.Equal(t, map[string]any{"prediction": "organic"}, body)

	opts = defaultOptions()
	opts.UploadField = "image"
	opts.IncludeDistribution = true
	opts.IncludeGuidance = true
	f = newFixture(t, opts, nil)
	body = decode(t, f.upload(t, "image", greenPNG(t)))
	require.Equal(t, "organic", body["prediction"])
	require.Equal(t, "Green Bin", body["bin"])
	require.Equal(t, "Organic Waste", body["display_name"])
	require.NotEmpty(t, body["tips"])

	dist, ok := body["predictions"].(map[string]any)
	require.True(t, ok)
	require.Len(t, dist, 3)
	require.InDelta(t, 0.2, dist["recyclable"], 1e-6)
}

func TestHealthAndLabels(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"serving","classes":3}`, rec.Body.String())

	rec = f.get(t, "/labels")
	require.JSONEq(t, `{"labels":["hazardous","organic","recyclable"]}`, rec.Body.String())

	rec = f.get(t, "/nowhere")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	opts := defaultOptions()
	opts.AllowedOrigins = []string{"http://localhost:3000"}
	f := newFixture(t, opts, nil)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHistory(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "waste.db"))
	require.NoError(t, err)
	defer st.Close()

	f := newFixture(t, defaultOptions(), st)
	require.Equal(t, http.StatusOK, f.upload(t, "file", greenPNG(t)).Code)
	require.Equal(t, http.StatusBadRequest, f.upload(t, "file", []byte("junk")).Code)

	rec := f.get(t, "/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Predictions []store.Prediction `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Predictions, 1)
	require.Equal(t, "organic", body.Predictions[0].Label)
	require.Equal(t, "banana.png", body.Predictions[0].Filename)
	require.Len(t, body.Predictions[0].ImageSHA256, 64)

	require.Equal(t, http.StatusBadRequest, f.get(t, "/history?limit=0").Code)
}

func TestTrainingRuns(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "waste.db"))
	require.NoError(t, err)
	defer st.Close()

	f := newFixture(t, defaultOptions(), st)
	rec := f.get(t, "/training-runs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	for _, id := range []string{"run-a", "run-b"} {
		require.NoError(t, st.RecordTrainingRun(store.TrainingRun{
			RunID:       id,
			Classes:     classes,
			Epochs:      10,
			ValAccuracy: 0.8,
		}))
	}

	rec = f.get(t, "/training-runs?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []store.TrainingRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "run-b", body.Runs[0].RunID)
	require.Equal(t, classes, body.Runs[0].Classes)

	require.Equal(t, http.StatusBadRequest, f.get(t, "/training-runs?limit=9999").Code)
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	require.Equal(t, http.StatusNotFound, f.get(t, "/history").Code)
	require.Equal(t, http.StatusNotFound, f.get(t, "/training-runs").Code)
}

func TestNewHandlerValidates(t *testing.T) {
	srv, err := model.New(model.Metadata{Classes: classes, ImageSize: 8}, &countingScorer{})
	require.NoError(t, err)
	opts := defaultOptions()
	opts.UploadField = ""
	_, err = NewHandler(srv, nil, nil, nil, opts, zaptest.NewLogger(t))
	require.Error(t, err)
}
