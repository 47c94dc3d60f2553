package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/Brownie44l1/waste-api/internal/guidance"
	"github.com/Brownie44l1/waste-api/internal/imaging"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/store"
	"github.com/Brownie44l1/waste-api/internal/tempfile"
	"github.com/Brownie44l1/waste-api/internal/www"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500

	// room for multipart headers and small form fields next to the image
	formOverhead = 1 << 16
)

// History is the prediction and training log. *store.Store satisfies it.
type History interface {
	RecordPrediction(store.Prediction) error
	RecentPredictions(limit int) ([]store.Prediction, error)
	TrainingRuns(limit int) ([]store.TrainingRun, error)
}

type Options struct {
	UploadField         string
	MaxUploadBytes      int64
	MaxPixels           int // decode budget; zero means imaging.DefaultMaxPixels
	CacheSize           int
	AllowedOrigins      []string
	IncludeConfidence   bool
	IncludeDistribution bool
	IncludeGuidance     bool
}

type Handler struct {
	modelServer *model.Server
	tempFiles   *tempfile.TempFiles
	catalog     *guidance.Catalog
	history     History
	cache       *lru.Cache[string, *model.Prediction]
	opts        Options
	logger      *zap.Logger
}

// NewHandler wires the predictor. history may be nil, which disables
// GET /history, GET /training-runs and prediction logging.
func NewHandler(modelServer *model.Server, tempFiles *tempfile.TempFiles, catalog *guidance.Catalog,
	history History, opts Options, logger *zap.Logger) (*Handler, error) {
	if opts.UploadField == "" {
		return nil, errors.New("upload field name is required")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, errors.New("max upload size must be positive")
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = imaging.DefaultMaxPixels
	}
	h := &Handler{
		modelServer: modelServer,
		tempFiles:   tempFiles,
		catalog:     catalog,
		history:     history,
		opts:        opts,
		logger:      logger,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *model.Prediction](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create prediction cache: %w", err)
		}
		h.cache = cache
	}
	return h, nil
}

// Routes returns the full HTTP surface with CORS applied.
func (h *Handler) Routes() http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		www.SendError(w, "Not Found", http.StatusNotFound)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		www.SendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	www.Handle(h.logger, router, http.MethodGet, "/health", h.Health)
	www.Handle(h.logger, router, http.MethodGet, "/labels", h.Labels)
	www.Handle(h.logger, router, http.MethodPost, "/predict", h.Predict)
	www.Handle(h.logger, router, http.MethodGet, "/history", h.History)
	www.Handle(h.logger, router, http.MethodGet, "/training-runs", h.TrainingRuns)

	return enableCORS(h.opts.AllowedOrigins, router)
}

func enableCORS(allowed []string, next http.Handler) http.Handler {
	anyOrigin := false
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		origins[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if anyOrigin {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	www.SendJSON(w, map[string]any{
		"status":  "serving",
		"classes": len(h.modelServer.Metadata.Classes),
	})
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	www.SendJSON(w, map[string][]string{"labels": h.modelServer.Classes()})
}

// PredictResponse is the body of a successful POST /predict. Only
// Prediction is always present; the rest depend on Options.
type PredictResponse struct {
	Prediction  string             `json:"prediction"`
	Confidence  *float32           `json:"confidence,omitempty"`
	Predictions map[string]float32 `json:"predictions,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	Bin         string             `json:"bin,omitempty"`
	Color       string             `json:"color,omitempty"`
	Tips        []string           `json:"tips,omitempty"`
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := h.logger.With(zap.String("request_id", requestID))

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+formOverhead)
	upload, filename := h.receiveUpload(r)
	defer func() {
		if err := upload.Remove(); err != nil {
			logger.Warn("failed to remove upload", zap.String("path", upload.Path), zap.Error(err))
		}
	}()

	logger.Info("received file", zap.String("filename", filename), zap.Int64("size", upload.Size))

	result, cached := h.lookupCache(upload.SHA256)
	if !cached {
		img, format, err := imaging.DecodeFile(upload.Path, h.opts.MaxPixels)
		if err != nil {
			if errors.Is(err, imaging.ErrTooManyPixels) {
				logger.Info("rejected oversized image", zap.Error(err))
				www.PanicBadRequestf("Image dimensions too large, limit is %d pixels", h.opts.MaxPixels)
			}
			if errors.Is(err, imaging.ErrDecode) {
				www.PanicBadRequestf("Invalid image format. Supported: JPEG, PNG, GIF, BMP, WebP")
			}
			www.PanicServerErrorf("Failed to read upload")
		}
		logger.Debug("decoded image", zap.String("format", format),
			zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))

		result, err = h.modelServer.PredictImage(img)
		if err != nil {
			logger.Error("prediction failed", zap.Error(err))
			www.PanicServerErrorf("Prediction failed")
		}
		if h.cache != nil {
			h.cache.Add(upload.SHA256, result)
		}
	}

	if h.history != nil {
		err := h.history.RecordPrediction(store.Prediction{
			RequestID:   requestID,
			Label:       result.Label,
			Confidence:  float64(result.Confidence),
			ImageSHA256: upload.SHA256,
			Filename:    filename,
			Cached:      cached,
		})
		if err != nil {
			logger.Warn("failed to record prediction", zap.Error(err))
		}
	}

	logger.Info("prediction",
		zap.String("label", result.Label),
		zap.Float32("confidence", result.Confidence),
		zap.Bool("cached", cached),
		zap.Duration("latency", time.Since(start)))

	www.SendJSON(w, h.response(result))
}

// receiveUpload streams the multipart body until it finds the configured
// field and spools that part to a temp file. The caller must Remove it.
func (h *Handler) receiveUpload(r *http.Request) (*tempfile.File, string) {
	mr, err := r.MultipartReader()
	if err != nil {
		www.PanicBadRequestf("No file provided. Use '%v' as the form field name", h.opts.UploadField)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			www.PanicBadRequestf("No file provided. Use '%v' as the form field name", h.opts.UploadField)
		}
		if err != nil {
			h.uploadError(err)
		}
		if part.FormName() != h.opts.UploadField {
			part.Close()
			continue
		}

		upload, err := h.tempFiles.Spool(part, h.opts.MaxUploadBytes)
		part.Close()
		if err != nil {
			h.uploadError(err)
		}
		return upload, part.FileName()
	}
}

func (h *Handler) uploadError(err error) {
	var maxErr *http.MaxBytesError
	if errors.Is(err, tempfile.ErrTooLarge) || errors.As(err, &maxErr) {
		www.Panic(http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large, limit is %d bytes", h.opts.MaxUploadBytes))
	}
	www.PanicBadRequestf("Malformed upload: %v", err)
}

func (h *Handler) lookupCache(sum string) (*model.Prediction, bool) {
	if h.cache == nil {
		return nil, false
	}
	return h.cache.Get(sum)
}

func (h *Handler) response(p *model.Prediction) PredictResponse {
	resp := PredictResponse{Prediction: p.Label}
	if h.opts.IncludeConfidence {
		c := p.Confidence
		resp.Confidence = &c
	}
	if h.opts.IncludeDistribution {
		resp.Predictions = p.Distribution
	}
	if h.opts.IncludeGuidance && h.catalog != nil {
		g := h.catalog.Lookup(p.Label)
		resp.DisplayName = g.DisplayName
		resp.Bin = g.Bin
		resp.Color = g.Color
		resp.Tips = g.Tips
	}
	return resp
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := h.historyLimit(r)
	predictions, err := h.history.RecentPredictions(limit)
	if err != nil {
		h.logger.Error("failed to read history", zap.Error(err))
		www.PanicServerErrorf("Failed to read history")
	}
	www.SendJSON(w, map[string]any{"predictions": predictions})
}

func (h *Handler) TrainingRuns(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := h.historyLimit(r)
	runs, err := h.history.TrainingRuns(limit)
	if err != nil {
		h.logger.Error("failed to read training runs", zap.Error(err))
		www.PanicServerErrorf("Failed to read training runs")
	}
	www.SendJSON(w, map[string]any{"runs": runs})
}

// historyLimit answers 404 when no store is configured and validates ?limit.
func (h *Handler) historyLimit(r *http.Request) int {
	if h.history == nil {
		www.PanicNotFound()
	}
	limit := www.QueryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		www.PanicBadRequestf("limit must be between 1 and %d", maxHistoryLimit)
	}
	return limit
}
