package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/waste-api/internal/guidance"
	"github.com/Brownie44l1/waste-api/internal/logging"
)

type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Model    ModelConfig      `yaml:"model"`
	Response ResponseConfig   `yaml:"response"`
	Train    TrainConfig      `yaml:"train"`
	Database DatabaseConfig   `yaml:"database"`
	Cache    CacheConfig      `yaml:"cache"`
	Log      logging.Options  `yaml:"log"`
	Guidance []guidance.Entry `yaml:"guidance"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	UploadField     string        `yaml:"upload_field"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	MaxPixels       int           `yaml:"max_pixels"`
	TempDir         string        `yaml:"temp_dir"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type ModelConfig struct {
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"` // native or onnx

	// ONNX only: the metadata JSON that accompanies the .onnx file, and
	// the onnxruntime shared library location.
	MetadataPath string `yaml:"metadata_path"`
	OnnxLibrary  string `yaml:"onnx_library"`

	// Labels, when set, must equal the label list stored in the artifact.
	Labels []string `yaml:"labels"`
}

// ResponseConfig selects the response shape of /predict.
type ResponseConfig struct {
	IncludeConfidence   bool `yaml:"include_confidence"`
	IncludeDistribution bool `yaml:"include_distribution"`
	IncludeGuidance     bool `yaml:"include_guidance"`
}

type TrainConfig struct {
	DataDir         string  `yaml:"data_dir"`
	ImageSize       int     `yaml:"image_size"`
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	ValidationSplit float64 `yaml:"validation_split"`
	LearningRate    float64 `yaml:"learning_rate"`
	Seed            int64   `yaml:"seed"`
	Interpolation   string  `yaml:"interpolation"`
	Conv1Filters    int     `yaml:"conv1_filters"`
	Conv2Filters    int     `yaml:"conv2_filters"`
	HiddenUnits     int     `yaml:"hidden_units"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables the prediction and training log
}

type CacheConfig struct {
	Size int `yaml:"size"` // zero disables the prediction cache
}

// Default returns the built-in configuration: 32-image batches, 10 epochs,
// an 80/20 split and the "file" upload field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			UploadField:     "file",
			MaxUploadMB:     10,
			MaxPixels:       40_000_000,
			TempDir:         "tmp/uploads",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Model: ModelConfig{
			Path:    "models/waste_classifier.json",
			Backend: "native",
		},
		Response: ResponseConfig{
			IncludeConfidence: true,
		},
		Train: TrainConfig{
			DataDir:         "dataset",
			ImageSize:       64,
			BatchSize:       32,
			Epochs:          10,
			ValidationSplit: 0.2,
			LearningRate:    0.001,
			Seed:            42,
			Interpolation:   "nearest",
			Conv1Filters:    8,
			Conv2Filters:    16,
			HiddenUnits:     32,
		},
		Database: DatabaseConfig{
			Path: "data/waste.db",
		},
		Cache: CacheConfig{
			Size: 256,
		},
		Log: logging.Options{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path on top of Default, then applies .env and
// WASTE_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WASTE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WASTE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("WASTE_MODEL_PATH"); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv("WASTE_DATA_DIR"); v != "" {
		c.Train.DataDir = v
	}
	if v, ok := os.LookupEnv("WASTE_DB_PATH"); ok {
		c.Database.Path = v
	}
	if v := os.Getenv("WASTE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("WASTE_ONNX_LIBRARY"); v != "" {
		c.Model.OnnxLibrary = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.UploadField == "" {
		errs = append(errs, errors.New("server.upload_field is required"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if c.Server.MaxPixels <= 0 {
		errs = append(errs, errors.New("server.max_pixels must be positive"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	switch c.Model.Backend {
	case "native":
	case "onnx":
		if c.Model.MetadataPath == "" {
			errs = append(errs, errors.New("model.metadata_path is required for the onnx backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model.backend %q", c.Model.Backend))
	}
	if c.Train.ImageSize < 10 {
		errs = append(errs, fmt.Errorf("train.image_size too small: %d", c.Train.ImageSize))
	}
	if c.Train.BatchSize <= 0 {
		errs = append(errs, errors.New("train.batch_size must be positive"))
	}
	if c.Train.Epochs <= 0 {
		errs = append(errs, errors.New("train.epochs must be positive"))
	}
	if c.Train.ValidationSplit < 0 || c.Train.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("train.validation_split must be in [0,1): %v", c.Train.ValidationSplit))
	}
	if c.Train.LearningRate <= 0 {
		errs = append(errs, errors.New("train.learning_rate must be positive"))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, errors.New("cache.size must not be negative"))
	}
	return errors.Join(errs...)
}
