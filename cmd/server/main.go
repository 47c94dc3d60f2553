package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"

	"github.com/Brownie44l1/waste-api/internal/config"
	"github.com/Brownie44l1/waste-api/internal/guidance"
	"github.com/Brownie44l1/waste-api/internal/handlers"
	"github.com/Brownie44l1/waste-api/internal/logging"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/store"
	"github.com/Brownie44l1/waste-api/internal/tempfile"
)

func main() {
	parser := argparse.NewParser("waste-server", "Serve the waste classifier over HTTP")
	configPath := parser.String("c", "config", &argparse.Options{Help: "YAML config file"})
	port := parser.Int("p", "port", &argparse.Options{Help: "Listen port (overrides config)"})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "Model artifact (overrides config)"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath, *port, *modelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig applies the command line overrides and validates the result.
func loadConfig(path string, port int, modelPath string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("loading model", zap.String("path", cfg.Model.Path), zap.String("backend", cfg.Model.Backend))

	modelServer, err := model.NewServer(model.Options{
		Backend:      cfg.Model.Backend,
		Path:         cfg.Model.Path,
		MetadataPath: cfg.Model.MetadataPath,
		OnnxLibrary:  cfg.Model.OnnxLibrary,
		Labels:       cfg.Model.Labels,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize model server: %w", err)
	}
	defer modelServer.Close()

	tempFiles, err := tempfile.NewTempFiles(cfg.Server.TempDir)
	if err != nil {
		return err
	}

	var history handlers.History
	if cfg.Database.Path != "" {
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()
		history = st
	}

	handler, err := handlers.NewHandler(modelServer, tempFiles, guidance.NewCatalog(cfg.Guidance), history, handlers.Options{
		UploadField:         cfg.Server.UploadField,
		MaxUploadBytes:      int64(cfg.Server.MaxUploadMB) << 20,
		MaxPixels:           cfg.Server.MaxPixels,
		CacheSize:           cfg.Cache.Size,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		IncludeConfidence:   cfg.Response.IncludeConfidence,
		IncludeDistribution: cfg.Response.IncludeDistribution,
		IncludeGuidance:     cfg.Response.IncludeGuidance,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Strings("classes", modelServer.Metadata.Classes),
			zap.String("upload_field", cfg.Server.UploadField),
			zap.Bool("history", history != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
