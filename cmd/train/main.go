package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"

	"github.com/Brownie44l1/waste-api/internal/config"
	"github.com/Brownie44l1/waste-api/internal/logging"
	"github.com/Brownie44l1/waste-api/internal/store"
	"github.com/Brownie44l1/waste-api/internal/train"
)

func main() {
	parser := argparse.NewParser("waste-train", "Train the waste classifier from a directory of labeled images")
	configPath := parser.String("c", "config", &argparse.Options{Help: "YAML config file"})
	dataDir := parser.String("d", "data", &argparse.Options{Help: "Dataset root, one subdirectory per class"})
	epochs := parser.Int("e", "epochs", &argparse.Options{Help: "Number of epochs"})
	batch := parser.Int("b", "batch", &argparse.Options{Help: "Batch size"})
	size := parser.Int("s", "size", &argparse.Options{Help: "Image width and height in pixels"})
	output := parser.String("o", "output", &argparse.Options{Help: "Where to write the model artifact"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Train.DataDir = *dataDir
	}
	if *epochs != 0 {
		cfg.Train.Epochs = *epochs
	}
	if *batch != 0 {
		cfg.Train.BatchSize = *batch
	}
	if *size != 0 {
		cfg.Train.ImageSize = *size
	}
	if *output != "" {
		cfg.Model.Path = *output
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var runs train.RunRecorder
	if cfg.Database.Path != "" {
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer st.Close()
		runs = st
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := train.NewTrainer(logger, runs).Train(ctx, train.OptionsFromConfig(cfg))
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	final := report.Final()
	fmt.Printf("model saved to %s (val_accuracy=%.2f val_loss=%.4f, %d classes)\n",
		report.ArtifactPath, final.ValAccuracy, final.ValLoss, len(report.Classes))
}
