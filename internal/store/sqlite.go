// Package store keeps the prediction history and training log in SQLite.
// Uploaded image bytes are never stored, only their SHA-256.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        label VARCHAR(64) NOT NULL,
        confidence REAL NOT NULL,
        image_sha256 TEXT NOT NULL,
        filename TEXT,
        cached INTEGER DEFAULT 0,
        created_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        data_dir TEXT,
        classes TEXT NOT NULL,
        epochs INTEGER,
        train_samples INTEGER,
        validation_samples INTEGER,
        val_loss REAL,
        val_accuracy REAL,
        artifact_path TEXT,
        trained_at DATETIME NOT NULL
    );
    `

type Prediction struct {
	RequestID   string    `json:"request_id"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	ImageSHA256 string    `json:"image_sha256"`
	Filename    string    `json:"filename,omitempty"`
	Cached      bool      `json:"cached"`
	CreatedAt   time.Time `json:"created_at"`
}

type TrainingRun struct {
	RunID             string    `json:"run_id"`
	DataDir           string    `json:"data_dir"`
	Classes           []string  `json:"classes"`
	Epochs            int       `json:"epochs"`
	TrainSamples      int       `json:"train_samples"`
	ValidationSamples int       `json:"validation_samples"`
	ValLoss           float64   `json:"val_loss"`
	ValAccuracy       float64   `json:"val_accuracy"`
	ArtifactPath      string    `json:"artifact_path"`
	TrainedAt         time.Time `json:"trained_at"`
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RecordPrediction(p Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
        INSERT INTO predictions (request_id, label, confidence, image_sha256, filename, cached, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.RequestID, p.Label, p.Confidence, p.ImageSHA256, p.Filename, p.Cached, p.CreatedAt.UTC())
	return err
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *Store) RecentPredictions(limit int) ([]Prediction, error) {
	rows, err := s.db.Query(`
        SELECT request_id, label, confidence, image_sha256, filename, cached, created_at
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	predictions := []Prediction{}
	for rows.Next() {
		var p Prediction
		var filename sql.NullString
		if err := rows.Scan(&p.RequestID, &p.Label, &p.Confidence, &p.ImageSHA256, &filename, &p.Cached, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Filename = filename.String
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

func (s *Store) RecordTrainingRun(r TrainingRun) error {
	if r.TrainedAt.IsZero() {
		r.TrainedAt = time.Now()
	}
	_, err := s.db.Exec(`
        INSERT INTO training_runs (run_id, data_dir, classes, epochs, train_samples, validation_samples,
                                   val_loss, val_accuracy, artifact_path, trained_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.DataDir, strings.Join(r.Classes, ","), r.Epochs, r.TrainSamples, r.ValidationSamples,
		r.ValLoss, r.ValAccuracy, r.ArtifactPath, r.TrainedAt.UTC())
	return err
}

// TrainingRuns returns up to limit runs, newest first.
func (s *Store) TrainingRuns(limit int) ([]TrainingRun, error) {
	rows, err := s.db.Query(`
        SELECT run_id, data_dir, classes, epochs, train_samples, validation_samples,
               val_loss, val_accuracy, artifact_path, trained_at
        FROM training_runs
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []TrainingRun{}
	for rows.Next() {
		var r TrainingRun
		var classes string
		if err := rows.Scan(&r.RunID, &r.DataDir, &classes, &r.Epochs, &r.TrainSamples, &r.ValidationSamples,
			&r.ValLoss, &r.ValAccuracy, &r.ArtifactPath, &r.TrainedAt); err != nil {
			return nil, err
		}
		r.Classes = strings.Split(classes, ",")
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
