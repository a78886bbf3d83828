package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/lapvision/internal/models"
)

// Storage persists session results. Saved results are snapshots; the live
// session stays authoritative.
type Storage interface {
	// SaveResult writes result and returns where it was stored
	SaveResult(ctx context.Context, result models.SessionResult) (string, error)

	Close() error
}

// prepare fills in the id and timestamp of a result about to be saved.
func prepare(result *models.SessionResult) {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
}

// FileStorage writes each result to its own JSON file
type FileStorage struct {
	outputDir string
}

// NewFileStorage creates a file storage rooted at outputDir
func NewFileStorage(outputDir string) *FileStorage {
	return &FileStorage{outputDir: outputDir}
}

// SaveResult writes result to lap_times_<timestamp>_<id>.json and returns the
// file path.
func (s *FileStorage) SaveResult(ctx context.Context, result models.SessionResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prepare(&result)

	// Create directory if it doesn't exist
	if _, err := os.Stat(s.outputDir); os.IsNotExist(err) {
		if err := os.MkdirAll(s.outputDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for results: %w", err)
		}
	}

	name := fmt.Sprintf("lap_times_%s_%s.json", result.CreatedAt.Format("20060102_150405"), result.ID)
	path := filepath.Join(s.outputDir, name)

	// O_EXCL keeps a saved result write-once.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create results file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	return path, nil
}

func (s *FileStorage) Close() error { return nil }

// ReadResult loads a result written by FileStorage.
func ReadResult(path string) (models.SessionResult, error) {
	var result models.SessionResult
	data, err := os.ReadFile(path)
	if err != nil {
		return result, fmt.Errorf("failed to read results file: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return result, nil
}
