// Package storage persists extraction results and exports them as a
// spreadsheet.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/maltedev/olx-scraper/internal/models"
)

// Repository keeps scrape results in the order they were saved.
type Repository interface {
	Save(ctx context.Context, result *models.ScrapeResult) error
	Load(ctx context.Context) ([]models.ScrapeResult, error)
	ExportSpreadsheet(ctx context.Context, path string) error
}

// JSONRepository stores all results as one JSON array in a file.
type JSONRepository struct {
	mu       sync.RWMutex
	filename string
}

// NewJSONRepository stores results in filename.
func NewJSONRepository(filename string) *JSONRepository {
	return &JSONRepository{filename: filename}
}

// Save appends result to the stored list.
func (r *JSONRepository) Save(ctx context.Context, result *models.ScrapeResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	results, err := r.read()
	if err != nil {
		return err
	}
	results = append(results, *result)
	return r.write(results)
}

// Load returns every saved result. A missing file is an empty store.
func (r *JSONRepository) Load(ctx context.Context) ([]models.ScrapeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read()
}

// ExportSpreadsheet writes every stored listing to an xlsx file at path.
func (r *JSONRepository) ExportSpreadsheet(ctx context.Context, path string) error {
	results, err := r.Load(ctx)
	if err != nil {
		return err
	}
	return WriteSpreadsheetFile(path, results)
}

func (r *JSONRepository) read() ([]models.ScrapeResult, error) {
	data, err := os.ReadFile(r.filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.filename, err)
	}

	var results []models.ScrapeResult
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.filename, err)
	}
	return results, nil
}

func (r *JSONRepository) write(results []models.ScrapeResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := r.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return os.Rename(tmpFile, r.filename)
}
