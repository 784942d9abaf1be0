package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/justchokingaround/vodpull/internal/database"
)

// legacyRecord is one entry of the metadata.json file older versions wrote
type legacyRecord struct {
	Title    string          `json:"title"`
	Labels   database.Labels `json:"labels"`
	FileName *string         `json:"file_name"`
}

// ImportLegacyJSON copies records from a metadata.json file (id → record)
// into the store, skipping ids the store already has, then renames the file
// to metadata.json.bak. A missing file imports nothing.
func (s *Store) ImportLegacyJSON(ctx context.Context, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read legacy metadata: %w", err)
	}

	var entries map[string]legacyRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("failed to parse legacy metadata %s: %w", path, err)
	}

	existing, err := s.All(ctx)
	if err != nil {
		return 0, err
	}

	imported := 0
	for id, entry := range entries {
		if id == "" {
			continue
		}
		if _, ok := existing[id]; ok {
			continue
		}
		rec := Record{ID: id, Title: entry.Title, Labels: entry.Labels}
		if entry.FileName != nil {
			rec.FileName = *entry.FileName
		}
		if err := s.Put(ctx, rec); err != nil {
			return imported, err
		}
		imported++
	}

	if err := os.Rename(path, path+".bak"); err != nil {
		return imported, fmt.Errorf("failed to rename legacy metadata: %w", err)
	}

	logger.Info("imported legacy metadata", "path", path, "imported", imported, "skipped", len(entries)-imported)
	return imported, nil
}
