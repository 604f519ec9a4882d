// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ManuGH/epgrec/internal/log"
	"github.com/google/renameio/v2"
)

// Export is the document written after every successful publish.
type Export struct {
	CycleID   string `json:"cycleId"`
	UpdatedAt int64  `json:"updatedAt"` // unix ms
	Partitions
}

// WriteExport atomically replaces path with the JSON rendering of doc.
func WriteExport(ctx context.Context, path string, doc Export) error {
	logger := log.WithComponentFromContext(ctx, "dvr.export")

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	// renameio handles: temp file creation, fsync, atomic rename, cleanup on error
	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return fmt.Errorf("create pending export file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending export file")
		}
	}()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace export file: %w", err)
	}

	logger.Debug().Str(log.FieldPath, path).Int("reserves", doc.Len()).Msg("reservation export written")
	return nil
}

// ReadExport loads a document written by WriteExport.
func ReadExport(path string) (Export, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return Export{}, err
	}
	var doc Export
	if err := json.Unmarshal(data, &doc); err != nil {
		return Export{}, fmt.Errorf("decode export %s: %w", path, err)
	}
	return doc, nil
}
