package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kareemsasa3/silkworm/internal/types"
)

// writeJSONAtomic writes v as indented JSON via a temp file and rename, so
// an interrupted write leaves the previous artifact intact.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// CheckpointWriter rewrites the recovery artifact wholesale. The previous
// checkpoint stays valid until the rename lands.
type CheckpointWriter struct {
	path      string
	logger    Logger
	lastCount int
}

// NewCheckpointWriter creates a writer for the given path.
func NewCheckpointWriter(path string, log Logger) *CheckpointWriter {
	return &CheckpointWriter{path: path, logger: log}
}

// Write persists the full accumulated sequence with the running counters.
func (w *CheckpointWriter) Write(records []types.ProductRecord, successCount, failCount int) error {
	cp := types.Checkpoint{
		TotalProducts: len(records),
		SuccessCount:  successCount,
		FailCount:     failCount,
		LastUpdated:   time.Now(),
		Products:      records,
	}
	if err := writeJSONAtomic(w.path, cp); err != nil {
		return err
	}
	w.lastCount = len(records)
	w.logger.Debug("checkpoint written: %d records (%d ok, %d failed)", len(records), successCount, failCount)
	return nil
}

// WriteResult persists the final harvest artifact.
func WriteResult(path string, result *types.HarvestResult) error {
	return writeJSONAtomic(path, result)
}
