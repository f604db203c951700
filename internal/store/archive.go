package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/cwbudde/simcalib/internal/recorder"
)

// historyFile holds the zstd compressed JSON snapshot of a run recorder.
// Histories carry every Jacobian and evaluation record and compress well.
const historyFile = "history.json.zst"

func (fs *FSStore) historyPath(runID string) string {
	return filepath.Join(fs.runDir(runID), historyFile)
}

// SaveHistory atomically writes the compressed history of a run.
func (fs *FSStore) SaveHistory(runID string, history recorder.Snapshot) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	if err := os.MkdirAll(fs.runDir(runID), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	path := fs.historyPath(runID)
	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create history file: %w", err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(tempPath)
	}

	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(history); err != nil {
		enc.Close()
		cleanup()
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	if err := file.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync history file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close history file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename history file: %w", err)
	}

	slog.Debug("History archived", "run_id", runID, "iterations", len(history.Iterations), "path", path)
	return nil
}

// LoadHistory reads the compressed history of a run.
func (fs *FSStore) LoadHistory(runID string) (recorder.Snapshot, error) {
	var history recorder.Snapshot
	if runID == "" {
		return history, fmt.Errorf("runID cannot be empty")
	}

	file, err := os.Open(fs.historyPath(runID))
	if os.IsNotExist(err) {
		return history, &NotFoundError{RunID: runID}
	} else if err != nil {
		return history, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return history, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	if err := json.NewDecoder(dec).Decode(&history); err != nil {
		return history, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}
