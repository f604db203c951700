package store

import "github.com/cwbudde/simcalib/internal/recorder"

// Store defines the interface for run persistence.
// Implementations must be thread-safe.
//
// Error handling conventions:
//   - Return ErrNotFound if the run doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRun atomically saves the summary record of a run, replacing any
	// previous record with the same ID.
	SaveRun(runID string, record *RunRecord) error

	// LoadRun retrieves the record of a run.
	LoadRun(runID string) (*RunRecord, error)

	// ListRuns returns the metadata of all stored runs, newest first.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes the run and all its artifacts:
	//   - run.json
	//   - trace.jsonl
	//   - history.json.zst
	DeleteRun(runID string) error

	// SaveHistory archives the full recorder history of a run.
	SaveHistory(runID string, history recorder.Snapshot) error

	// LoadHistory reads an archived history.
	LoadHistory(runID string) (recorder.Snapshot, error)
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
