package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/simcalib/internal/recorder"
)

func TestHistoryRoundTrip(t *testing.T) {
	store, tempDir := setupTestStore(t)

	rec := recorder.NewResult()
	for i := 0; i < 20; i++ {
		rec.AddMetric("residualnorm", 1/float64(i+1))
		rec.AddMetric("parameters", []float64{float64(i), 2})
		rec.AddEvaluations("jacobi-matrix", []recorder.Evaluation{{ID: "1"}, {ID: "2"}})
		rec.CommitIteration()
	}
	rec.AddRunMetadata("optimizertype", "gauss-newton")
	rec.Log("-- Starting Gauss-Newton method. --")

	require.NoError(t, store.SaveHistory("run-h", rec.Snapshot()))
	_, err := os.Stat(filepath.Join(tempDir, "runs", "run-h", historyFile))
	require.NoError(t, err)

	snap, err := store.LoadHistory("run-h")
	require.NoError(t, err)
	require.Len(t, snap.Iterations, 20)
	assert.Equal(t, "gauss-newton", snap.Metadata["optimizertype"])
	assert.Len(t, snap.Logs, 1)

	restored := recorder.Restore(snap)
	assert.InDelta(t, 0.05, restored.Floats("residualnorm")[19], 1e-12)
	x, ok := snap.Iterations[3].Vector("parameters")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 2}, x)
	assert.Len(t, snap.Iterations[0].Evaluations, 2)
}

func TestHistoryNotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadHistory("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHistoryCorrupted(t *testing.T) {
	store, tempDir := setupTestStore(t)

	dir := filepath.Join(tempDir, "runs", "bad")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, historyFile), []byte("plain text"), 0644))

	_, err := store.LoadHistory("bad")
	assert.Error(t, err)
}
