package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/optimizer"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

// createTestRecord creates a run record with test data.
func createTestRecord(runID string) *RunRecord {
	return &RunRecord{
		RunID:             runID,
		Name:              "decay-fit",
		Optimizer:         "gauss-newton",
		State:             optimizer.Converged,
		ParameterNames:    []string{"a", "k"},
		Parameters:        []float64{2.01, -0.69},
		Physical:          map[string]float64{"a": 2.01, "k": 0.5},
		ResidualNorm:      1.2e-7,
		FirstResidualNorm: 3.4,
		Iterations:        5,
		Stats:             evaluator.Stats{Total: 60, Serial: 12, CacheHits: 4},
		Started:           time.Now().Add(-time.Minute),
		Finished:          time.Now(),
	}
}

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != dir {
		t.Errorf("Expected base dir %s, got %s", dir, store.BaseDir())
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	runID := "run-123"
	record := createTestRecord(runID)
	if err := store.SaveRun(runID, record); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "runs", runID, "run.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Run record was not created at %s", expectedPath)
	}
	if _, err := os.Stat(expectedPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file was left behind")
	}

	loaded, err := store.LoadRun(runID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.State != optimizer.Converged {
		t.Errorf("Expected state converged, got %s", loaded.State)
	}
	if loaded.Iterations != 5 || loaded.Stats.Total != 60 {
		t.Errorf("Counters not preserved: %+v", loaded)
	}
	if len(loaded.Parameters) != 2 || loaded.Parameters[0] != 2.01 {
		t.Errorf("Parameters not preserved: %v", loaded.Parameters)
	}
	if loaded.Physical["k"] != 0.5 {
		t.Errorf("Physical parameters not preserved: %v", loaded.Physical)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Loaded record invalid: %v", err)
	}
}

func TestSaveRunOverwrites(t *testing.T) {
	store, _ := setupTestStore(t)

	record := createTestRecord("run-1")
	if err := store.SaveRun("run-1", record); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	record.Iterations = 9
	if err := store.SaveRun("run-1", record); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.Iterations != 9 {
		t.Errorf("Expected 9 iterations, got %d", loaded.Iterations)
	}
}

func TestSaveRunInvalidInput(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveRun("", createTestRecord("x")); err == nil {
		t.Error("Expected error for empty runID")
	}
	if err := store.SaveRun("x", nil); err == nil {
		t.Error("Expected error for nil record")
	}
}

func TestLoadRunNotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.RunID != "missing" {
		t.Errorf("Expected NotFoundError for run 'missing', got %v", err)
	}
}

func TestLoadRunCorrupted(t *testing.T) {
	store, tempDir := setupTestStore(t)

	dir := filepath.Join(tempDir, "runs", "broken")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.LoadRun("broken"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deserialization error, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store, tempDir := setupTestStore(t)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed on empty store: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected no runs, got %d", len(infos))
	}

	base := time.Now()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("run-%d", i)
		record := createTestRecord(id)
		record.Finished = base.Add(time.Duration(i) * time.Second)
		if err := store.SaveRun(id, record); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}
	// a directory without run.json belongs to a run still in progress
	if err := os.MkdirAll(filepath.Join(tempDir, "runs", "in-progress"), 0755); err != nil {
		t.Fatal(err)
	}

	infos, err = store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(infos))
	}
	if infos[0].RunID != "run-2" || infos[2].RunID != "run-0" {
		t.Errorf("Expected newest first, got %s .. %s", infos[0].RunID, infos[2].RunID)
	}
	if infos[0].Optimizer != "gauss-newton" {
		t.Errorf("Expected optimizer gauss-newton, got %s", infos[0].Optimizer)
	}
}

func TestDeleteRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	runID := "run-del"
	if err := store.SaveRun(runID, createTestRecord(runID)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	tw, err := NewTraceWriter(tempDir, runID, false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	tw.Close()

	if err := store.DeleteRun(runID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", runID)); !os.IsNotExist(err) {
		t.Error("Run directory still exists")
	}
	if err := store.DeleteRun(runID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}
