package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/store"
)

func saveTestRun(t *testing.T, runStore *store.FSStore, runID string, finished time.Time) {
	t.Helper()
	record := &store.RunRecord{
		RunID:          runID,
		Name:           "test",
		Optimizer:      "gauss-newton",
		State:          optimizer.Converged,
		ParameterNames: []string{"a", "b"},
		Parameters:     []float64{1, 2},
		ResidualNorm:   0.5,
		Iterations:     3,
		Started:        finished.Add(-time.Minute),
		Finished:       finished,
	}
	if err := runStore.SaveRun(runID, record); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}
}

// withDataDir points the runs commands at dir for the duration of a test.
func withDataDir(t *testing.T, dir string) {
	t.Helper()
	original := runsDataDir
	runsDataDir = dir
	t.Cleanup(func() { runsDataDir = original })
}

func TestSelectRunsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	infos := []store.RunInfo{
		{RunID: "run1", Finished: now.AddDate(0, 0, -10)}, // 10 days old
		{RunID: "run2", Finished: now.AddDate(0, 0, -5)},  // 5 days old
		{RunID: "run3", Finished: now.AddDate(0, 0, -1)},  // 1 day old
		{RunID: "run4", Finished: now.AddDate(0, 0, -30)}, // 30 days old
	}

	toDelete := selectRunsForDeletion(infos, 0, 7, now)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 runs to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{toDelete[0].RunID: true, toDelete[1].RunID: true}
	if !ids["run1"] || !ids["run4"] {
		t.Errorf("Expected run1 and run4 to be selected for deletion, got %v", ids)
	}
}

func TestSelectRunsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	infos := []store.RunInfo{
		{RunID: "run1", Finished: now.AddDate(0, 0, -10)},
		{RunID: "run2", Finished: now.AddDate(0, 0, -5)},
		{RunID: "run3", Finished: now.AddDate(0, 0, -1)},
		{RunID: "run4", Finished: now.AddDate(0, 0, -30)},
	}

	toDelete := selectRunsForDeletion(infos, 2, 0, now)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 runs to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{toDelete[0].RunID: true, toDelete[1].RunID: true}
	if !ids["run1"] || !ids["run4"] {
		t.Errorf("Expected run1 and run4 (oldest) to be selected, got %v", ids)
	}
}

func TestSelectRunsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := []store.RunInfo{
		{RunID: "run1", Finished: now.AddDate(0, 0, -10)},
		{RunID: "run2", Finished: now.AddDate(0, 0, -5)},
		{RunID: "run3", Finished: now.AddDate(0, 0, -1)},
	}

	// run1 is both too old and beyond the newest two; it is listed once.
	toDelete := selectRunsForDeletion(infos, 2, 7, now)

	if len(toDelete) != 1 || toDelete[0].RunID != "run1" {
		t.Errorf("Expected only run1, got %+v", toDelete)
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	content := []byte("Hello, World!")
	if err := os.WriteFile(testFile, content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}

	if size < int64(len(content)) {
		t.Errorf("Expected size >= %d, got %d", len(content), size)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func TestRunsListCommand_NoRuns(t *testing.T) {
	withDataDir(t, t.TempDir())

	var out bytes.Buffer
	if err := listRuns(&out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No runs found.") {
		t.Errorf("Unexpected output: %s", out.String())
	}
}

func TestRunsListCommand_WithRuns(t *testing.T) {
	tmpDir := t.TempDir()
	runStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestRun(t, runStore, "test-run-id", time.Now())
	withDataDir(t, tmpDir)

	var out bytes.Buffer
	if err := listRuns(&out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	for _, want := range []string{"test-run-id", "gauss-newton", "converged", "Total runs: 1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Output should contain %q:\n%s", want, out.String())
		}
	}
}

func TestRunsCleanCommand_NoFlags(t *testing.T) {
	withDataDir(t, t.TempDir())
	keepLast = 0
	olderThanDays = 0

	if err := cleanRuns(strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestRunsCleanCommand_WithForce(t *testing.T) {
	tmpDir := t.TempDir()
	runStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestRun(t, runStore, "old-run", time.Now().AddDate(0, 0, -30))
	saveTestRun(t, runStore, "new-run", time.Now())
	withDataDir(t, tmpDir)

	keepLast = 0
	olderThanDays = 7
	forceClean = true
	t.Cleanup(func() { olderThanDays, forceClean = 0, false })

	if err := cleanRuns(strings.NewReader(""), &bytes.Buffer{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := runStore.LoadRun("old-run"); err == nil {
		t.Error("Expected old run to be deleted")
	}
	if _, err := runStore.LoadRun("new-run"); err != nil {
		t.Errorf("Expected new run to be kept: %v", err)
	}
}

func TestRunsCleanCommand_Declined(t *testing.T) {
	tmpDir := t.TempDir()
	runStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestRun(t, runStore, "old-run", time.Now().AddDate(0, 0, -30))
	withDataDir(t, tmpDir)

	keepLast = 0
	olderThanDays = 7
	forceClean = false
	t.Cleanup(func() { olderThanDays = 0 })

	var out bytes.Buffer
	if err := cleanRuns(strings.NewReader("n\n"), &out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("Expected abort message, got:\n%s", out.String())
	}
	if _, err := runStore.LoadRun("old-run"); err != nil {
		t.Errorf("Run should survive a declined clean: %v", err)
	}
}
