package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/params"
	"github.com/cwbudde/simcalib/internal/store"
)

const decayConfig = `
name: decay
parameters:
  - {name: a, start: 1.0, transform: direct, min: 0, max: 10}
  - {name: k, start: 1.0, transform: log, min: 0.01, max: 10}
model:
  kind: exponential
  times: [0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4]
target:
  generate: [2, 0.5]
evaluator: {parallelism: 2}
optimizer:
  kind: levenberg-marquardt
  max_iterations: 20
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// newTestRunCmd returns a run command with its own flag set and options.
func newTestRunCmd(t *testing.T, args ...string) (*cobra.Command, *runOptions) {
	t.Helper()
	o := &runOptions{}
	cmd := &cobra.Command{Use: "run"}
	addRunFlags(cmd, o)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}
	return cmd, o
}

func TestLoadRunConfig_Overrides(t *testing.T) {
	path := writeConfig(t, decayConfig)
	dataDir := t.TempDir()

	cmd, o := newTestRunCmd(t,
		"--config", path,
		"--optimizer", "gauss-newton",
		"--max-iters", "5",
		"--parallelism", "3",
		"--data-dir", dataDir,
		"--trace",
	)

	cfg, err := loadRunConfig(cmd, *o)
	if err != nil {
		t.Fatalf("loadRunConfig failed: %v", err)
	}

	if cfg.Optimizer.Kind != "gauss-newton" {
		t.Errorf("Expected optimizer override, got %s", cfg.Optimizer.Kind)
	}
	if cfg.Optimizer.MaxIterations != 5 {
		t.Errorf("Expected max iterations 5, got %d", cfg.Optimizer.MaxIterations)
	}
	if cfg.Evaluator.Parallelism != 3 {
		t.Errorf("Expected parallelism 3, got %d", cfg.Evaluator.Parallelism)
	}
	if cfg.Output.DataDir != dataDir {
		t.Errorf("Expected data dir %s, got %s", dataDir, cfg.Output.DataDir)
	}
	if !cfg.Output.Trace || cfg.Output.Archive {
		t.Errorf("Expected trace only, got %+v", cfg.Output)
	}
}

func TestLoadRunConfig_KeepsFileValues(t *testing.T) {
	path := writeConfig(t, decayConfig)
	cmd, o := newTestRunCmd(t, "--config", path)

	cfg, err := loadRunConfig(cmd, *o)
	if err != nil {
		t.Fatalf("loadRunConfig failed: %v", err)
	}
	if cfg.Optimizer.Kind != "levenberg-marquardt" || cfg.Optimizer.MaxIterations != 20 {
		t.Errorf("Unflagged fields should come from the file, got %+v", cfg.Optimizer)
	}
	if cfg.Output.DataDir != config.DefaultDataDir {
		t.Errorf("Expected default data dir, got %s", cfg.Output.DataDir)
	}
}

func TestLoadRunConfig_InvalidOverride(t *testing.T) {
	path := writeConfig(t, decayConfig)
	cmd, o := newTestRunCmd(t, "--config", path, "--optimizer", "simulated-annealing")

	_, err := loadRunConfig(cmd, *o)
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestLoadRunConfig_MissingFile(t *testing.T) {
	cmd, o := newTestRunCmd(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := loadRunConfig(cmd, *o); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func loadDecayConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(decayConfig))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	cfg.Output.DataDir = dataDir
	return cfg
}

func TestRunCalibration(t *testing.T) {
	dataDir := t.TempDir()
	cfg := loadDecayConfig(t, dataDir)
	cfg.Output.Trace = true
	cfg.Output.Archive = true
	out := filepath.Join(t.TempDir(), "history.json")

	var buf bytes.Buffer
	record, err := runCalibration(context.Background(), cfg, runOptions{out: out}, &buf)
	if err != nil {
		t.Fatalf("runCalibration failed: %v", err)
	}

	if record.State != optimizer.Converged {
		t.Errorf("Expected converged, got %s (%s)", record.State, record.Reason)
	}
	if math.Abs(record.Physical["a"]-2) > 0.05 || math.Abs(record.Physical["k"]-0.5) > 0.05 {
		t.Errorf("Expected a=2, k=0.5, got %v", record.Physical)
	}

	runStore, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	stored, err := runStore.LoadRun(record.RunID)
	if err != nil {
		t.Fatalf("Run should be stored: %v", err)
	}
	if stored.Iterations != record.Iterations {
		t.Errorf("Stored iterations %d, expected %d", stored.Iterations, record.Iterations)
	}

	reader, err := store.NewTraceReader(dataDir, record.RunID)
	if err != nil {
		t.Fatalf("Trace should exist: %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	if len(entries) == 0 {
		t.Error("Trace should contain entries")
	}

	if _, err := runStore.LoadHistory(record.RunID); err != nil {
		t.Errorf("History should be archived: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("History file should be written: %v", err)
	}

	if !strings.Contains(buf.String(), record.RunID) || !strings.Contains(buf.String(), "converged") {
		t.Errorf("Summary should name the run and its state:\n%s", buf.String())
	}
}

func TestRunCalibration_Resume(t *testing.T) {
	dataDir := t.TempDir()

	first, err := runCalibration(context.Background(), loadDecayConfig(t, dataDir), runOptions{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	second, err := runCalibration(context.Background(), loadDecayConfig(t, dataDir), runOptions{resume: first.RunID}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}

	if second.RunID == first.RunID {
		t.Error("A resumed run should get a new run ID")
	}
	if second.FirstResidualNorm > first.FirstResidualNorm {
		t.Errorf("Resumed run should start from the stored result: %g > %g",
			second.FirstResidualNorm, first.FirstResidualNorm)
	}
}

func TestRunCalibration_ResumeIncompatible(t *testing.T) {
	dataDir := t.TempDir()
	runStore, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	record := &store.RunRecord{
		RunID:          "other",
		State:          optimizer.Converged,
		ParameterNames: []string{"x"},
		Parameters:     []float64{1},
		Finished:       time.Now(),
	}
	if err := runStore.SaveRun("other", record); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	_, err = runCalibration(context.Background(), loadDecayConfig(t, dataDir), runOptions{resume: "other"}, &bytes.Buffer{})
	var cerr *store.CompatibilityError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected compatibility error, got %v", err)
	}
}

func TestRunCalibration_ResumeChangedTransform(t *testing.T) {
	dataDir := t.TempDir()

	first, err := runCalibration(context.Background(), loadDecayConfig(t, dataDir), runOptions{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// k was optimized in log space; the stored vector holds log(k).
	cfg := loadDecayConfig(t, dataDir)
	cfg.Parameters[1].Kind = params.Direct

	_, err = runCalibration(context.Background(), cfg, runOptions{resume: first.RunID}, &bytes.Buffer{})
	var cerr *store.CompatibilityError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected compatibility error, got %v", err)
	}
	if cerr.Expected != "log" || cerr.Actual != "direct" {
		t.Errorf("Unexpected mismatch details: %+v", cerr)
	}
}

func TestRunCalibration_ResumeMissing(t *testing.T) {
	dataDir := t.TempDir()

	_, err := runCalibration(context.Background(), loadDecayConfig(t, dataDir), runOptions{resume: "missing"}, &bytes.Buffer{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected not found error, got %v", err)
	}
}
