package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/simcalib/internal/recorder"
)

func norm(v float64) *float64 { return &v }

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "run-123"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Iteration: 0, ResidualNorm: norm(1.0), Timestamp: time.Now(), Evaluations: 3},
		{Iteration: 1, ResidualNorm: norm(0.8), Timestamp: time.Now()},
		{Iteration: 2, ResidualNorm: norm(0.6), Timestamp: time.Now(), Parameters: []float64{1, 2, 3}},
		{Iteration: 3, Timestamp: time.Now()},
	}
	for _, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	tracePath := filepath.Join(tmpDir, "runs", runID, "trace.jsonl")
	if writer.Path() != tracePath {
		t.Errorf("Expected path %s, got %s", tracePath, writer.Path())
	}

	reader, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	read, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(read) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(read))
	}
	for i, e := range read {
		if e.Iteration != entries[i].Iteration {
			t.Errorf("Entry %d: expected iteration %d, got %d", i, entries[i].Iteration, e.Iteration)
		}
	}
	if *read[1].ResidualNorm != 0.8 {
		t.Errorf("Expected residual norm 0.8, got %v", *read[1].ResidualNorm)
	}
	if read[3].ResidualNorm != nil {
		t.Errorf("Expected no residual norm, got %v", *read[3].ResidualNorm)
	}
	if len(read[2].Parameters) != 3 {
		t.Errorf("Expected 3 parameters, got %v", read[2].Parameters)
	}
	if read[0].Evaluations != 3 {
		t.Errorf("Expected 3 evaluations, got %d", read[0].Evaluations)
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "run-append"

	for i := 0; i < 2; i++ {
		w, err := NewTraceWriter(tmpDir, runID, true)
		if err != nil {
			t.Fatalf("Failed to create trace writer: %v", err)
		}
		if err := w.Write(TraceEntry{Iteration: i, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	r, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}
	defer r.Close()
	all, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 appended entries, got %d", len(all))
	}
}

func TestTraceWriterAsSink(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "run-sink"

	tw, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer tw.Close()

	rec := recorder.NewResult(tw)
	rec.AddMetric("residualnorm", 2.5)
	rec.AddMetric("parameters", []float64{1, 2})
	rec.AddEvaluations("jacobi-matrix", []recorder.Evaluation{{ID: "0"}, {ID: "1"}, {ID: "2"}})
	rec.AddEvaluations("linesearch", []recorder.Evaluation{
		{ID: "1", Cached: true},
		{Failed: true, Reason: "Infeasible parameters"},
	})
	rec.CommitIteration()
	rec.CommitIteration()

	// OnCommit flushes, so the trace is readable before Close.
	r, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}
	defer r.Close()

	first, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if first.ResidualNorm == nil || *first.ResidualNorm != 2.5 {
		t.Errorf("Expected residual norm 2.5, got %v", first.ResidualNorm)
	}
	if first.Evaluations != 3 {
		t.Errorf("Expected 3 evaluations, got %d", first.Evaluations)
	}
	if first.CacheHits != 1 {
		t.Errorf("Expected 1 cache hit, got %d", first.CacheHits)
	}
	if _, err := r.Read(); err != nil {
		t.Fatalf("Read of second entry failed: %v", err)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTraceReader_CorruptedLine(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "runs", "bad")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trace.jsonl"), []byte("{\"iteration\":0}\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewTraceReader(tmpDir, "bad")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer r.Close()
	if _, err := r.ReadAll(); err == nil {
		t.Error("Expected error for corrupted line")
	}
}

func TestDeleteTrace(t *testing.T) {
	tmpDir := t.TempDir()

	if err := DeleteTrace(tmpDir, "never-existed"); err != nil {
		t.Errorf("Expected nil for missing trace, got %v", err)
	}

	w, err := NewTraceWriter(tmpDir, "run-x", false)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if err := DeleteTrace(tmpDir, "run-x"); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "runs", "run-x", "trace.jsonl")); !os.IsNotExist(err) {
		t.Error("Trace file still exists")
	}
}
