package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Result is the in-memory Recorder. It is safe for concurrent use, so a
// job server can read the history while an optimizer is still writing it.
type Result struct {
	mu         sync.RWMutex
	iterations []Iteration
	current    map[string]any
	pending    []Evaluation
	metadata   map[string]any
	logs       []string
	sinks      []Sink
	now        func() time.Time
}

// NewResult creates an empty result. Sinks are notified on every commit.
func NewResult(sinks ...Sink) *Result {
	return &Result{
		current:  make(map[string]any),
		metadata: make(map[string]any),
		sinks:    sinks,
		now:      time.Now,
	}
}

// AddSink registers another commit listener.
func (r *Result) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Log stores a timestamped text line.
func (r *Result) Log(text string) {
	r.mu.Lock()
	line := "[" + r.now().Format(time.RFC3339Nano) + "] " + text
	r.logs = append(r.logs, line)
	r.mu.Unlock()

	slog.Debug("Run log", "text", text)
}

// Logs returns all log lines in order.
func (r *Result) Logs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.logs)
}

// AddMetric stores a snapshot of value under name for the current iteration.
func (r *Result) AddMetric(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[name] = snapshot(value)
}

// Current returns a copy of the metrics of the uncommitted iteration.
func (r *Result) Current() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.current)
}

// AddEvaluations attaches evaluation records to the current iteration.
func (r *Result) AddEvaluations(tag string, evaluations []Evaluation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range evaluations {
		if e.Tag == "" {
			e.Tag = tag
		}
		e.Parameters = slices.Clone(e.Parameters)
		r.pending = append(r.pending, e)
	}
}

// CommitIteration appends the current iteration to the history and clears
// it. Sink errors are logged and do not fail the commit.
func (r *Result) CommitIteration() {
	r.mu.Lock()
	it := Iteration{
		Index:       len(r.iterations),
		Committed:   r.now(),
		Metrics:     r.current,
		Evaluations: r.pending,
	}
	r.iterations = append(r.iterations, it)
	r.current = make(map[string]any)
	r.pending = nil
	sinks := slices.Clone(r.sinks)
	r.mu.Unlock()

	for _, s := range sinks {
		if err := s.OnCommit(it); err != nil {
			slog.Warn("Iteration sink failed", "iteration", it.Index, "error", err)
		}
	}
}

// AddRunMetadata stores a run-wide value, replacing any previous one.
func (r *Result) AddRunMetadata(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[name] = snapshot(value)
}

// Metadata returns a copy of the run metadata.
func (r *Result) Metadata() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.metadata)
}

// IterationCount returns the number of committed iterations.
func (r *Result) IterationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.iterations)
}

// Iterations returns the committed history.
func (r *Result) Iterations() []Iteration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.iterations)
}

// Last returns the most recently committed iteration.
func (r *Result) Last() (Iteration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.iterations) == 0 {
		return Iteration{}, false
	}
	return r.iterations[len(r.iterations)-1], true
}

// Floats extracts a scalar metric across all committed iterations. Missing
// entries are NaN.
func (r *Result) Floats(name string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.iterations))
	for i, it := range r.iterations {
		v, ok := it.Float(name)
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// Series extracts any metric across all committed iterations. Missing
// entries are nil.
func (r *Result) Series(name string) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]any, len(r.iterations))
	for i, it := range r.iterations {
		out[i] = it.Metrics[name]
	}
	return out
}

// Snapshot is the serializable form of a Result.
type Snapshot struct {
	Iterations []Iteration    `json:"iterations"`
	Metadata   map[string]any `json:"metadata"`
	Logs       []string       `json:"logs"`
}

// Snapshot copies the full state for persistence.
func (r *Result) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Iterations: slices.Clone(r.iterations),
		Metadata:   maps.Clone(r.metadata),
		Logs:       slices.Clone(r.logs),
	}
}

// Restore rebuilds a Result from a snapshot.
func Restore(s Snapshot) *Result {
	r := NewResult()
	r.iterations = s.Iterations
	r.logs = s.Logs
	if s.Metadata != nil {
		r.metadata = s.Metadata
	}
	return r
}

// Save writes the snapshot as indented JSON to path.
func (r *Result) Save(path string) error {
	data, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func (r *Result) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "iterations: %d\n", len(r.iterations))
	if n := len(r.iterations); n > 0 {
		if v, ok := r.iterations[0].Float("residualnorm"); ok {
			fmt.Fprintf(&b, "first residual norm: %g\n", v)
		}
		if v, ok := r.iterations[n-1].Float("residualnorm"); ok {
			fmt.Fprintf(&b, "last residual norm: %g\n", v)
		}
	}
	keys := slices.Sorted(maps.Keys(r.metadata))
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, r.metadata[k])
	}
	return b.String()
}

// snapshot copies mutable values so later changes by the caller do not leak
// into recorded history. Matrices are stored as row slices.
func snapshot(value any) any {
	switch v := value.(type) {
	case []float64:
		return slices.Clone(v)
	case [][]float64:
		out := make([][]float64, len(v))
		for i, row := range v {
			out[i] = slices.Clone(row)
		}
		return out
	case mat.Matrix:
		return Rows(v)
	case []AlphaTrial:
		return slices.Clone(v)
	case map[string]any:
		return maps.Clone(v)
	default:
		return value
	}
}

// Rows converts a matrix to a slice of row slices.
func Rows(m mat.Matrix) [][]float64 {
	rows, cols := m.Dims()
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
