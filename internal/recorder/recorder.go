package recorder

import (
	"time"
)

// Recorder is the sink for everything a calibration run wants to keep:
// free text log lines, per-iteration metrics and run-wide metadata.
//
// Metrics added with AddMetric belong to the current iteration until
// CommitIteration appends them to the history and starts a new one.
// Committed iterations are never modified.
type Recorder interface {
	Log(text string)
	AddMetric(name string, value any)
	CommitIteration()
	AddRunMetadata(name string, value any)
	AddEvaluations(tag string, evaluations []Evaluation)
}

// Evaluation is the audit record of one simulation run.
type Evaluation struct {
	ID         string        `json:"id"`
	Tag        string        `json:"tag,omitempty"`
	Parameters []float64     `json:"parameters,omitempty"`
	Failed     bool          `json:"failed,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Runtime    time.Duration `json:"runtime"`
	Cached     bool          `json:"cached,omitempty"`
}

// Iteration is one committed snapshot.
type Iteration struct {
	Index       int            `json:"index"`
	Committed   time.Time      `json:"committed"`
	Metrics     map[string]any `json:"metrics"`
	Evaluations []Evaluation   `json:"evaluations,omitempty"`
}

// Float returns the named metric as a float64.
func (it Iteration) Float(name string) (float64, bool) {
	v, ok := it.Metrics[name].(float64)
	return v, ok
}

// Vector returns the named metric as a vector. Histories decoded from
// JSON carry []any, which is converted as well.
func (it Iteration) Vector(name string) ([]float64, bool) {
	switch v := it.Metrics[name].(type) {
	case []float64:
		return v, true
	case []any:
		out := make([]float64, len(v))
		for i, e := range v {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

// AlphaTrial is one step length tried by a line search. Norm is nil when
// the trial evaluation failed.
type AlphaTrial struct {
	Alpha float64  `json:"alpha"`
	Norm  *float64 `json:"norm"`
}

// Sink is notified of every committed iteration, e.g. to persist a trace
// or to stream progress.
type Sink interface {
	OnCommit(it Iteration) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(it Iteration) error

func (f SinkFunc) OnCommit(it Iteration) error {
	return f(it)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Log(string)                          {}
func (discard) AddMetric(string, any)               {}
func (discard) CommitIteration()                    {}
func (discard) AddRunMetadata(string, any)          {}
func (discard) AddEvaluations(string, []Evaluation) {}

// Multi fans every call out to all recorders in order.
func Multi(recs ...Recorder) Recorder {
	return multi(recs)
}

type multi []Recorder

func (m multi) Log(text string) {
	for _, r := range m {
		r.Log(text)
	}
}

func (m multi) AddMetric(name string, value any) {
	for _, r := range m {
		r.AddMetric(name, value)
	}
}

func (m multi) CommitIteration() {
	for _, r := range m {
		r.CommitIteration()
	}
}

func (m multi) AddRunMetadata(name string, value any) {
	for _, r := range m {
		r.AddRunMetadata(name, value)
	}
}

func (m multi) AddEvaluations(tag string, evaluations []Evaluation) {
	for _, r := range m {
		r.AddEvaluations(tag, evaluations)
	}
}
