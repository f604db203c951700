package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// ReasonInfeasible is the failure reason for vectors rejected by the
// parameter transform.
const ReasonInfeasible = "Infeasible parameters"

// Evaluator turns parameter vectors into simulated measurements.
//
// Evaluate returns one Outcome per input vector, in input order. Failures
// are per element; a failing simulation never affects its batch neighbours.
// If transform is true every vector is mapped through the parameter
// transform first, and vectors outside its bounds fail with
// ReasonInfeasible without reaching the simulation.
type Evaluator interface {
	Evaluate(ctx context.Context, vectors [][]float64, transform bool, tag string) []Outcome

	// Parallelism is the number of evaluations that can run at once.
	// Callers size their batches to multiples of it.
	Parallelism() int

	// FixedParameters are passed unchanged to every simulation run.
	FixedParameters() map[string]any

	// SetRecorder attaches the run recorder that receives evaluation
	// records and counters. A nil recorder detaches.
	SetRecorder(rec recorder.Recorder)

	Stats() Stats
}

// Transformer maps optimization space vectors to simulation parameters.
// params.Manager implements it.
type Transformer interface {
	Transform(beta []float64) ([]float64, bool)
}

// Backend runs one simulation. Implementations launch processes, call
// services or compute synthetic models; the evaluator only sees the result.
type Backend interface {
	Run(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error)

func (f BackendFunc) Run(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error) {
	return f(ctx, parameters, fixed)
}

// Stats counts evaluator activity over its lifetime.
type Stats struct {
	// Total is the number of simulations actually dispatched.
	Total int `json:"total"`
	// Serial is the number of batches that dispatched at least one run.
	Serial int `json:"serial"`
	// CacheHits is the number of vectors served from the cache.
	CacheHits int `json:"cacheHits"`
}

func (s Stats) String() string {
	return fmt.Sprintf("Total count of evaluations: %d\nTaken from cache: %d\nSerial count: %d",
		s.Total, s.CacheHits, s.Serial)
}

// Kind tags an Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
)

func (k Kind) String() string {
	if k == KindFailure {
		return "failure"
	}
	return "success"
}

// Outcome is the result of evaluating one vector: either a measurement or a
// failure reason, never both.
type Outcome struct {
	Kind        Kind
	ID          string
	Tag         string
	Parameters  []float64
	Measurement *measurement.Series
	Runtime     time.Duration
	Reason      string
	Cached      bool
}

// Success builds a successful outcome.
func Success(m *measurement.Series, parameters []float64, runtime time.Duration) Outcome {
	return Outcome{Kind: KindSuccess, Measurement: m, Parameters: parameters, Runtime: runtime}
}

// Failure builds a failed outcome.
func Failure(parameters []float64, reason string) Outcome {
	return Outcome{Kind: KindFailure, Parameters: parameters, Reason: reason}
}

// Failed reports whether the evaluation produced no measurement.
func (o Outcome) Failed() bool {
	return o.Kind == KindFailure
}

// Record converts the outcome to its audit form.
func (o Outcome) Record() recorder.Evaluation {
	return recorder.Evaluation{
		ID:         o.ID,
		Tag:        o.Tag,
		Parameters: o.Parameters,
		Failed:     o.Failed(),
		Reason:     o.Reason,
		Runtime:    o.Runtime,
		Cached:     o.Cached,
	}
}

func (o Outcome) String() string {
	if o.Failed() {
		return fmt.Sprintf("id=%s, %s", o.ID, o.Reason)
	}
	return fmt.Sprintf("id=%s, timeCount=%d", o.ID, o.Measurement.Len())
}

// Residual resamples a successful outcome onto target and returns the
// residual vector and S = 0.5*r·r.
func Residual(o Outcome, target *measurement.Series) ([]float64, float64, error) {
	if o.Failed() || o.Measurement == nil {
		return nil, 0, fmt.Errorf("evaluation %s has no measurement: %s", o.ID, o.Reason)
	}
	sim, err := o.Measurement.ResampleTo(target)
	if err != nil {
		return nil, 0, err
	}
	want := target.Flatten()
	r := make([]float64, len(sim))
	var s float64
	for i := range sim {
		r[i] = sim[i] - want[i]
		s += r[i] * r[i]
	}
	return r, 0.5 * s, nil
}
