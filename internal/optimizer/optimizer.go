// Package optimizer drives calibration runs: it repeatedly evaluates
// candidate parameter vectors through an evaluator.Evaluator until the
// residual against the target measurement has been reduced enough, the
// iteration budget is spent, or a step cannot be completed.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/jacobian"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Optimizer runs one calibration from initial, a vector in the
// optimization space of the evaluator's parameter transform.
//
// Terminal conditions of the algorithm (convergence, exhausted budget,
// failed steps) are reported through Result. The error return is reserved
// for invalid inputs, incompatible measurement formats and cancellation.
type Optimizer interface {
	Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series,
		rec recorder.Recorder) (*Result, error)
	Name() string
}

// State is the lifecycle state of a run.
type State int

const (
	Initializing State = iota
	Iterating
	Converged
	Aborted
	MaxIterations
)

var stateNames = []string{"initializing", "iterating", "converged", "aborted", "max-iterations"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the run has ended.
func (s State) Terminal() bool {
	return s >= Converged
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Phase names the step an aborted run failed in.
type Phase string

const (
	PhaseNone          Phase = ""
	PhaseJacobian      Phase = "jacobian"
	PhaseLineSearch    Phase = "linesearch"
	PhaseDamping       Phase = "damping"
	PhaseLinearAlgebra Phase = "linear-algebra"
	PhaseEvaluation    Phase = "evaluation"
)

// Result is the outcome of a run.
type Result struct {
	State  State  `json:"state"`
	Phase  Phase  `json:"phase,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Parameters is the last accepted point in the optimization space.
	Parameters []float64 `json:"parameters"`
	// ResidualNorm is S = 0.5*r·r at Parameters.
	ResidualNorm      float64 `json:"residualNorm"`
	FirstResidualNorm float64 `json:"firstResidualNorm"`
	Iterations        int     `json:"iterations"`

	Stats evaluator.Stats `json:"stats"`
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s after %d iterations", r.State, r.Iterations)
	if r.Phase != PhaseNone {
		fmt.Fprintf(&b, " in %s", r.Phase)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, " (%s)", r.Reason)
	}
	fmt.Fprintf(&b, ": x=%v, S=%g", r.Parameters, r.ResidualNorm)
	return b.String()
}

// ErrNoBounds is returned by optimizers that need a finite search box when
// none was configured.
var ErrNoBounds = errors.New("optimizer requires finite lower and upper bounds")

const (
	DefaultMaxIterations = 15
	DefaultMinReduction  = 1e-4
)

// Settings are shared by all optimizers.
type Settings struct {
	MaxIterations int
	// Epsilon is the finite differencing step. Negative selects the square
	// root of the machine precision.
	Epsilon float64
	// MinReduction ends the run as converged once S/S_first drops below it.
	MinReduction float64
	Differencing jacobian.Differencing
}

func (s Settings) normalized() Settings {
	if s.MaxIterations < 1 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.Epsilon == 0 {
		s.Epsilon = jacobian.DefaultEpsilon
	}
	if s.MinReduction <= 0 {
		s.MinReduction = DefaultMinReduction
	}
	return s
}

func (s Settings) estimator() jacobian.Estimator {
	return jacobian.Estimator{Epsilon: s.Epsilon, Differencing: s.Differencing}
}

func (s Settings) describe(rec recorder.Recorder, name string, ev evaluator.Evaluator, target *measurement.Series) {
	rec.AddRunMetadata("target", target)
	rec.AddRunMetadata("optimizertype", name)
	rec.AddRunMetadata("epsilon", s.Epsilon)
	rec.AddRunMetadata("differencing", s.Differencing.String())
	rec.AddRunMetadata("maxiterations", s.MaxIterations)
	rec.AddRunMetadata("minreduction", s.MinReduction)
	rec.AddRunMetadata("fixedparameters", ev.FixedParameters())
}

func checkInputs(initial []float64, target *measurement.Series) error {
	if len(initial) == 0 {
		return errors.New("empty initial parameter vector")
	}
	if target == nil {
		return errors.New("no target measurement")
	}
	return target.Validate()
}

func orDiscard(rec recorder.Recorder) recorder.Recorder {
	if rec == nil {
		return recorder.Discard
	}
	return rec
}
