// Package linesearch chooses step lengths along a search direction. All
// searches enforce the sufficient decrease condition
//
//	f(x + alpha*d) <= 0.5*r·r + c*alpha*(Jᵀr)·d
//
// and try step lengths in evaluator batches.
package linesearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Tag is attached to every line search evaluation.
const Tag = "linesearch"

// DefaultC is the sufficient decrease constant.
const DefaultC = 1e-3

var (
	// ErrExhausted is returned when no acceptable step was found within the
	// iteration budget.
	ErrExhausted = errors.New("line search exhausted")
	// ErrTrialFailed is returned by serial searches when a trial evaluation
	// failed.
	ErrTrialFailed = errors.New("line search trial failed")
)

// LineSearch finds the next iterate along direction from x. J and r are
// the Jacobian and residual at x. It returns the accepted point and its
// residual norm 0.5*r'·r'.
type LineSearch interface {
	Search(ctx context.Context, ev evaluator.Evaluator, direction, x []float64, target *measurement.Series,
		J *mat.Dense, r []float64, rec recorder.Recorder) ([]float64, float64, error)
	Name() string
}

// New returns the named line search with default settings. Batch sizes of
// the parallel searches are rounded up to a multiple of parallelism.
func New(kind string, parallelism int) (LineSearch, error) {
	evaluations := DefaultEvaluations
	if parallelism > 1 && evaluations%parallelism != 0 {
		evaluations += parallelism - evaluations%parallelism
	}

	switch strings.ToLower(kind) {
	case "", "linear":
		return &Linear{Evaluations: evaluations}, nil
	case "logarithmic", "log":
		return &Logarithmic{Evaluations: evaluations}, nil
	case "backtracking":
		return &Backtracking{}, nil
	}
	return nil, fmt.Errorf("unknown line search %q", kind)
}

// DefaultEvaluations is the batch size of the parallel searches.
const DefaultEvaluations = 10

// trial is one evaluated step length.
type trial struct {
	alpha  float64
	norm   float64
	failed bool
	reason string
	id     string
}

func (t trial) record() recorder.AlphaTrial {
	if t.failed {
		return recorder.AlphaTrial{Alpha: t.alpha}
	}
	norm := t.norm
	return recorder.AlphaTrial{Alpha: t.alpha, Norm: &norm}
}

// tryStepLengths evaluates x + alpha*d for every alpha in one batch.
func tryStepLengths(ctx context.Context, ev evaluator.Evaluator, x, d, alphas []float64, target *measurement.Series) ([]trial, error) {
	points := make([][]float64, len(alphas))
	for i, a := range alphas {
		points[i] = step(x, d, a)
	}

	outcomes := ev.Evaluate(ctx, points, true, Tag)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trials := make([]trial, len(alphas))
	for i, o := range outcomes {
		trials[i] = trial{alpha: alphas[i], id: o.ID}
		if o.Failed() {
			trials[i].failed = true
			trials[i].reason = o.Reason
			continue
		}
		_, s, err := evaluator.Residual(o, target)
		if err != nil {
			return nil, fmt.Errorf("resample evaluation %s: %w", o.ID, err)
		}
		trials[i].norm = s
	}
	return trials, nil
}

// step returns x + alpha*d.
func step(x, d []float64, alpha float64) []float64 {
	out := make([]float64, len(x))
	floats.AddScaledTo(out, x, alpha, d)
	return out
}

// slope returns (Jᵀr)·d, the directional derivative of 0.5*r·r.
func slope(J *mat.Dense, r, d []float64) float64 {
	_, p := J.Dims()
	g := mat.NewVecDense(p, nil)
	g.MulVec(J.T(), mat.NewVecDense(len(r), r))
	return mat.Dot(g, mat.NewVecDense(len(d), d))
}

func halfSquare(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}

func logTrials(rec recorder.Recorder, trials []trial) {
	for i, t := range trials {
		if t.failed {
			rec.Log(fmt.Sprintf("\t\talpha_%d = %g errored: %s", i, t.alpha, t.reason))
			continue
		}
		rec.Log(fmt.Sprintf("\t\talpha_%d = %g, evalid=%s, residual = %g", i, t.alpha, t.id, t.norm))
	}
}

func records(trials []trial) []recorder.AlphaTrial {
	out := make([]recorder.AlphaTrial, len(trials))
	for i, t := range trials {
		out[i] = t.record()
	}
	return out
}

func orDiscard(rec recorder.Recorder) recorder.Recorder {
	if rec == nil {
		return recorder.Discard
	}
	return rec
}

func accepted(name string, alpha, norm float64, round int) {
	slog.Debug("Line search accepted step",
		"line_search", name,
		"alpha", alpha,
		"residual_norm", norm,
		"round", round,
	)
}
