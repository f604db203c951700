package optimizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/linesearch"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// GaussNewton takes the least squares step of the linearized model and
// scales it with a line search. Each iteration also reports the
// linearized regression statistics of the current point.
type GaussNewton struct {
	Settings
	LineSearch linesearch.LineSearch
	// Weights optionally weighs each discontinuity segment of the target.
	Weights []float64
}

func (g *GaussNewton) Name() string { return "gauss-newton" }

// Run implements Optimizer.
func (g *GaussNewton) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	ls := g.LineSearch
	if ls == nil {
		ls = &linesearch.Linear{}
	}
	settings := g.Settings.normalized()
	settings.describe(rec, g.Name(), ev, target)
	rec.AddRunMetadata("linesearchmethod", ls.Name())

	var weights []float64
	if len(g.Weights) > 0 {
		w, err := segmentWeights(target, g.Weights)
		if err != nil {
			rec.Log("Error: Not enough weights given.")
			return nil, err
		}
		weights = w
		rec.AddRunMetadata("weights", g.Weights)
	}

	var delta []float64
	l := &loop{
		name:     g.Name(),
		title:    "Gauss-Newton method",
		settings: settings,
		weights:  weights,
		analyze: func(it *iterate) *proposal {
			reg, err := gaussNewtonStep(it.J, it.r, it.S)
			if err != nil {
				p := abortIn(PhaseLinearAlgebra, err.Error())
				return &p
			}
			delta = reg.delta
			rec.Log(fmt.Sprintf("stepdirection is %v", delta))

			rec.AddMetric("hessian", reg.hessian)
			rec.AddMetric("correlation", reg.correlation)
			if reg.hasVariance {
				rec.AddMetric("covariance", reg.covariance)
				rec.AddMetric("errors", reg.stdErrors)
			}
			return nil
		},
		step: func(ctx context.Context, it *iterate) (proposal, error) {
			return searchAlong(ctx, ls, ev, delta, it, target, rec)
		},
	}
	return l.run(ctx, ev, initial, target, rec)
}

// searchAlong runs the line search from the current iterate. The search
// sees the unweighted Jacobian and residual so that its decrease bound is
// measured in the same norm as its trial evaluations.
func searchAlong(ctx context.Context, ls linesearch.LineSearch, ev evaluator.Evaluator, direction []float64, it *iterate,
	target *measurement.Series, rec recorder.Recorder) (proposal, error) {
	next, norm, err := ls.Search(ctx, ev, direction, it.x, target, it.jac.J, it.jac.Residual, rec)
	switch {
	case errors.Is(err, linesearch.ErrExhausted), errors.Is(err, linesearch.ErrTrialFailed):
		rec.Log("No next guess found: " + err.Error())
		return abortIn(PhaseLineSearch, err.Error()), nil
	case err != nil:
		return proposal{}, err
	}
	return proposal{next: next, S: norm}, nil
}

// GradientDescent steps along -Jᵀr with a line search.
type GradientDescent struct {
	Settings
	LineSearch linesearch.LineSearch
}

func (g *GradientDescent) Name() string { return "gradient-descent" }

// Run implements Optimizer.
func (g *GradientDescent) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	ls := g.LineSearch
	if ls == nil {
		ls = &linesearch.Backtracking{}
	}
	settings := g.Settings.normalized()
	settings.describe(rec, g.Name(), ev, target)
	rec.AddRunMetadata("linesearchmethod", ls.Name())

	l := &loop{
		name:     g.Name(),
		title:    "Gradient descent method",
		settings: settings,
		step: func(ctx context.Context, it *iterate) (proposal, error) {
			delta := gradient(it.J, it.r)
			for i := range delta {
				delta[i] = -delta[i]
			}
			rec.Log(fmt.Sprintf("stepdirection is %v", delta))
			return searchAlong(ctx, ls, ev, delta, it, target, rec)
		},
	}
	return l.run(ctx, ev, initial, target, rec)
}
