package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/jacobian"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// iterate is the state of one iteration of a Jacobian based method.
type iterate struct {
	index int
	x     []float64
	jac   *jacobian.Result

	// J, r and S are weighted when the method uses weights; jac keeps the
	// raw values.
	J *mat.Dense
	r []float64
	S float64
}

// proposal is what a method step returns: either the next point or the
// phase it failed in.
type proposal struct {
	next   []float64
	S      float64
	abort  Phase
	reason string
}

func abortIn(phase Phase, reason string) proposal {
	return proposal{abort: phase, reason: reason}
}

// loop runs the iteration shared by all Jacobian based methods:
// estimate J at x, record the standard metrics, test convergence, step.
type loop struct {
	name     string
	title    string
	settings Settings
	// weights holds one factor per flattened target value, or nil.
	weights []float64
	// analyze runs before the convergence test and may abort the run.
	analyze func(it *iterate) *proposal
	step    func(ctx context.Context, it *iterate) (proposal, error)
	// ownReduction is set by methods that record the reduction of their
	// accepted step instead of S/S_last.
	ownReduction bool
}

func (l *loop) run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	s := l.settings
	est := s.estimator()
	tracker := NewReductionTracker(s.MinReduction)

	x := slices.Clone(initial)
	res := &Result{State: Iterating, Parameters: x, ResidualNorm: math.NaN(), FirstResidualNorm: math.NaN()}

	rec.Log(fmt.Sprintf("-- Starting %s. --", l.title))
	slog.Info("Starting optimizer", "optimizer", l.name, "parameters", x, "max_iterations", s.MaxIterations)

	for i := 0; i < s.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slog.Debug("Starting iteration", "optimizer", l.name, "iteration", i, "parameters", x)

		jr, err := est.Estimate(ctx, ev, x, target, rec)
		if err != nil {
			if errors.Is(err, jacobian.ErrEstimationFailed) {
				rec.Log("Error calculating Jacobi matrix, simulation run did not finish")
				return l.abort(ev, rec, res, PhaseJacobian, err.Error()), nil
			}
			return nil, err
		}

		it := &iterate{index: i, x: x, jac: jr, J: jr.J, r: jr.Residual, S: jr.S}
		if l.weights != nil {
			it.J, it.r, it.S = weigh(jr.J, jr.Residual, l.weights)
		}

		res.Iterations = i + 1
		res.Parameters = x
		res.ResidualNorm = it.S
		if i == 0 {
			res.FirstResidualNorm = it.S
		}

		reduction, hasReduction := tracker.Observe(it.S)
		l.recordStandard(rec, it)
		if hasReduction && !l.ownReduction {
			rec.AddMetric("reduction", reduction)
		}
		rec.Log(fmt.Sprintf("[%d]: x=%v, residual norm S=%g", i, x, it.S))
		slog.Info("Optimizer iteration", "optimizer", l.name, "iteration", i, "residual_norm", it.S)

		if l.analyze != nil {
			if p := l.analyze(it); p != nil && p.abort != PhaseNone {
				return l.abort(ev, rec, res, p.abort, p.reason), nil
			}
		}

		if tracker.Converged() {
			rec.Log(fmt.Sprintf("-- %s converged. --", l.title))
			rec.CommitIteration()
			return l.finish(ev, rec, res, Converged), nil
		}

		p, err := l.step(ctx, it)
		if err != nil {
			return nil, err
		}
		if p.abort != PhaseNone {
			return l.abort(ev, rec, res, p.abort, p.reason), nil
		}
		rec.CommitIteration()

		x = p.next
		res.Parameters = x
		res.ResidualNorm = p.S
	}

	rec.Log(fmt.Sprintf("-- %s did not converge. --", l.title))
	return l.finish(ev, rec, res, MaxIterations), nil
}

// recordStandard adds the metrics every Jacobian based method reports.
func (l *loop) recordStandard(rec recorder.Recorder, it *iterate) {
	n, p := it.J.Dims()
	rec.AddMetric("residuals", it.r)
	rec.AddMetric("residualnorm", it.S)
	rec.AddMetric("parameters", it.x)
	rec.AddMetric("jacobian", it.J)
	if dof := n - p; dof > 0 {
		rec.AddMetric("variance", it.S/float64(dof))
	}
	rec.AddMetric("measurement", it.jac.Values)
	rec.AddMetric("measurementEvaluation", it.jac.Base.ID)

	sigma := mat.NewDense(p, p, nil)
	sigma.Mul(it.jac.J.T(), it.jac.J)
	rec.AddMetric("sigma", sigma)
}

func (l *loop) abort(ev evaluator.Evaluator, rec recorder.Recorder, res *Result, phase Phase, reason string) *Result {
	rec.Log(fmt.Sprintf("-- %s did not converge. --", l.title))
	rec.CommitIteration()
	res.Phase = phase
	res.Reason = reason
	slog.Error("Optimizer aborted",
		"optimizer", l.name,
		"phase", string(phase),
		"reason", reason,
		"iterations", res.Iterations,
		"parameters", res.Parameters,
	)
	return l.finish(ev, rec, res, Aborted)
}

func (l *loop) finish(ev evaluator.Evaluator, rec recorder.Recorder, res *Result, state State) *Result {
	return finish(l.name, ev, rec, res, state)
}

// finish stamps the terminal state and evaluator statistics on res.
func finish(name string, ev evaluator.Evaluator, rec recorder.Recorder, res *Result, state State) *Result {
	res.State = state
	res.Stats = ev.Stats()
	rec.Log(res.Stats.String())
	rec.AddRunMetadata("result_state", state.String())
	slog.Info("Optimizer finished",
		"optimizer", name,
		"state", state.String(),
		"iterations", res.Iterations,
		"residual_norm", res.ResidualNorm,
		"evaluations", res.Stats.Total,
		"cache_hits", res.Stats.CacheHits,
	)
	return res
}

// segmentWeights expands one weight per discontinuity segment of target
// into one weight per flattened value.
func segmentWeights(target *measurement.Series, weights []float64) ([]float64, error) {
	segments := target.Segments()
	if len(weights) < len(segments) {
		return nil, fmt.Errorf("not enough weights given: %d for %d segments", len(weights), len(segments))
	}
	width := target.Width()
	out := make([]float64, 0, target.Size())
	for i, seg := range segments {
		for range (seg[1] - seg[0]) * width {
			out = append(out, weights[i])
		}
	}
	return out, nil
}

// weigh scales the rows of J and the entries of r.
func weigh(J *mat.Dense, r, w []float64) (*mat.Dense, []float64, float64) {
	n, p := J.Dims()
	wJ := mat.NewDense(n, p, nil)
	wJ.Apply(func(i, _ int, v float64) float64 { return w[i] * v }, J)
	wr := make([]float64, len(r))
	floats.MulTo(wr, w, r)
	return wJ, wr, 0.5 * floats.Dot(wr, wr)
}
