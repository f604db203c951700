package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/optimize"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Minimize hands S to a general purpose minimizer from gonum/optimize.
// The gradient Jᵀr comes from the finite difference Jacobian. Bounds are
// enforced by returning +Inf outside the box; the upper bounds are pulled
// in by a factor 1+Epsilon to leave room for forward differencing.
type Minimize struct {
	Settings
	// Method is one of nelder-mead, bfgs, lbfgs or gradient-descent.
	Method       string
	Lower, Upper []float64
	// CallbackRoot minimizes sqrt(S) instead of S.
	CallbackRoot bool
	// CallbackScaling multiplies the objective, default 1.
	CallbackScaling float64
}

func (m *Minimize) Name() string { return "minimize" }

func minimizeMethod(name string) (optimize.Method, error) {
	switch strings.ToLower(name) {
	case "", "lbfgs", "l-bfgs":
		return &optimize.LBFGS{}, nil
	case "bfgs":
		return &optimize.BFGS{}, nil
	case "nelder-mead", "neldermead":
		return &optimize.NelderMead{}, nil
	case "gradient-descent":
		return &optimize.GradientDescent{}, nil
	}
	return nil, fmt.Errorf("unknown minimize method %q", name)
}

// Run implements Optimizer.
func (m *Minimize) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	method, err := minimizeMethod(m.Method)
	if err != nil {
		return nil, err
	}
	dim := len(initial)
	if (m.Lower != nil && len(m.Lower) != dim) || (m.Upper != nil && len(m.Upper) != dim) {
		return nil, fmt.Errorf("bounds do not match %d parameters", dim)
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	settings := m.Settings.normalized()
	scaling := m.CallbackScaling
	if scaling <= 0 {
		scaling = 1
	}
	settings.describe(rec, m.Name(), ev, target)
	rec.AddRunMetadata("method", m.Method)
	rec.AddRunMetadata("callback_root", m.CallbackRoot)
	rec.AddRunMetadata("callback_scaling", scaling)

	lower, upper := make([]float64, dim), make([]float64, dim)
	for i := range lower {
		lower[i], upper[i] = math.Inf(-1), math.Inf(1)
		if m.Lower != nil {
			lower[i] = m.Lower[i]
		}
		if m.Upper != nil && !math.IsInf(m.Upper[i], 1) {
			upper[i] = differencingHeadroom(m.Upper[i], settings.estimator().Epsilon)
		}
	}

	est := settings.estimator()
	tracker := NewReductionTracker(settings.MinReduction)
	res := &Result{State: Iterating, Parameters: slices.Clone(initial), ResidualNorm: math.NaN(), FirstResidualNorm: math.NaN()}
	lastS := math.NaN()

	var (
		stopErr   error
		stopPhase Phase
		converged bool
	)
	objective := func(s float64) float64 {
		if m.CallbackRoot {
			return scaling * math.Sqrt(s)
		}
		return scaling * s
	}
	inBox := func(x []float64) bool {
		for i, v := range x {
			if v < lower[i] || v > upper[i] {
				return false
			}
		}
		return true
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if ctx.Err() != nil || !inBox(x) {
				return math.Inf(1)
			}
			rec.Log(fmt.Sprintf("\tEvaluating cost function at x=%v", x))
			o := ev.Evaluate(ctx, [][]float64{slices.Clone(x)}, true, FunctionTag)[0]
			if o.Failed() {
				rec.Log("Got a failed evaluation: " + o.Reason)
				return math.Inf(1)
			}
			r, s, err := evaluator.Residual(o, target)
			if err != nil {
				stopErr, stopPhase = err, PhaseEvaluation
				return math.Inf(1)
			}
			rec.Log(fmt.Sprintf("\t cost function is %g", s))
			rec.AddMetric("parameters", x)
			rec.AddMetric("residualnorm", s)
			rec.AddMetric("residuals", r)
			rec.AddMetric("measurementEvaluation", o.ID)
			if !math.IsNaN(lastS) {
				rec.AddMetric("reduction", s/lastS)
			}
			lastS = s
			return objective(s)
		},
		Grad: func(grad, x []float64) {
			rec.Log(fmt.Sprintf("\tEvaluating jacobi matrix at x=%v", x))
			jr, err := est.Estimate(ctx, ev, slices.Clone(x), target, rec)
			if err != nil {
				rec.Log("Error calculating Jacobi matrix, simulation run did not finish")
				stopErr, stopPhase = err, PhaseJacobian
				for i := range grad {
					grad[i] = math.NaN()
				}
				return
			}
			rec.AddMetric("jacobian", jr.J)
			g := gradient(jr.J, jr.Residual)
			factor := scaling
			if m.CallbackRoot && jr.S > 0 {
				factor = scaling / (2 * math.Sqrt(jr.S))
			}
			for i := range grad {
				grad[i] = factor * g[i]
			}
		},
		Status: func() (optimize.Status, error) {
			switch {
			case ctx.Err() != nil:
				return optimize.Failure, ctx.Err()
			case stopErr != nil:
				return optimize.Failure, stopErr
			case converged:
				return optimize.FunctionThreshold, nil
			}
			return optimize.NotTerminated, nil
		},
	}

	toS := func(f float64) float64 {
		f /= scaling
		if m.CallbackRoot {
			return f * f
		}
		return f
	}
	recorderFunc := &majorIterations{record: func(loc *optimize.Location) {
		s := toS(loc.F)
		res.Iterations++
		res.Parameters = slices.Clone(loc.X)
		res.ResidualNorm = s
		if res.Iterations == 1 {
			res.FirstResidualNorm = s
		}
		tracker.Observe(s)
		converged = tracker.Converged()
		rec.Log(fmt.Sprintf("[%d]: parameters=%v", res.Iterations, loc.X))
		slog.Info("Optimizer iteration", "optimizer", m.Name(), "iteration", res.Iterations, "residual_norm", s)
		rec.CommitIteration()
	}}

	rec.Log("-- Starting minimize optimization. --")
	out, err := optimize.Minimize(problem, slices.Clone(initial), &optimize.Settings{
		MajorIterations: settings.MaxIterations,
		Recorder:        recorderFunc,
	}, method)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	if out != nil && !math.IsInf(out.F, 1) && (res.Iterations == 0 || toS(out.F) <= res.ResidualNorm) {
		res.Parameters = slices.Clone(out.X)
		res.ResidualNorm = toS(out.F)
	}
	if out != nil {
		rec.Log(fmt.Sprintf("result is x=%v, f=%g, status=%v", out.X, out.F, out.Status))
	}

	switch {
	case stopErr != nil:
		var fe *measurement.FormatError
		if errors.As(stopErr, &fe) {
			return nil, stopErr
		}
		rec.CommitIteration()
		res.Phase, res.Reason = stopPhase, stopErr.Error()
		return finish(m.Name(), ev, rec, res, Aborted), nil
	case converged:
		rec.Log("-- minimize converged. --")
		return finish(m.Name(), ev, rec, res, Converged), nil
	case err != nil:
		rec.CommitIteration()
		res.Phase, res.Reason = PhaseLineSearch, err.Error()
		if errors.As(err, new(optimize.ErrFunc)) {
			res.Phase = PhaseEvaluation
		}
		return finish(m.Name(), ev, rec, res, Aborted), nil
	case out.Status == optimize.IterationLimit:
		return finish(m.Name(), ev, rec, res, MaxIterations), nil
	}
	res.Reason = out.Status.String()
	return finish(m.Name(), ev, rec, res, Converged), nil
}

// differencingHeadroom lowers an upper bound so a forward difference step
// taken from inside the box stays feasible. Relative steps grow |x|, which
// moves a point below a negative bound further away; at zero the step is
// absolute.
func differencingHeadroom(upper, eps float64) float64 {
	switch {
	case upper > 0:
		return upper / (1 + eps)
	case upper == 0:
		return -eps
	}
	return upper
}

// majorIterations adapts optimize.Recorder: every major iteration of the
// minimizer commits one iteration record.
type majorIterations struct {
	record func(loc *optimize.Location)
}

func (r *majorIterations) Init() error { return nil }

func (r *majorIterations) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration != 0 {
		r.record(loc)
	}
	return nil
}
