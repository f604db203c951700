package optimizer

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// MMATag is attached to the evaluations of MMA subproblem solutions.
const MMATag = "mma"

// MMA is the method of moving asymptotes (Svanberg 1987). Each iteration
// replaces S by a separable convex approximation with poles at the
// asymptotes L < x < U and moves to its minimizer inside the search box.
//
// A batch of Candidates subproblems is solved per iteration, each with the
// asymptotes pulled towards x by another factor of two. The least
// conservative candidate that reduces S is accepted, and its factor
// carries over to the next iteration.
type MMA struct {
	Settings
	Lower, Upper []float64
	Candidates   int // default 4
}

func (m *MMA) Name() string { return "mma" }

// Run implements Optimizer.
func (m *MMA) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	if err := checkBox(m.Lower, m.Upper, len(initial)); err != nil {
		return nil, err
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	settings := m.Settings.normalized()
	count := m.Candidates
	if count < 1 {
		count = 4
	}
	settings.describe(rec, m.Name(), ev, target)
	rec.AddRunMetadata("lower", m.Lower)
	rec.AddRunMetadata("upper", m.Upper)

	// Asymptote distance per coordinate, initially the width of the box.
	spread := make([]float64, len(initial))
	for i := range spread {
		spread[i] = m.Upper[i] - m.Lower[i]
	}

	l := &loop{
		name:     m.Name(),
		title:    "MMA",
		settings: settings,
		step: func(ctx context.Context, it *iterate) (proposal, error) {
			grad := gradient(it.J, it.r)

			cands := make([]candidate, count)
			factor := 1.0
			for k := range cands {
				lower, upper := make([]float64, len(it.x)), make([]float64, len(it.x))
				for i, x := range it.x {
					lower[i] = x - factor*spread[i]
					upper[i] = x + factor*spread[i]
				}
				next := m.subproblem(it.x, grad, lower, upper)
				cands[k] = candidate{lambda: factor, x: next, delta: sub(next, it.x)}
				factor /= 2
			}
			if err := evaluateCandidates(ctx, ev, target, cands, MMATag); err != nil {
				return proposal{}, err
			}
			for _, c := range cands {
				rec.Log(fmt.Sprintf("\t asymptote factor %g: x=%v, %s", c.lambda, c.x, c))
			}

			for _, c := range cands {
				if !c.reduces(it.S, true) {
					continue
				}
				for i := range spread {
					spread[i] *= c.lambda
				}
				rec.AddMetric("asymptote_factor", c.lambda)
				rec.AddMetric("residualnorm_new", c.S)
				return proposal{next: c.x, S: c.S}, nil
			}
			return abortIn(PhaseEvaluation, "no moving asymptote candidate reduced the residual"), nil
		},
	}
	return l.run(ctx, ev, initial, target, rec)
}

// subproblem minimizes the MMA approximation
//
//	sum_i p_i/(U_i - x_i) + q_i/(x_i - L_i)
//
// over the move limits alpha <= x <= beta. The coefficients follow
// Svanberg's regularized form so that the minimizer is interior whenever
// the gradient is small relative to the asymptote distance.
func (m *MMA) subproblem(x, grad, lower, upper []float64) []float64 {
	next := make([]float64, len(x))
	for i := range x {
		width := m.Upper[i] - m.Lower[i]
		gp, gm := math.Max(grad[i], 0), math.Max(-grad[i], 0)
		reg := 1e-5 / width

		p := sq(upper[i]-x[i]) * (1.001*gp + 0.001*gm + reg)
		q := sq(x[i]-lower[i]) * (0.001*gp + 1.001*gm + reg)

		alpha := math.Max(m.Lower[i], 0.9*lower[i]+0.1*x[i])
		beta := math.Min(m.Upper[i], 0.9*upper[i]+0.1*x[i])

		rp, rq := math.Sqrt(p), math.Sqrt(q)
		xi := (rp*lower[i] + rq*upper[i]) / (rp + rq)
		next[i] = math.Min(math.Max(xi, alpha), beta)
	}
	return next
}

func checkBox(lower, upper []float64, n int) error {
	if len(lower) != n || len(upper) != n {
		return fmt.Errorf("%w: got %d lower and %d upper bounds for %d parameters", ErrNoBounds, len(lower), len(upper), n)
	}
	for i := range lower {
		if math.IsInf(lower[i], 0) || math.IsInf(upper[i], 0) || math.IsNaN(lower[i]) || math.IsNaN(upper[i]) {
			return fmt.Errorf("%w: parameter %d is unbounded", ErrNoBounds, i)
		}
		if lower[i] >= upper[i] {
			return fmt.Errorf("parameter %d: lower bound %g not below upper bound %g", i, lower[i], upper[i])
		}
	}
	return nil
}

func sq(v float64) float64 { return v * v }

func sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}
