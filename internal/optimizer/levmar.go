package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// DampingTag is attached to the evaluations of damped step candidates.
const DampingTag = "damping"

// LevenbergMarquardt adapts the damping λ by evaluating the steps for
// λ/ν, λ and λν in one batch. When none of them is acceptable it climbs a
// ladder λ·ν^k of up to P*PIterationCount damping values, P per batch.
type LevenbergMarquardt struct {
	Settings
	InitialLambda   float64 // default 0.01
	Nu              float64 // default 10
	P               int     // default 10
	PIterationCount int     // default 3
	// Scaling normalizes the normal equations by sqrt(diag(JᵀJ)).
	Scaling bool
}

func (lm *LevenbergMarquardt) Name() string { return "levenberg-marquardt" }

func (lm *LevenbergMarquardt) defaults() LevenbergMarquardt {
	c := *lm
	c.Settings = c.Settings.normalized()
	if c.InitialLambda <= 0 {
		c.InitialLambda = 0.01
	}
	if c.Nu <= 1 {
		c.Nu = 10
	}
	if c.P < 1 {
		c.P = 10
	}
	if c.PIterationCount < 1 {
		c.PIterationCount = 3
	}
	return c
}

// Run implements Optimizer.
func (lm *LevenbergMarquardt) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	c := lm.defaults()
	c.Settings.describe(rec, lm.Name(), ev, target)
	rec.AddRunMetadata("lambda_init", c.InitialLambda)
	rec.AddRunMetadata("nu", c.Nu)
	rec.AddRunMetadata("scaling", c.Scaling)

	lambda := c.InitialLambda
	l := &loop{
		name:         lm.Name(),
		title:        "Levenberg-Marquardt method",
		settings:     c.Settings,
		ownReduction: true,
		step: func(ctx context.Context, it *iterate) (proposal, error) {
			sys := newDampedSystem(it.J, it.r, c.Scaling)

			cands, err := ladder(sys, it.x, []float64{lambda / c.Nu, lambda, lambda * c.Nu})
			if err != nil {
				return abortIn(PhaseLinearAlgebra, err.Error()), nil
			}
			if err := evaluateCandidates(ctx, ev, target, cands, DampingTag); err != nil {
				return proposal{}, err
			}
			logCandidates(rec, cands)

			var chosen *candidate
			switch {
			case cands[0].reduces(it.S, false):
				chosen = &cands[0]
			case cands[1].reduces(it.S, false):
				chosen = &cands[1]
			case cands[2].reduces(it.S, true):
				chosen = &cands[2]
			default:
				chosen, err = c.climb(ctx, ev, target, sys, it, lambda, rec)
				if err != nil {
					return proposal{}, err
				}
			}
			if chosen == nil {
				return abortIn(PhaseDamping, fmt.Sprintf("no damping up to %g reduced the residual", lambda*math.Pow(c.Nu, float64(c.P*c.PIterationCount-1)))), nil
			}

			lambda = chosen.lambda
			rec.Log(fmt.Sprintf("[%d] best lam was = %g with f=%g", it.index, lambda, chosen.S))
			rec.AddMetric("lambda", lambda)
			rec.AddMetric("residualnorm_new", chosen.S)
			rec.AddMetric("reduction", chosen.S/it.S)
			return proposal{next: chosen.x, S: chosen.S}, nil
		},
	}
	return l.run(ctx, ev, initial, target, rec)
}

// climb evaluates the damping ladder λ·ν^(zl·P+z) batch by batch and
// returns the smallest damping that strictly reduced S.
func (lm *LevenbergMarquardt) climb(ctx context.Context, ev evaluator.Evaluator, target *measurement.Series, sys *dampedSystem,
	it *iterate, lambda float64, rec recorder.Recorder) (*candidate, error) {
	for zl := 0; zl < lm.PIterationCount; zl++ {
		lambdas := make([]float64, lm.P)
		for z := range lambdas {
			lambdas[z] = lambda * math.Pow(lm.Nu, float64(zl*lm.P+z))
		}
		cands, err := ladder(sys, it.x, lambdas)
		if err != nil {
			slog.Warn("Skipping damping batch", "error", err, "batch", zl)
			continue
		}
		if err := evaluateCandidates(ctx, ev, target, cands, DampingTag); err != nil {
			return nil, err
		}
		logCandidates(rec, cands)

		for i := range cands {
			if cands[i].reduces(it.S, true) {
				return &cands[i], nil
			}
		}
	}
	return nil, nil
}

// ladder builds one candidate per damping value.
func ladder(sys *dampedSystem, x, lambdas []float64) ([]candidate, error) {
	cands := make([]candidate, len(lambdas))
	for i, lam := range lambdas {
		d, err := sys.delta(lam)
		if err != nil {
			return nil, err
		}
		cands[i] = candidate{lambda: lam, delta: d, x: add(x, d)}
	}
	return cands, nil
}

func logCandidates(rec recorder.Recorder, cands []candidate) {
	for _, c := range cands {
		if c.nu != 0 {
			rec.Log(fmt.Sprintf("\t lam=%g, nu=%g: %s", c.lambda, c.nu, c))
			continue
		}
		rec.Log(fmt.Sprintf("\t lam = %g: %s", c.lambda, c))
	}
}

// GainedLevenbergMarquardt chooses the damping by the gain ratio between
// actual and predicted reduction. The first iteration starts at
// λ = Tau·max(diag(JᵀJ)) unless InitialLambda is set. Each iteration
// evaluates Presteps+1 damping values in one batch, ν doubling along the
// ladder, and accepts the first with a positive gain ratio.
type GainedLevenbergMarquardt struct {
	Settings
	Tau           float64 // default 0.01
	Presteps      int     // default 5, negative for a single candidate
	InitialLambda float64 // 0 derives λ from Tau
}

func (g *GainedLevenbergMarquardt) Name() string { return "gained-levenberg-marquardt" }

// Run implements Optimizer.
func (g *GainedLevenbergMarquardt) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	settings := g.Settings.normalized()
	tau, presteps := g.Tau, g.Presteps
	if tau <= 0 {
		tau = 0.01
	}
	if presteps < 0 {
		presteps = 0
	} else if presteps == 0 {
		presteps = 5
	}
	settings.describe(rec, g.Name(), ev, target)
	rec.AddRunMetadata("tau", tau)
	rec.AddRunMetadata("presteps", presteps)

	lambda, nu := -1.0, 2.0
	l := &loop{
		name:         g.Name(),
		title:        "Gained Levenberg-Marquardt method",
		settings:     settings,
		ownReduction: true,
		step: func(ctx context.Context, it *iterate) (proposal, error) {
			sys := newDampedSystem(it.J, it.r, false)
			if lambda < 0 {
				lambda = tau * sys.maxDiag
				if g.InitialLambda > 0 {
					lambda = g.InitialLambda
				}
			}

			lambdas := []float64{lambda}
			nus := []float64{nu}
			for z := 0; z < presteps; z++ {
				nus = append(nus, nus[z]*2)
				lambdas = append(lambdas, lambdas[z]*nus[z+1])
			}
			cands, err := ladder(sys, it.x, lambdas)
			if err != nil {
				return abortIn(PhaseLinearAlgebra, err.Error()), nil
			}
			for i := range cands {
				cands[i].nu = nus[i]
			}
			if err := evaluateCandidates(ctx, ev, target, cands, DampingTag); err != nil {
				return proposal{}, err
			}

			// The ladder is scanned in order and the first acceptable step
			// wins, so results do not depend on evaluation timing.
			var chosen *candidate
			var rho float64
			for i := range cands {
				c := &cands[i]
				if c.failed {
					rec.Log(fmt.Sprintf("\t lam=%g, nu=%g: %s", c.lambda, c.nu, c.reason))
					continue
				}
				gain := sys.gainRatio(it.S, c.S, c.delta, c.lambda)
				rec.Log(fmt.Sprintf("\t lam=%g, nu=%g: f=%g, new gainratio=%g", c.lambda, c.nu, c.S, gain))
				if chosen == nil && gain > 0 {
					chosen, rho = c, gain
				}
			}
			if chosen == nil {
				return abortIn(PhaseDamping, fmt.Sprintf("no positive gain ratio within %d presteps, increase presteps", presteps)), nil
			}

			nu = 2
			lambda = chosen.lambda * math.Max(1.0/3, 1-math.Pow(2*rho-1, 3))
			rec.Log(fmt.Sprintf("[%d] new lam = %g with f=%g, new nu = %g", it.index, lambda, chosen.S, nu))
			rec.AddMetric("lambda", lambda)
			rec.AddMetric("nu", nu)
			rec.AddMetric("residualnorm_new", chosen.S)
			rec.AddMetric("reduction", chosen.S/it.S)
			return proposal{next: chosen.x, S: chosen.S}, nil
		},
	}
	return l.run(ctx, ev, initial, target, rec)
}
