package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"

	"github.com/cwbudde/mayfly"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// FunctionTag is attached to single objective evaluations.
const FunctionTag = "function-evaluation"

// Mayfly is a derivative free optimizer built on the mayfly swarm
// algorithm. Each iteration is one complete swarm run of Generations
// generations inside a search box; the box starts at [Lower, Upper] and is
// shrunk around the best point after every run.
type Mayfly struct {
	Settings
	Lower, Upper []float64
	Population   int     // default 20, the library minimum
	Generations  int     // default 50
	Seed         int64   // default 42
	Shrink       float64 // box width factor per run, default 0.5
	// Patience ends the run after this many runs without improvement.
	// Zero disables it.
	Patience int
}

func (m *Mayfly) Name() string { return "mayfly" }

// Run implements Optimizer.
func (m *Mayfly) Run(ctx context.Context, ev evaluator.Evaluator, initial []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if err := checkInputs(initial, target); err != nil {
		return nil, err
	}
	dim := len(initial)
	if err := checkBox(m.Lower, m.Upper, dim); err != nil {
		return nil, err
	}
	rec = orDiscard(rec)
	ev.SetRecorder(rec)

	settings := m.Settings.normalized()
	pop, gens, seed, shrink := m.Population, m.Generations, m.Seed, m.Shrink
	if pop < 20 {
		pop = 20
	}
	if gens < 1 {
		gens = 50
	}
	if seed == 0 {
		seed = 42
	}
	if shrink <= 0 || shrink > 1 {
		shrink = 0.5
	}
	settings.describe(rec, m.Name(), ev, target)
	rec.AddRunMetadata("population", pop)
	rec.AddRunMetadata("generations", gens)
	rec.AddRunMetadata("seed", seed)

	cost := func(x []float64) (float64, evaluator.Outcome) {
		if ctx.Err() != nil {
			return math.Inf(1), evaluator.Failure(x, ctx.Err().Error())
		}
		o := ev.Evaluate(ctx, [][]float64{x}, true, FunctionTag)[0]
		if o.Failed() {
			return math.Inf(1), o
		}
		_, s, err := evaluator.Residual(o, target)
		if err != nil {
			return math.Inf(1), evaluator.Failure(x, err.Error())
		}
		return s, o
	}

	best := slices.Clone(initial)
	bestS, o := cost(best)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{State: Iterating, Parameters: best, ResidualNorm: bestS, FirstResidualNorm: bestS}
	rec.Log("-- Starting mayfly search. --")
	if math.IsInf(bestS, 1) {
		rec.Log("Initial evaluation failed: " + o.Reason)
		rec.CommitIteration()
		res.Phase, res.Reason = PhaseEvaluation, o.Reason
		return finish(m.Name(), ev, rec, res, Aborted), nil
	}

	tracker := NewReductionTracker(settings.MinReduction)
	tracker.Patience = m.Patience
	tracker.Observe(bestS)

	lo, hi := slices.Clone(m.Lower), slices.Clone(m.Upper)
	for round := 0; round < settings.MaxIterations; round++ {
		// The swarm searches the unit cube; the library only supports
		// scalar bounds.
		toBox := func(u []float64) []float64 {
			x := make([]float64, dim)
			for i := range x {
				x[i] = lo[i] + math.Min(math.Max(u[i], 0), 1)*(hi[i]-lo[i])
			}
			return x
		}

		config := mayfly.NewDefaultConfig()
		config.ObjectiveFunc = func(u []float64) float64 {
			s, _ := cost(toBox(u))
			return s
		}
		config.ProblemSize = dim
		config.MaxIterations = gens
		config.NPop = pop
		config.LowerBound = 0
		config.UpperBound = 1
		config.Rand = rand.New(rand.NewSource(seed + int64(round)))

		result, err := mayfly.Optimize(config)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			return nil, fmt.Errorf("mayfly run %d: %w", round, err)
		}

		candidate := toBox(result.GlobalBest.Position)
		candidateS := result.GlobalBest.Cost
		if candidateS < bestS {
			best, bestS = candidate, candidateS
		}

		reduction, _ := tracker.Observe(bestS)
		res.Iterations = round + 1
		res.Parameters = best
		res.ResidualNorm = bestS

		rec.AddMetric("parameters", best)
		rec.AddMetric("residualnorm", bestS)
		rec.AddMetric("reduction", reduction)
		rec.AddMetric("round_best", candidateS)
		rec.AddMetric("box_lower", lo)
		rec.AddMetric("box_upper", hi)
		rec.Log(fmt.Sprintf("[%d]: x=%v, residual norm S=%g, run best=%g", round, best, bestS, candidateS))
		slog.Info("Optimizer iteration", "optimizer", m.Name(), "iteration", round, "residual_norm", bestS)

		if tracker.Converged() {
			rec.Log("-- Mayfly search converged. --")
			rec.CommitIteration()
			return finish(m.Name(), ev, rec, res, Converged), nil
		}
		rec.CommitIteration()
		if tracker.Stalled() {
			rec.Log("-- Mayfly search stalled. --")
			res.Reason = fmt.Sprintf("no improvement in %d runs", tracker.Patience)
			return finish(m.Name(), ev, rec, res, MaxIterations), nil
		}

		for i := range lo {
			half := shrink * (hi[i] - lo[i]) / 2
			lo[i] = math.Max(m.Lower[i], best[i]-half)
			hi[i] = math.Min(m.Upper[i], best[i]+half)
		}
	}

	rec.Log("-- Mayfly search did not converge. --")
	return finish(m.Name(), ev, rec, res, MaxIterations), nil
}
