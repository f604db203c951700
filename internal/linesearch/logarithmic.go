package linesearch

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Logarithmic tries step lengths 2^e for Evaluations exponents evenly
// spread over [power-Size, power], starting at power 0 and moving the
// window down by Size each round.
type Logarithmic struct {
	MaxIterations int // default 2
	Size          int // window width in powers of two, default 5
	Evaluations   int // default 10
	C             float64
}

func (l *Logarithmic) Name() string { return "logarithmic" }

// Search implements LineSearch.
func (l *Logarithmic) Search(ctx context.Context, ev evaluator.Evaluator, d, x []float64, target *measurement.Series,
	J *mat.Dense, r []float64, rec recorder.Recorder) ([]float64, float64, error) {
	rec = orDiscard(rec)
	maxIt, size, k, c := l.MaxIterations, l.Size, l.Evaluations, l.C
	if maxIt < 1 {
		maxIt = 2
	}
	if size < 1 {
		size = 5
	}
	if k < 2 {
		k = DefaultEvaluations
	}
	if c <= 0 {
		c = DefaultC
	}
	rec.AddRunMetadata("ls_maxiterations", maxIt)
	rec.AddRunMetadata("ls_size", size)
	rec.AddRunMetadata("ls_parallel_evaluations", k)

	base := halfSquare(r)
	descent := slope(J, r, d)
	power := 0.0
	var history []recorder.AlphaTrial

	for round := 1; ; round++ {
		alphas := floats.Span(make([]float64, k), power-float64(size), power)
		alphas[k-1] = power
		for i, e := range alphas {
			alphas[i] = math.Exp2(e)
		}
		trials, err := tryStepLengths(ctx, ev, x, d, alphas, target)
		if err != nil {
			return nil, 0, err
		}
		logTrials(rec, trials)
		history = append(history, records(trials)...)

		minIndex := -1
		minNorm := math.Inf(1)
		for i, t := range trials {
			if !t.failed && t.norm < minNorm {
				minNorm, minIndex = t.norm, i
			}
		}

		if minIndex < 0 {
			rec.Log("\tno run finished.")
			if round >= maxIt {
				rec.AddMetric("lineSearchAlphas", history)
				return nil, 0, fmt.Errorf("%w: every trial failed", ErrExhausted)
			}
			power -= float64(size)
			continue
		}

		alpha := alphas[minIndex]
		bound := base + c*alpha*descent
		rec.Log(fmt.Sprintf("\t [%d]: min_alpha = %g, with cost: %g, wolfe lower bound: %g", round, alpha, minNorm, bound))

		// The smallest step winning means the window is probably too coarse;
		// it is only accepted once the budget is spent.
		if minNorm < bound && (minIndex != 0 || round >= maxIt) {
			rec.AddMetric("alpha", alpha)
			rec.AddMetric("lineSearchAlphas", history)
			accepted(l.Name(), alpha, minNorm, round)
			return step(x, d, alpha), minNorm, nil
		}
		if round >= maxIt {
			rec.AddMetric("lineSearchAlphas", history)
			return nil, 0, fmt.Errorf("%w: best residual norm %g above bound %g", ErrExhausted, minNorm, bound)
		}
		power -= float64(size)
	}
}
