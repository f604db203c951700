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

// Linear tries uniformly spaced step lengths in a window starting at
// [0, 1]. Each round narrows the window around the best step, or moves it
// when the best step sits on an edge of the window.
type Linear struct {
	MaxIterations int     // default 3
	Evaluations   int     // steps per round, default 10
	C             float64 // default DefaultC
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) settings() (int, int, float64) {
	maxIt, k, c := l.MaxIterations, l.Evaluations, l.C
	if maxIt < 1 {
		maxIt = 3
	}
	if k < 2 {
		k = DefaultEvaluations
	}
	if c <= 0 {
		c = DefaultC
	}
	return maxIt, k, c
}

// Search implements LineSearch.
func (l *Linear) Search(ctx context.Context, ev evaluator.Evaluator, d, x []float64, target *measurement.Series,
	J *mat.Dense, r []float64, rec recorder.Recorder) ([]float64, float64, error) {
	rec = orDiscard(rec)
	maxIt, k, c := l.settings()
	rec.AddRunMetadata("ls_maxiterations", maxIt)
	rec.AddRunMetadata("ls_parallel_evaluations", k)

	base := halfSquare(r)
	descent := slope(J, r, d)

	low, top := 0.0, 1.0
	bestNorm, bestAlpha := math.Inf(1), -1.0
	var history []recorder.AlphaTrial

	for round := 1; ; round++ {
		alphas := floats.Span(make([]float64, k), low, top)
		alphas[k-1] = top
		trials, err := tryStepLengths(ctx, ev, x, d, alphas, target)
		if err != nil {
			return nil, 0, err
		}
		logTrials(rec, trials)
		history = append(history, records(trials)...)

		minIndex := -1
		minNorm := math.Inf(1)
		for i, t := range trials {
			if t.failed || t.norm >= minNorm {
				continue
			}
			minNorm, minIndex = t.norm, i
			if minNorm < bestNorm {
				bestNorm, bestAlpha = minNorm, alphas[i]
			}
		}

		if minIndex < 0 {
			rec.Log(fmt.Sprintf("\t [%d]: no run finished.", round))
			if round >= maxIt {
				rec.AddMetric("lineSearchAlphas", history)
				return nil, 0, fmt.Errorf("%w: every trial failed", ErrExhausted)
			}
			low, top = 0, top/float64(k)
			continue
		}

		var nextLow, nextTop float64
		override := false
		switch {
		case minIndex == k-1:
			override = true
			nextLow, nextTop = top, top+(top-low)
		case minIndex == 0 && low == 0:
			override = true
			nextLow, nextTop = 0, top/float64(k)
		default:
			a := alphas[minIndex]
			nextLow = math.Max(0, a-(top-low)/4)
			nextTop = a + (top-low)/4
		}

		bound := base + c*bestAlpha*descent
		rec.Log(fmt.Sprintf("\t [%d]: min_alpha = %g, next interval = [%g, %g], new residualnorm: %g, wolfe lower bound: %g",
			round, bestAlpha, nextLow, nextTop, bestNorm, bound))

		if bestNorm < bound && (!override || round >= maxIt) {
			rec.AddMetric("alpha", bestAlpha)
			rec.AddMetric("lineSearchAlphas", history)
			accepted(l.Name(), bestAlpha, bestNorm, round)
			return step(x, d, bestAlpha), bestNorm, nil
		}
		if round >= maxIt {
			rec.AddMetric("lineSearchAlphas", history)
			return nil, 0, fmt.Errorf("%w: best residual norm %g above bound %g", ErrExhausted, bestNorm, bound)
		}
		low, top = nextLow, nextTop
	}
}
