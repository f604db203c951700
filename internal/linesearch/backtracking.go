package linesearch

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Backtracking evaluates one step at a time, starting at alpha = 1 and
// multiplying by Rho until the decrease condition holds.
type Backtracking struct {
	MaxIterations int     // default 15
	Rho           float64 // default 0.5
	C             float64
}

func (b *Backtracking) Name() string { return "backtracking" }

// Search implements LineSearch.
func (b *Backtracking) Search(ctx context.Context, ev evaluator.Evaluator, d, x []float64, target *measurement.Series,
	J *mat.Dense, r []float64, rec recorder.Recorder) ([]float64, float64, error) {
	rec = orDiscard(rec)
	maxIt, rho, c := b.MaxIterations, b.Rho, b.C
	if maxIt < 1 {
		maxIt = 15
	}
	if rho <= 0 || rho >= 1 {
		rho = 0.5
	}
	if c <= 0 {
		c = DefaultC
	}
	rec.AddRunMetadata("ls_maxiterations", maxIt)

	base := halfSquare(r)
	descent := slope(J, r, d)
	alpha := 1.0

	for round := 0; round < maxIt; round++ {
		trials, err := tryStepLengths(ctx, ev, x, d, []float64{alpha}, target)
		if err != nil {
			return nil, 0, err
		}
		t := trials[0]
		if t.failed {
			rec.Log(fmt.Sprintf("\t\t [%d]: alpha = %g errored: %s", round, alpha, t.reason))
			return nil, 0, fmt.Errorf("%w: alpha %g: %s", ErrTrialFailed, alpha, t.reason)
		}

		bound := base + c*alpha*descent
		rec.Log(fmt.Sprintf("\t\t [%d]: alpha = %g, new residualnorm: %g, wolfe lower bound: %g", round, alpha, t.norm, bound))
		rec.AddMetric("alpha", alpha)

		if t.norm <= bound {
			accepted(b.Name(), alpha, t.norm, round)
			return step(x, d, alpha), t.norm, nil
		}
		alpha *= rho
	}
	return nil, 0, fmt.Errorf("%w: no sufficient decrease after %d steps", ErrExhausted, maxIt)
}
