package optimizer

import (
	"context"
	"fmt"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
)

// candidate is a trial point of a damping ladder or an MMA subproblem.
type candidate struct {
	lambda float64
	nu     float64
	delta  []float64
	x      []float64

	S      float64
	failed bool
	reason string
	id     string
}

func (c candidate) reduces(S float64, strict bool) bool {
	if c.failed {
		return false
	}
	if strict {
		return c.S < S
	}
	return c.S <= S
}

func (c candidate) String() string {
	if c.failed {
		return c.reason
	}
	return fmt.Sprintf("f=%g", c.S)
}

// evaluateCandidates evaluates all candidate points in one batch and fills
// in their residual norms.
func evaluateCandidates(ctx context.Context, ev evaluator.Evaluator, target *measurement.Series, cands []candidate, tag string) error {
	points := make([][]float64, len(cands))
	for i, c := range cands {
		points[i] = c.x
	}

	outcomes := ev.Evaluate(ctx, points, true, tag)
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, o := range outcomes {
		cands[i].id = o.ID
		if o.Failed() {
			cands[i].failed = true
			cands[i].reason = o.Reason
			continue
		}
		_, s, err := evaluator.Residual(o, target)
		if err != nil {
			return fmt.Errorf("resample evaluation %s: %w", o.ID, err)
		}
		cands[i].S = s
	}
	return nil
}

func add(x, d []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] + d[i]
	}
	return out
}
