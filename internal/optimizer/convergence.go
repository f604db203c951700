package optimizer

import (
	"log/slog"
	"math"
)

// ReductionTracker follows the residual norm over a run. A run has
// converged once S/S_first drops below MinReduction. Independently it
// counts iterations that failed to improve the best norm by at least
// Threshold (relative), which derivative free optimizers use to stop early.
type ReductionTracker struct {
	MinReduction float64
	// Patience is the number of stale iterations before Stalled reports
	// true. Zero disables stall detection.
	Patience  int
	Threshold float64

	history    []float64
	best       float64
	staleCount int
}

// NewReductionTracker creates a tracker for the given reduction threshold.
func NewReductionTracker(minReduction float64) *ReductionTracker {
	return &ReductionTracker{MinReduction: minReduction, best: math.Inf(1)}
}

// Observe records the residual norm of a new iteration. It returns the
// reduction S/S_last and whether a previous norm existed.
func (t *ReductionTracker) Observe(s float64) (float64, bool) {
	var reduction float64
	hasLast := len(t.history) > 0
	if hasLast {
		reduction = s / t.history[len(t.history)-1]
	}
	t.history = append(t.history, s)

	switch {
	case len(t.history) == 1:
		t.best = s
	case t.best > 0 && (t.best-s)/t.best >= t.Threshold && s < t.best:
		t.best = s
		t.staleCount = 0
	default:
		if s < t.best {
			t.best = s
		}
		t.staleCount++
		slog.Debug("No significant residual reduction",
			"residual_norm", s,
			"best", t.best,
			"stale_count", t.staleCount,
			"patience", t.Patience,
		)
	}
	return reduction, hasLast
}

// First returns the first observed norm, or NaN.
func (t *ReductionTracker) First() float64 {
	if len(t.history) == 0 {
		return math.NaN()
	}
	return t.history[0]
}

// Last returns the latest observed norm, or NaN.
func (t *ReductionTracker) Last() float64 {
	if len(t.history) == 0 {
		return math.NaN()
	}
	return t.history[len(t.history)-1]
}

// Best returns the lowest observed norm.
func (t *ReductionTracker) Best() float64 {
	return t.best
}

// Converged reports whether the latest norm satisfies S/S_first < MinReduction.
// A run that starts at zero residual has converged.
func (t *ReductionTracker) Converged() bool {
	if len(t.history) == 0 {
		return false
	}
	first, last := t.First(), t.Last()
	if first == 0 {
		return last == 0
	}
	return last/first < t.MinReduction
}

// Stalled reports whether Patience iterations in a row brought no
// significant improvement.
func (t *ReductionTracker) Stalled() bool {
	return t.Patience > 0 && t.staleCount >= t.Patience
}

// History returns a copy of all observed norms.
func (t *ReductionTracker) History() []float64 {
	return append([]float64(nil), t.history...)
}

// Reset forgets all observations.
func (t *ReductionTracker) Reset() {
	t.history = nil
	t.best = math.Inf(1)
	t.staleCount = 0
}
