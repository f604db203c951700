package jacobian

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

var grid = []float64{0, 1, 2, 3}

// quadratic returns y(t) = a + b*t + c*t^2.
func quadratic(_ context.Context, p []float64, _ map[string]any) (*measurement.Series, error) {
	values := make([]float64, len(grid))
	for i, t := range grid {
		values[i] = p[0] + p[1]*t + p[2]*t*t
	}
	return measurement.NewScalar(grid, values), nil
}

func target() *measurement.Series {
	return measurement.NewScalar(grid, []float64{1, 1, 1, 1})
}

func TestPointsLayout(t *testing.T) {
	tests := []struct {
		name string
		diff Differencing
		want [][]float64
	}{
		{"forward", Forward, [][]float64{{2, 0}, {2.2, 0}, {2, 0.1}}},
		{"pure forward", PureForward, [][]float64{{2, 0}, {2.1, 0}, {2, 0.1}}},
		{"central", Central, [][]float64{{2, 0}, {2.2, 0}, {1.8, 0}, {2, 0.1}, {2, -0.1}}},
		{"pure central", PureCentral, [][]float64{{2, 0}, {2.1, 0}, {1.9, 0}, {2, 0.1}, {2, -0.1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimator{Epsilon: 0.1, Differencing: tt.diff}.Points([]float64{2, 0})
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDeltaSlice(t, tt.want[i], got[i], 1e-12, "point %d", i)
			}
		})
	}
}

func TestEstimateQuadratic(t *testing.T) {
	x := []float64{0.5, -2, 0}
	for _, diff := range []Differencing{Forward, PureForward, Central, PureCentral} {
		t.Run(diff.String(), func(t *testing.T) {
			ev := evaluator.New(evaluator.BackendFunc(quadratic), evaluator.Config{Parallelism: 2})
			res, err := Estimator{Epsilon: 1e-6, Differencing: diff}.Estimate(context.Background(), ev, x, target(), nil)
			require.NoError(t, err)

			rows, cols := res.J.Dims()
			require.Equal(t, len(grid), rows)
			require.Equal(t, 3, cols)
			for i, tt := range grid {
				assert.InDelta(t, 1, res.J.At(i, 0), 1e-4)
				assert.InDelta(t, tt, res.J.At(i, 1), 1e-4)
				assert.InDelta(t, tt*tt, res.J.At(i, 2), 1e-4)
			}
		})
	}
}

func TestEstimateResidualFromBase(t *testing.T) {
	ev := evaluator.New(evaluator.BackendFunc(quadratic), evaluator.Config{})
	res, err := Estimator{}.Estimate(context.Background(), ev, []float64{1, 1, 0}, target(), nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 3}, res.Residual)
	assert.Equal(t, 7.0, res.S)
	assert.Equal(t, []float64{1, 1, 0}, res.Base.Parameters)
}

func TestEstimateAllOrNothing(t *testing.T) {
	backend := evaluator.BackendFunc(func(ctx context.Context, p []float64, fixed map[string]any) (*measurement.Series, error) {
		if p[1] > 1 {
			return nil, errors.New("solver diverged")
		}
		return quadratic(ctx, p, fixed)
	})
	ev := evaluator.New(backend, evaluator.Config{})
	rec := recorder.NewResult()

	res, err := Estimator{Epsilon: 0.5}.Estimate(context.Background(), ev, []float64{1, 1, 1}, target(), rec)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrEstimationFailed)
	assert.Contains(t, err.Error(), "solver diverged")

	logs := rec.Logs()
	require.Len(t, logs, 5)
	assert.Contains(t, logs[0], "jacobi matrix calculated")
	assert.Contains(t, logs[2], "timeCount=4")
	assert.Contains(t, logs[3], "solver diverged")
}

func TestEstimateUsesTag(t *testing.T) {
	ev := evaluator.New(evaluator.BackendFunc(quadratic), evaluator.Config{})
	rec := recorder.NewResult()
	ev.SetRecorder(rec)

	_, err := Estimator{}.Estimate(context.Background(), ev, []float64{1, 2, 3}, target(), rec)
	require.NoError(t, err)

	rec.CommitIteration()
	it, _ := rec.Last()
	require.Len(t, it.Evaluations, 4)
	for _, e := range it.Evaluations {
		assert.Equal(t, Tag, e.Tag)
	}
}

func TestEstimateIncompatibleTarget(t *testing.T) {
	ev := evaluator.New(evaluator.BackendFunc(quadratic), evaluator.Config{})
	bad, err := measurement.New([]float64{0, 1}, []measurement.Location{{0.5}}, [][]float64{{1}, {1}})
	require.NoError(t, err)

	_, err = Estimator{}.Estimate(context.Background(), ev, []float64{1, 2, 3}, bad, nil)
	assert.ErrorIs(t, err, measurement.ErrIncompatibleFormat)
}

func TestNegativeEpsilonUsesMachinePrecision(t *testing.T) {
	e := Estimator{Epsilon: -1}
	assert.InDelta(t, math.Sqrt(2.220446049250313e-16), e.epsilon(), 1e-20)
	assert.Equal(t, DefaultEpsilon, Estimator{}.epsilon())
}

func TestParseDifferencing(t *testing.T) {
	for in, want := range map[string]Differencing{
		"":             Forward,
		"forward":      Forward,
		"pure_forward": PureForward,
		"Central":      Central,
		"pure-central": PureCentral,
	} {
		got, err := ParseDifferencing(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDifferencing("backward")
	assert.Error(t, err)
}
