// Package model provides synthetic simulations. They stand in for real
// solvers in demos, the job server and end-to-end tests, and honour the
// same Backend contract: parameters in, measurement series out.
package model

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
)

// Fixed parameters understood by every model. Values may be of any type
// cast can convert, so YAML and JSON configs can pass strings or numbers.
const (
	// FixedOffset is added to every simulated value.
	FixedOffset = "offset"
	// FixedDelay makes each run take at least this long, e.g. "50ms".
	FixedDelay = "delay"
)

// Kinds lists the names accepted by New.
var Kinds = []string{"linear", "exponential", "polynomial"}

// Grid is the sampling of a synthetic simulation.
type Grid struct {
	Times     []float64
	Locations []measurement.Location
}

func (g Grid) validate() error {
	if len(g.Times) == 0 {
		return fmt.Errorf("model grid has no times")
	}
	return nil
}

// sample evaluates f on every (time, location) pair of the grid.
func (g Grid) sample(f func(i int, t float64, loc measurement.Location) float64) *measurement.Series {
	width := max(1, len(g.Locations))
	values := make([][]float64, len(g.Times))
	for i, t := range g.Times {
		row := make([]float64, width)
		for l := range row {
			var loc measurement.Location
			if len(g.Locations) > 0 {
				loc = g.Locations[l]
			}
			row[l] = f(i, t, loc)
		}
		values[i] = row
	}
	return &measurement.Series{
		Times:     slices.Clone(g.Times),
		Locations: slices.Clone(g.Locations),
		Values:    values,
	}
}

// fixedOptions reads the common fixed parameters.
func fixedOptions(fixed map[string]any) (offset float64, delay time.Duration, err error) {
	if v, ok := fixed[FixedOffset]; ok {
		if offset, err = cast.ToFloat64E(v); err != nil {
			return 0, 0, fmt.Errorf("fixed parameter %s: %w", FixedOffset, err)
		}
	}
	if v, ok := fixed[FixedDelay]; ok {
		if delay, err = cast.ToDurationE(v); err != nil {
			return 0, 0, fmt.Errorf("fixed parameter %s: %w", FixedDelay, err)
		}
	}
	return offset, delay, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run wraps a model function with the shared fixed parameter handling.
func run(ctx context.Context, g Grid, fixed map[string]any, f func(i int, t float64, loc measurement.Location) float64) (*measurement.Series, error) {
	offset, delay, err := fixedOptions(fixed)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	s := g.sample(func(i int, t float64, loc measurement.Location) float64 {
		return f(i, t, loc) + offset
	})
	for _, row := range s.Values {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("simulation diverged")
			}
		}
	}
	return s, nil
}

// Linear simulates y = A·θ with one design row per time step. All
// locations see the same value.
type Linear struct {
	Grid
	Design *mat.Dense
}

// NewLinear builds a linear model with the polynomial design
// A[i][j] = t_i^j for p parameters.
func NewLinear(g Grid, p int) *Linear {
	design := mat.NewDense(len(g.Times), p, nil)
	design.Apply(func(i, j int, _ float64) float64 { return math.Pow(g.Times[i], float64(j)) }, design)
	return &Linear{Grid: g, Design: design}
}

func (m *Linear) Run(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error) {
	n, p := m.Design.Dims()
	if len(parameters) != p {
		return nil, fmt.Errorf("linear model expects %d parameters, got %d", p, len(parameters))
	}
	if n != len(m.Times) {
		return nil, fmt.Errorf("design has %d rows for %d times", n, len(m.Times))
	}
	y := mat.NewVecDense(n, nil)
	y.MulVec(m.Design, mat.NewVecDense(p, parameters))
	return run(ctx, m.Grid, fixed, func(i int, _ float64, _ measurement.Location) float64 {
		return y.AtVec(i)
	})
}

// Exponential simulates y(t, x) = a·exp(-k·t·(1+x)) for parameters (a, k),
// where x is the first coordinate of the location (0 for scalar series).
type Exponential struct {
	Grid
}

func (m *Exponential) Run(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error) {
	if len(parameters) != 2 {
		return nil, fmt.Errorf("exponential model expects 2 parameters, got %d", len(parameters))
	}
	a, k := parameters[0], parameters[1]
	return run(ctx, m.Grid, fixed, func(_ int, t float64, loc measurement.Location) float64 {
		x := 0.0
		if len(loc) > 0 {
			x = loc[0]
		}
		return a * math.Exp(-k*t*(1+x))
	})
}

// Polynomial simulates y(t) = Σ p_j·t^j for any number of parameters.
type Polynomial struct {
	Grid
}

func (m *Polynomial) Run(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("polynomial model needs at least one parameter")
	}
	coeffs := slices.Clone(parameters)
	return run(ctx, m.Grid, fixed, func(_ int, t float64, _ measurement.Location) float64 {
		// Horner
		v := 0.0
		for j := len(coeffs) - 1; j >= 0; j-- {
			v = v*t + coeffs[j]
		}
		return v
	})
}

// Failing wraps a backend and fails every run with a negative coordinate,
// modelling a solver that rejects unphysical inputs.
type Failing struct {
	evaluator.Backend
}

func (f *Failing) Run(ctx context.Context, parameters []float64, fixed map[string]any) (*measurement.Series, error) {
	for i, v := range parameters {
		if v < 0 {
			return nil, fmt.Errorf("parameter %d is negative: %g", i, v)
		}
	}
	return f.Backend.Run(ctx, parameters, fixed)
}

// New returns the model registered under kind. Linear and polynomial
// models take p parameters; exponential always takes two. A "failing-"
// prefix wraps the model in Failing.
func New(kind string, g Grid, p int) (evaluator.Backend, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	kind = strings.ToLower(kind)
	if inner, ok := strings.CutPrefix(kind, "failing-"); ok {
		b, err := New(inner, g, p)
		if err != nil {
			return nil, err
		}
		return &Failing{Backend: b}, nil
	}
	switch kind {
	case "linear":
		if p < 1 {
			return nil, fmt.Errorf("linear model needs at least one parameter")
		}
		return NewLinear(g, p), nil
	case "exponential", "decay":
		return &Exponential{Grid: g}, nil
	case "polynomial":
		return &Polynomial{Grid: g}, nil
	}
	return nil, fmt.Errorf("unknown model %q (known: %s)", kind, strings.Join(Kinds, ", "))
}
