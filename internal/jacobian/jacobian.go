// Package jacobian estimates the Jacobian of the simulated measurement with
// respect to the optimization parameters by finite differencing.
package jacobian

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Tag is attached to every evaluation of a Jacobian batch.
const Tag = "jacobi-matrix"

// DefaultEpsilon is the relative differencing step.
const DefaultEpsilon = 1e-3

// ErrEstimationFailed is returned when at least one evaluation of the
// differencing batch failed. No partial matrix is ever returned.
var ErrEstimationFailed = errors.New("jacobian estimation failed")

// Differencing selects the finite difference scheme.
type Differencing int

const (
	// Forward perturbs x_i to x_i*(1+eps), or to eps when x_i is zero.
	Forward Differencing = iota
	// PureForward perturbs x_i to x_i+eps.
	PureForward
	// Central evaluates x_i*(1±eps), or ±eps when x_i is zero.
	Central
	// PureCentral evaluates x_i±eps.
	PureCentral
)

var differencingNames = map[Differencing]string{
	Forward:     "forward",
	PureForward: "pure-forward",
	Central:     "central",
	PureCentral: "pure-central",
}

func (d Differencing) String() string {
	if s, ok := differencingNames[d]; ok {
		return s
	}
	return fmt.Sprintf("differencing(%d)", int(d))
}

// ParseDifferencing parses a scheme name. Underscores are accepted in place
// of dashes, and the empty string means Forward.
func ParseDifferencing(s string) (Differencing, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if s == "" {
		return Forward, nil
	}
	for d, name := range differencingNames {
		if name == s {
			return d, nil
		}
	}
	return Forward, fmt.Errorf("unknown differencing %q", s)
}

// central reports whether the scheme evaluates two points per parameter.
func (d Differencing) central() bool {
	return d == Central || d == PureCentral
}

// Estimator computes Jacobians with one evaluator batch each.
type Estimator struct {
	Epsilon      float64
	Differencing Differencing
}

// Result is a complete Jacobian estimate together with the evaluation of
// the base point it was taken at.
type Result struct {
	// J has one row per flattened measurement value and one column per
	// parameter.
	J *mat.Dense
	// Base is the evaluation of the unperturbed point.
	Base evaluator.Outcome
	// Values is the base measurement resampled onto the target.
	Values []float64
	// Residual is the resampled base measurement minus the target.
	Residual []float64
	// S is 0.5*Residual·Residual.
	S float64
}

func (e Estimator) epsilon() float64 {
	switch {
	case e.Epsilon < 0:
		return math.Sqrt(math.Nextafter(1, 2) - 1)
	case e.Epsilon == 0:
		return DefaultEpsilon
	}
	return e.Epsilon
}

// Points returns the batch evaluated for x: the base point followed by one
// perturbed point per parameter (forward schemes) or a +/- pair per
// parameter (central schemes).
func (e Estimator) Points(x []float64) [][]float64 {
	eps := e.epsilon()
	points := [][]float64{clone(x)}
	for i, xi := range x {
		switch e.Differencing {
		case Forward:
			p := clone(x)
			if xi == 0 {
				p[i] = eps
			} else {
				p[i] = xi * (1 + eps)
			}
			points = append(points, p)
		case PureForward:
			p := clone(x)
			p[i] = xi + eps
			points = append(points, p)
		case Central:
			pos, neg := clone(x), clone(x)
			if xi == 0 {
				pos[i], neg[i] = eps, -eps
			} else {
				pos[i], neg[i] = xi*(1+eps), xi*(1-eps)
			}
			points = append(points, pos, neg)
		case PureCentral:
			pos, neg := clone(x), clone(x)
			pos[i], neg[i] = xi+eps, xi-eps
			points = append(points, pos, neg)
		}
	}
	return points
}

// divisor is the column scale for parameter value xi.
func (e Estimator) divisor(xi float64) float64 {
	eps := e.epsilon()
	d := eps
	if (e.Differencing == Forward || e.Differencing == Central) && xi != 0 {
		d = eps * xi
	}
	if e.Differencing.central() {
		d *= 2
	}
	return d
}

// Estimate evaluates the differencing batch for x in the optimization space
// and assembles the Jacobian. Every outcome is logged to rec. If any
// evaluation failed the error wraps ErrEstimationFailed.
func (e Estimator) Estimate(ctx context.Context, ev evaluator.Evaluator, x []float64, target *measurement.Series, rec recorder.Recorder) (*Result, error) {
	if len(x) == 0 {
		return nil, errors.New("jacobian of an empty parameter vector")
	}
	if rec == nil {
		rec = recorder.Discard
	}

	outcomes := ev.Evaluate(ctx, e.Points(x), true, Tag)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec.Log("jacobi matrix calculated. evaluations:")
	var reasons []string
	for _, o := range outcomes {
		rec.Log("\t" + o.String())
		if o.Failed() {
			reasons = append(reasons, fmt.Sprintf("id=%s: %s", o.ID, o.Reason))
		}
	}
	if len(reasons) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrEstimationFailed, strings.Join(reasons, "; "))
	}

	values := make([][]float64, len(outcomes))
	for i, o := range outcomes {
		v, err := o.Measurement.ResampleTo(target)
		if err != nil {
			return nil, fmt.Errorf("resample evaluation %s: %w", o.ID, err)
		}
		values[i] = v
	}

	n, p := len(values[0]), len(x)
	J := mat.NewDense(n, p, nil)
	for i, xi := range x {
		var plus, minus []float64
		if e.Differencing.central() {
			plus, minus = values[2*i+1], values[2*i+2]
		} else {
			plus, minus = values[i+1], values[0]
		}
		d := e.divisor(xi)
		for row := 0; row < n; row++ {
			J.Set(row, i, (plus[row]-minus[row])/d)
		}
	}

	want := target.Flatten()
	r := make([]float64, n)
	var s float64
	for i := range r {
		r[i] = values[0][i] - want[i]
		s += r[i] * r[i]
	}

	return &Result{J: J, Base: outcomes[0], Values: values[0], Residual: r, S: 0.5 * s}, nil
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}
