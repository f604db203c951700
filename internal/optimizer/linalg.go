package optimizer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// wellPosed filters gonum condition errors: ill-conditioned results are
// usable and only logged, exactly singular systems are errors.
func wellPosed(err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) && !math.IsInf(float64(cond), 1) {
		slog.Warn("Ill-conditioned linear system", "condition", float64(cond))
		return nil
	}
	return err
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// regression is the Gauss-Newton step together with the linearized
// statistics of the least squares problem at the current point
// (Bates & Watts, Nonlinear Regression Analysis, ch. 1-2).
type regression struct {
	delta []float64

	hessian     *mat.Dense // (R1ᵀR1)⁻¹
	correlation *mat.Dense

	// Only set when the problem has residual degrees of freedom.
	variance    float64
	hasVariance bool
	covariance  *mat.Dense
	stdErrors   []float64
}

// gaussNewtonStep solves J*delta = -r in the least squares sense through
// the reduced QR factorization J = Q1*R1.
func gaussNewtonStep(J *mat.Dense, r []float64, S float64) (*regression, error) {
	n, p := J.Dims()
	if n < p {
		return nil, fmt.Errorf("%d residuals cannot determine %d parameters", n, p)
	}

	var qr mat.QR
	qr.Factorize(J)

	var w mat.VecDense
	if err := wellPosed(qr.SolveVecTo(&w, false, mat.NewVecDense(n, r))); err != nil {
		return nil, fmt.Errorf("solve gauss-newton system: %w", err)
	}
	reg := &regression{delta: make([]float64, p)}
	for i := range reg.delta {
		reg.delta[i] = -w.AtVec(i)
	}
	if !finite(reg.delta) {
		return nil, errors.New("gauss-newton step is not finite")
	}

	var R mat.Dense
	qr.RTo(&R)
	R1 := R.Slice(0, p, 0, p)

	var R1inv mat.Dense
	if err := wellPosed(R1inv.Inverse(R1)); err != nil {
		return nil, fmt.Errorf("invert R1: %w", err)
	}

	reg.hessian = mat.NewDense(p, p, nil)
	reg.hessian.Mul(&R1inv, R1inv.T())

	// L = D⁻¹*R1⁻¹ with D = diag(sqrt(diag(hessian))); correlation = L*Lᵀ.
	L := mat.NewDense(p, p, nil)
	L.Apply(func(i, _ int, v float64) float64 {
		return v / math.Sqrt(reg.hessian.At(i, i))
	}, &R1inv)
	reg.correlation = mat.NewDense(p, p, nil)
	reg.correlation.Mul(L, L.T())

	if dof := n - p; dof > 0 {
		reg.hasVariance = true
		reg.variance = S / float64(dof)
		reg.covariance = mat.NewDense(p, p, nil)
		reg.covariance.Scale(reg.variance, reg.hessian)

		s := math.Sqrt(reg.variance)
		reg.stdErrors = make([]float64, p)
		for i := range reg.stdErrors {
			reg.stdErrors[i] = s * floats.Norm(R1inv.RawRowView(i), 2)
		}
	}
	return reg, nil
}

// gradient returns Jᵀr, the gradient of 0.5*r·r.
func gradient(J *mat.Dense, r []float64) []float64 {
	_, p := J.Dims()
	g := mat.NewVecDense(p, nil)
	g.MulVec(J.T(), mat.NewVecDense(len(r), r))
	return g.RawVector().Data
}

// dampedSystem is the Levenberg-Marquardt normal equation system
// (A + λI)*delta = -g with A = JᵀJ and g = Jᵀr. With scaling, A and g are
// normalized by sqrt(diag(A)) and delta is scaled back.
type dampedSystem struct {
	p     int
	a     *mat.Dense
	g     *mat.VecDense
	scale []float64

	// Unscaled gradient and diagonal, for gain ratios and initial damping.
	grad    []float64
	maxDiag float64
}

func newDampedSystem(J *mat.Dense, r []float64, scaling bool) *dampedSystem {
	_, p := J.Dims()
	a := mat.NewDense(p, p, nil)
	a.Mul(J.T(), J)
	grad := gradient(J, r)
	g := mat.NewVecDense(p, append([]float64(nil), grad...))

	s := &dampedSystem{p: p, a: a, g: g, grad: grad}
	for i := 0; i < p; i++ {
		s.maxDiag = math.Max(s.maxDiag, a.At(i, i))
	}

	if scaling {
		s.scale = make([]float64, p)
		for i := range s.scale {
			s.scale[i] = math.Sqrt(a.At(i, i))
			if s.scale[i] == 0 {
				s.scale[i] = 1
			}
		}
		a.Apply(func(i, j int, v float64) float64 { return v / (s.scale[i] * s.scale[j]) }, a)
		for i := 0; i < p; i++ {
			g.SetVec(i, g.AtVec(i)/s.scale[i])
		}
	}
	return s
}

// delta solves the system for damping lambda.
func (s *dampedSystem) delta(lambda float64) ([]float64, error) {
	m := mat.NewDense(s.p, s.p, nil)
	m.Copy(s.a)
	for i := 0; i < s.p; i++ {
		m.Set(i, i, m.At(i, i)+lambda)
	}

	var qr mat.QR
	qr.Factorize(m)
	var d mat.VecDense
	if err := wellPosed(qr.SolveVecTo(&d, false, s.g)); err != nil {
		return nil, fmt.Errorf("damped system with lambda %g: %w", lambda, err)
	}

	out := make([]float64, s.p)
	for i := range out {
		out[i] = -d.AtVec(i)
		if s.scale != nil {
			out[i] /= s.scale[i]
		}
	}
	if !finite(out) {
		return nil, fmt.Errorf("damped step with lambda %g is not finite", lambda)
	}
	return out, nil
}

// gainRatio compares the actual reduction S - newS with the reduction
// predicted by the linear model, 0.5*deltaᵀ(λ*delta - g).
func (s *dampedSystem) gainRatio(S, newS float64, delta []float64, lambda float64) float64 {
	predicted := 0.0
	for i, d := range delta {
		predicted += d * (lambda*d - s.grad[i])
	}
	return (S - newS) / (0.5 * predicted)
}
