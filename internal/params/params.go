package params

import (
	"fmt"
	"log/slog"
	"math"
)

// Kind selects how a parameter is represented in optimization space.
type Kind string

const (
	// Direct optimizes the physical value itself.
	Direct Kind = "direct"
	// Log optimizes the natural logarithm of the physical value.
	Log Kind = "log"
	// Scaled optimizes the physical value divided by its start value.
	Scaled Kind = "scaled"
)

// Parameter describes one calibrated quantity. Min and Max are physical
// bounds and are optional.
type Parameter struct {
	Name  string   `json:"name" yaml:"name"`
	Kind  Kind     `json:"transform" yaml:"transform"`
	Start float64  `json:"start" yaml:"start"`
	Min   *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max   *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Bound is a helper for building optional bounds inline.
func Bound(v float64) *float64 {
	return &v
}

// Initial returns the start value in optimization space.
func (p Parameter) Initial() float64 {
	switch p.Kind {
	case Log:
		return math.Log(p.Start)
	case Scaled:
		return 1
	default:
		return p.Start
	}
}

// LowerBound returns the optimization space lower bound, or -Inf.
func (p Parameter) LowerBound() float64 {
	lo, _ := p.bounds()
	return lo
}

// UpperBound returns the optimization space upper bound, or +Inf.
func (p Parameter) UpperBound() float64 {
	_, hi := p.bounds()
	return hi
}

func (p Parameter) bounds() (lo, hi float64) {
	lo, hi = math.Inf(-1), math.Inf(1)
	switch p.Kind {
	case Log:
		if p.Min != nil {
			lo = math.Log(*p.Min)
		}
		if p.Max != nil {
			hi = math.Log(*p.Max)
		}
	case Scaled:
		// a negative start value flips the order of the bounds
		minB, maxB := p.Min, p.Max
		if p.Start < 0 {
			minB, maxB = maxB, minB
		}
		if minB != nil {
			lo = *minB / p.Start
		}
		if maxB != nil {
			hi = *maxB / p.Start
		}
	default:
		if p.Min != nil {
			lo = *p.Min
		}
		if p.Max != nil {
			hi = *p.Max
		}
	}
	return lo, hi
}

// Valid reports whether v lies inside the optimization space bounds.
func (p Parameter) Valid(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if v > p.UpperBound() {
		slog.Debug("Parameter out of bounds", "name", p.Name, "value", v, "upper", p.UpperBound())
		return false
	}
	if v < p.LowerBound() {
		slog.Debug("Parameter out of bounds", "name", p.Name, "value", v, "lower", p.LowerBound())
		return false
	}
	return true
}

// Transform maps an optimization space value to the physical value passed
// to the simulation. The second return is false for infeasible values.
func (p Parameter) Transform(v float64) (float64, bool) {
	if !p.Valid(v) {
		return 0, false
	}
	switch p.Kind {
	case Log:
		return math.Exp(v), true
	case Scaled:
		return p.Start * v, true
	default:
		return v, true
	}
}

func (p Parameter) validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name cannot be empty")
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return fmt.Errorf("parameter %s: min %g exceeds max %g", p.Name, *p.Min, *p.Max)
	}
	switch p.Kind {
	case Direct, "":
	case Log:
		if p.Start <= 0 {
			return fmt.Errorf("parameter %s: log transform needs a positive start value", p.Name)
		}
		if (p.Min != nil && *p.Min <= 0) || (p.Max != nil && *p.Max <= 0) {
			return fmt.Errorf("parameter %s: log transform needs positive bounds", p.Name)
		}
	case Scaled:
		if p.Start == 0 {
			return fmt.Errorf("parameter %s: scaled transform needs a nonzero start value", p.Name)
		}
	default:
		return fmt.Errorf("parameter %s: unknown transform %q", p.Name, p.Kind)
	}
	return nil
}
