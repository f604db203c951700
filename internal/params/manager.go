package params

import (
	"fmt"
	"strings"
)

// Manager holds the ordered parameter set of a calibration and maps whole
// optimization space vectors to physical parameter vectors.
type Manager struct {
	params []Parameter
}

// NewManager validates the parameters and returns a manager for them.
func NewManager(parameters ...Parameter) (*Manager, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("at least one parameter is required")
	}
	seen := make(map[string]bool, len(parameters))
	for _, p := range parameters {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate parameter name: %s", p.Name)
		}
		seen[p.Name] = true
	}
	return &Manager{params: append([]Parameter(nil), parameters...)}, nil
}

// Len returns the number of parameters.
func (m *Manager) Len() int {
	return len(m.params)
}

// Parameters returns a copy of the parameter definitions.
func (m *Manager) Parameters() []Parameter {
	return append([]Parameter(nil), m.params...)
}

// Names returns the parameter names in vector order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.params))
	for i, p := range m.params {
		names[i] = p.Name
	}
	return names
}

// InitialVector returns the start point in optimization space.
func (m *Manager) InitialVector() []float64 {
	x := make([]float64, len(m.params))
	for i, p := range m.params {
		x[i] = p.Initial()
	}
	return x
}

// Transform maps beta to physical values. It reports false if any
// coordinate is infeasible or the length does not match.
func (m *Manager) Transform(beta []float64) ([]float64, bool) {
	if len(beta) != len(m.params) {
		return nil, false
	}
	out := make([]float64, len(beta))
	for i, p := range m.params {
		v, ok := p.Transform(beta[i])
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// IsValid reports whether every coordinate of beta is inside its bounds.
func (m *Manager) IsValid(beta []float64) bool {
	if len(beta) != len(m.params) {
		return false
	}
	for i, p := range m.params {
		if !p.Valid(beta[i]) {
			return false
		}
	}
	return true
}

// Bounds returns the optimization space bounds. Missing bounds are
// reported as -Inf and +Inf.
func (m *Manager) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(m.params))
	upper = make([]float64, len(m.params))
	for i, p := range m.params {
		lower[i] = p.LowerBound()
		upper[i] = p.UpperBound()
	}
	return lower, upper
}

func (m *Manager) String() string {
	parts := make([]string, len(m.params))
	for i, p := range m.params {
		kind := p.Kind
		if kind == "" {
			kind = Direct
		}
		parts[i] = fmt.Sprintf("%s(%s, start=%g)", p.Name, kind, p.Start)
	}
	return strings.Join(parts, ", ")
}
