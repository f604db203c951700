package store

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/params"
)

// RunRecord is the persisted summary of a calibration run: where it
// ended, how it got there and the configuration it ran with.
//
// The record keeps the last accepted point, not the optimizer's internal
// state (damping, asymptotes, swarm). A resumed run restarts the optimizer
// from Parameters with fresh internal state.
type RunRecord struct {
	RunID     string `json:"runId"`
	Name      string `json:"name"`
	Optimizer string `json:"optimizer"`

	State  optimizer.State `json:"state"`
	Phase  optimizer.Phase `json:"phase,omitempty"`
	Reason string          `json:"reason,omitempty"`

	// ParameterNames and Parameters describe the last accepted point in
	// optimization space; Physical holds the simulation values.
	ParameterNames []string           `json:"parameterNames"`
	Parameters     []float64          `json:"parameters"`
	Physical       map[string]float64 `json:"physical,omitempty"`

	// Transforms say how Parameters map to physical values. Records
	// written before transforms were stored have none.
	Transforms []Transform `json:"transforms,omitempty"`

	ResidualNorm      float64         `json:"residualNorm"`
	FirstResidualNorm float64         `json:"firstResidualNorm"`
	Iterations        int             `json:"iterations"`
	Stats             evaluator.Stats `json:"stats"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// Config is the calibration config as submitted.
	Config json.RawMessage `json:"config,omitempty"`
}

// RunInfo contains the metadata of a run without its parameter data.
type RunInfo struct {
	RunID        string          `json:"runId"`
	Name         string          `json:"name"`
	Optimizer    string          `json:"optimizer"`
	State        optimizer.State `json:"state"`
	ResidualNorm float64         `json:"residualNorm"`
	Iterations   int             `json:"iterations"`
	Finished     time.Time       `json:"finished"`
}

// Transform is the optimization space representation of one parameter.
// Scale is the start value a scaled parameter is divided by.
type Transform struct {
	Kind  params.Kind `json:"kind"`
	Scale float64     `json:"scale,omitempty"`
}

// TransformsOf extracts the transforms of a parameter set.
func TransformsOf(ps []params.Parameter) []Transform {
	out := make([]Transform, len(ps))
	for i, p := range ps {
		out[i] = Transform{Kind: p.Kind}
		if p.Kind == params.Scaled {
			out[i].Scale = p.Start
		}
	}
	return out
}

func names(ps []params.Parameter) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

// NewRunRecord converts an optimizer result over the parameter set ps to
// a persistable record.
func NewRunRecord(runID, name, optimizerName string, ps []params.Parameter, res *optimizer.Result, started time.Time) *RunRecord {
	return &RunRecord{
		RunID:             runID,
		Name:              name,
		Optimizer:         optimizerName,
		State:             res.State,
		Phase:             res.Phase,
		Reason:            res.Reason,
		ParameterNames:    names(ps),
		Parameters:        slices.Clone(res.Parameters),
		Transforms:        TransformsOf(ps),
		ResidualNorm:      finiteOr(res.ResidualNorm, -1),
		FirstResidualNorm: finiteOr(res.FirstResidualNorm, -1),
		Iterations:        res.Iterations,
		Stats:             res.Stats,
		Started:           started,
		Finished:          time.Now(),
	}
}

// JSON cannot carry NaN; an unknown norm is stored as fallback.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// ToInfo converts a full RunRecord to RunInfo (metadata only).
func (r *RunRecord) ToInfo() RunInfo {
	return RunInfo{
		RunID:        r.RunID,
		Name:         r.Name,
		Optimizer:    r.Optimizer,
		State:        r.State,
		ResidualNorm: r.ResidualNorm,
		Iterations:   r.Iterations,
		Finished:     r.Finished,
	}
}

// Validate checks if the record has valid data.
func (r *RunRecord) Validate() error {
	if r.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if len(r.Parameters) == 0 {
		return &ValidationError{Field: "Parameters", Reason: "cannot be empty"}
	}
	if len(r.ParameterNames) != len(r.Parameters) {
		return &ValidationError{
			Field:  "ParameterNames",
			Reason: fmt.Sprintf("length mismatch: %d names for %d parameters", len(r.ParameterNames), len(r.Parameters)),
		}
	}
	if r.Transforms != nil && len(r.Transforms) != len(r.Parameters) {
		return &ValidationError{
			Field:  "Transforms",
			Reason: fmt.Sprintf("length mismatch: %d transforms for %d parameters", len(r.Transforms), len(r.Parameters)),
		}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if !r.State.Terminal() {
		return &ValidationError{Field: "State", Reason: "must be terminal, got " + r.State.String()}
	}
	if r.Finished.IsZero() {
		return &ValidationError{Field: "Finished", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a run record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks whether a new calibration over ps can start from
// this record's parameters: names and transforms must match position by
// position, or the stored vector would be read in the wrong space.
func (r *RunRecord) IsCompatible(ps []params.Parameter) error {
	if len(ps) != len(r.ParameterNames) {
		return &CompatibilityError{
			Field:    "ParameterNames",
			Expected: fmt.Sprintf("%d parameters", len(r.ParameterNames)),
			Actual:   fmt.Sprintf("%d parameters", len(ps)),
		}
	}
	for i, p := range ps {
		if p.Name != r.ParameterNames[i] {
			return &CompatibilityError{Field: fmt.Sprintf("ParameterNames[%d]", i), Expected: r.ParameterNames[i], Actual: p.Name}
		}
	}
	if r.Transforms == nil {
		return nil
	}
	if len(r.Transforms) != len(ps) {
		return &CompatibilityError{
			Field:    "Transforms",
			Expected: fmt.Sprintf("%d transforms", len(r.Transforms)),
			Actual:   fmt.Sprintf("%d parameters", len(ps)),
		}
	}
	for i, t := range TransformsOf(ps) {
		if t != r.Transforms[i] {
			return &CompatibilityError{
				Field:    fmt.Sprintf("Transforms[%d] (%s)", i, ps[i].Name),
				Expected: r.Transforms[i].String(),
				Actual:   t.String(),
			}
		}
	}
	return nil
}

func (t Transform) String() string {
	if t.Kind == params.Scaled {
		return fmt.Sprintf("%s by %g", t.Kind, t.Scale)
	}
	return string(t.Kind)
}

// CompatibilityError represents a resume compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
