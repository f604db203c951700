package store

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/params"
)

func TestRunRecordValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *RunRecord)
		field  string
	}{
		{"valid", func(*RunRecord) {}, ""},
		{"empty id", func(r *RunRecord) { r.RunID = "" }, "RunID"},
		{"no parameters", func(r *RunRecord) { r.Parameters = nil }, "Parameters"},
		{"name mismatch", func(r *RunRecord) { r.ParameterNames = []string{"a"} }, "ParameterNames"},
		{"transform mismatch", func(r *RunRecord) { r.Transforms = []Transform{{Kind: params.Direct}} }, "Transforms"},
		{"negative iterations", func(r *RunRecord) { r.Iterations = -1 }, "Iterations"},
		{"not terminal", func(r *RunRecord) { r.State = optimizer.Iterating }, "State"},
		{"zero finish", func(r *RunRecord) { r.Finished = time.Time{} }, "Finished"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := createTestRecord("run")
			tt.modify(r)
			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Expected valid record, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestNewRunRecord(t *testing.T) {
	res := &optimizer.Result{
		State:             optimizer.Aborted,
		Phase:             optimizer.PhaseJacobian,
		Reason:            "solver crashed",
		Parameters:        []float64{1, 2},
		ResidualNorm:      math.NaN(),
		FirstResidualNorm: 4,
		Iterations:        1,
	}
	started := time.Now().Add(-time.Second)

	ps := []params.Parameter{
		{Name: "a", Kind: params.Scaled, Start: 3, Min: 0, Max: 10},
		{Name: "b", Kind: params.Log, Start: 0.5, Min: 0.01, Max: 10},
	}
	r := NewRunRecord("run-1", "fit", "gauss-newton", ps, res, started)
	res.Parameters[0] = 99

	if r.Parameters[0] != 1 {
		t.Error("Record must not alias the result parameters")
	}
	if len(r.ParameterNames) != 2 || r.ParameterNames[1] != "b" {
		t.Errorf("Unexpected names: %v", r.ParameterNames)
	}
	want := []Transform{{Kind: params.Scaled, Scale: 3}, {Kind: params.Log}}
	if !slices.Equal(r.Transforms, want) {
		t.Errorf("Expected transforms %v, got %v", want, r.Transforms)
	}
	if r.ResidualNorm != -1 {
		t.Errorf("Expected NaN norm to be stored as -1, got %g", r.ResidualNorm)
	}
	if r.Phase != optimizer.PhaseJacobian || r.Reason != "solver crashed" {
		t.Errorf("Abort details not kept: %+v", r)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected valid record, got %v", err)
	}

	info := r.ToInfo()
	if info.RunID != "run-1" || info.State != optimizer.Aborted || info.Iterations != 1 {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func decayParameters() []params.Parameter {
	return []params.Parameter{
		{Name: "a", Kind: params.Direct, Start: 1, Min: 0, Max: 10},
		{Name: "k", Kind: params.Log, Start: 1, Min: 0.01, Max: 10},
	}
}

func TestIsCompatible(t *testing.T) {
	r := createTestRecord("run")
	ps := decayParameters()

	// Records without stored transforms are checked by name only.
	if err := r.IsCompatible(ps); err != nil {
		t.Errorf("Expected compatible, got %v", err)
	}

	var ce *CompatibilityError
	if err := r.IsCompatible(ps[:1]); !errors.As(err, &ce) {
		t.Errorf("Expected CompatibilityError for count mismatch, got %v", err)
	}
	renamed := decayParameters()
	renamed[1].Name = "b"
	err := r.IsCompatible(renamed)
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CompatibilityError, got %v", err)
	}
	if ce.Expected != "k" || ce.Actual != "b" {
		t.Errorf("Unexpected mismatch details: %+v", ce)
	}
}

func TestIsCompatible_Transforms(t *testing.T) {
	r := createTestRecord("run")
	r.Transforms = TransformsOf(decayParameters())

	if err := r.IsCompatible(decayParameters()); err != nil {
		t.Fatalf("Expected compatible, got %v", err)
	}

	tests := []struct {
		name     string
		modify   func(ps []params.Parameter)
		expected string
		actual   string
	}{
		{"log to direct", func(ps []params.Parameter) { ps[1].Kind = params.Direct }, "log", "direct"},
		{"direct to log", func(ps []params.Parameter) { ps[0].Kind = params.Log }, "direct", "log"},
		{"direct to scaled", func(ps []params.Parameter) { ps[0].Kind = params.Scaled }, "direct", "scaled by 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := decayParameters()
			tt.modify(ps)

			var ce *CompatibilityError
			if err := r.IsCompatible(ps); !errors.As(err, &ce) {
				t.Fatalf("Expected CompatibilityError, got %v", err)
			}
			if ce.Expected != tt.expected || ce.Actual != tt.actual {
				t.Errorf("Expected %s vs %s, got %+v", tt.expected, tt.actual, ce)
			}
		})
	}

	// A scaled parameter stores its vector relative to the start value.
	scaled := decayParameters()
	scaled[0].Kind = params.Scaled
	r.Transforms = TransformsOf(scaled)
	scaled[0].Start = 4
	if err := r.IsCompatible(scaled); err == nil {
		t.Error("A changed scale should make the record incompatible")
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{RunID: "abc"}
	if err.Error() != "run not found: abc" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected errors.Is to match ErrNotFound")
	}
}
