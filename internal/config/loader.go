package config

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/simcalib/internal/jacobian"
	"github.com/cwbudde/simcalib/internal/model"
	"github.com/cwbudde/simcalib/internal/optimizer"
)

const (
	DefaultOptimizer   = "gauss-newton"
	DefaultModel       = "exponential"
	DefaultParallelism = 1
	DefaultDataDir     = "./data"
)

// Load reads and parses a calibration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses a calibration from YAML. JSON is accepted as well, which is
// how the job server receives configs.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "calibration"
	}
	if c.Model.Kind == "" {
		c.Model.Kind = DefaultModel
	}
	if c.Optimizer.Kind == "" {
		c.Optimizer.Kind = DefaultOptimizer
	}
	if c.Optimizer.MaxIterations == 0 {
		c.Optimizer.MaxIterations = optimizer.DefaultMaxIterations
	}
	if c.Optimizer.MinReduction == 0 {
		c.Optimizer.MinReduction = optimizer.DefaultMinReduction
	}
	if c.Optimizer.Epsilon == 0 {
		c.Optimizer.Epsilon = jacobian.DefaultEpsilon
	}
	if c.Evaluator.Parallelism == 0 {
		c.Evaluator.Parallelism = DefaultParallelism
	}
	if c.Output.DataDir == "" {
		c.Output.DataDir = DefaultDataDir
	}
}

// Validate checks the configuration without running anything.
func (c *Config) Validate() error {
	if len(c.Parameters) == 0 {
		return &ValidationError{Field: "parameters", Reason: "must list at least one parameter"}
	}
	if !knownModel(c.Model.Kind) {
		return &ValidationError{Field: "model.kind", Reason: fmt.Sprintf("unknown model %q", c.Model.Kind)}
	}
	if err := c.validateTarget(); err != nil {
		return err
	}
	if err := c.validateOptimizer(); err != nil {
		return err
	}
	if c.Evaluator.Parallelism < 0 {
		return &ValidationError{Field: "evaluator.parallelism", Reason: "cannot be negative"}
	}
	if c.Evaluator.RateLimit < 0 {
		return &ValidationError{Field: "evaluator.rate_limit", Reason: "cannot be negative"}
	}
	switch strings.ToLower(c.LineSearch.Kind) {
	case "", "linear", "logarithmic", "log", "backtracking":
	default:
		return &ValidationError{Field: "linesearch.kind", Reason: fmt.Sprintf("unknown line search %q", c.LineSearch.Kind)}
	}
	if c.LineSearch.Rho < 0 || c.LineSearch.Rho >= 1 {
		return &ValidationError{Field: "linesearch.rho", Reason: "must be in [0, 1)"}
	}
	return nil
}

func (c *Config) validateTarget() error {
	t := c.Target
	switch {
	case len(t.Generate) > 0:
		if len(t.Generate) != len(c.Parameters) {
			return &ValidationError{
				Field:  "target.generate",
				Reason: fmt.Sprintf("has %d values for %d parameters", len(t.Generate), len(c.Parameters)),
			}
		}
		if len(c.Model.Times) == 0 && len(t.Times) == 0 {
			return &ValidationError{Field: "target.times", Reason: "required to generate a target"}
		}
	case len(t.Values) == 0:
		return &ValidationError{Field: "target", Reason: "needs values or generate"}
	case len(t.Values) != len(t.Times):
		return &ValidationError{
			Field:  "target.values",
			Reason: fmt.Sprintf("has %d rows for %d times", len(t.Values), len(t.Times)),
		}
	}
	return nil
}

func (c *Config) validateOptimizer() error {
	o := c.Optimizer
	if !slices.Contains(optimizer.Kinds, normalizeKind(o.Kind)) {
		return &ValidationError{Field: "optimizer.kind", Reason: fmt.Sprintf("unknown optimizer %q", o.Kind)}
	}
	if o.MaxIterations < 0 {
		return &ValidationError{Field: "optimizer.max_iterations", Reason: "cannot be negative"}
	}
	if o.MinReduction < 0 || o.MinReduction >= 1 {
		return &ValidationError{Field: "optimizer.min_reduction", Reason: "must be in (0, 1)"}
	}
	if _, err := jacobian.ParseDifferencing(o.Differencing); err != nil {
		return &ValidationError{Field: "optimizer.differencing", Reason: err.Error()}
	}
	if needsBox(o.Kind) {
		for _, p := range c.Parameters {
			lo, hi := p.LowerBound(), p.UpperBound()
			if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
				return &ValidationError{
					Field:  "parameters." + p.Name,
					Reason: fmt.Sprintf("needs min and max for optimizer %s", o.Kind),
				}
			}
		}
	}
	return nil
}

func normalizeKind(kind string) string {
	return strings.ReplaceAll(strings.ToLower(kind), "_", "-")
}

func needsBox(kind string) bool {
	switch normalizeKind(kind) {
	case "mma", "mayfly":
		return true
	}
	return false
}

func knownModel(kind string) bool {
	kind = strings.TrimPrefix(strings.ToLower(kind), "failing-")
	return slices.Contains(model.Kinds, kind) || kind == "decay"
}
