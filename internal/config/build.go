package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cwbudde/simcalib/internal/evaluator"
	"github.com/cwbudde/simcalib/internal/jacobian"
	"github.com/cwbudde/simcalib/internal/linesearch"
	"github.com/cwbudde/simcalib/internal/measurement"
	"github.com/cwbudde/simcalib/internal/model"
	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/params"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// Calibration is a configuration wired into runnable components.
type Calibration struct {
	Name      string
	Manager   *params.Manager
	Backend   evaluator.Backend
	Evaluator *evaluator.CachingEvaluator
	Optimizer optimizer.Optimizer
	Target    *measurement.Series
	Initial   []float64
}

// Build creates the parameter manager, simulation, evaluator and
// optimizer described by c. A generated target is simulated here.
func (c *Config) Build(ctx context.Context) (*Calibration, error) {
	manager, err := params.NewManager(c.Parameters...)
	if err != nil {
		return nil, &ValidationError{Field: "parameters", Reason: err.Error()}
	}

	grid := model.Grid{Times: c.Model.Times, Locations: locations(c.Model.Locations)}
	if len(grid.Times) == 0 {
		grid.Times = c.Target.Times
	}
	if len(grid.Locations) == 0 {
		grid.Locations = locations(c.Target.Locations)
	}
	backend, err := model.New(c.Model.Kind, grid, manager.Len())
	if err != nil {
		return nil, &ValidationError{Field: "model", Reason: err.Error()}
	}

	target, err := c.target(ctx, backend)
	if err != nil {
		return nil, err
	}

	ev := evaluator.New(backend, evaluator.Config{
		Parallelism: c.Evaluator.Parallelism,
		RateLimit:   c.Evaluator.RateLimit,
		Fixed:       c.Model.Fixed,
		Transformer: manager,
	})

	opt, err := c.optimizer(manager, ev.Parallelism())
	if err != nil {
		return nil, err
	}

	slog.Info("Calibration built",
		"name", c.Name,
		"parameters", manager.String(),
		"model", c.Model.Kind,
		"optimizer", opt.Name(),
		"parallelism", ev.Parallelism(),
	)
	return &Calibration{
		Name:      c.Name,
		Manager:   manager,
		Backend:   backend,
		Evaluator: ev,
		Optimizer: opt,
		Target:    target,
		Initial:   manager.InitialVector(),
	}, nil
}

func (c *Config) target(ctx context.Context, backend evaluator.Backend) (*measurement.Series, error) {
	if len(c.Target.Generate) > 0 {
		s, err := backend.Run(ctx, c.Target.Generate, c.Model.Fixed)
		if err != nil {
			return nil, fmt.Errorf("failed to generate target: %w", err)
		}
		return s, nil
	}
	s, err := measurement.New(c.Target.Times, locations(c.Target.Locations), c.Target.Values)
	if err != nil {
		return nil, &ValidationError{Field: "target", Reason: err.Error()}
	}
	return s, nil
}

func (c *Config) optimizer(manager *params.Manager, parallelism int) (optimizer.Optimizer, error) {
	o := c.Optimizer
	differencing, err := jacobian.ParseDifferencing(o.Differencing)
	if err != nil {
		return nil, &ValidationError{Field: "optimizer.differencing", Reason: err.Error()}
	}

	var ls linesearch.LineSearch
	if c.LineSearch.Kind != "" {
		if ls, err = c.lineSearch(parallelism); err != nil {
			return nil, err
		}
	}

	lower, upper := manager.Bounds()
	opt, err := optimizer.New(o.Kind, optimizer.Options{
		Settings: optimizer.Settings{
			MaxIterations: o.MaxIterations,
			Epsilon:       o.Epsilon,
			MinReduction:  o.MinReduction,
			Differencing:  differencing,
		},
		LineSearch:      ls,
		Weights:         o.Weights,
		InitialLambda:   o.Lambda,
		Nu:              o.Nu,
		P:               o.P,
		PIterationCount: o.PIterationCount,
		Scaling:         o.Scaling,
		Tau:             o.Tau,
		Presteps:        o.Presteps,
		Lower:           lower,
		Upper:           upper,
		Candidates:      o.Candidates,
		Population:      o.Population,
		Generations:     o.Generations,
		Seed:            o.Seed,
		Shrink:          o.Shrink,
		Patience:        o.Patience,
		Method:          o.Method,
		CallbackRoot:    o.CallbackRoot,
		CallbackScaling: o.CallbackScaling,
	})
	if err != nil {
		return nil, &ValidationError{Field: "optimizer.kind", Reason: err.Error()}
	}
	return opt, nil
}

// lineSearch builds the configured search. Zero fields keep the defaults
// of linesearch.New.
func (c *Config) lineSearch(parallelism int) (linesearch.LineSearch, error) {
	cfg := c.LineSearch
	ls, err := linesearch.New(cfg.Kind, parallelism)
	if err != nil {
		return nil, &ValidationError{Field: "linesearch.kind", Reason: err.Error()}
	}
	switch s := ls.(type) {
	case *linesearch.Linear:
		s.MaxIterations, s.C = cfg.MaxIterations, cfg.C
		if cfg.Evaluations > 0 {
			s.Evaluations = cfg.Evaluations
		}
	case *linesearch.Logarithmic:
		s.MaxIterations, s.Size, s.C = cfg.MaxIterations, cfg.Size, cfg.C
		if cfg.Evaluations > 0 {
			s.Evaluations = cfg.Evaluations
		}
	case *linesearch.Backtracking:
		s.MaxIterations, s.Rho, s.C = cfg.MaxIterations, cfg.Rho, cfg.C
	}
	return ls, nil
}

// Run calibrates from the initial vector. Metadata describing the
// parameter set is added to rec before the optimizer starts.
func (c *Calibration) Run(ctx context.Context, rec recorder.Recorder) (*optimizer.Result, error) {
	if rec == nil {
		rec = recorder.Discard
	}
	rec.AddRunMetadata("name", c.Name)
	rec.AddRunMetadata("parameter_names", c.Manager.Names())
	rec.AddRunMetadata("parameter_set", c.Manager.String())
	return c.Optimizer.Run(ctx, c.Evaluator, c.Initial, c.Target, rec)
}

// Physical maps an optimization space vector back to simulation
// parameters, keyed by name.
func (c *Calibration) Physical(beta []float64) (map[string]float64, error) {
	values, ok := c.Manager.Transform(beta)
	if !ok {
		return nil, fmt.Errorf("parameters %v are outside their bounds", beta)
	}
	out := make(map[string]float64, len(values))
	for i, name := range c.Manager.Names() {
		out[name] = values[i]
	}
	return out, nil
}

func locations(raw [][]float64) []measurement.Location {
	if len(raw) == 0 {
		return nil
	}
	out := make([]measurement.Location, len(raw))
	for i, l := range raw {
		out[i] = measurement.Location(l)
	}
	return out
}

// Summary is a one-line description for logs and the CLI.
func (c *Config) Summary() string {
	names := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		names[i] = p.Name
	}
	return fmt.Sprintf("%s: %s model, %s, parameters [%s]",
		c.Name, c.Model.Kind, c.Optimizer.Kind, strings.Join(names, ", "))
}
