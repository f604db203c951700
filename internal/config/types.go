package config

import (
	"github.com/cwbudde/simcalib/internal/params"
)

// Config is a complete calibration: what to calibrate, against which
// target, with which simulation and which optimizer.
type Config struct {
	Name       string             `yaml:"name" json:"name"`
	Parameters []params.Parameter `yaml:"parameters" json:"parameters"`
	Model      Model              `yaml:"model" json:"model"`
	Target     Target             `yaml:"target" json:"target"`
	Evaluator  Evaluator          `yaml:"evaluator" json:"evaluator"`
	Optimizer  Optimizer          `yaml:"optimizer" json:"optimizer"`
	LineSearch LineSearch         `yaml:"linesearch" json:"linesearch"`
	Output     Output             `yaml:"output" json:"output"`
}

// Model selects the simulation backend.
type Model struct {
	Kind  string         `yaml:"kind" json:"kind"`
	Fixed map[string]any `yaml:"fixed,omitempty" json:"fixed,omitempty"`
	// Times and Locations are the simulation grid. They default to the
	// grid of the target.
	Times     []float64   `yaml:"times,omitempty" json:"times,omitempty"`
	Locations [][]float64 `yaml:"locations,omitempty" json:"locations,omitempty"`
}

// Target is the measurement to match. Either Values are given or the
// target is generated by running the model at the physical parameter
// vector Generate.
type Target struct {
	Times     []float64   `yaml:"times,omitempty" json:"times,omitempty"`
	Locations [][]float64 `yaml:"locations,omitempty" json:"locations,omitempty"`
	Values    [][]float64 `yaml:"values,omitempty" json:"values,omitempty"`
	Generate  []float64   `yaml:"generate,omitempty" json:"generate,omitempty"`
}

// Evaluator configures simulation dispatch.
type Evaluator struct {
	Parallelism int     `yaml:"parallelism" json:"parallelism"`
	RateLimit   float64 `yaml:"rate_limit,omitempty" json:"rateLimit,omitempty"`
}

// Optimizer holds the settings of every optimizer kind; each kind reads
// the fields it understands.
type Optimizer struct {
	Kind          string  `yaml:"kind" json:"kind"`
	MaxIterations int     `yaml:"max_iterations" json:"maxIterations"`
	Epsilon       float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	MinReduction  float64 `yaml:"min_reduction,omitempty" json:"minReduction,omitempty"`
	Differencing  string  `yaml:"differencing,omitempty" json:"differencing,omitempty"`

	Weights []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`

	Lambda          float64 `yaml:"lambda,omitempty" json:"lambda,omitempty"`
	Nu              float64 `yaml:"nu,omitempty" json:"nu,omitempty"`
	P               int     `yaml:"p,omitempty" json:"p,omitempty"`
	PIterationCount int     `yaml:"p_iteration_count,omitempty" json:"pIterationCount,omitempty"`
	Scaling         bool    `yaml:"scaling,omitempty" json:"scaling,omitempty"`
	Tau             float64 `yaml:"tau,omitempty" json:"tau,omitempty"`
	Presteps        int     `yaml:"presteps,omitempty" json:"presteps,omitempty"`

	Candidates int `yaml:"candidates,omitempty" json:"candidates,omitempty"`

	Population  int     `yaml:"population,omitempty" json:"population,omitempty"`
	Generations int     `yaml:"generations,omitempty" json:"generations,omitempty"`
	Seed        int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	Shrink      float64 `yaml:"shrink,omitempty" json:"shrink,omitempty"`
	Patience    int     `yaml:"patience,omitempty" json:"patience,omitempty"`

	Method          string  `yaml:"method,omitempty" json:"method,omitempty"`
	CallbackRoot    bool    `yaml:"callback_root,omitempty" json:"callbackRoot,omitempty"`
	CallbackScaling float64 `yaml:"callback_scaling,omitempty" json:"callbackScaling,omitempty"`
}

// LineSearch configures the line search of the Gauss-Newton and gradient
// descent optimizers. An empty kind keeps the optimizer's default.
type LineSearch struct {
	Kind          string  `yaml:"kind,omitempty" json:"kind,omitempty"`
	MaxIterations int     `yaml:"max_iterations,omitempty" json:"maxIterations,omitempty"`
	Evaluations   int     `yaml:"evaluations,omitempty" json:"evaluations,omitempty"`
	Size          int     `yaml:"size,omitempty" json:"size,omitempty"`
	C             float64 `yaml:"c,omitempty" json:"c,omitempty"`
	Rho           float64 `yaml:"rho,omitempty" json:"rho,omitempty"`
}

// Output controls what the CLI persists.
type Output struct {
	DataDir string `yaml:"data_dir,omitempty" json:"dataDir,omitempty"`
	Trace   bool   `yaml:"trace,omitempty" json:"trace,omitempty"`
	Archive bool   `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Field + " " + e.Reason
}
