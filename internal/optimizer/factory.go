package optimizer

import (
	"fmt"
	"strings"

	"github.com/cwbudde/simcalib/internal/linesearch"
)

// Options holds the tunables of every optimizer. New hands each kind the
// fields it understands; zero values select the defaults.
type Options struct {
	Settings
	LineSearch linesearch.LineSearch
	Weights    []float64

	// Levenberg-Marquardt variants.
	InitialLambda   float64
	Nu              float64
	P               int
	PIterationCount int
	Scaling         bool
	Tau             float64
	Presteps        int

	// Bounded methods, in the optimization space.
	Lower, Upper []float64

	// MMA.
	Candidates int

	// Mayfly.
	Population  int
	Generations int
	Seed        int64
	Shrink      float64
	Patience    int

	// Minimize.
	Method          string
	CallbackRoot    bool
	CallbackScaling float64
}

// Kinds lists the names accepted by New.
var Kinds = []string{
	"gauss-newton",
	"levenberg-marquardt",
	"gained-levenberg-marquardt",
	"gradient-descent",
	"mma",
	"mayfly",
	"minimize",
}

// New returns the optimizer registered under kind.
func New(kind string, o Options) (Optimizer, error) {
	switch strings.ReplaceAll(strings.ToLower(kind), "_", "-") {
	case "gauss-newton", "gaussnewton", "newton":
		return &GaussNewton{Settings: o.Settings, LineSearch: o.LineSearch, Weights: o.Weights}, nil
	case "levenberg-marquardt", "levmar", "lm":
		return &LevenbergMarquardt{
			Settings:        o.Settings,
			InitialLambda:   o.InitialLambda,
			Nu:              o.Nu,
			P:               o.P,
			PIterationCount: o.PIterationCount,
			Scaling:         o.Scaling,
		}, nil
	case "gained-levenberg-marquardt", "gained-levmar":
		return &GainedLevenbergMarquardt{
			Settings:      o.Settings,
			Tau:           o.Tau,
			Presteps:      o.Presteps,
			InitialLambda: o.InitialLambda,
		}, nil
	case "gradient-descent":
		return &GradientDescent{Settings: o.Settings, LineSearch: o.LineSearch}, nil
	case "mma":
		return &MMA{Settings: o.Settings, Lower: o.Lower, Upper: o.Upper, Candidates: o.Candidates}, nil
	case "mayfly":
		return &Mayfly{
			Settings:    o.Settings,
			Lower:       o.Lower,
			Upper:       o.Upper,
			Population:  o.Population,
			Generations: o.Generations,
			Seed:        o.Seed,
			Shrink:      o.Shrink,
			Patience:    o.Patience,
		}, nil
	case "minimize", "scipy-minimize":
		return &Minimize{
			Settings:        o.Settings,
			Method:          o.Method,
			Lower:           o.Lower,
			Upper:           o.Upper,
			CallbackRoot:    o.CallbackRoot,
			CallbackScaling: o.CallbackScaling,
		}, nil
	}
	return nil, fmt.Errorf("unknown optimizer %q (known: %s)", kind, strings.Join(Kinds, ", "))
}
