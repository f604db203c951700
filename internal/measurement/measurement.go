package measurement

import (
	"fmt"
	"slices"
	"sort"
)

// Location is a point in the simulation domain at which values are sampled.
// An empty location set means the series is scalar.
type Location []float64

// Series is an immutable time/location indexed numeric series.
//
// Values[t][l] is the value sampled at Times[t] and Locations[l]. Times are
// expected to be nondecreasing inside a segment; a decrease of time between
// two consecutive samples starts a new segment (a discontinuity, e.g. a
// second experiment appended to the first).
type Series struct {
	Times     []float64   `json:"times"`
	Locations []Location  `json:"locations,omitempty"`
	Values    [][]float64 `json:"values"`
}

// New validates the shape of the given samples and returns a series.
func New(times []float64, locations []Location, values [][]float64) (*Series, error) {
	s := &Series{Times: times, Locations: locations, Values: values}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewScalar builds a series holding one value per time step.
func NewScalar(times, values []float64) *Series {
	rows := make([][]float64, len(values))
	for i, v := range values {
		rows[i] = []float64{v}
	}
	return &Series{Times: times, Values: rows}
}

// Validate checks that every time step carries one value per location.
func (s *Series) Validate() error {
	if len(s.Times) == 0 {
		return &FormatError{Reason: "series has no samples"}
	}
	if len(s.Values) != len(s.Times) {
		return &FormatError{Reason: fmt.Sprintf("%d time steps but %d value rows", len(s.Times), len(s.Values))}
	}
	width := s.Width()
	for i, row := range s.Values {
		if len(row) != width {
			return &FormatError{Reason: fmt.Sprintf("row %d has %d values, expected %d", i, len(row), width)}
		}
	}
	return nil
}

// Len returns the number of time steps.
func (s *Series) Len() int {
	return len(s.Times)
}

// Width returns the number of values per time step.
func (s *Series) Width() int {
	if len(s.Locations) == 0 {
		return 1
	}
	return len(s.Locations)
}

// Size returns the length of the flattened vector.
func (s *Series) Size() int {
	return s.Len() * s.Width()
}

// Flatten returns all values in native sampling, time-major.
func (s *Series) Flatten() []float64 {
	out := make([]float64, 0, s.Size())
	for _, row := range s.Values {
		out = append(out, row...)
	}
	return out
}

// Segments returns the half-open index ranges [start, end) of the
// continuous parts of the series.
func (s *Series) Segments() [][2]int {
	var segs [][2]int
	start := 0
	for i := 1; i < len(s.Times); i++ {
		if s.Times[i] < s.Times[i-1] {
			segs = append(segs, [2]int{start, i})
			start = i
		}
	}
	return append(segs, [2]int{start, len(s.Times)})
}

// Equal reports whether both series hold exactly the same samples.
func (s *Series) Equal(other *Series) bool {
	if other == nil || !slices.Equal(s.Times, other.Times) || !sameLocations(s.Locations, other.Locations) {
		return false
	}
	return slices.EqualFunc(s.Values, other.Values, func(a, b []float64) bool { return slices.Equal(a, b) })
}

// ResampleTo interpolates this series onto the sampling grid of target and
// returns the flattened result, time-major in target order.
//
// Matching times pass through unchanged, times between two samples are
// interpolated linearly and times outside the sampled range are clamped to
// the nearest edge sample. Segments are resampled pairwise; a series made of
// a single segment is resampled onto every segment of the target.
func (s *Series) ResampleTo(target *Series) ([]float64, error) {
	if target == nil {
		return nil, &FormatError{Reason: "target is nil"}
	}
	if s.Len() == 0 {
		return nil, &FormatError{Reason: "series has no samples"}
	}
	if !sameLocations(s.Locations, target.Locations) {
		return nil, &FormatError{Reason: "location sets differ"}
	}

	own := s.Segments()
	other := target.Segments()
	if len(own) > 1 && len(own) != len(other) {
		return nil, &FormatError{
			Reason: fmt.Sprintf("series has %d discontinuities, target has %d", len(own)-1, len(other)-1),
		}
	}

	width := s.Width()
	out := make([]float64, 0, target.Size())
	for i, seg := range other {
		src := own[0]
		if len(own) > 1 {
			src = own[i]
		}
		times := s.Times[src[0]:src[1]]
		values := s.Values[src[0]:src[1]]
		for _, t := range target.Times[seg[0]:seg[1]] {
			for l := 0; l < width; l++ {
				out = append(out, valueAt(times, values, l, t))
			}
		}
	}
	return out, nil
}

// valueAt samples one location of a continuous segment at time t.
func valueAt(times []float64, values [][]float64, loc int, t float64) float64 {
	i := sort.SearchFloat64s(times, t)
	switch {
	case i == len(times):
		return values[len(times)-1][loc]
	case times[i] == t || i == 0:
		return values[i][loc]
	}
	lower, upper := times[i-1], times[i]
	w := (t - lower) / (upper - lower)
	return w*values[i][loc] + (1-w)*values[i-1][loc]
}

func sameLocations(a, b []Location) bool {
	return slices.EqualFunc(a, b, func(x, y Location) bool { return slices.Equal(x, y) })
}
