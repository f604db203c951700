package measurement

// ErrIncompatibleFormat is returned when two series cannot be resampled
// against each other. Use errors.Is(err, ErrIncompatibleFormat) to check.
var ErrIncompatibleFormat = &FormatError{}

// FormatError describes why a series has an unusable shape.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	if e.Reason != "" {
		return "incompatible measurement format: " + e.Reason
	}
	return "incompatible measurement format"
}

func (e *FormatError) Is(target error) bool {
	_, ok := target.(*FormatError)
	return ok
}
