package timeline

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

// ErrValidation matches every *ValidationError through errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a rejected edit. The project is unchanged.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Op + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Clamp limits v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
