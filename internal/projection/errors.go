package projection

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProjection means a descriptor matched no registered definition.
	ErrUnknownProjection = errors.New("projection: unknown projection")

	// ErrNonFinite means an input coordinate was NaN or infinite.
	ErrNonFinite = errors.New("projection: non-finite coordinate")

	// ErrOutOfRange means a coordinate lies outside the usable area of the projection.
	ErrOutOfRange = errors.New("projection: coordinate out of range")

	// ErrNotConverged means an iterative step failed to converge.
	ErrNotConverged = errors.New("projection: iteration did not converge")
)

// TransformError reports the coordinate pair that failed to transform.
type TransformError struct {
	Code  string
	X, Y  float64
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("projection %s: transform (%g, %g): %v", e.Code, e.X, e.Y, e.Cause)
}

func (e *TransformError) Unwrap() error {
	return e.Cause
}
