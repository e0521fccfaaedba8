package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWeight is returned for a user class weight below one.
	ErrInvalidWeight = errors.New("invalid weight")
	// ErrInvalidTarget is returned for a user count or ramp rate outside the allowed range.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNoUserClasses is returned when a runner is built without user classes.
	ErrNoUserClasses = errors.New("no user classes")
)

// ConfigurationError reports a caller contract violation detected before any
// user is started.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidateTarget checks a user count and ramp rate pair.
func ValidateTarget(count int, rate float64) error {
	if count <= 0 {
		return &ConfigurationError{Field: "user_count", Err: fmt.Errorf("%w: user count must be >= 1, got %d", ErrInvalidTarget, count)}
	}
	if rate <= 0 || rate > float64(count) {
		return &ConfigurationError{Field: "rate", Err: fmt.Errorf("%w: rate must be > 0 and <= user count %d, got %g", ErrInvalidTarget, count, rate)}
	}
	return nil
}
