package diagnostics

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch means a vector does not match the scaler or model width.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrZeroScale means a scaler feature has a zero (or non-finite) scale.
	ErrZeroScale = errors.New("scaler has zero scale")
	// ErrInvalidThreshold means the threshold is negative or not finite.
	ErrInvalidThreshold = errors.New("invalid threshold")
	// ErrNilModel means no reconstruction model was supplied.
	ErrNilModel = errors.New("reconstruction model is nil")
)

// ConfigError is a fatal problem with the scaler, model or threshold.
// It aborts a whole batch rather than a single record.
type ConfigError struct {
	Artifact string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Artifact, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// RecordError marks one record as unscoreable.
type RecordError struct {
	Index     int
	Timestamp string
	Field     string
	Value     string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): field %s has non-numeric value %q", e.Index, e.Timestamp, e.Field, e.Value)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
