package mosaic

import (
	"errors"
	"fmt"
)

// ErrDegenerateMotion is returned when no motion sample survives the quality
// filter, so the canvas extent cannot be computed.
var ErrDegenerateMotion = errors.New("no usable motion samples")

// ErrCanceled marks a run stopped at a frame boundary by its context.
// Output produced before the cancellation must not be kept.
var ErrCanceled = errors.New("run canceled")

var errEmptyFrame = errors.New("frame source reports empty frames")

// ConfigError reports missing upstream geometry or an out-of-range option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IOError wraps a failure to open, decode or write a frame or artifact.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsCanceled reports whether err came from a cooperative cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
