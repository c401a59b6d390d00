package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAttached is returned by host operations before Attach.
	ErrNotAttached = errors.New("not attached")
	// ErrDetached is returned by host operations after Detach.
	ErrDetached = errors.New("detached")
	// ErrCritical is returned by Attach when critical primitives are
	// missing and the exit function returned.
	ErrCritical = errors.New("critical primitives unresolved")
	// ErrTracerDisabled is returned when an operation needs a tracer that
	// is not registered.
	ErrTracerDisabled = errors.New("tracer not enabled")
)

// TrackingError is a host operation invoked outside the attached state.
type TrackingError struct {
	Op  string
	Err error
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TrackingError) Unwrap() error {
	return e.Err
}
