package coalesce

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNegativeWait is returned when the wait duration is below zero.
	ErrNegativeWait = errors.New("coalesce: wait must not be negative")

	// ErrNegativeMaxWait is returned when WithMaxWait is given a negative duration.
	ErrNegativeMaxWait = errors.New("coalesce: max wait must not be negative")

	// ErrNoEdge is returned when both the leading and trailing edge are disabled.
	// Such a coalescer would never invoke its function.
	ErrNoEdge = errors.New("coalesce: at least one of leading or trailing must be enabled")

	// ErrNilFunc is returned when the wrapped function is nil.
	ErrNilFunc = errors.New("coalesce: function must not be nil")

	// ErrInvalidMode is returned for a Mode other than ModeDebounce or ModeThrottle.
	ErrInvalidMode = errors.New("coalesce: invalid mode")
)

// PanicError reports a panic raised by the wrapped function while it was
// invoked from a timer, where no caller is on the stack to receive it.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coalesce: invocation panicked: %v", e.Value)
}
