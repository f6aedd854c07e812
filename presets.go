package coalesce

import "time"

// Debounce returns a Coalescer that invokes fn once calls have stopped for
// wait. By default only the trailing edge fires.
func Debounce[A, R any](fn func(A) (R, error), wait time.Duration, opts ...Option) (*Coalescer[A, R], error) {
	return New(fn, wait, ModeDebounce, opts...)
}

// Throttle returns a Coalescer that invokes fn at most once per wait. By
// default the first call of a window fires immediately and the last call of
// the window fires when it closes.
func Throttle[A, R any](fn func(A) (R, error), wait time.Duration, opts ...Option) (*Coalescer[A, R], error) {
	return New(fn, wait, ModeThrottle, opts...)
}

// DebounceImmediate is Debounce firing on the leading edge only.
func DebounceImmediate[A, R any](fn func(A) (R, error), wait time.Duration, opts ...Option) (*Coalescer[A, R], error) {
	return New(fn, wait, ModeDebounce, append(opts[:len(opts):len(opts)], WithLeading(true), WithTrailing(false))...)
}

// ThrottleImmediate is Throttle firing on the leading edge only.
func ThrottleImmediate[A, R any](fn func(A) (R, error), wait time.Duration, opts ...Option) (*Coalescer[A, R], error) {
	return New(fn, wait, ModeThrottle, append(opts[:len(opts):len(opts)], WithLeading(true), WithTrailing(false))...)
}
