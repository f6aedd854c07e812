package coalesce

import (
	"time"

	"github.com/pkg/errors"
)

// Mode selects how a Coalescer decides when a call starts a new invocation.
type Mode int

const (
	// ModeDebounce invokes once calls have been quiet for the wait duration.
	ModeDebounce Mode = iota
	// ModeThrottle invokes at most once per wait duration.
	ModeThrottle
)

func (m Mode) String() string {
	switch m {
	case ModeDebounce:
		return "debounce"
	case ModeThrottle:
		return "throttle"
	default:
		return "unknown"
	}
}

// ParseMode returns the Mode named by s ("debounce" or "throttle").
func ParseMode(s string) (Mode, error) {
	switch s {
	case "debounce":
		return ModeDebounce, nil
	case "throttle":
		return ModeThrottle, nil
	}
	return 0, errors.Wrapf(ErrInvalidMode, "%q", s)
}

// Option configures a Coalescer.
type Option func(*config)

type config struct {
	leading    bool
	trailing   bool
	maxWait    time.Duration
	hasMaxWait bool
	clock      Clock
	onError    func(error)
}

func defaults(mode Mode) config {
	return config{
		leading:  mode == ModeThrottle,
		trailing: true,
		clock:    defaultClock,
	}
}

// WithLeading controls whether the first call of a burst invokes immediately.
func WithLeading(leading bool) Option {
	return func(c *config) { c.leading = leading }
}

// WithTrailing controls whether the last call of a burst is delivered once the
// quiet period or cadence window ends.
func WithTrailing(trailing bool) Option {
	return func(c *config) { c.trailing = trailing }
}

// WithMaxWait bounds how long continuous calls may defer an invocation.
// Durations shorter than the wait are raised to the wait. Throttle ignores it.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) {
		c.maxWait = d
		c.hasMaxWait = true
	}
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(clk Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithErrorHandler receives errors from invocations fired by the timer, which
// have no caller to return to. Without it those errors are logged.
func WithErrorHandler(fn func(error)) Option {
	return func(c *config) { c.onError = fn }
}
