// Package coalesce rate-limits calls to a function by collapsing bursts of
// calls into a bounded number of invocations.
//
// A Coalescer runs in one of two modes. Debounce waits until calls have been
// quiet for the wait duration. Throttle invokes at most once per wait
// duration. Both modes can fire on the leading edge of a burst, the trailing
// edge, or both. A debounce may also set a max wait, which forces an
// invocation while calls keep arriving.
package coalesce

import (
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Coalescer wraps a function and coalesces calls to it.
//
// A Coalescer is safe for concurrent use. Invocations of the wrapped function
// never overlap. They happen in the order their edges occur. The wrapped
// function must not call back into the Coalescer that invokes it.
//
// The zero value is not usable; use New, Debounce or Throttle.
type Coalescer[A, R any] struct {
	fn       func(A) (R, error)
	mode     Mode
	wait     time.Duration
	ceiling  time.Duration
	maxing   bool
	leading  bool
	trailing bool
	clock    Clock
	onError  func(error)

	mu           sync.Mutex
	timer        *armedTimer // nil while idle
	pending      *A          // nil when no call is waiting for delivery
	called       bool        // a call has been recorded since New or Cancel
	lastCallAt   time.Time
	lastInvokeAt time.Time
	result       R
}

// New returns a Coalescer for fn in the given mode. Debounce defaults to
// trailing-only; throttle defaults to leading and trailing and pins its max
// wait to wait.
func New[A, R any](fn func(A) (R, error), wait time.Duration, mode Mode, opts ...Option) (*Coalescer[A, R], error) {
	if mode != ModeDebounce && mode != ModeThrottle {
		return nil, errors.Wrapf(ErrInvalidMode, "%d", int(mode))
	}
	cfg := defaults(mode)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = defaultClock
	}

	switch {
	case fn == nil:
		return nil, ErrNilFunc
	case wait < 0:
		return nil, errors.Wrapf(ErrNegativeWait, "got %s", wait)
	case cfg.hasMaxWait && cfg.maxWait < 0:
		return nil, errors.Wrapf(ErrNegativeMaxWait, "got %s", cfg.maxWait)
	case !cfg.leading && !cfg.trailing:
		return nil, ErrNoEdge
	}

	c := &Coalescer[A, R]{
		fn:       fn,
		mode:     mode,
		wait:     wait,
		leading:  cfg.leading,
		trailing: cfg.trailing,
		clock:    cfg.clock,
		onError:  cfg.onError,
	}
	switch {
	case mode == ModeThrottle:
		c.maxing = true
		c.ceiling = wait
	case cfg.hasMaxWait:
		c.maxing = true
		c.ceiling = max(cfg.maxWait, wait)
	}
	return c, nil
}

// Call records a call with arg. It returns the result of the most recent
// successful invocation, unless this call itself invokes fn, in which case it
// returns what fn returned.
func (c *Coalescer[A, R]) Call(arg A) (R, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	invoking := c.shouldInvoke(now)
	c.pending = &arg
	c.called = true
	c.lastCallAt = now

	if invoking {
		if c.timer == nil {
			return c.leadingEdge(now)
		}
		if c.maxing {
			// Ceiling reached while calls keep arriving.
			c.arm(c.wait)
			return c.invoke(now)
		}
	}
	if c.timer == nil {
		c.arm(c.remainingWait(now))
	}
	return c.result, nil
}

// Cancel drops any pending invocation and returns the Coalescer to its
// initial state. The cached result is kept. Cancel never invokes fn.
func (c *Coalescer[A, R]) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disarm()
	c.pending = nil
	c.called = false
	c.lastCallAt = time.Time{}
	c.lastInvokeAt = time.Time{}
}

// Flush delivers a pending trailing invocation now, as if its timer had just
// fired, and returns its result. With nothing pending it returns the cached
// result.
func (c *Coalescer[A, R]) Flush() (R, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer == nil {
		return c.result, nil
	}
	return c.trailingEdge(c.clock.Now())
}

// Pending reports whether a timer is armed.
func (c *Coalescer[A, R]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Coalescer[A, R]) shouldInvoke(now time.Time) bool {
	if !c.called {
		return true
	}
	sinceCall := now.Sub(c.lastCallAt)
	sinceInvoke := now.Sub(c.lastInvokeAt)
	if sinceCall < 0 || sinceInvoke < 0 {
		return true
	}
	if c.mode == ModeThrottle {
		return sinceInvoke >= c.wait
	}
	return sinceCall >= c.wait || (c.maxing && sinceInvoke >= c.ceiling)
}

func (c *Coalescer[A, R]) remainingWait(now time.Time) time.Duration {
	remaining := c.wait - now.Sub(c.lastCallAt)
	if c.maxing {
		remaining = min(remaining, c.ceiling-now.Sub(c.lastInvokeAt))
	}
	return remaining
}

// leadingEdge starts a burst. The burst is anchored at now even when the
// leading edge is disabled so that the ceiling is measured from here.
func (c *Coalescer[A, R]) leadingEdge(now time.Time) (R, error) {
	c.lastInvokeAt = now
	c.arm(c.wait)
	if c.leading {
		return c.invoke(now)
	}
	return c.result, nil
}

func (c *Coalescer[A, R]) trailingEdge(now time.Time) (R, error) {
	c.disarm()
	if c.trailing && c.pending != nil {
		return c.invoke(now)
	}
	c.pending = nil
	return c.result, nil
}

func (c *Coalescer[A, R]) invoke(now time.Time) (R, error) {
	arg := *c.pending
	c.pending = nil
	c.lastInvokeAt = now

	res, err := c.fn(arg)
	if err == nil {
		c.result = res
	}
	return res, err
}

// arm replaces the timer slot with a fresh timer firing after d. The expiry
// runs on its own goroutine: fake clocks fire AfterFunc callbacks while
// holding their own lock, and expire needs the clock again.
func (c *Coalescer[A, R]) arm(d time.Duration) {
	c.disarm()
	t := &armedTimer{}
	c.timer = t
	t.handle = c.clock.AfterFunc(d, func() { go c.expire(t) })
}

func (c *Coalescer[A, R]) disarm() {
	if c.timer != nil {
		c.timer.stop()
		c.timer = nil
	}
}

// expire handles a timer firing. Errors are reported after the lock is
// released, so the handler may use the Coalescer.
func (c *Coalescer[A, R]) expire(t *armedTimer) {
	if err := c.fire(t); err != nil {
		c.report(err)
	}
}

func (c *Coalescer[A, R]) fire(t *armedTimer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != t {
		return nil
	}
	c.timer = nil

	now := c.clock.Now()
	if !c.shouldInvoke(now) {
		c.arm(c.remainingWait(now))
		return nil
	}
	return c.trailingEdgeRecovered(now)
}

func (c *Coalescer[A, R]) trailingEdgeRecovered(now time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	_, err = c.trailingEdge(now)
	return err
}

func (c *Coalescer[A, R]) report(err error) {
	if c.onError != nil {
		c.onError(err)
		return
	}
	log.Printf("coalesce: %s invocation failed: %v", c.mode, err)
}
