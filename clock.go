package coalesce

import (
	"k8s.io/utils/clock"
)

// Clock is the time source and scheduler a Coalescer runs on.
//
// Now should be monotonically non-decreasing; a clock that moves backwards
// makes the next call start a new burst. AfterFunc must fire its callback
// at most once, no earlier than the requested delay. The callback may run
// synchronously inside the clock, as k8s.io/utils/clock/testing.FakeClock
// does from Step. Stop on the returned timer is idempotent.
type Clock = clock.WithDelayedExecution

// defaultClock is used when no WithClock option is given.
var defaultClock Clock = clock.RealClock{}

// armedTimer is the single timer slot of a Coalescer. Its identity is what a
// firing callback checks against, so a callback from a stopped or replaced
// timer cannot act on newer state.
type armedTimer struct {
	handle clock.Timer
}

func (t *armedTimer) stop() {
	if t.handle != nil {
		t.handle.Stop()
	}
}
