package coalesce

import (
	"bytes"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"
)

const (
	wait    = 300 * time.Millisecond
	maxWait = 1000 * time.Millisecond
)

type invocation struct {
	at  time.Duration
	arg string
}

// recorder is a wrapped function that remembers when it ran and with what.
// It must be created inside the synctest bubble.
type recorder struct {
	mu    sync.Mutex
	start time.Time
	calls []invocation
	err   error
	panic any
}

func newRecorder() *recorder {
	return &recorder{start: time.Now()}
}

func (r *recorder) fn(arg string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invocation{at: time.Since(r.start), arg: arg})
	if r.panic != nil {
		panic(r.panic)
	}
	return arg, r.err
}

func (r *recorder) snapshot() []invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// sleepUntil advances virtual time to offset from the recorder's start.
func (r *recorder) sleepUntil(offset time.Duration) {
	time.Sleep(offset - time.Since(r.start))
	synctest.Wait()
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func assertCalls(t *testing.T, got, want []invocation) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("invocations = %v, want %v", got, want)
	}
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) snapshot() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.errs)
}

func TestDebounce_CoalescesBurstToLastCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, err := Debounce(r.fn, wait)
		if err != nil {
			t.Fatal(err)
		}

		d.Call("A")
		r.sleepUntil(ms(50))
		d.Call("B")
		r.sleepUntil(ms(100))
		d.Call("C")

		r.sleepUntil(ms(399))
		if got := r.snapshot(); len(got) != 0 {
			t.Fatalf("fired before quiet period: %v", got)
		}

		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), []invocation{{ms(400), "C"}})
	})
}

func TestDebounce_TwoSeparateBursts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		d.Call("A")
		d.Call("B")
		r.sleepUntil(ms(500))
		d.Call("C")
		r.sleepUntil(ms(1000))

		assertCalls(t, r.snapshot(), []invocation{{ms(300), "B"}, {ms(800), "C"}})
	})
}

func TestDebounce_LeadingAndTrailing_SingleCallFiresOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithLeading(true), WithTrailing(true))

		res, err := d.Call("A")
		if err != nil || res != "A" {
			t.Fatalf("Call = (%q, %v), want (\"A\", nil)", res, err)
		}

		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), []invocation{{0, "A"}})
	})
}

func TestDebounce_LeadingAndTrailing_SecondCallFiresTrailing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithLeading(true), WithTrailing(true))

		d.Call("A")
		r.sleepUntil(ms(100))
		d.Call("B")
		r.sleepUntil(ms(1000))

		assertCalls(t, r.snapshot(), []invocation{{0, "A"}, {ms(400), "B"}})
	})
}

func TestDebounce_MaxWait_FiresDuringContinuousCalls(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithMaxWait(maxWait))

		for i := 0; i <= 30; i++ {
			r.sleepUntil(ms(i * 100))
			d.Call(strings.Repeat("x", i+1))
		}
		r.sleepUntil(ms(3100))

		got := r.snapshot()
		if len(got) < 3 {
			t.Fatalf("got %d invocations in 3s of continuous calls, want at least 3: %v", len(got), got)
		}
		prev := time.Duration(0)
		for _, inv := range got {
			if inv.at-prev > maxWait {
				t.Fatalf("gap %v between invocations exceeds max wait: %v", inv.at-prev, got)
			}
			prev = inv.at
		}
	})
}

func TestDebounce_MaxWait_TrailingAfterBurstEnds(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithMaxWait(maxWait))

		d.Call("A")
		r.sleepUntil(ms(200))
		d.Call("B")
		r.sleepUntil(ms(2000))

		assertCalls(t, r.snapshot(), []invocation{{ms(500), "B"}})
	})
}

func TestDebounce_MaxWaitBelowWait_IsRaisedToWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithMaxWait(ms(100)))

		d.Call("A")
		r.sleepUntil(ms(50))
		d.Call("B")
		r.sleepUntil(ms(1000))

		assertCalls(t, r.snapshot(), []invocation{{ms(300), "B"}})
	})
}

func TestDebounceImmediate_FiresOnLeadingEdgeOnly(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, err := DebounceImmediate(r.fn, wait)
		if err != nil {
			t.Fatal(err)
		}

		d.Call("A")
		r.sleepUntil(ms(100))
		d.Call("B")
		r.sleepUntil(ms(200))
		d.Call("C")
		r.sleepUntil(ms(600))
		d.Call("D")
		r.sleepUntil(ms(2000))

		assertCalls(t, r.snapshot(), []invocation{{0, "A"}, {ms(600), "D"}})
	})
}

func TestThrottle_Cadence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		th, err := Throttle(r.fn, wait)
		if err != nil {
			t.Fatal(err)
		}

		th.Call("A")
		r.sleepUntil(ms(50))
		th.Call("B")
		r.sleepUntil(ms(100))
		th.Call("C")
		r.sleepUntil(ms(350))
		th.Call("D")
		r.sleepUntil(ms(360))
		th.Call("E")
		r.sleepUntil(ms(2000))

		// The trailing call at 300 opens a new window, so D is not a leading
		// call at 350 as it would be if only leading calls opened windows.
		// D is deferred to the window's end at 600 and superseded by E.
		assertCalls(t, r.snapshot(), []invocation{{0, "A"}, {ms(300), "C"}, {ms(600), "E"}})
	})
}

func TestThrottle_AtMostOncePerWindow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		th, _ := Throttle(r.fn, wait)

		for i := 0; i < 100; i++ {
			r.sleepUntil(ms(i*20 + 1))
			th.Call("x")
		}
		r.sleepUntil(ms(3000))

		got := r.snapshot()
		for i := 1; i < len(got); i++ {
			if gap := got[i].at - got[i-1].at; gap < wait {
				t.Fatalf("invocations %d and %d only %v apart: %v", i-1, i, gap, got)
			}
		}
		if len(got) < 6 {
			t.Fatalf("got %d invocations over 2s, want at least 6", len(got))
		}
	})
}

func TestThrottle_TrailingOnly(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		th, _ := Throttle(r.fn, wait, WithLeading(false))

		th.Call("A")
		r.sleepUntil(ms(100))
		th.Call("B")
		r.sleepUntil(ms(1000))

		assertCalls(t, r.snapshot(), []invocation{{ms(300), "B"}})
	})
}

func TestThrottleImmediate_DropsTrailingCalls(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		th, _ := ThrottleImmediate(r.fn, wait)

		th.Call("A")
		r.sleepUntil(ms(100))
		th.Call("B")
		r.sleepUntil(ms(200))
		th.Call("C")
		r.sleepUntil(ms(350))
		th.Call("D")
		r.sleepUntil(ms(2000))

		assertCalls(t, r.snapshot(), []invocation{{0, "A"}, {ms(350), "D"}})
	})
}

func TestCancel_PreventsFiring(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		d.Call("A")
		if !d.Pending() {
			t.Fatal("Pending() = false after Call")
		}
		r.sleepUntil(ms(100))
		d.Cancel()
		if d.Pending() {
			t.Fatal("Pending() = true after Cancel")
		}

		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), nil)
	})
}

func TestCancel_Idempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		d.Cancel()
		d.Cancel()
		d.Call("A")
		d.Cancel()
		d.Cancel()

		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), nil)
	})
}

func TestCancel_ThenCallStartsFreshBurst(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithMaxWait(maxWait))

		d.Call("A")
		r.sleepUntil(ms(100))
		d.Cancel()
		r.sleepUntil(ms(200))
		d.Call("B")
		r.sleepUntil(ms(2000))

		assertCalls(t, r.snapshot(), []invocation{{ms(500), "B"}})
	})
}

func TestCancel_KeepsLastResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		d.Call("A")
		r.sleepUntil(ms(500))
		d.Cancel()

		res, err := d.Flush()
		if err != nil || res != "A" {
			t.Fatalf("Flush after Cancel = (%q, %v), want (\"A\", nil)", res, err)
		}
	})
}

func TestFlush_DeliversPendingNow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		d.Call("X")
		r.sleepUntil(ms(10))

		res, err := d.Flush()
		if err != nil || res != "X" {
			t.Fatalf("Flush = (%q, %v), want (\"X\", nil)", res, err)
		}
		assertCalls(t, r.snapshot(), []invocation{{ms(10), "X"}})

		res, err = d.Flush()
		if err != nil || res != "X" {
			t.Fatalf("second Flush = (%q, %v), want cached (\"X\", nil)", res, err)
		}

		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), []invocation{{ms(10), "X"}})
	})
}

func TestFlush_NothingPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		res, err := d.Flush()
		if err != nil || res != "" {
			t.Fatalf("Flush = (%q, %v), want zero result", res, err)
		}
		assertCalls(t, r.snapshot(), nil)
	})
}

func TestFlush_AfterLeadingCall_DoesNotRefire(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait, WithLeading(true))

		d.Call("A")
		res, err := d.Flush()
		if err != nil || res != "A" {
			t.Fatalf("Flush = (%q, %v), want cached (\"A\", nil)", res, err)
		}
		if d.Pending() {
			t.Fatal("Pending() = true after Flush")
		}

		// The quiet period still runs from A, so B does not lead.
		r.sleepUntil(ms(100))
		d.Call("B")
		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), []invocation{{0, "A"}, {ms(400), "B"}})
	})
}

func TestCall_ReturnsPreviousResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		if res, _ := d.Call("A"); res != "" {
			t.Fatalf("first Call = %q, want zero result", res)
		}
		r.sleepUntil(ms(500))
		if res, _ := d.Call("B"); res != "A" {
			t.Fatalf("Call after invocation = %q, want \"A\"", res)
		}
	})
}

func TestCall_LeadingErrorReturnsToCaller(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		r := newRecorder()
		r.err = boom
		var sink errorSink
		d, _ := DebounceImmediate(r.fn, wait, WithErrorHandler(sink.handle))

		if _, err := d.Call("A"); !errors.Is(err, boom) {
			t.Fatalf("Call error = %v, want %v", err, boom)
		}
		if got := sink.snapshot(); len(got) != 0 {
			t.Fatalf("error handler called for caller-side error: %v", got)
		}
		if res, _ := d.Flush(); res != "" {
			t.Fatalf("failed invocation was cached as %q", res)
		}
	})
}

func TestTrailingError_GoesToHandler(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		r := newRecorder()
		r.err = boom
		var sink errorSink
		d, _ := Debounce(r.fn, wait, WithErrorHandler(sink.handle))

		d.Call("A")
		r.sleepUntil(ms(1000))

		got := sink.snapshot()
		if len(got) != 1 || !errors.Is(got[0], boom) {
			t.Fatalf("handled errors = %v, want [%v]", got, boom)
		}
	})
}

func TestTrailingError_HandlerMayCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		r.err = errors.New("boom")

		var d *Coalescer[string, string]
		var sink errorSink
		d, _ = Debounce(r.fn, wait, WithLeading(true), WithErrorHandler(func(err error) {
			sink.handle(err)
			d.Cancel()
			if d.Pending() {
				t.Error("still pending after Cancel in the error handler")
			}
		}))

		d.Call("A")
		d.Call("B")
		r.sleepUntil(ms(300))

		if got := sink.snapshot(); len(got) != 1 {
			t.Fatalf("handled errors = %v, want one", got)
		}

		// The handler returned; the coalescer is not wedged.
		r.mu.Lock()
		r.err = nil
		r.mu.Unlock()
		if res, err := d.Call("C"); err != nil || res != "C" {
			t.Fatalf("Call after handler = (%q, %v), want leading C", res, err)
		}
		r.sleepUntil(ms(1000))
		assertCalls(t, r.snapshot(), []invocation{{0, "A"}, {ms(300), "B"}, {ms(300), "C"}})
	})
}

func TestTrailingError_LoggedWithoutHandler(t *testing.T) {
	var buf syncBuffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		r.err = errors.New("disk full")
		d, _ := Debounce(r.fn, wait)

		d.Call("A")
		r.sleepUntil(ms(1000))
	})

	if out := buf.String(); !strings.Contains(out, "debounce invocation failed: disk full") {
		t.Fatalf("log output = %q, want the invocation error", out)
	}
}

func TestFlushError_ReturnsToCaller(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		r := newRecorder()
		r.err = boom
		var sink errorSink
		d, _ := Debounce(r.fn, wait, WithErrorHandler(sink.handle))

		d.Call("A")
		if _, err := d.Flush(); !errors.Is(err, boom) {
			t.Fatalf("Flush error = %v, want %v", err, boom)
		}
		r.sleepUntil(ms(1000))
		if got := sink.snapshot(); len(got) != 0 {
			t.Fatalf("error handler called for flushed error: %v", got)
		}
	})
}

func TestTrailingPanic_ReportedAsPanicError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		r.panic = "kaboom"
		var sink errorSink
		d, _ := Debounce(r.fn, wait, WithErrorHandler(sink.handle))

		d.Call("A")
		r.sleepUntil(ms(1000))

		got := sink.snapshot()
		if len(got) != 1 {
			t.Fatalf("handled errors = %v, want one", got)
		}
		var perr *PanicError
		if !errors.As(got[0], &perr) {
			t.Fatalf("error %v is not a *PanicError", got[0])
		}
		if perr.Value != "kaboom" || len(perr.Stack) == 0 {
			t.Fatalf("PanicError = %+v, want value and stack", perr)
		}

		// The coalescer stays usable after a panic.
		r.mu.Lock()
		r.panic = nil
		r.mu.Unlock()
		d.Call("B")
		r.sleepUntil(ms(2000))
		if calls := r.snapshot(); len(calls) != 2 || calls[1].arg != "B" {
			t.Fatalf("invocations after panic = %v", calls)
		}
	})
}

func TestCall_ConcurrentCallersCoalesce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, _ := Debounce(r.fn, wait)

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					d.Call("x")
				}
			}()
		}
		wg.Wait()

		r.sleepUntil(ms(1000))
		if got := r.snapshot(); len(got) != 1 {
			t.Fatalf("got %d invocations, want 1", len(got))
		}
	})
}

func TestNew_ConfigurationErrors(t *testing.T) {
	fn := func(s string) (string, error) { return s, nil }

	tests := []struct {
		name  string
		build func() error
		want  error
	}{
		{
			name:  "negative wait",
			build: func() error { _, err := Debounce(fn, -1); return err },
			want:  ErrNegativeWait,
		},
		{
			name: "no edges",
			build: func() error {
				_, err := Debounce(fn, wait, WithLeading(false), WithTrailing(false))
				return err
			},
			want: ErrNoEdge,
		},
		{
			name: "throttle with no edges",
			build: func() error {
				_, err := Throttle(fn, wait, WithLeading(false), WithTrailing(false))
				return err
			},
			want: ErrNoEdge,
		},
		{
			name:  "negative max wait",
			build: func() error { _, err := Debounce(fn, wait, WithMaxWait(-1)); return err },
			want:  ErrNegativeMaxWait,
		},
		{
			name:  "nil function",
			build: func() error { _, err := Debounce[string, string](nil, wait); return err },
			want:  ErrNilFunc,
		},
		{
			name:  "unknown mode",
			build: func() error { _, err := New(fn, wait, Mode(7)); return err },
			want:  ErrInvalidMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.build(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_ZeroWaitIsValid(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := newRecorder()
		d, err := Debounce(r.fn, 0)
		if err != nil {
			t.Fatal(err)
		}
		d.Call("A")
		r.sleepUntil(ms(10))
		assertCalls(t, r.snapshot(), []invocation{{0, "A"}})
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "debounce", want: ModeDebounce},
		{in: "throttle", want: ModeThrottle},
		{in: "Throttle", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMode) {
					t.Fatalf("ParseMode(%q) error = %v, want ErrInvalidMode", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseMode(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
