package internal

import (
	"log"
	"time"

	"github.com/tylergannon/coalesce"
)

// DefaultMaxFiles bounds how many paths are tracked in per-file mode.
const DefaultMaxFiles = 256

// ScheduleConfig controls how changes are turned into runs.
type ScheduleConfig struct {
	Mode    coalesce.Mode
	Wait    time.Duration
	MaxWait time.Duration // 0 means no ceiling

	// Nil keeps the mode's default edge.
	Leading  *bool
	Trailing *bool

	// PerFile coalesces each changed path on its own.
	PerFile  bool
	MaxFiles int
}

func (c ScheduleConfig) options() []coalesce.Option {
	opts := []coalesce.Option{coalesce.WithErrorHandler(logRunError)}
	if c.MaxWait > 0 {
		opts = append(opts, coalesce.WithMaxWait(c.MaxWait))
	}
	if c.Leading != nil {
		opts = append(opts, coalesce.WithLeading(*c.Leading))
	}
	if c.Trailing != nil {
		opts = append(opts, coalesce.WithTrailing(*c.Trailing))
	}
	return opts
}

// RunFunc runs the command for a change.
type RunFunc func(Change) (RunResult, error)

// Scheduler decides when changes turn into runs.
type Scheduler interface {
	Schedule(c Change)
	Flush()
	Cancel()
}

// NewScheduler builds a Scheduler from cfg. Configuration errors surface here
// rather than on the first change.
func NewScheduler(cfg ScheduleConfig, run RunFunc) (Scheduler, error) {
	fn := (func(Change) (RunResult, error))(run)
	if !cfg.PerFile {
		c, err := coalesce.New(fn, cfg.Wait, cfg.Mode, cfg.options()...)
		if err != nil {
			return nil, err
		}
		return &sharedScheduler{c: c}, nil
	}

	// Validate once up front; Keyed would otherwise report it per path.
	if _, err := coalesce.New(fn, cfg.Wait, cfg.Mode, cfg.options()...); err != nil {
		return nil, err
	}
	size := cfg.MaxFiles
	if size <= 0 {
		size = DefaultMaxFiles
	}
	k, err := coalesce.NewKeyed(size, func(string) (*coalesce.Coalescer[Change, RunResult], error) {
		return coalesce.New(fn, cfg.Wait, cfg.Mode, cfg.options()...)
	})
	if err != nil {
		return nil, err
	}
	return &perFileScheduler{k: k}, nil
}

// sharedScheduler funnels every change through one coalescer, so the command
// sees the latest change of each burst.
type sharedScheduler struct {
	c *coalesce.Coalescer[Change, RunResult]
}

func (s *sharedScheduler) Schedule(c Change) {
	if _, err := s.c.Call(c); err != nil {
		logRunError(err)
	}
}

func (s *sharedScheduler) Flush() {
	if _, err := s.c.Flush(); err != nil {
		logRunError(err)
	}
}

func (s *sharedScheduler) Cancel() { s.c.Cancel() }

type perFileScheduler struct {
	k *coalesce.Keyed[string, Change, RunResult]
}

func (s *perFileScheduler) Schedule(c Change) {
	if _, err := s.k.Call(c.Key(), c); err != nil {
		logRunError(err)
	}
}

func (s *perFileScheduler) Flush() {
	if err := s.k.FlushAll(); err != nil {
		logRunError(err)
	}
}

func (s *perFileScheduler) Cancel() { s.k.CancelAll() }

func logRunError(err error) {
	log.Printf("Run failed: %v", err)
}
