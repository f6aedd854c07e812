package internal

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tylergannon/go-signal"
	kexec "k8s.io/utils/exec"
)

// TriggerEnv is the environment variable that tells the command what
// triggered the run: a changed path, "git:<reason>" or "manual".
const TriggerEnv = "COALESCE_TRIGGER"

var (
	// ErrNoCommand is returned when a Runner is created without a command.
	ErrNoCommand = errors.New("no command given")

	// ErrCommandFailed is returned when the command exits with a non-zero status.
	ErrCommandFailed = errors.New("command failed")
)

// RunResult describes one execution of the command.
type RunResult struct {
	Trigger   string        `json:"trigger"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exitCode"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Runner executes a command in a workspace.
type Runner struct {
	workspacePath string
	command       []string
	executor      kexec.Interface
	runs          atomic.Int64

	// Holds the latest completed run. Readers block while a run is in progress.
	latest *signal.Signal[RunResult]
}

// NewRunner creates a Runner for command, run from workspacePath.
func NewRunner(workspacePath string, command []string, executor kexec.Interface) (*Runner, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, ErrNoCommand
	}
	return &Runner{
		workspacePath: workspacePath,
		command:       command,
		executor:      executor,
		latest:        signal.New[RunResult](),
	}, nil
}

// Run executes the command once and waits for it to exit. A non-zero exit
// still yields a result, along with an error wrapping ErrCommandFailed.
func (r *Runner) Run(ctx context.Context, trigger string) (RunResult, error) {
	r.latest.Invalidate()

	cmd := r.executor.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.SetDir(r.workspacePath)
	cmd.SetEnv(append(os.Environ(), TriggerEnv+"="+trigger))

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := RunResult{
		Trigger:   trigger,
		Output:    string(out),
		StartedAt: start,
		Duration:  time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(kexec.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			err = errors.Wrapf(ErrCommandFailed, "%s exited with status %d", r.command[0], res.ExitCode)
		} else {
			res.ExitCode = -1
			err = errors.WithMessagef(err, "run %s", r.command[0])
		}
	}

	r.runs.Add(1)
	r.latest.Set(res)
	return res, err
}

// Runs returns how many times the command has completed.
func (r *Runner) Runs() int64 {
	return r.runs.Load()
}

// Latest blocks until a run is complete and returns its result.
// If a run is in progress, this blocks until it completes.
func (r *Runner) Latest() RunResult {
	return r.latest.Get()
}
