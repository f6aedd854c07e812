package internal

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/tylergannon/coalesce"
	"golang.org/x/sync/errgroup"
	kexec "k8s.io/utils/exec"
)

// stringSlice is a flag.Value that collects repeated flags such as -r or --include.
type stringSlice []string

func (s *stringSlice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Run is the main entry point for the CLI.
func Run() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "watch":
		cmdWatch(args)
	case "run":
		cmdRun(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`coalesce-watch - Run a command on file changes, debounced or throttled

Usage:
  coalesce-watch <command> [options] -- <program> [args...]

Commands:
  watch     Watch directories and run the program as changes settle
  run       Run the program once, as watch would

Options:
  -w, --workspace <path>   Working directory (default: current directory)
  -r <dir>                 Add recursive watch directory (can be repeated)
  -d <dir>                 Add non-recursive watch directory (can be repeated)
  --include <glob>         Only react to matching base names (can be repeated)
  --exclude <glob>         Ignore matching base names (can be repeated)
  --mode <debounce|throttle>
                           Coalescing mode (default: debounce)
  --wait <duration>        Quiet period or cadence (default: 250ms)
  --max-wait <duration>    Longest a debounced run may be deferred (default: none)
  --leading, --trailing    Fire on the first / last change of a burst
                           (debounce: trailing only; throttle: both)
  --per-file               Coalesce each changed path separately
  --max-files <n>          Paths tracked in per-file mode (default: 256)
  --git                    Also run on branch switch or ref update (default: true)
  --json                   Print each run result as a JSON line
  --flush-on-exit          Run a pending change before exiting on interrupt
                           (default: true; interrupt again to abort)

The program sees COALESCE_TRIGGER set to the changed path, git:<reason> or manual.

Defaults:
  - Watch '.' recursively, skipping .git`)
}

// watchOptions is the parsed command line shared by watch and run.
type watchOptions struct {
	watcher  WatcherConfig
	schedule ScheduleConfig
	git         bool
	json        bool
	flushOnExit bool
	command     []string
}

func parseWatchFlags(name string, args []string) (watchOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts             watchOptions
		workspace        string
		recursiveDirs    stringSlice
		nonRecursiveDirs stringSlice
		include          stringSlice
		exclude          stringSlice
		mode             string
		leading          bool
		trailing         bool
	)

	fs.StringVar(&workspace, "w", ".", "Working directory")
	fs.StringVar(&workspace, "workspace", ".", "Working directory")
	fs.Var(&recursiveDirs, "r", "Recursive watch directory (can be repeated)")
	fs.Var(&nonRecursiveDirs, "d", "Non-recursive watch directory (can be repeated)")
	fs.Var(&include, "include", "Base-name glob to react to (can be repeated)")
	fs.Var(&exclude, "exclude", "Base-name glob to ignore (can be repeated)")
	fs.StringVar(&mode, "mode", "debounce", "debounce or throttle")
	fs.DurationVar(&opts.schedule.Wait, "wait", 250*time.Millisecond, "Quiet period or cadence")
	fs.DurationVar(&opts.schedule.MaxWait, "max-wait", 0, "Longest a debounced run may be deferred")
	fs.BoolVar(&leading, "leading", false, "Fire on the first change of a burst")
	fs.BoolVar(&trailing, "trailing", true, "Fire on the last change of a burst")
	fs.BoolVar(&opts.schedule.PerFile, "per-file", false, "Coalesce each changed path separately")
	fs.IntVar(&opts.schedule.MaxFiles, "max-files", DefaultMaxFiles, "Paths tracked in per-file mode")
	fs.BoolVar(&opts.git, "git", true, "Also run on branch switch or ref update")
	fs.BoolVar(&opts.json, "json", false, "Print each run result as a JSON line")
	fs.BoolVar(&opts.flushOnExit, "flush-on-exit", true, "Run a pending change before exiting on interrupt")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	var err error
	if opts.schedule.Mode, err = coalesce.ParseMode(mode); err != nil {
		return opts, err
	}

	// Only explicit edge flags override the mode's defaults.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "leading":
			opts.schedule.Leading = &leading
		case "trailing":
			opts.schedule.Trailing = &trailing
		}
	})

	if len(recursiveDirs) == 0 && len(nonRecursiveDirs) == 0 {
		recursiveDirs = []string{"."}
	}
	opts.watcher = WatcherConfig{
		WorkspacePath:    workspace,
		RecursiveDirs:    recursiveDirs,
		NonRecursiveDirs: nonRecursiveDirs,
		Include:          include,
		Exclude:          exclude,
	}

	opts.command = fs.Args()
	if len(opts.command) == 0 {
		return opts, ErrNoCommand
	}
	return opts, nil
}

// resolveWorkspace makes the workspace path absolute.
func (o *watchOptions) resolveWorkspace() error {
	abs, err := filepath.Abs(o.watcher.WorkspacePath)
	if err != nil {
		return errors.WithMessage(err, "resolve workspace")
	}
	o.watcher.WorkspacePath = abs
	return nil
}

func cmdWatch(args []string) {
	opts, err := parseWatchFlags("watch", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		printUsage()
		os.Exit(2)
	}
	if err := opts.resolveWorkspace(); err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}
	workspace := opts.watcher.WorkspacePath

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Runs outlive the signal context so a pending change can still run on
	// the way out.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	executor := kexec.New()

	runner, err := NewRunner(workspace, opts.command, executor)
	if err != nil {
		log.Fatalf("Failed to create runner: %v", err)
	}
	reporter := NewReporter(os.Stdout, opts.json)

	scheduler, err := NewScheduler(opts.schedule, func(c Change) (RunResult, error) {
		log.Printf("Running %s (%s)", opts.command[0], c.Trigger())
		res, err := runner.Run(runCtx, c.Trigger())
		if rerr := reporter.Report(res); rerr != nil {
			log.Printf("Failed to report result: %v", rerr)
		}
		return res, err
	})
	if err != nil {
		log.Fatalf("Invalid coalescing options: %v", err)
	}

	fsWatcher, err := NewRealFSWatcher()
	if err != nil {
		log.Fatalf("Failed to create filesystem watcher: %v", err)
	}

	var gitWatcher GitWatcher
	if opts.git {
		g, err := NewRealGitWatcher(workspace, executor)
		if err != nil {
			_ = fsWatcher.Close()
			log.Fatalf("Failed to create git watcher: %v", err)
		}
		defer func() { _ = g.Close() }()
		gitWatcher = g
	}

	w := NewWatcher(opts.watcher, scheduler, fsWatcher, gitWatcher)

	g, gctx := errgroup.WithContext(ctx)
	if gitWatcher != nil {
		g.Go(func() error {
			gitWatcher.Start(gctx)
			return nil
		})
	}
	g.Go(func() error { return w.Start(gctx) })

	log.Printf("Watching %s: %v (recursive), %v (non-recursive)", workspace, opts.watcher.RecursiveDirs, opts.watcher.NonRecursiveDirs)
	log.Printf("Coalescing with %s, wait %s", opts.schedule.Mode, opts.schedule.Wait)

	if err := g.Wait(); err != nil {
		log.Printf("Watcher stopped: %v", err)
	}

	log.Println("Shutting down...")
	shutdown(w, opts.flushOnExit, stop)

	if runner.Runs() > 0 {
		last := runner.Latest()
		log.Printf("Last run (%s) exited %d after %s", last.Trigger, last.ExitCode, last.Duration.Round(time.Millisecond))
	}
}

// shutdown stops the watcher, first running any pending change when flush is
// set. restoreSignals is called beforehand so a second interrupt kills the
// process instead of waiting for the run.
func shutdown(w *Watcher, flush bool, restoreSignals func()) {
	restoreSignals()
	if flush {
		w.Flush()
	}
	_ = w.Close()
}

func cmdRun(args []string) {
	opts, err := parseWatchFlags("run", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		printUsage()
		os.Exit(2)
	}
	if err := opts.resolveWorkspace(); err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	runner, err := NewRunner(opts.watcher.WorkspacePath, opts.command, kexec.New())
	if err != nil {
		log.Fatalf("Failed to create runner: %v", err)
	}

	res, err := runner.Run(context.Background(), "manual")
	if rerr := NewReporter(os.Stdout, opts.json).Report(res); rerr != nil {
		log.Printf("Failed to report result: %v", rerr)
	}
	if err != nil {
		if errors.Is(err, ErrCommandFailed) {
			os.Exit(res.ExitCode)
		}
		log.Fatalf("Run failed: %v", err)
	}
}
