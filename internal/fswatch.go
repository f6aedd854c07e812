package internal

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	kexec "k8s.io/utils/exec"
)

// FSWatcher abstracts filesystem watching for testability.
type FSWatcher interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Add(path string, recursive bool) error
	Rescan() error
	Close() error
}

// RealFSWatcher wraps fsnotify.Watcher to implement FSWatcher.
type RealFSWatcher struct {
	watcher *fsnotify.Watcher
	roots   []watchRoot // kept for Rescan
	mu      sync.Mutex
}

type watchRoot struct {
	path      string
	recursive bool
}

// NewRealFSWatcher creates a new RealFSWatcher.
func NewRealFSWatcher() (*RealFSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RealFSWatcher{watcher: w}, nil
}

func (r *RealFSWatcher) Events() <-chan fsnotify.Event { return r.watcher.Events }
func (r *RealFSWatcher) Errors() <-chan error          { return r.watcher.Errors }

func (r *RealFSWatcher) Add(path string, recursive bool) error {
	r.mu.Lock()
	r.roots = append(r.roots, watchRoot{path: path, recursive: recursive})
	r.mu.Unlock()

	if recursive {
		return r.addTree(path)
	}
	return r.watcher.Add(path)
}

// addTree watches every directory under dir, skipping .git.
func (r *RealFSWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := r.watcher.Add(path); err != nil {
			log.Printf("Warning: could not watch %s: %v", path, err)
		}
		return nil
	})
}

// Rescan re-walks recursive roots so directories created since Add are watched.
func (r *RealFSWatcher) Rescan() error {
	r.mu.Lock()
	roots := make([]watchRoot, len(r.roots))
	copy(roots, r.roots)
	r.mu.Unlock()

	for _, root := range roots {
		if !root.recursive {
			continue
		}
		if err := r.addTree(root.path); err != nil {
			log.Printf("Warning: rescan failed for %s: %v", root.path, err)
		}
	}
	return nil
}

func (r *RealFSWatcher) Close() error {
	return r.watcher.Close()
}

// Git change reasons emitted by GitWatcher.
const (
	GitHeadChanged   = "head"   // branch switch
	GitBranchChanged = "branch" // commit, pull, merge or rebase on the current branch
)

// GitWatcher reports changes to the checked-out branch.
type GitWatcher interface {
	Changes() <-chan string    // emits GitHeadChanged or GitBranchChanged
	Start(ctx context.Context) // blocks until context is cancelled
	Close() error
}

// RealGitWatcher implements GitWatcher by watching .git/HEAD and the current
// branch ref with fsnotify.
type RealGitWatcher struct {
	workspacePath string
	executor      kexec.Interface
	watcher       *fsnotify.Watcher
	changes       chan string
	gitDir        string
}

// NewRealGitWatcher creates a RealGitWatcher for the repository containing
// workspacePath. Outside a repository it never emits.
func NewRealGitWatcher(workspacePath string, executor kexec.Interface) (*RealGitWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	r := &RealGitWatcher{
		workspacePath: workspacePath,
		executor:      executor,
		watcher:       w,
		changes:       make(chan string, 1),
	}
	if root := r.findGitRoot(); root != "" {
		r.gitDir = filepath.Join(root, ".git")
	}
	return r, nil
}

func (r *RealGitWatcher) findGitRoot() string {
	cmd := r.executor.Command("git", "rev-parse", "--show-toplevel")
	cmd.SetDir(r.workspacePath)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (r *RealGitWatcher) Changes() <-chan string {
	return r.changes
}

// Start begins watching git files. This blocks until the context is cancelled.
func (r *RealGitWatcher) Start(ctx context.Context) {
	if r.gitDir == "" {
		<-ctx.Done()
		return
	}

	headPath := filepath.Join(r.gitDir, "HEAD")
	if err := r.watcher.Add(headPath); err != nil {
		log.Printf("Warning: could not watch .git/HEAD: %v", err)
	}

	refPath := r.currentBranchRefPath()
	if refPath != "" {
		if err := r.watcher.Add(refPath); err != nil {
			log.Printf("Warning: could not watch branch ref: %v", err)
		}
	}
	refsDir := filepath.Join(r.gitDir, "refs", "heads")

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}

			switch {
			case event.Name == headPath:
				if next := r.currentBranchRefPath(); next != "" && next != refPath {
					if err := r.watcher.Add(next); err == nil {
						refPath = next
					}
				}
				r.emit(GitHeadChanged)
			case strings.HasPrefix(event.Name, refsDir):
				r.emit(GitBranchChanged)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Git watcher error: %v", err)
		}
	}
}

// emit never blocks. A change already queued covers this one.
func (r *RealGitWatcher) emit(reason string) {
	select {
	case r.changes <- reason:
	default:
	}
}

func (r *RealGitWatcher) currentBranchRefPath() string {
	if r.gitDir == "" {
		return ""
	}
	content, err := os.ReadFile(filepath.Join(r.gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	ref := parseGitHeadRef(string(content))
	if ref == "" {
		return ""
	}
	return filepath.Join(r.gitDir, ref)
}

// parseGitHeadRef parses the content of a .git/HEAD file and returns the ref path.
// Returns empty string for detached HEAD (raw commit SHA) or invalid content.
func parseGitHeadRef(content string) string {
	line := strings.TrimSpace(content)
	ref, ok := strings.CutPrefix(line, "ref: ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(ref)
}

func (r *RealGitWatcher) Close() error {
	return r.watcher.Close()
}
