package internal

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Reporter prints run results, either as the command's output followed by a
// status line or as one JSON object per line.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	asJSON bool
}

// NewReporter creates a Reporter writing to w.
func NewReporter(w io.Writer, asJSON bool) *Reporter {
	return &Reporter{w: w, asJSON: asJSON}
}

// Report writes res. Safe for concurrent use; per-file runs may overlap.
func (r *Reporter) Report(res RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.asJSON {
		return json.NewEncoder(r.w).Encode(res)
	}
	return FormatHuman(r.w, res)
}

// FormatHuman writes the command output and a one-line summary.
func FormatHuman(w io.Writer, res RunResult) error {
	var sb strings.Builder
	sb.WriteString(res.Output)
	if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
		sb.WriteByte('\n')
	}
	status := "ok"
	if res.ExitCode != 0 {
		status = fmt.Sprintf("exit %d", res.ExitCode)
	}
	fmt.Fprintf(&sb, "--- %s: %s in %s\n", res.Trigger, status, res.Duration.Round(time.Millisecond))

	_, err := io.WriteString(w, sb.String())
	return err
}
