package registry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/cyris-project/cyris/pkg/types"
)

// tailLimit bounds how much captured output a ledger record keeps.
const tailLimit = 2048

// Command describes one external command to run through the ledger.
type Command struct {
	Kind         types.OperationKind
	Argv         []string
	RangeID      string
	GuestID      string
	Phase        string
	Timeout      time.Duration
	IgnoreErrors bool
	Stdin        string
	// Stream receives interleaved output lines as they are produced,
	// e.g. for live builder output. Optional.
	Stream func(line string)
}

// Run executes the command, records it in the ledger, and returns its
// combined output. A non-zero exit is an error unless IgnoreErrors is set;
// either way the record is appended first.
func (r *Registry) Run(ctx context.Context, c Command) (string, error) {
	if len(c.Argv) == 0 {
		return "", types.NewError(types.ErrResource, "run", fmt.Errorf("empty command"))
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	rendered := shellquote.Join(c.Argv...)
	r.Logf(c.RangeID, "-- exec phase=%s: %s", c.Phase, Redact(rendered))

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	if c.Stream != nil {
		cmd.Stdout = &streamWriter{buf: &stdout, fn: c.Stream}
		cmd.Stderr = &streamWriter{buf: &stderr, fn: c.Stream}
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	r.Append(types.OperationRecord{
		Kind:       c.Kind,
		Command:    rendered,
		RangeID:    c.RangeID,
		GuestID:    c.GuestID,
		Phase:      c.Phase,
		ExitCode:   exitCode,
		Elapsed:    elapsed,
		StdoutTail: tail(stdout.String()),
		StderrTail: tail(stderr.String()),
		Ignored:    c.IgnoreErrors,
	})

	combined := stdout.String() + stderr.String()
	if err != nil && !c.IgnoreErrors {
		return combined, fmt.Errorf("command %q failed (exit %d): %w",
			Redact(rendered), exitCode, err)
	}
	return combined, nil
}

// RecordResult appends a record for an operation executed elsewhere (SSH
// calls, libvirt API mutations) so the ledger stays complete.
func (r *Registry) RecordResult(kind types.OperationKind, rangeID, guestID, phase, command string,
	exitCode int, elapsed time.Duration, stdout, stderr string, ignored bool) {
	r.Append(types.OperationRecord{
		Kind:       kind,
		Command:    command,
		RangeID:    rangeID,
		GuestID:    guestID,
		Phase:      phase,
		ExitCode:   exitCode,
		Elapsed:    elapsed,
		StdoutTail: tail(stdout),
		StderrTail: tail(stderr),
		Ignored:    ignored,
	})
}

func tail(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= tailLimit {
		return s
	}
	return "..." + s[len(s)-tailLimit:]
}

// streamWriter tees command output to a line callback while buffering it.
type streamWriter struct {
	buf     *bytes.Buffer
	fn      func(string)
	pending string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.pending += string(p)
	for {
		i := strings.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.fn(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}
