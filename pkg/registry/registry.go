package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/metrics"
	"github.com/cyris-project/cyris/pkg/types"
)

// CreationLogName is the per-range audit log file name.
const CreationLogName = "creation.log"

// StatusFileName is the sidecar file holding the final SUCCESS|FAILURE.
const StatusFileName = "status"

// Registry is the process-global, append-only ledger of external
// side-effects. Records are totally ordered by seq; the in-memory slice
// and the per-range log files are guarded by one mutex so file lines and
// ledger entries agree on ordering.
type Registry struct {
	mu      sync.Mutex
	seq     uint64
	records []types.OperationRecord
	files   map[string]*os.File // range_id -> creation.log handle
	logger  zerolog.Logger
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry, initializing it lazily.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		files:  make(map[string]*os.File),
		logger: log.WithComponent("registry"),
	}
}

// OpenRangeLog creates (or reopens for append) the creation.log for a
// range under rangeDir and associates it with rangeID.
func (r *Registry) OpenRangeLog(rangeID, rangeDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[rangeID]; ok {
		return nil
	}
	if err := os.MkdirAll(rangeDir, 0755); err != nil {
		return types.NewError(types.ErrResource, "create range dir", err)
	}
	path := filepath.Join(rangeDir, CreationLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return types.NewError(types.ErrResource, "open creation.log", err)
	}
	r.files[rangeID] = f
	return nil
}

// CloseRangeLog flushes and closes the range's log handle.
func (r *Registry) CloseRangeLog(rangeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[rangeID]
	if !ok {
		return nil
	}
	delete(r.files, rangeID)
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Append adds a record to the ledger, assigns its seq, writes it to the
// range's creation.log when one is open, and updates metrics. The record
// is never mutated afterwards.
func (r *Registry) Append(rec types.OperationRecord) types.OperationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	rec.Seq = r.seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Command = Redact(rec.Command)
	r.records = append(r.records, rec)

	outcome := "success"
	if rec.ExitCode != 0 {
		outcome = "failure"
	}
	metrics.OperationsTotal.WithLabelValues(string(rec.Kind), outcome).Inc()
	metrics.OperationDuration.WithLabelValues(string(rec.Kind)).Observe(rec.Elapsed.Seconds())

	if f, ok := r.files[rec.RangeID]; ok {
		fmt.Fprintf(f, "[%s] #%d %s phase=%s exit=%d elapsed=%.1fs cmd=%s\n",
			rec.Timestamp.Format(time.RFC3339), rec.Seq, rec.Kind, rec.Phase,
			rec.ExitCode, rec.Elapsed.Seconds(), rec.Command)
		if rec.StdoutTail != "" {
			fmt.Fprintf(f, "  stdout: %s\n", rec.StdoutTail)
		}
		if rec.StderrTail != "" {
			fmt.Fprintf(f, "  stderr: %s\n", rec.StderrTail)
		}
		f.Sync()
	}

	r.logger.Debug().
		Uint64("seq", rec.Seq).
		Str("kind", string(rec.Kind)).
		Str("range_id", rec.RangeID).
		Int("exit_code", rec.ExitCode).
		Msg(rec.Command)

	return rec
}

// Logf writes a free-form line to the range's creation.log (phase
// headers, progress notes). It does not create a ledger record.
func (r *Registry) Logf(rangeID, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.files[rangeID]; ok {
		fmt.Fprintf(f, format+"\n", args...)
		f.Sync()
	}
}

// Records returns a snapshot of the ledger entries for a range, in seq
// order. An empty rangeID selects every record.
func (r *Registry) Records(rangeID string) []types.OperationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.OperationRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rangeID == "" || rec.RangeID == rangeID {
			out = append(out, rec)
		}
	}
	return out
}

// Failures counts records for the range with a non-zero exit that were
// not declared ignorable by their caller.
func (r *Registry) Failures(rangeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.RangeID == rangeID && rec.ExitCode != 0 && !rec.Ignored {
			n++
		}
	}
	return n
}

// IgnoredFailures counts records for the range with a non-zero exit
// that were declared ignorable. They do not flip the range result but
// do mark the creation as partial.
func (r *Registry) IgnoredFailures(rangeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.RangeID == rangeID && rec.ExitCode != 0 && rec.Ignored {
			n++
		}
	}
	return n
}

// Success derives the aggregated creation result for a range: true iff
// every non-ignored record exited zero.
func (r *Registry) Success(rangeID string) bool {
	return r.Failures(rangeID) == 0
}

// WriteStatusFile writes the SUCCESS|FAILURE sidecar under rangeDir.
func WriteStatusFile(rangeDir string, success bool) error {
	s := "FAILURE"
	if success {
		s = "SUCCESS"
	}
	return os.WriteFile(filepath.Join(rangeDir, StatusFileName), []byte(s+"\n"), 0644)
}

// redactPatterns strips credentials before a command line is persisted.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(--?passw(or)?d[= ])\S+`),
	regexp.MustCompile(`(passwd[:=])\S+`),
	regexp.MustCompile(`(sshpass -p )\S+`),
	regexp.MustCompile(`(chpasswd.*:)\S+`),
}

// Redact masks credential material in a command string.
func Redact(cmd string) string {
	for _, p := range redactPatterns {
		cmd = p.ReplaceAllString(cmd, "${1}****")
	}
	return cmd
}
