package sshexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// parallelSSHBinaries are probed in order; the first one present is
// delegated to instead of the built-in fan-out.
var parallelSSHBinaries = []string{"parallel-ssh", "pssh"}

// ParallelExecute runs cmd on every target with at most concurrency
// in-flight connections. When a system parallel-SSH binary is available
// it is delegated to with a generated host-list file; otherwise a bounded
// fan-out over the built-in executor produces identical semantics.
// Results are returned in the order of targets.
func (e *Executor) ParallelExecute(ctx context.Context, targets []Target, cmd string, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 50
	}

	if bin := findParallelSSH(); bin != "" && len(targets) > 1 {
		if results, err := e.delegateParallelSSH(ctx, bin, targets, cmd); err == nil {
			return results
		}
		// Fall through to the built-in path on any delegation problem.
	}

	results := make([]Result, len(targets))
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	for i, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Host: t.Host, ExitCode: -1, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = e.Execute(ctx, t, cmd, false)
		}(i, t)
	}
	wg.Wait()
	return results
}

func findParallelSSH() string {
	for _, bin := range parallelSSHBinaries {
		if p, err := exec.LookPath(bin); err == nil {
			return p
		}
	}
	return ""
}

// delegateParallelSSH writes a host-list file and invokes the system
// binary through the ledger. Stdout and stderr are captured per host
// with the tool's output directories, and the summary lines decide
// which hosts failed, so each target gets its own result.
func (e *Executor) delegateParallelSSH(ctx context.Context, bin string, targets []Target, cmd string) ([]Result, error) {
	dir, err := os.MkdirTemp("", "cyris-pssh-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	hostFile := filepath.Join(dir, "hosts")
	outDir := filepath.Join(dir, "out")
	errDir := filepath.Join(dir, "err")
	for _, d := range []string{outDir, errDir} {
		if err := os.Mkdir(d, 0700); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(hostFile)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		fmt.Fprintf(f, "%s@%s:%d\n", t.User, t.Host, portOrDefault(t))
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	out, err := e.reg.Run(ctx, registry.Command{
		Kind: types.OpSSH,
		Argv: []string{bin, "-h", hostFile, "-o", outDir, "-e", errDir,
			"-t", fmt.Sprintf("%d", int(e.Timeout.Seconds())), cmd},
		RangeID: rangeIDFrom(ctx),
		Phase:   phaseFrom(ctx),
	})
	failed := failedHosts(out)
	if err != nil && len(failed) == 0 {
		// The binary itself broke rather than a remote command; let the
		// caller fall back to the built-in fan-out.
		return nil, err
	}

	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i] = Result{
			Host:   t.Host,
			Stdout: readHostCapture(outDir, t),
			Stderr: readHostCapture(errDir, t),
		}
		if failed[t.Host] {
			results[i].ExitCode = 1
			results[i].Err = fmt.Errorf("command failed on %s", t.Host)
		}
	}
	return results, nil
}

// failedHosts parses the tool's per-host summary lines, e.g.
// "[2] 10:04:21 [FAILURE] 192.168.122.5:22 Exited with error code 1".
func failedHosts(out string) map[string]bool {
	m := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f != "[FAILURE]" || i+1 >= len(fields) {
				continue
			}
			host := fields[i+1]
			if j := strings.IndexByte(host, ':'); j >= 0 {
				host = host[:j]
			}
			m[host] = true
		}
	}
	return m
}

// readHostCapture reads a per-host output file. Depending on version the
// tool names it by host alone or host:port.
func readHostCapture(dir string, t Target) string {
	for _, name := range []string{t.Host, fmt.Sprintf("%s:%d", t.Host, portOrDefault(t))} {
		if b, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return strings.TrimRight(string(b), "\n")
		}
	}
	return ""
}

func portOrDefault(t Target) int {
	if t.Port == 0 {
		return 22
	}
	return t.Port
}
