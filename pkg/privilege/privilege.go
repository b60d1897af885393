package privilege

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// Method identifies how elevation was obtained. Selection is
// deterministic: the PTY method is attempted first and the stdin fallback
// engages only on the known indicator strings.
type Method string

const (
	MethodPTY   Method = "pty"
	MethodStdin Method = "stdin_fallback"
	MethodNone  Method = "none"
)

// Validity is how long an acquired elevation is trusted before it must be
// re-acquired.
const Validity = 15 * time.Minute

// fallbackIndicators trigger the switch from the PTY method to the
// stdin-password method. Substring match over merged stdout+stderr.
var fallbackIndicators = []string{
	"terminal is required",
	"a password is required",
	"askpass helper",
}

// Session acquires and caches elevated privileges for builder and host
// operations. Acquire is called proactively, once per workflow, before
// any long-running step.
type Session struct {
	mu         sync.Mutex
	method     Method
	acquiredAt time.Time
	password   string
	tool       string
	reg        *registry.Registry
	logger     zerolog.Logger

	// test seams
	runPTY   func(ctx context.Context, argv []string) (string, error)
	readPass func() (string, error)
}

// NewSession creates a session that records its commands in reg.
func NewSession(reg *registry.Registry) *Session {
	s := &Session{
		method: MethodNone,
		tool:   "sudo",
		reg:    reg,
		logger: log.WithComponent("privilege"),
	}
	s.runPTY = s.runWithPTY
	s.readPass = readPasswordFromTTY
	return s
}

// Method returns the method selected by the last Acquire.
func (s *Session) Method() Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method
}

// Valid reports whether a previously acquired elevation is still inside
// its validity window.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method != MethodNone && time.Since(s.acquiredAt) < Validity
}

// Acquire obtains elevation and caches it. The PTY method runs first; if
// its merged output contains a fallback indicator, the stdin-password
// method is tried. If both fail the returned error carries
// environment-specific remediation guidance.
func (s *Session) Acquire(ctx context.Context) error {
	if s.Valid() {
		return nil
	}

	out, err := s.runPTY(ctx, []string{s.tool, "-v"})
	if err == nil {
		s.mu.Lock()
		s.method = MethodPTY
		s.acquiredAt = time.Now()
		s.mu.Unlock()
		s.record("pty", fmt.Sprintf("%s -v", s.tool), 0)
		return nil
	}

	if !needsFallback(out + err.Error()) {
		s.record("pty", fmt.Sprintf("%s -v", s.tool), 1)
		return s.guidanceError(err)
	}

	s.logger.Debug().Msg("pty elevation unavailable, trying stdin fallback")
	pass, perr := s.readPass()
	if perr != nil {
		s.record("stdin_fallback", fmt.Sprintf("%s -S -v", s.tool), 1)
		return s.guidanceError(fmt.Errorf("no password source: %w", perr))
	}

	if _, rerr := s.reg.Run(ctx, registry.Command{
		Kind:  types.OpShell,
		Argv:  []string{s.tool, "-S", "-v"},
		Phase: "elevation",
		Stdin: pass + "\n",
	}); rerr != nil {
		return s.guidanceError(rerr)
	}

	s.mu.Lock()
	s.method = MethodStdin
	s.password = pass
	s.acquiredAt = time.Now()
	s.mu.Unlock()
	s.record("stdin_fallback", fmt.Sprintf("%s -S -v", s.tool), 0)
	return nil
}

// Run executes argv elevated, re-acquiring first when the validity window
// lapsed. Output flows through the operation ledger like any command.
func (s *Session) Run(ctx context.Context, c registry.Command) (string, error) {
	if !s.Valid() {
		if err := s.Acquire(ctx); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	method, pass := s.method, s.password
	s.mu.Unlock()

	switch method {
	case MethodStdin:
		c.Argv = append([]string{s.tool, "-S"}, c.Argv...)
		c.Stdin = pass + "\n" + c.Stdin
	default:
		// Timestamp is cached by the tool after Acquire; -n keeps any
		// unexpected prompt from hanging a non-interactive run.
		c.Argv = append([]string{s.tool, "-n"}, c.Argv...)
	}
	return s.reg.Run(ctx, c)
}

func (s *Session) record(method, cmd string, exit int) {
	s.reg.RecordResult(types.OpShell, "", "", "elevation",
		fmt.Sprintf("%s (method=%s)", cmd, method), exit, 0, "", "", false)
}

func needsFallback(output string) bool {
	lower := strings.ToLower(output)
	for _, ind := range fallbackIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func (s *Session) guidanceError(cause error) error {
	return types.NewError(types.ErrElevation, "acquire elevation",
		fmt.Errorf("%w\n%s", cause, Guidance(detectEnvironment())))
}

// Environment classifies the invocation context for guidance wording.
type Environment string

const (
	EnvSSHNoTTY         Environment = "ssh-without-tty"
	EnvLocalNonInteract Environment = "local-non-interactive"
	EnvLocalInteractive Environment = "local-interactive"
)

func detectEnvironment() Environment {
	overSSH := os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_CLIENT") != ""
	onTTY := hasTTY()
	switch {
	case overSSH && !onTTY:
		return EnvSSHNoTTY
	case !onTTY:
		return EnvLocalNonInteract
	default:
		return EnvLocalInteractive
	}
}

// Guidance returns the three remediation lines, worded for the detected
// environment: interactive invocation, passwordless rule, askpass helper.
func Guidance(env Environment) string {
	user := os.Getenv("USER")
	if user == "" {
		user = "<user>"
	}

	var interactive string
	switch env {
	case EnvSSHNoTTY:
		interactive = `  1. re-run with a terminal allocated: ssh -t <host> cyris create ...`
	case EnvLocalNonInteract:
		interactive = `  1. re-run cyris from an interactive terminal (stdin must be a tty)`
	default:
		interactive = `  1. re-run cyris and enter the password when prompted`
	}

	return strings.Join([]string{
		"elevation is unavailable in this environment; any of the following fixes it:",
		interactive,
		fmt.Sprintf(`  2. add a passwordless rule: echo '%s ALL=(ALL) NOPASSWD: /usr/bin/virt-builder, /usr/bin/virt-customize, /usr/bin/virt-install' | sudo tee /etc/sudoers.d/cyris`, user),
		`  3. point SUDO_ASKPASS at a helper (e.g. /usr/bin/ssh-askpass) and export it`,
	}, "\n")
}
