package sshexec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/metrics"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// Target identifies one SSH endpoint.
type Target struct {
	Host     string
	Port     int
	User     string
	KeyPath  string // explicit private key, tried first
	Password string // last-resort auth
}

// Addr returns the dialable host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))
}

// Result is the outcome of one remote command.
type Result struct {
	Host     string
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	Err      error
}

// Executor runs commands and transfers files over SSH with retries.
type Executor struct {
	Timeout    time.Duration // per-call timeout
	RetryCount int
	RetryDelay time.Duration

	reg    *registry.Registry
	logger zerolog.Logger
}

// New creates an executor recording into reg.
func New(reg *registry.Registry, timeout time.Duration, retryCount int, retryDelay time.Duration) *Executor {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if retryCount == 0 {
		retryCount = 3
	}
	if retryDelay == 0 {
		retryDelay = 5 * time.Second
	}
	return &Executor{
		Timeout:    timeout,
		RetryCount: retryCount,
		RetryDelay: retryDelay,
		reg:        reg,
		logger:     log.WithComponent("sshexec"),
	}
}

// authMethods builds the auth chain: explicit key, then agent, then
// password.
func (e *Executor) authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if t.KeyPath != "" {
		data, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, types.NewError(types.ErrSSH, "read key", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, types.NewError(types.ErrSSH, "parse key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}

	if len(methods) == 0 {
		return nil, types.NewError(types.ErrSSH, "auth",
			fmt.Errorf("no key, agent or password available for %s", t.Host))
	}
	return methods, nil
}

// connect dials the target. Host keys are not verified (training
// environment); the fingerprint is logged for the audit trail.
func (e *Executor) connect(ctx context.Context, t Target) (*ssh.Client, error) {
	methods, err := e.authMethods(t)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User: t.User,
		Auth: methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			e.logger.Debug().
				Str("host", hostname).
				Str("fingerprint", ssh.FingerprintSHA256(key)).
				Msg("accepting host key")
			return nil
		},
		Timeout: e.Timeout,
	}

	d := net.Dialer{Timeout: e.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// transient reports whether an error class is worth retrying. A non-zero
// remote exit status never is.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, ind := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"handshake failed",
		"agent: ",
		"no route to host",
	} {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

// Execute runs cmd on the target, retrying transient failures up to
// RetryCount times with RetryDelay back-off. With sudo set, the command
// runs under "sudo sh -c".
func (e *Executor) Execute(ctx context.Context, t Target, cmd string, sudo bool) Result {
	remote := cmd
	if sudo {
		remote = "sudo sh -c " + shellQuote(cmd)
	}

	var res Result
	for attempt := 0; ; attempt++ {
		res = e.executeOnce(ctx, t, remote)
		if res.Err == nil || !transient(res.Err) || attempt >= e.RetryCount-1 {
			break
		}
		metrics.SSHRetriesTotal.Inc()
		e.logger.Warn().
			Str("host", t.Host).
			Int("attempt", attempt+1).
			Err(res.Err).
			Msg("transient SSH error, retrying")
		select {
		case <-time.After(e.RetryDelay):
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		}
	}

	e.reg.RecordResult(types.OpSSH, rangeIDFrom(ctx), "", phaseFrom(ctx),
		fmt.Sprintf("ssh %s@%s %s", t.User, t.Host, remote),
		res.ExitCode, res.Elapsed, res.Stdout, res.Stderr, ignoreErrorsFrom(ctx))
	return res
}

func (e *Executor) executeOnce(ctx context.Context, t Target, cmd string) Result {
	res := Result{Host: t.Host}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	client, err := e.connect(ctx, t)
	if err != nil {
		res.Err = err
		res.ExitCode = -1
		return res
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		res.Err = err
		res.ExitCode = -1
		return res
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		err = ctx.Err()
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		res.Err = err
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// shellQuote single-quotes s for safe embedding in a remote shell line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// context keys for ledger attribution set by the orchestrator.
type ctxKey string

const (
	ctxRangeID      ctxKey = "range_id"
	ctxPhase        ctxKey = "phase"
	ctxIgnoreErrors ctxKey = "ignore_errors"
)

// WithRange attributes subsequent executor calls to a range and phase.
func WithRange(ctx context.Context, rangeID, phase string) context.Context {
	ctx = context.WithValue(ctx, ctxRangeID, rangeID)
	return context.WithValue(ctx, ctxPhase, phase)
}

// WithIgnoreErrors marks subsequent executor calls as ignorable in the
// ledger: their failures are recorded but do not count against the
// range's aggregated creation result.
func WithIgnoreErrors(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxIgnoreErrors, true)
}

func rangeIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxRangeID).(string)
	return v
}

func phaseFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxPhase).(string)
	return v
}

func ignoreErrorsFrom(ctx context.Context) bool {
	v, _ := ctx.Value(ctxIgnoreErrors).(bool)
	return v
}
