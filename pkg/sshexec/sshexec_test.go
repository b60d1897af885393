package sshexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/registry"
)

func TestTargetAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.5:22", Target{Host: "10.0.0.5"}.Addr())
	assert.Equal(t, "10.0.0.5:2222", Target{Host: "10.0.0.5", Port: 2222}.Addr())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp 10.0.0.5:22: connect: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"io timeout", errors.New("dial tcp: i/o timeout"), true},
		{"handshake", errors.New("ssh: handshake failed: EOF"), true},
		{"agent", errors.New("agent: failed to list keys"), true},
		{"no route", errors.New("connect: no route to host"), true},
		{"net timeout interface", timeoutErr{}, true},
		{"auth rejected", errors.New("ssh: unable to authenticate, attempted methods [publickey]"), false},
		{"plain failure", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transient(tt.err))
		})
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'echo hi'", shellQuote("echo hi"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestWithRangeAttribution(t *testing.T) {
	ctx := WithRange(context.Background(), "r42", "guest tasks")
	assert.Equal(t, "r42", rangeIDFrom(ctx))
	assert.Equal(t, "guest tasks", phaseFrom(ctx))

	assert.Equal(t, "", rangeIDFrom(context.Background()))
}

func TestWithIgnoreErrorsAttribution(t *testing.T) {
	assert.False(t, ignoreErrorsFrom(context.Background()))
	assert.True(t, ignoreErrorsFrom(WithIgnoreErrors(context.Background())))
}

func TestExecuteRecordsIgnorableFailure(t *testing.T) {
	reg := registry.New()
	e := New(reg, 200*time.Millisecond, 1, time.Millisecond)
	ctx := WithIgnoreErrors(WithRange(context.Background(), "r1", "guest tasks"))

	// 192.0.2.0/24 is reserved for documentation, the dial always fails.
	res := e.Execute(ctx, Target{Host: "192.0.2.1", User: "root", Password: "x"}, "true", false)
	require.Error(t, res.Err)

	assert.Equal(t, 0, reg.Failures("r1"))
	assert.Equal(t, 1, reg.IgnoredFailures("r1"))
	assert.True(t, reg.Success("r1"), "an ignorable failure must not flip the range result")
}

func TestExecutorDefaults(t *testing.T) {
	e := New(nil, 30*time.Second, 3, 5*time.Second)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, 5*time.Second, e.RetryDelay)
}
