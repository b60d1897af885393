package privilege

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

func TestNeedsFallback(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"terminal required", "sudo: a terminal is required to read the password", true},
		{"password required", "sudo: a password is required", true},
		{"askpass helper", "sudo: no askpass helper specified", true},
		{"case insensitive", "SUDO: A TERMINAL IS REQUIRED", true},
		{"unrelated failure", "sudo: command not found", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, needsFallback(tt.output))
		})
	}
}

func TestAcquirePTYSucceeds(t *testing.T) {
	s := NewSession(registry.New())
	s.runPTY = func(ctx context.Context, argv []string) (string, error) {
		assert.Equal(t, []string{"sudo", "-v"}, argv)
		return "", nil
	}
	s.readPass = func() (string, error) {
		t.Fatal("password must not be read when pty works")
		return "", nil
	}

	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, MethodPTY, s.Method())
	assert.True(t, s.Valid())

	// A second Acquire inside the validity window is a no-op.
	s.runPTY = func(ctx context.Context, argv []string) (string, error) {
		t.Fatal("must not re-acquire while valid")
		return "", nil
	}
	require.NoError(t, s.Acquire(context.Background()))
}

func TestAcquireNonFallbackFailureGivesGuidance(t *testing.T) {
	s := NewSession(registry.New())
	s.runPTY = func(ctx context.Context, argv []string) (string, error) {
		return "", errors.New("sudo: unknown user")
	}

	err := s.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrElevation, types.KindOf(err))
	assert.Equal(t, MethodNone, s.Method())
	// Guidance enumerates all three remediations.
	assert.Contains(t, err.Error(), "1.")
	assert.Contains(t, err.Error(), "NOPASSWD")
	assert.Contains(t, err.Error(), "SUDO_ASKPASS")
}

func TestFallbackIndicatorTriggersPasswordPath(t *testing.T) {
	s := NewSession(registry.New())
	s.runPTY = func(ctx context.Context, argv []string) (string, error) {
		return "sudo: a terminal is required to read the password", fmt.Errorf("exit status 1")
	}
	asked := false
	s.readPass = func() (string, error) {
		asked = true
		return "", errors.New("no tty available")
	}

	err := s.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, asked, "fallback must try to read a password")
	assert.Equal(t, types.ErrElevation, types.KindOf(err))
}

func TestGuidanceWording(t *testing.T) {
	ssh := Guidance(EnvSSHNoTTY)
	assert.Contains(t, ssh, "ssh -t")

	local := Guidance(EnvLocalNonInteract)
	assert.Contains(t, local, "interactive terminal")

	interactive := Guidance(EnvLocalInteractive)
	assert.Contains(t, interactive, "password when prompted")

	for _, g := range []string{ssh, local, interactive} {
		assert.Contains(t, g, "NOPASSWD")
		assert.Contains(t, g, "SUDO_ASKPASS")
	}
}

func TestValidityWindow(t *testing.T) {
	s := NewSession(registry.New())
	assert.False(t, s.Valid(), "fresh session holds no elevation")
	assert.Equal(t, MethodNone, s.Method())
}
