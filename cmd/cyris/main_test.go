package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyris-project/cyris/pkg/orchestrator"
	"github.com/cyris-project/cyris/pkg/types"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", types.ConfigError("guest_settings", "unknown guest"), 1},
		{"usage", errors.New("unknown flag: --frobnicate"), 1},
		{"partial", fmt.Errorf("%w: range range01, 1 failed task(s), 0 unreachable guest(s)", orchestrator.ErrPartial), 2},
		{"environment", types.NewError(types.ErrEnvironment, "check", errors.New("/dev/kvm missing")), 3},
		{"hypervisor", types.NewError(types.ErrHypervisor, "define", errors.New("connect failed")), 3},
		{"task", types.NewError(types.ErrTask, "guest", errors.New("fatal task failed")), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
