package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	r := New()
	a := r.Append(types.OperationRecord{Kind: types.OpShell, Command: "true", RangeID: "r1"})
	b := r.Append(types.OperationRecord{Kind: types.OpSSH, Command: "uname", RangeID: "r1"})
	c := r.Append(types.OperationRecord{Kind: types.OpShell, Command: "false", RangeID: "r2"})

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Equal(t, uint64(3), c.Seq)
	assert.False(t, a.Timestamp.IsZero())
}

func TestRecordsFiltersByRange(t *testing.T) {
	r := New()
	r.Append(types.OperationRecord{Kind: types.OpShell, RangeID: "r1"})
	r.Append(types.OperationRecord{Kind: types.OpShell, RangeID: "r2"})
	r.Append(types.OperationRecord{Kind: types.OpShell, RangeID: "r1"})

	assert.Len(t, r.Records("r1"), 2)
	assert.Len(t, r.Records("r2"), 1)
	assert.Len(t, r.Records(""), 3)
}

func TestSuccessAggregation(t *testing.T) {
	r := New()
	r.Append(types.OperationRecord{RangeID: "r1", ExitCode: 0})
	assert.True(t, r.Success("r1"))

	// An ignored failure does not flip the verdict but counts as partial.
	r.Append(types.OperationRecord{RangeID: "r1", ExitCode: 1, Ignored: true})
	assert.True(t, r.Success("r1"))
	assert.Equal(t, 0, r.Failures("r1"))
	assert.Equal(t, 1, r.IgnoredFailures("r1"))

	// A real failure does, permanently.
	r.Append(types.OperationRecord{RangeID: "r1", ExitCode: 2})
	assert.False(t, r.Success("r1"))
	assert.Equal(t, 1, r.Failures("r1"))

	r.Append(types.OperationRecord{RangeID: "r1", ExitCode: 0})
	assert.False(t, r.Success("r1"))
}

func TestRangeLogLines(t *testing.T) {
	dir := t.TempDir()
	r := New()
	require.NoError(t, r.OpenRangeLog("r1", dir))

	r.Append(types.OperationRecord{
		Kind: types.OpShell, RangeID: "r1", Command: "qemu-img create",
		Phase: "guest cloning", StderrTail: "warning: slow disk",
	})
	r.Logf("r1", "* INFO: cyris: phase done")
	r.Logf("r1", "Creation result: %s (took %.1fs)", "SUCCESS", 1.5)
	require.NoError(t, r.CloseRangeLog("r1"))

	data, err := os.ReadFile(filepath.Join(dir, CreationLogName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "#1 shell")
	assert.Contains(t, content, "phase=guest cloning")
	assert.Contains(t, content, "stderr: warning: slow disk")
	assert.Contains(t, content, "* INFO: cyris: phase done")
	assert.Contains(t, content, "Creation result: SUCCESS (took 1.5s)")
}

func TestWriteStatusFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteStatusFile(dir, true))
	data, _ := os.ReadFile(filepath.Join(dir, StatusFileName))
	assert.Equal(t, "SUCCESS\n", string(data))

	require.NoError(t, WriteStatusFile(dir, false))
	data, _ = os.ReadFile(filepath.Join(dir, StatusFileName))
	assert.Equal(t, "FAILURE\n", string(data))
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"password flag",
			"virt-customize --password user:password:hunter2",
			"virt-customize --password ****",
		},
		{
			"sshpass",
			"sshpass -p hunter2 ssh host true",
			"sshpass -p **** ssh host true",
		},
		{
			"no secrets untouched",
			"qemu-img info --force-share disk.qcow2",
			"qemu-img info --force-share disk.qcow2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestAppendRedactsCommand(t *testing.T) {
	r := New()
	rec := r.Append(types.OperationRecord{
		Kind:    types.OpShell,
		Command: "sshpass -p hunter2 ssh host true",
	})
	assert.NotContains(t, rec.Command, "hunter2")
}
