package sshexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortOrDefault(t *testing.T) {
	assert.Equal(t, 22, portOrDefault(Target{Host: "h"}))
	assert.Equal(t, 2222, portOrDefault(Target{Host: "h", Port: 2222}))
}

func TestFailedHosts(t *testing.T) {
	out := `[1] 10:04:20 [SUCCESS] 10.0.0.1:22
[2] 10:04:21 [FAILURE] 10.0.0.2:22 Exited with error code 1
[3] 10:04:22 [FAILURE] 10.0.0.3 Timed out, Killed by signal 15`

	assert.Equal(t, map[string]bool{"10.0.0.2": true, "10.0.0.3": true}, failedHosts(out))
	assert.Empty(t, failedHosts("[1] 10:04:20 [SUCCESS] 10.0.0.1:22"))
	assert.Empty(t, failedHosts(""))
}

func TestReadHostCapture(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10.0.0.1"), []byte("Linux host1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10.0.0.2:2222"), []byte("Linux host2\n"), 0644))

	assert.Equal(t, "Linux host1", readHostCapture(dir, Target{Host: "10.0.0.1"}))
	assert.Equal(t, "Linux host2", readHostCapture(dir, Target{Host: "10.0.0.2", Port: 2222}))
	assert.Equal(t, "", readHostCapture(dir, Target{Host: "10.0.0.9"}))
}
