package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

func TestShellArg(t *testing.T) {
	assert.Equal(t, "'alice'", shellArg("alice"))
	assert.Equal(t, `'it'\''s'`, shellArg("it's"))
	assert.Equal(t, "''", shellArg(""))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "useradd: user exists", firstLine("useradd: user exists\nmore noise\n"))
	assert.Equal(t, "single", firstLine("  single  "))
	assert.Equal(t, "", firstLine(""))
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "trace.pcap", baseName("/srv/captures/trace.pcap"))
	assert.Equal(t, "trace.pcap", baseName("trace.pcap"))
}

func TestFatalFailureMessage(t *testing.T) {
	err := &FatalFailure{Result: types.TaskResult{
		TaskID: "add_account-0-0",
		VMName: "cyris-desktop-0123456789ab",
		Error:  "ssh unreachable",
	}}
	assert.Contains(t, err.Error(), "add_account-0-0")
	assert.Contains(t, err.Error(), "cyris-desktop-0123456789ab")
	assert.Contains(t, err.Error(), "ssh unreachable")
}

func TestFirstRuleLine(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.v4")
	require.NoError(t, os.WriteFile(rules, []byte(`*filter
:INPUT ACCEPT [0:0]
-A INPUT -p tcp --dport 22 -j ACCEPT
-A INPUT -j DROP
COMMIT
`), 0644))

	assert.Equal(t, "-A INPUT -p tcp --dport 22 -j ACCEPT", firstRuleLine(rules))
	assert.Equal(t, "", firstRuleLine(filepath.Join(dir, "missing")))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("*filter\nCOMMIT\n"), 0644))
	assert.Equal(t, "", firstRuleLine(empty))
}

func TestPackageManagerCommands(t *testing.T) {
	assert.Contains(t, pkgManagers["apt"], "DEBIAN_FRONTEND=noninteractive")
	assert.Contains(t, pkgManagers["yum"], "yum install -y")
	assert.Contains(t, pkgManagers["dnf"], "dnf install -y")
}
