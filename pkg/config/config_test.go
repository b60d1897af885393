package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.SSHTimeout)
	assert.Equal(t, 3, cfg.SSHRetryCount)
	assert.Equal(t, 5*time.Second, cfg.SSHRetryDelay)
	assert.Equal(t, 60*time.Second, cfg.IPCacheTTL)
	assert.Equal(t, "qemu:///system", cfg.LibvirtURI)
	assert.Equal(t, 50, cfg.ParallelSSHConcurrency)
	assert.Equal(t, 4, cfg.ImageDistributionConcurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
cyber_range_dir: /srv/cyris/ranges
libvirt_uri: qemu+tcp://kvmhost/system
ssh_retry_count: 5
gw_mode: true
gw_account: gateway
gw_mgmt_addr: 10.0.0.1
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/cyris/ranges", cfg.CyberRangeDir)
	assert.Equal(t, "qemu+tcp://kvmhost/system", cfg.LibvirtURI)
	assert.Equal(t, 5, cfg.SSHRetryCount)
	assert.True(t, cfg.GwMode)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.SSHTimeout)
}

func TestLoadLegacyINI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONFIG.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[config]
cyris_path = /opt/cyris
cyber_range_dir = /opt/cyris/cyber_range
gw_mode = false
user_email = admin@example.com
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/cyris", cfg.CyrisPath)
	assert.Equal(t, "/opt/cyris/cyber_range", cfg.CyberRangeDir)
	assert.False(t, cfg.GwMode)
	assert.Equal(t, "admin@example.com", cfg.UserEmail)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CYRIS_LIBVIRT_URI", "qemu:///session")
	t.Setenv("CYRIS_SSH_RETRY_COUNT", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "qemu:///session", cfg.LibvirtURI)
	assert.Equal(t, 7, cfg.SSHRetryCount)
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero pssh", func(c *Config) { c.ParallelSSHConcurrency = 0 }, "parallel_ssh_concurrency"},
		{"huge pssh", func(c *Config) { c.ParallelSSHConcurrency = 10000 }, "parallel_ssh_concurrency"},
		{"zero dist", func(c *Config) { c.ImageDistributionConcurrency = 0 }, "image_distribution_concurrency"},
		{"empty range dir", func(c *Config) { c.CyberRangeDir = "" }, "cyber_range_dir"},
		{"empty libvirt uri", func(c *Config) { c.LibvirtURI = "" }, "libvirt_uri"},
		{"negative retries", func(c *Config) { c.SSHRetryCount = -1 }, "ssh_retry_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, types.ErrConfig, types.KindOf(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default().LibvirtURI, cfg.LibvirtURI)
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}
