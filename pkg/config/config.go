package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/cyris-project/cyris/pkg/types"
)

// EnvPrefix is prepended (upper-cased key) for environment overrides.
const EnvPrefix = "CYRIS_"

// Config holds all runtime settings. YAML keys double as the canonical
// names used for CYRIS_ environment overrides and the legacy INI format.
type Config struct {
	CyrisPath     string `yaml:"cyris_path"`
	CyberRangeDir string `yaml:"cyber_range_dir"`

	GwMode       bool   `yaml:"gw_mode"`
	GwAccount    string `yaml:"gw_account"`
	GwMgmtAddr   string `yaml:"gw_mgmt_addr"`
	GwInsideAddr string `yaml:"gw_inside_addr"`

	UserEmail string `yaml:"user_email"`

	SSHTimeout    time.Duration `yaml:"ssh_timeout"`
	SSHRetryCount int           `yaml:"ssh_retry_count"`
	SSHRetryDelay time.Duration `yaml:"ssh_retry_delay"`

	IPDiscoveryTimeout time.Duration `yaml:"ip_discovery_timeout"`
	IPCacheTTL         time.Duration `yaml:"ip_cache_ttl"`

	LibvirtURI string `yaml:"libvirt_uri"`

	ParallelSSHConcurrency        int `yaml:"parallel_ssh_concurrency"`
	ImageDistributionConcurrency  int `yaml:"image_distribution_concurrency"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		CyrisPath:                    filepath.Join(home, "cyris"),
		CyberRangeDir:                filepath.Join(home, "cyris", "cyber_range"),
		SSHTimeout:                   30 * time.Second,
		SSHRetryCount:                3,
		SSHRetryDelay:                5 * time.Second,
		IPDiscoveryTimeout:           3 * time.Minute,
		IPCacheTTL:                   60 * time.Second,
		LibvirtURI:                   "qemu:///system",
		ParallelSSHConcurrency:       50,
		ImageDistributionConcurrency: 4,
	}
}

// Load reads path (YAML or legacy INI by extension), applies environment
// overrides, validates, and returns the result. A missing path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, types.NewError(types.ErrConfig, "read config", err)
			}
		} else {
			switch filepath.Ext(path) {
			case ".ini", ".conf":
				if err := fromINI(cfg, data); err != nil {
					return nil, err
				}
			default:
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return nil, types.NewError(types.ErrConfig, "parse config", err)
				}
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromINI accepts the legacy INI format ([config] section, same key names).
func fromINI(cfg *Config, data []byte) error {
	f, err := ini.Load(data)
	if err != nil {
		return types.NewError(types.ErrConfig, "parse legacy config", err)
	}
	sec := f.Section("config")
	if sec == nil || len(sec.Keys()) == 0 {
		sec = f.Section(ini.DefaultSection)
	}
	get := func(key string) string {
		if sec.HasKey(key) {
			return sec.Key(key).String()
		}
		return ""
	}
	if v := get("cyris_path"); v != "" {
		cfg.CyrisPath = v
	}
	if v := get("cyber_range_dir"); v != "" {
		cfg.CyberRangeDir = v
	}
	if v := get("gw_mode"); v != "" {
		cfg.GwMode, _ = strconv.ParseBool(v)
	}
	if v := get("gw_account"); v != "" {
		cfg.GwAccount = v
	}
	if v := get("gw_mgmt_addr"); v != "" {
		cfg.GwMgmtAddr = v
	}
	if v := get("gw_inside_addr"); v != "" {
		cfg.GwInsideAddr = v
	}
	if v := get("user_email"); v != "" {
		cfg.UserEmail = v
	}
	return nil
}

// applyEnv overrides cfg from CYRIS_-prefixed environment variables.
func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("CYRIS_PATH", &cfg.CyrisPath)
	str("CYBER_RANGE_DIR", &cfg.CyberRangeDir)
	str("GW_ACCOUNT", &cfg.GwAccount)
	str("GW_MGMT_ADDR", &cfg.GwMgmtAddr)
	str("GW_INSIDE_ADDR", &cfg.GwInsideAddr)
	str("USER_EMAIL", &cfg.UserEmail)
	str("LIBVIRT_URI", &cfg.LibvirtURI)
	if v, ok := os.LookupEnv(EnvPrefix + "GW_MODE"); ok {
		cfg.GwMode, _ = strconv.ParseBool(v)
	}
	dur("SSH_TIMEOUT", &cfg.SSHTimeout)
	num("SSH_RETRY_COUNT", &cfg.SSHRetryCount)
	dur("SSH_RETRY_DELAY", &cfg.SSHRetryDelay)
	dur("IP_DISCOVERY_TIMEOUT", &cfg.IPDiscoveryTimeout)
	dur("IP_CACHE_TTL", &cfg.IPCacheTTL)
	num("PARALLEL_SSH_CONCURRENCY", &cfg.ParallelSSHConcurrency)
	num("IMAGE_DISTRIBUTION_CONCURRENCY", &cfg.ImageDistributionConcurrency)
}

// Validate rejects values outside their documented ranges.
func (c *Config) Validate() error {
	if c.CyberRangeDir == "" {
		return types.ConfigError("cyber_range_dir", "must not be empty")
	}
	if c.ParallelSSHConcurrency <= 0 || c.ParallelSSHConcurrency >= 10000 {
		return types.ConfigError("parallel_ssh_concurrency",
			"must be in (0, 10000), got %d", c.ParallelSSHConcurrency)
	}
	if c.ImageDistributionConcurrency <= 0 || c.ImageDistributionConcurrency >= 10000 {
		return types.ConfigError("image_distribution_concurrency",
			"must be in (0, 10000), got %d", c.ImageDistributionConcurrency)
	}
	if c.SSHRetryCount < 0 {
		return types.ConfigError("ssh_retry_count", "must not be negative")
	}
	if c.LibvirtURI == "" {
		return types.ConfigError("libvirt_uri", "must not be empty")
	}
	return nil
}

// Dump renders the configuration as YAML for `cyris config-show`.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(out), nil
}

// WriteDefault writes a commented default config.yml for `config-init`.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}
	out, err := Default().Dump()
	if err != nil {
		return err
	}
	header := "# CyRIS configuration. Every key can be overridden with a\n" +
		"# CYRIS_-prefixed environment variable (upper-cased key name).\n"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(header+out), 0644)
}
