// Package config loads CyRIS runtime settings from config.yml, from the
// legacy INI format, and from CYRIS_-prefixed environment variables, in
// that precedence order (environment wins).
package config
