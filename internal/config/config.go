// Package config handles loading, validating, and writing the trailkeep
// configuration from ~/.trailkeep/config.yaml.
//
// The config defines:
//   - Server bind address for the dashboard (host:port)
//   - Audit trail directory and query-index toggle
//   - Dashboard toggle
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level trailkeep configuration. Loaded from
// config.yaml, with defaults for fields that are not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where `trailkeep serve` listens.
// Default: 127.0.0.1:3180 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuditConfig controls the audit trail storage.
//
// Dir is the directory holding the segment files; empty means
// <config-dir>/audit. Index toggles the SQLite query index — the JSONL
// segments stay the source of truth either way.
type AuditConfig struct {
	Dir   string `yaml:"dir"`
	Index bool   `yaml:"index"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — defaults. Normal on first run before
			// `trailkeep config generate` creates the file.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// AuditDir resolves the audit directory, defaulting to a subdirectory
// of the config dir when unset.
func (c *Config) AuditDir(configDir string) string {
	if c.Audit.Dir != "" {
		return c.Audit.Dir
	}
	return filepath.Join(configDir, "audit")
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `trailkeep config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# trailkeep configuration
#
# server:
#   host: Bind address for 'trailkeep serve' (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3180)
#
# audit:
#   dir:   Audit trail directory (default: <config-dir>/audit)
#   index: Maintain the SQLite query index (segments stay the source of truth)
#
# dashboard:
#   enabled: Serve the web UI at /dashboard

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3180,
		},
		Audit: AuditConfig{
			Index: true,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	return nil
}
