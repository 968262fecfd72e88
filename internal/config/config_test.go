package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not be an error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 3180 {
		t.Errorf("default port = %d, want 3180", cfg.Server.Port)
	}
	if !cfg.Audit.Index {
		t.Error("index should default to enabled")
	}
	if !cfg.Dashboard.Enabled {
		t.Error("dashboard should default to enabled")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 9000
audit:
  dir: /var/lib/trailkeep
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Errorf("server override lost: %+v", cfg.Server)
	}
	if cfg.Audit.Dir != "/var/lib/trailkeep" {
		t.Errorf("audit.dir = %q", cfg.Audit.Dir)
	}
	if !cfg.Dashboard.Enabled {
		t.Error("unset dashboard section should keep its default")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid YAML should fail to load")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  host: 127.0.0.1\n  port: 99999\n"},
		{"empty host", "server:\n  host: \"\"\n  port: 3180\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestAuditDir(t *testing.T) {
	cfg := applyDefaults()
	if got := cfg.AuditDir("/home/u/.trailkeep"); got != filepath.Join("/home/u/.trailkeep", "audit") {
		t.Errorf("default audit dir = %q", got)
	}

	cfg.Audit.Dir = "/data/audit"
	if got := cfg.AuditDir("/home/u/.trailkeep"); got != "/data/audit" {
		t.Errorf("explicit audit dir = %q", got)
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# trailkeep configuration") {
		t.Error("generated config should carry the comment header")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated config should load cleanly: %v", err)
	}
	if cfg.Server.Port != 3180 {
		t.Errorf("generated config port = %d", cfg.Server.Port)
	}
}
