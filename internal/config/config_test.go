package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("explicit missing config file should error")
	}

	// No explicit path: defaults apply even without a config file.
	cfg, err = loadFromDir(t, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("database.ssl_mode = %s, want require", cfg.Database.SSLMode)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %s, want json", cfg.Logging.Format)
	}
	if cfg.Audit.Verification.DefaultLimit != 50 {
		t.Errorf("default_limit = %d, want 50", cfg.Audit.Verification.DefaultLimit)
	}
	if cfg.Audit.Archive.Backend != "local" {
		t.Errorf("archive.backend = %s, want local", cfg.Audit.Archive.Backend)
	}
	if cfg.Audit.Signing.Enabled {
		t.Error("signing should default to disabled")
	}
}

// loadFromDir runs Load from a scratch working directory so a developer's
// local config.yaml never leaks into test results.
func loadFromDir(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	path := ""
	if yaml != "" {
		path = filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("getwd: %v", err)
		}
		if err := os.Chdir(dir); err != nil {
			t.Fatalf("chdir: %v", err)
		}
		t.Cleanup(func() { _ = os.Chdir(wd) })
	}
	return Load(path)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	cfg, err := loadFromDir(t, `
server:
  port: 9999
database:
  name: console_test
audit:
  verification:
    default_limit: 500
  shippers:
    - enabled: true
      type: file
      file:
        path: /var/log/console/audit.jsonl
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("server.port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Database.Name != "console_test" {
		t.Errorf("database.name = %s, want console_test", cfg.Database.Name)
	}
	if cfg.Audit.Verification.DefaultLimit != 500 {
		t.Errorf("default_limit = %d, want 500", cfg.Audit.Verification.DefaultLimit)
	}
	if len(cfg.Audit.Shippers) != 1 || cfg.Audit.Shippers[0].File.Path != "/var/log/console/audit.jsonl" {
		t.Errorf("shippers not unmarshaled: %+v", cfg.Audit.Shippers)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("ADM_DATABASE_HOST", "db.internal")
	t.Setenv("ADM_SERVER_PORT", "8443")

	cfg, err := loadFromDir(t, `
server:
  port: 9999
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("database.host = %s, want db.internal", cfg.Database.Host)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("server.port = %d, want 8443 (env should beat yaml)", cfg.Server.Port)
	}
}

func TestLoad_PasswordEnvExpansion(t *testing.T) {
	t.Setenv("DB_SECRET", "hunter2")
	cfg, err := loadFromDir(t, `
database:
  password: ${DB_SECRET}
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("password = %q, want expanded secret", cfg.Database.Password)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad quick limit", "audit:\n  verification:\n    default_limit: 250\n"},
		{"signing without key file", "audit:\n  signing:\n    enabled: true\n"},
		{"s3 archive without bucket", "audit:\n  archive:\n    backend: s3\n"},
		{"unknown archive backend", "audit:\n  archive:\n    backend: tape\n"},
		{"shipper without path", "audit:\n  shippers:\n    - enabled: true\n      type: file\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadFromDir(t, tt.yaml); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "console",
		Password: "pw", Name: "admin_console", SSLMode: "disable",
	}
	want := "host=localhost port=5432 user=console password=pw dbname=admin_console sslmode=disable"
	if got := c.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}
