package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
source:
  type: postgres
  postgres:
    dsn: postgres://watch@localhost/app
    slot: tablewatch
tables:
  - name: users
  - name: orders
    poll_interval: 5s
    critical: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Tables[0].PollInterval != 60*time.Second {
		t.Errorf("default poll interval: got %s", cfg.Tables[0].PollInterval)
	}
	if cfg.Tables[0].HealthCheckInterval != 5*time.Minute {
		t.Errorf("default health interval: got %s", cfg.Tables[0].HealthCheckInterval)
	}
	if cfg.Tables[1].PollInterval != 5*time.Second {
		t.Errorf("explicit poll interval: got %s", cfg.Tables[1].PollInterval)
	}
	if cfg.Monitor.ErrorThreshold != 20 {
		t.Errorf("default error threshold: got %d", cfg.Monitor.ErrorThreshold)
	}
	if cfg.Monitor.SchemaCheckEvery != 10 {
		t.Errorf("default schema cadence: got %d", cfg.Monitor.SchemaCheckEvery)
	}
	if cfg.Correlation.Retention != 24*time.Hour {
		t.Errorf("default correlation retention: got %s", cfg.Correlation.Retention)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("default http addr: got %s", cfg.HTTP.Addr)
	}

	crit := cfg.CriticalTables()
	if len(crit) != 1 || crit[0] != "orders" {
		t.Errorf("critical tables: got %v", crit)
	}
}

func TestLoadFromEnvRequiresPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error without CONFIG_PATH")
	}
}

func TestLoadFromEnvRequiresTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("source:\n  type: mysql\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error without tables")
	}
}

func TestTableLookup(t *testing.T) {
	cfg := Config{Tables: []TableConfig{{Name: "users"}}}
	if _, err := cfg.Table("users"); err != nil {
		t.Fatalf("expected users found: %v", err)
	}
	if _, err := cfg.Table("ghosts"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}
