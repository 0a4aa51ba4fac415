package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Repository.Backend != "memory" {
		t.Errorf("repository backend = %q, want memory", cfg.Repository.Backend)
	}
	if !cfg.Repository.Migrate {
		t.Error("expected migrate to default to true")
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	data := []byte(`
http:
  addr: ":9999"
repository:
  backend: sqlite
  dsn: "file:test.db"
broker:
  backend: redis
  url: "localhost:6379"
worker:
  concurrency: 4
  queue: reports
  max_attempts: 5
  job_timeout: 90s
  shutdown_grace: 15s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("http addr = %q, want :9999", cfg.HTTP.Addr)
	}
	if cfg.Repository.Backend != "sqlite" {
		t.Errorf("repository backend = %q, want sqlite", cfg.Repository.Backend)
	}
	if cfg.Broker.Backend != "redis" {
		t.Errorf("broker backend = %q, want redis", cfg.Broker.Backend)
	}

	sc := cfg.serviceConfig()
	if sc.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", sc.Concurrency)
	}
	if sc.Queue != "reports" {
		t.Errorf("queue = %q, want reports", sc.Queue)
	}
	if sc.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", sc.MaxAttempts)
	}
	if sc.JobTimeout != 90*time.Second {
		t.Errorf("job timeout = %v, want 90s", sc.JobTimeout)
	}
	if sc.ShutdownGrace != 15*time.Second {
		t.Errorf("shutdown grace = %v, want 15s", sc.ShutdownGrace)
	}
	// Unset durations fall back to library defaults.
	if sc.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat interval = %v, want library default 10s", sc.HeartbeatInterval)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CONVEYOR_HTTP_ADDR", ":7070")
	t.Setenv("CONVEYOR_REPOSITORY_BACKEND", "postgres")
	t.Setenv("CONVEYOR_REPOSITORY_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_CONCURRENCY", "32")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTP.Addr != ":7070" {
		t.Errorf("http addr = %q, want :7070", cfg.HTTP.Addr)
	}
	if cfg.Repository.Backend != "postgres" {
		t.Errorf("repository backend = %q, want postgres", cfg.Repository.Backend)
	}
	if cfg.Repository.DSN != "postgres://localhost/conveyor" {
		t.Errorf("dsn = %q", cfg.Repository.DSN)
	}
	if cfg.Worker.Concurrency != 32 {
		t.Errorf("concurrency = %d, want 32", cfg.Worker.Concurrency)
	}
}

func TestLoadConfig_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  job_timeout: nonsense\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
