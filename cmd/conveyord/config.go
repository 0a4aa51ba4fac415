package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreadew/conveyor"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration, or fallback when zero.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Config is the daemon configuration, loaded from YAML with CONVEYOR_*
// environment overrides.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Repository struct {
		// Backend selects the persistence layer: postgres (pgx),
		// bun (Bun over PostgreSQL), sqlite (Bun over SQLite), or memory.
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"repository"`

	Broker struct {
		// Backend selects the transport: nats, redis, or memory.
		Backend string `yaml:"backend"`
		URL     string `yaml:"url"`
	} `yaml:"broker"`

	Worker struct {
		Concurrency       int      `yaml:"concurrency"`
		Queue             string   `yaml:"queue"`
		MaxAttempts       int      `yaml:"max_attempts"`
		JobTimeout        Duration `yaml:"job_timeout"`
		ShutdownGrace     Duration `yaml:"shutdown_grace"`
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		StaleAfter        Duration `yaml:"stale_after"`
	} `yaml:"worker"`
}

// DefaultDaemonConfig returns the daemon defaults used when a setting
// is absent from both the file and the environment.
func DefaultDaemonConfig() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.Repository.Backend = "memory"
	cfg.Repository.Migrate = true
	cfg.Broker.Backend = "memory"
	return cfg
}

// LoadConfig reads path (optional), then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultDaemonConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("CONVEYOR_HTTP_ADDR", &cfg.HTTP.Addr)
	setString("CONVEYOR_METRICS_ADDR", &cfg.Metrics.Addr)
	setString("CONVEYOR_REPOSITORY_BACKEND", &cfg.Repository.Backend)
	setString("CONVEYOR_REPOSITORY_DSN", &cfg.Repository.DSN)
	setString("CONVEYOR_BROKER_BACKEND", &cfg.Broker.Backend)
	setString("CONVEYOR_BROKER_URL", &cfg.Broker.URL)
	setString("CONVEYOR_QUEUE", &cfg.Worker.Queue)
	setInt("CONVEYOR_CONCURRENCY", &cfg.Worker.Concurrency)
	setInt("CONVEYOR_MAX_ATTEMPTS", &cfg.Worker.MaxAttempts)
}

// serviceConfig converts the daemon config into the library Config,
// filling unset values from the library defaults.
func (c Config) serviceConfig() conveyor.Config {
	sc := conveyor.DefaultConfig()
	if c.Worker.Concurrency > 0 {
		sc.Concurrency = c.Worker.Concurrency
	}
	if c.Worker.Queue != "" {
		sc.Queue = c.Worker.Queue
	}
	if c.Worker.MaxAttempts > 0 {
		sc.MaxAttempts = c.Worker.MaxAttempts
	}
	sc.JobTimeout = c.Worker.JobTimeout.Std(sc.JobTimeout)
	sc.ShutdownGrace = c.Worker.ShutdownGrace.Std(sc.ShutdownGrace)
	sc.HeartbeatInterval = c.Worker.HeartbeatInterval.Std(sc.HeartbeatInterval)
	sc.StaleAfter = c.Worker.StaleAfter.Std(sc.StaleAfter)
	return sc
}
