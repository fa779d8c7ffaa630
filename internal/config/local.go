package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sandboxgate configuration file layout.
type Config struct {
	Daemon        DaemonConfig        `yaml:"daemon"`
	Store         StoreConfig         `yaml:"store"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Health        HealthConfig        `yaml:"health"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port            int           `yaml:"port"`
	Bind            string        `yaml:"bind"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns bind:port.
func (d DaemonConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Bind, d.Port)
}

// StoreConfig selects where sessions and history live.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, file, sqlite, postgres
	FileDir     string `yaml:"file_dir,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// RuntimeConfig holds Docker sandbox settings
type RuntimeConfig struct {
	Image       string           `yaml:"image"`
	MemoryMB    int              `yaml:"memory_mb"`
	CPULimit    float64          `yaml:"cpu_limit"`
	Network     string           `yaml:"network"`
	WorkDir     string           `yaml:"work_dir"`
	ServicePort int              `yaml:"service_port"`
	ExecTimeout time.Duration    `yaml:"exec_timeout"`
	Resilience  ResilienceConfig `yaml:"resilience"`
}

// ResilienceConfig toggles the protections around runtime calls.
type ResilienceConfig struct {
	CircuitBreaker bool `yaml:"circuit_breaker"`
	Retry          bool `yaml:"retry"`
	MaxConcurrent  int  `yaml:"max_concurrent"`
}

// HealthConfig controls the periodic sandbox ping sweep.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EventsConfig wires lifecycle events to RabbitMQ and the event log.
type EventsConfig struct {
	AMQPURL         string `yaml:"amqp_url,omitempty"`
	Queue           string `yaml:"queue"`
	ConsumerEnabled bool   `yaml:"consumer_enabled"`
	EventLogDSN     string `yaml:"event_log_dsn,omitempty"`
}

// ObservabilityConfig holds metrics and tracing settings.
type ObservabilityConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Protocol    string  `yaml:"protocol"` // grpc or http
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name,omitempty"`
}

// Dir returns the sandboxgate home, $SANDBOXGATE_HOME or ~/.sandboxgate.
func Dir() (string, error) {
	if dir := os.Getenv("SANDBOXGATE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".sandboxgate"), nil
}

// EnsureDir creates the home directory and its subdirectories.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}

	for _, subdir := range []string{"", "logs", "data"} {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	return dir, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Port:            8787,
			Bind:            "127.0.0.1",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Runtime: RuntimeConfig{
			Image:       "alpine:3.20",
			MemoryMB:    512,
			CPULimit:    1.0,
			Network:     "bridge",
			WorkDir:     "/workspace",
			ServicePort: 8080,
			ExecTimeout: 5 * time.Minute,
			Resilience: ResilienceConfig{
				CircuitBreaker: true,
				Retry:          true,
				MaxConcurrent:  16,
			},
		},
		Health: HealthConfig{
			Enabled:  true,
			Schedule: "@every 30s",
			Timeout:  10 * time.Second,
		},
		Events: EventsConfig{
			Queue: "sandboxgate.events",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			Tracing: TracingConfig{
				Protocol:   "grpc",
				SampleRate: 1.0,
			},
		},
	}
}

// Load reads <Dir>/config.yaml over the defaults, then applies .env and
// SANDBOXGATE_* environment overrides and validates the result.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFile(filepath.Join(dir, "config.yaml"))
}

// LoadFile is Load with an explicit config path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	loadDotEnv()
	applyEnv(cfg)

	switch {
	case cfg.Store.Driver == "sqlite" && cfg.Store.SQLitePath == "":
		cfg.Store.SQLitePath = filepath.Join(filepath.Dir(path), "data", "sandboxgate.db")
	case cfg.Store.Driver == "file" && cfg.Store.FileDir == "":
		cfg.Store.FileDir = filepath.Join(filepath.Dir(path), "data", "sessions")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to <Dir>/config.yaml and returns the path.
func Save(cfg *Config) (string, error) {
	dir, err := EnsureDir()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
