// Package config loads sandboxgate settings from a YAML file, a .env file
// and SANDBOXGATE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const envPrefix = "SANDBOXGATE_"

var validDrivers = map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		errs = append(errs, fmt.Errorf("daemon.port %d out of range 1-65535", c.Daemon.Port))
	}
	if !validDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, file, sqlite or postgres", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
	}
	if strings.TrimSpace(c.Runtime.Image) == "" {
		errs = append(errs, errors.New("runtime.image must not be empty"))
	}
	if c.Runtime.ServicePort < 1 || c.Runtime.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("runtime.service_port %d out of range 1-65535", c.Runtime.ServicePort))
	}
	if c.Health.Enabled {
		if _, err := cron.ParseStandard(c.Health.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("health.schedule: %w", err))
		}
	}
	if c.Events.ConsumerEnabled && c.Events.AMQPURL == "" {
		errs = append(errs, errors.New("events.amqp_url is required when the consumer is enabled"))
	}
	switch c.Observability.Tracing.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.protocol %q: want grpc or http", c.Observability.Tracing.Protocol))
	}

	return errors.Join(errs...)
}

// loadDotEnv reads .env from the working directory if present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}
}

// applyEnv overrides cfg with SANDBOXGATE_* variables.
func applyEnv(cfg *Config) {
	cfg.Daemon.Port = getEnvInt(envPrefix+"PORT", cfg.Daemon.Port)
	cfg.Daemon.Bind = getEnv(envPrefix+"BIND", cfg.Daemon.Bind)
	cfg.Daemon.LogLevel = getEnv(envPrefix+"LOG_LEVEL", cfg.Daemon.LogLevel)

	cfg.Store.Driver = getEnv(envPrefix+"STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.FileDir = getEnv(envPrefix+"FILE_DIR", cfg.Store.FileDir)
	cfg.Store.SQLitePath = getEnv(envPrefix+"SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.PostgresDSN = getEnv(envPrefix+"POSTGRES_DSN", cfg.Store.PostgresDSN)

	cfg.Runtime.Image = getEnv(envPrefix+"DOCKER_IMAGE", cfg.Runtime.Image)
	cfg.Runtime.MemoryMB = getEnvInt(envPrefix+"DOCKER_MEMORY_MB", cfg.Runtime.MemoryMB)
	cfg.Runtime.CPULimit = getEnvFloat(envPrefix+"DOCKER_CPU_LIMIT", cfg.Runtime.CPULimit)
	cfg.Runtime.ExecTimeout = getEnvDuration(envPrefix+"EXEC_TIMEOUT", cfg.Runtime.ExecTimeout)

	cfg.Health.Enabled = getEnvBool(envPrefix+"HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Schedule = getEnv(envPrefix+"HEALTH_SCHEDULE", cfg.Health.Schedule)

	cfg.Events.AMQPURL = getEnv(envPrefix+"AMQP_URL", cfg.Events.AMQPURL)
	cfg.Events.ConsumerEnabled = getEnvBool(envPrefix+"EVENT_CONSUMER", cfg.Events.ConsumerEnabled)
	cfg.Events.EventLogDSN = getEnv(envPrefix+"EVENT_LOG_DSN", cfg.Events.EventLogDSN)

	cfg.Observability.MetricsEnabled = getEnvBool(envPrefix+"METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	if endpoint := getEnv(envPrefix+"TRACING_ENDPOINT", ""); endpoint != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = endpoint
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
