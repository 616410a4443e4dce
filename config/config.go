// Package config loads runtime configuration from the environment, with
// optional .env file support for local development.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the settings shared by the API and worker binaries.
type Config struct {
	Env      string `env:"FLOQ_ENV" envDefault:"development"`
	LogLevel string `env:"FLOQ_LOG_LEVEL" envDefault:"info"`

	HTTPAddr string `env:"FLOQ_HTTP_ADDR" envDefault:":8080"`

	// Store selects the result store backend: memory, sqlite, postgres,
	// or mongo.
	Store       string `env:"FLOQ_STORE" envDefault:"memory"`
	SQLitePath  string `env:"FLOQ_SQLITE_PATH" envDefault:"floq.db"`
	PostgresDSN string `env:"FLOQ_POSTGRES_DSN"`
	MongoURI    string `env:"FLOQ_MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB     string `env:"FLOQ_MONGO_DB" envDefault:"floq"`

	// Broker selects the delivery channel: memory or redis.
	Broker     string `env:"FLOQ_BROKER" envDefault:"memory"`
	RedisAddr  string `env:"FLOQ_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisQueue string `env:"FLOQ_REDIS_QUEUE" envDefault:"default"`

	WorkerConcurrency int           `env:"FLOQ_WORKER_CONCURRENCY" envDefault:"10"`
	HeartbeatInterval time.Duration `env:"FLOQ_HEARTBEAT_INTERVAL" envDefault:"10s"`
	StaleAfter        time.Duration `env:"FLOQ_STALE_AFTER" envDefault:"30s"`
	SweepInterval     time.Duration `env:"FLOQ_SWEEP_INTERVAL" envDefault:"15s"`
	// ReconcileAfter enables republishing of stuck pending jobs when
	// non-zero.
	ReconcileAfter time.Duration `env:"FLOQ_RECONCILE_AFTER" envDefault:"0"`

	ShutdownTimeout time.Duration `env:"FLOQ_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from a .env file (when present) and the
// process environment.
func Load() (*Config, error) {
	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("floq/config: parse environment: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps the configured level name onto slog's levels,
// defaulting to info for unknown names.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
