// Package config loads engine configuration from YAML with environment
// variable overrides. Precedence: defaults, then the YAML file, then
// environment variables prefixed with STEPFLOW_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the run store backend.
type StoreConfig struct {
	// Backend is one of: memory, sqlite, postgres, redis.
	Backend string `yaml:"backend"`
	// Path is the SQLite database file (":memory:" for ephemeral).
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	Redis RedisConfig `yaml:"redis"`

	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the Redis run store backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AuthConfig configures scoped token minting.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// EngineConfig configures the step loop.
type EngineConfig struct {
	// MaxSteps bounds the number of node steps per run.
	MaxSteps int `yaml:"max_steps"`
	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `yaml:"event_buffer"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:         "memory",
			Path:            "stepflow.db",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "stepflow:",
			},
		},
		Auth: AuthConfig{
			Issuer:   "stepflow",
			TokenTTL: 5 * time.Minute,
		},
		Engine: EngineConfig{
			MaxSteps:    256,
			EventBuffer: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	envString("STEPFLOW_STORE_BACKEND", &cfg.Store.Backend)
	envString("STEPFLOW_STORE_PATH", &cfg.Store.Path)
	envString("STEPFLOW_STORE_DSN", &cfg.Store.DSN)
	envString("STEPFLOW_REDIS_ADDR", &cfg.Store.Redis.Addr)
	envString("STEPFLOW_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	envInt("STEPFLOW_REDIS_DB", &cfg.Store.Redis.DB)
	envString("STEPFLOW_AUTH_SECRET", &cfg.Auth.Secret)
	envString("STEPFLOW_AUTH_ISSUER", &cfg.Auth.Issuer)
	envInt("STEPFLOW_HTTP_PORT", &cfg.Server.HTTPPort)
	envInt("STEPFLOW_MAX_STEPS", &cfg.Engine.MaxSteps)
	envString("STEPFLOW_LOG_LEVEL", &cfg.Log.Level)
	envString("STEPFLOW_LOG_FORMAT", &cfg.Log.Format)
}

func envString(name string, target *string) {
	if v, ok := os.LookupEnv(name); ok {
		*target = v
	}
}

func envInt(name string, target *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil {
		*target = n
	}
}
