package store

import "fmt"

// Backend names for Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects a run store backend and its connection settings.
type Config struct {
	Backend string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN   string
	Redis RedisConfig
	Pool  GormConfig
}

// New builds a RunStore from the configured backend.
func New(cfg Config) (RunStore, error) {
	pool := cfg.Pool
	if pool.MaxOpenConns == 0 {
		pool = DefaultGormConfig()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = "stepflow.db"
		}
		return NewSQLite(path, pool)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		return NewPostgres(cfg.DSN, pool)
	case BackendRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
