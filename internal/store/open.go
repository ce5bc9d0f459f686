package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/handoff/internal/auth"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Driver string `mapstructure:"driver"`
	// DSN is a file URI for libsql, a connection string for postgres and a
	// redis:// URL for redis.
	DSN         string `mapstructure:"dsn"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	Policy      auth.Policy
}

// Open constructs the configured backend and runs its migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", DriverMemory:
		s = NewMemoryStore(cfg.Policy)
	case DriverLibSQL:
		s, err = NewLibSQLStore(cfg.DSN, cfg.Policy)
	case DriverPostgres:
		s, err = NewPostgresStore(ctx, cfg.DSN, cfg.Policy)
	case DriverRedis:
		var opts *redis.Options
		opts, err = redis.ParseURL(cfg.DSN)
		if err == nil {
			s = NewRedisStore(redis.NewClient(opts), cfg.RedisPrefix, cfg.Policy)
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
	}
	return s, nil
}
