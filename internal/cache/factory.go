package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend string
	// CleanupInterval drives the memory backend's own purge loop.
	CleanupInterval time.Duration
	Prefix          string
}

// Backends holds the connections a store may need. Only the one matching
// Config.Backend has to be set.
type Backends struct {
	Redis *redis.Client
	DB    *sql.DB
}

// NewStore builds the configured backend wrapped with logging and metrics.
func NewStore(cfg Config, b Backends) (Store, error) {
	var inner Store
	switch cfg.Backend {
	case BackendRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("cache backend %q requires a redis client", cfg.Backend)
		}
		inner = NewRedisStore(b.Redis, RedisConfig{Prefix: cfg.Prefix})
	case BackendPostgres:
		if b.DB == nil {
			return nil, fmt.Errorf("cache backend %q requires a database", cfg.Backend)
		}
		inner = NewPostgresStore(b.DB)
	case BackendMemory, "":
		inner = NewMemoryStore(cfg.CleanupInterval)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	return NewLoggingStore(inner), nil
}
