package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mozarex-cache/internal/cache"
	"mozarex-cache/internal/config"
	"mozarex-cache/internal/migrations"
)

// backends owns the connections behind the configured cache store.
type backends struct {
	store cache.Store
	db    *sql.DB
	redis *redis.Client
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Cache.Backend {
	case cache.BackendPostgres:
		db, err := openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.db = db
		logger.Info("postgres connection established")

		if cfg.Postgres.RunMigrations {
			if err := migrations.Up(ctx, db); err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("migrations applied")
		}
	case cache.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		b.redis = client
		logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	store, err := cache.NewStore(cache.Config{
		Backend:         cfg.Cache.Backend,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Prefix:          cfg.Redis.Prefix,
	}, cache.Backends{Redis: b.redis, DB: b.db})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.store = store
	return b, nil
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return db, nil
}

// Close releases the store first, then the connections it used.
func (b *backends) Close() error {
	var errs []error
	if c, ok := b.store.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
