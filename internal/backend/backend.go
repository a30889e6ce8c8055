// Package backend opens the coordination storage selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	"topology-coordinator/internal/config"
	"topology-coordinator/internal/database"
	"topology-coordinator/internal/storage"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type Store interface {
	storage.AdminStorage
	storage.HealthCheck
}

// Backend owns the storage together with the connections behind it
type Backend struct {
	Store Store
	// Redis is set for the redis backend; the admin API reuses it for rate limiting
	Redis *redis.Client
	DB    *database.DB

	logger *zap.Logger
}

func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	b := &Backend{logger: logger}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory storage; state is not shared between processes")
		b.Store = storage.NewMemoryStorage(storage.WithCandidacyTTL(cfg.Storage.CandidacyTTL))

	case config.BackendRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.Redis = client
		b.Store = storage.NewRedisStorage(client, logger,
			storage.WithKeyPrefix(cfg.Storage.KeyPrefix),
			storage.WithRedisCandidacyTTL(cfg.Storage.CandidacyTTL))

	case config.BackendPostgres:
		db, err := database.NewConnection(cfg.Database.ToDatabase(), logger)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.EnsureSchema {
			if err := db.EnsureSchema(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		b.DB = db
		b.Store = database.NewPostgresStorage(db, logger, cfg.Storage.CandidacyTTL)

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}

	logger.Info("Storage backend ready", zap.String("backend", cfg.Storage.Backend))
	return b, nil
}

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.Store.HealthCheck(ctx)
}

func (b *Backend) Close() error {
	var errs []error
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis client: %w", err))
		}
	}
	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
