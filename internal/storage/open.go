package storage

import (
	"context"
	"fmt"

	"github.com/oriys/cumulus/internal/config"
)

// Open builds the adapter selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "localfs", "":
		return NewLocalFSStorage(cfg.LocalFS.Root)
	case "redis":
		s := NewRedisStorage(RedisStorageConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis storage: %w", err)
		}
		return s, nil
	case "s3":
		return NewS3Storage(ctx, S3StorageConfig{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	case "postgres":
		return NewPostgresStorage(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
	case "storageless":
		return NewStoragelessStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
