package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores each object as a string value and keeps a per-bucket
// lexicographic sorted set for prefix listings.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisStorageConfig holds configuration for the Redis adapter.
type RedisStorageConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default: "cumulus:obj:"
}

func NewRedisStorage(cfg RedisStorageConfig) *RedisStorage {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStorageFromClient(client, cfg.KeyPrefix)
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "cumulus:obj:"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) dataKey(bucket, key string) string {
	return s.prefix + "data:" + bucket + "/" + key
}

func (s *RedisStorage) indexKey(bucket string) string {
	return s.prefix + "idx:" + bucket
}

func classifyRedis(op, bucket, key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return notFound(op, bucket, key)
	}
	return transient(op, bucket, key, err)
}

func (s *RedisStorage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.dataKey(bucket, key), data, 0)
		p.ZAdd(ctx, s.indexKey(bucket), redis.Z{Score: 0, Member: key})
		return nil
	})
	if err != nil {
		return classifyRedis("put", bucket, key, err)
	}
	return nil
}

func (s *RedisStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.dataKey(bucket, key)).Bytes()
	if err != nil {
		return nil, classifyRedis("get", bucket, key, err)
	}
	return data, nil
}

func (s *RedisStorage) GetObjectStream(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, error) {
	if rng == nil {
		data, err := s.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	info, err := s.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	start, end := validRange(rng, info.Size)
	if start == end {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	// GETRANGE bounds are inclusive
	data, err := s.client.GetRange(ctx, s.dataKey(bucket, key), start, end-1).Bytes()
	if err != nil {
		return nil, classifyRedis("get", bucket, key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *RedisStorage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	dk := s.dataKey(bucket, key)
	n, err := s.client.Exists(ctx, dk).Result()
	if err != nil {
		return nil, classifyRedis("head", bucket, key, err)
	}
	if n == 0 {
		return nil, notFound("head", bucket, key)
	}
	size, err := s.client.StrLen(ctx, dk).Result()
	if err != nil {
		return nil, classifyRedis("head", bucket, key, err)
	}
	return &ObjectInfo{Key: key, Size: size}, nil
}

func (s *RedisStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	return s.DeleteObjects(ctx, bucket, []string{key})
}

func (s *RedisStorage) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	dataKeys := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		dataKeys[i] = s.dataKey(bucket, k)
		members[i] = k
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, dataKeys...)
		p.ZRem(ctx, s.indexKey(bucket), members...)
		return nil
	})
	if err != nil {
		return classifyRedis("delete", bucket, keys[0], err)
	}
	return nil
}

func (s *RedisStorage) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	max := "+"
	min := "-"
	if prefix != "" {
		min = "[" + prefix
		max = "[" + prefix + "\xff"
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(bucket), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, classifyRedis("list", bucket, prefix, err)
	}
	return keys, nil
}

func (s *RedisStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	keys, err := s.ListKeys(ctx, bucket, prefix)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	cmds := make([]*redis.IntCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.StrLen(ctx, s.dataKey(bucket, k))
		}
		return nil
	})
	if err != nil {
		return nil, classifyRedis("list", bucket, prefix, err)
	}
	out := make([]ObjectInfo, len(keys))
	for i, k := range keys {
		out[i] = ObjectInfo{Key: k, Size: cmds[i].Val()}
	}
	return out, nil
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
