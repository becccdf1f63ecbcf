package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/cumulus/internal/config"
)

// Open returns the notifier selected by cfg.Backend: channel, redis,
// redis-list or noop.
func Open(cfg config.NotifyConfig) (Notifier, error) {
	switch cfg.Backend {
	case "", "channel":
		return NewChannelNotifier(), nil
	case "noop":
		return NewNoopNotifier(), nil
	case "redis", "redis-list":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("notify backend %s requires notify.redis.addr", cfg.Backend)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if cfg.Backend == "redis" {
			return &ownedClient{Notifier: NewRedisNotifier(client), client: client}, nil
		}
		return &ownedClient{Notifier: NewRedisListNotifier(client), client: client}, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}

// ownedClient closes the Redis client it was opened with.
type ownedClient struct {
	Notifier
	client *redis.Client
}

func (o *ownedClient) Close() error {
	_ = o.Notifier.Close()
	return o.client.Close()
}
