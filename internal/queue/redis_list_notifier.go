package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisListPrefix = "cumulus:notify:list:"
	// signals for a job nobody polls any more expire with the list
	redisListTTL = time.Hour
)

// RedisListNotifier uses LPUSH/BRPOP instead of PUBLISH/SUBSCRIBE. A signal
// pushed before the poller subscribes is kept in the list and delivered on
// subscription, and each signal wakes exactly one subscriber.
type RedisListNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[Topic][]*redisSub
	closed bool
}

func NewRedisListNotifier(client *redis.Client) *RedisListNotifier {
	return &RedisListNotifier{
		client: client,
		subs:   make(map[Topic][]*redisSub),
	}
}

func (n *RedisListNotifier) Notify(ctx context.Context, topic Topic) error {
	key := redisListPrefix + string(topic)
	_, err := n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, "1")
		pipe.Expire(ctx, key, redisListTTL)
		return nil
	})
	return err
}

func (n *RedisListNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[topic] = append(n.subs[topic], rs)
	n.mu.Unlock()

	key := redisListPrefix + string(topic)

	go func() {
		defer func() {
			n.removeSub(topic, rs)
			close(ch)
		}()

		for {
			if subCtx.Err() != nil {
				return
			}
			// Short BRPOP timeout so cancellation is observed promptly.
			result, err := n.client.BRPop(subCtx, time.Second, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			if len(result) >= 2 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisListNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	return nil
}

func (n *RedisListNotifier) removeSub(topic Topic, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[topic]
	for i, s := range subs {
		if s == target {
			n.subs[topic] = append(subs[:i], subs[i+1:]...)
			if len(n.subs[topic]) == 0 {
				delete(n.subs, topic)
			}
			return
		}
	}
}
