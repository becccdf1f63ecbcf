package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "cumulus:notify:"

// RedisNotifier broadcasts signals with PUBLISH/SUBSCRIBE so that a worker
// on another machine can wake the executor that polls its job. Signals
// published while nobody is subscribed are lost; pollers still observe the
// status object on their next backoff tick.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[Topic][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		subs:   make(map[Topic][]*redisSub),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, topic Topic) error {
	return n.client.Publish(ctx, redisChannelPrefix+string(topic), "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
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

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+string(topic))

	go func() {
		defer func() {
			pubsub.Close()
			if n.removeSub(topic, rs) {
				close(ch)
			}
		}()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

// Close cancels every subscription; their channels close as the
// forwarding goroutines exit.
func (n *RedisNotifier) Close() error {
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

// removeSub reports whether target was still registered.
func (n *RedisNotifier) removeSub(topic Topic, target *redisSub) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[topic]
	for i, s := range subs {
		if s == target {
			n.subs[topic] = append(subs[:i], subs[i+1:]...)
			if len(n.subs[topic]) == 0 {
				delete(n.subs, topic)
			}
			return true
		}
	}
	return false
}
