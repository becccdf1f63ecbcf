package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel carries cache keys of runtime records that were
// rewritten or deleted.
const InvalidationChannel = "cumulus:cache:invalidate"

// invalidator keeps the L1 of every executor sharing one Redis coherent:
// a record change is published once and each subscriber evicts the key.
type invalidator struct {
	l1     Cache
	rdb    *redis.Client
	mu     sync.Mutex
	stopFn context.CancelFunc
}

func newInvalidator(l1 Cache, rdb *redis.Client) *invalidator {
	return &invalidator{l1: l1, rdb: rdb}
}

// listen evicts published keys until ctx is done or stop is called.
func (v *invalidator) listen(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	v.mu.Lock()
	if v.stopFn != nil {
		v.mu.Unlock()
		cancel()
		return
	}
	v.stopFn = cancel
	v.mu.Unlock()

	sub := v.rdb.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = v.l1.Delete(ctx, msg.Payload)
		}
	}
}

func (v *invalidator) publish(ctx context.Context, key string) error {
	return v.rdb.Publish(ctx, InvalidationChannel, key).Err()
}

func (v *invalidator) stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopFn != nil {
		v.stopFn()
	}
}
