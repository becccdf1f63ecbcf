package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/cumulus/internal/config"
)

func TestNoopNotifier(t *testing.T) {
	n := NewNoopNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx, JobTopic("e1", "M000"))

	if err := n.Notify(ctx, JobTopic("e1", "M000")); err != nil {
		t.Fatalf("Notify should not return error: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("NoopNotifier should never send notifications")
	case <-time.After(10 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel should close when context is cancelled")
	}
}

func TestChannelNotifier_TopicsAreIndependent(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mapCh := n.Subscribe(ctx, JobTopic("e1", "M000"))
	reduceCh := n.Subscribe(ctx, JobTopic("e1", "R000"))

	if err := n.Notify(ctx, JobTopic("e1", "M000")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-mapCh:
	case <-time.After(time.Second):
		t.Fatal("expected notification on map topic")
	}
	select {
	case <-reduceCh:
		t.Fatal("should not receive notification on reduce topic")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestChannelNotifier_CoalescesWithoutBlocking(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := JobTopic("e1", "M000")
	ch := n.Subscribe(ctx, topic)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Notify(ctx, topic)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify should not block when subscriber buffer is full")
	}

	<-ch
	select {
	case <-ch:
		t.Fatal("expected signals to coalesce into one")
	default:
	}
}

func TestChannelNotifier_CancelClosesChannel(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	topic := JobTopic("e1", "M000")
	ch := n.Subscribe(ctx, topic)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel should close when context is cancelled")
	}

	if err := n.Notify(context.Background(), topic); err != nil {
		t.Fatalf("Notify after subscriber cancellation should not fail: %v", err)
	}
}

func TestChannelNotifier_Close(t *testing.T) {
	n := NewChannelNotifier()
	ch := n.Subscribe(context.Background(), JobTopic("e1", "M000"))

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after Close()")
		}
	case <-time.After(time.Second):
		t.Fatal("channel should have been closed")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Double close should not fail: %v", err)
	}
	if ch := n.Subscribe(context.Background(), "x"); ch == nil {
		t.Fatal("Subscribe after Close should return a closed channel")
	}
}

func TestChannelNotifier_ConcurrentAccess(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := JobTopic("e1", "M000")

	const goroutines = 10
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := n.Subscribe(ctx, topic)
			select {
			case <-ch:
			case <-time.After(100 * time.Millisecond):
			}
		}()
		go func() {
			defer wg.Done()
			n.Notify(ctx, topic)
		}()
	}
	wg.Wait()
}

func TestOpen(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{"", false},
		{"channel", false},
		{"noop", false},
		{"redis", true}, // no address configured
		{"kafka", true},
	}
	for _, tt := range tests {
		n, err := Open(config.NotifyConfig{Backend: tt.backend})
		if (err != nil) != tt.wantErr {
			t.Errorf("Open(%q) error = %v, wantErr %v", tt.backend, err, tt.wantErr)
		}
		if n != nil {
			n.Close()
		}
	}
}

// newTestRedisClient skips the test when no Redis is reachable.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisNotifier_NotifyAndSubscribe(t *testing.T) {
	client := newTestRedisClient(t)
	n := NewRedisNotifier(client)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := JobTopic("redis-test", "M000")
	ch := n.Subscribe(ctx, topic)

	// allow the subscription to establish
	time.Sleep(50 * time.Millisecond)
	if err := n.Notify(ctx, topic); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification on subscribe channel")
	}
}

func TestRedisListNotifier_SignalBeforeSubscribe(t *testing.T) {
	client := newTestRedisClient(t)
	n := NewRedisListNotifier(client)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := JobTopic("redis-list-test", "M000")
	client.Del(ctx, redisListPrefix+string(topic))

	if err := n.Notify(ctx, topic); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	ch := n.Subscribe(ctx, topic)
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("expected the queued signal to be delivered")
	}
}
