// Package queue provides push-based wake-ups for status polling. Futures
// and log followers still poll storage, but a subscribed poller wakes as
// soon as a worker signals completion instead of sleeping out its backoff.
//
// Implementations:
//   - NoopNotifier: never signals; pollers rely purely on backoff
//   - ChannelNotifier: in-process, for the localhost backend
//   - RedisNotifier: PUBLISH/SUBSCRIBE across processes
//   - RedisListNotifier: LPUSH/BRPOP, signals survive until consumed
package queue

import (
	"context"
	"sync"
)

// Topic names a notification stream.
type Topic string

// JobTopic is the topic a worker signals after committing the status of a
// partition of the job.
func JobTopic(executorID, jobID string) Topic {
	return Topic(executorID + "/" + jobID)
}

// Notifier delivers coalesced signals per topic.
type Notifier interface {
	// Notify signals that the state behind topic changed.
	Notify(ctx context.Context, topic Topic) error

	// Subscribe returns a channel that receives signals for topic. The
	// channel is closed when the context is cancelled or Close is called.
	Subscribe(ctx context.Context, topic Topic) <-chan struct{}

	// Close releases all resources held by the notifier.
	Close() error
}

// NoopNotifier never sends notifications.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(_ context.Context, _ Topic) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ Topic) <-chan struct{} {
	// Never written to; closed with ctx so waiters do not leak.
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process notifier with near-zero latency.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers map[Topic][]chan struct{}
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{
		subscribers: make(map[Topic][]chan struct{}),
	}
}

func (n *ChannelNotifier) Notify(_ context.Context, topic Topic) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// subscriber already has a pending signal
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers[topic] = append(n.subscribers[topic], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.closed {
			return
		}
		subs := n.subscribers[topic]
		for i, s := range subs {
			if s == ch {
				n.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(n.subscribers[topic]) == 0 {
			delete(n.subscribers, topic)
		}
		close(ch)
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subscribers = nil
	return nil
}
