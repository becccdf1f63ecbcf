package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/domain"
)

func tasks(n int) []domain.Task {
	out := make([]domain.Task, n)
	for i := range out {
		out[i] = domain.Task{JobID: "M000", Partition: domain.Partition{Index: i}}
	}
	return out
}

func TestFanOut_IsolatesFailures(t *testing.T) {
	ds := FanOut(context.Background(), tasks(5), 2, func(ctx context.Context, task domain.Task) error {
		if task.Partition.Index == 2 {
			return errors.New("rejected")
		}
		return nil
	})
	if len(ds) != 5 {
		t.Fatalf("got %d dispatches, want 5", len(ds))
	}
	for i, d := range ds {
		if d.Index != i {
			t.Fatalf("dispatch %d has index %d", i, d.Index)
		}
		if (d.Err != nil) != (i == 2) {
			t.Fatalf("dispatch %d err = %v", i, d.Err)
		}
	}
	var ie *domain.InvocationError
	if !errors.As(ds[2].Err, &ie) || ie.Index != 2 {
		t.Fatalf("expected InvocationError for partition 2, got %v", ds[2].Err)
	}
	if f := Failed(ds); len(f) != 1 || f[0].Index != 2 {
		t.Fatalf("Failed = %+v", f)
	}
}

func TestFanOut_RespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	FanOut(context.Background(), tasks(20), 3, func(ctx context.Context, task domain.Task) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds limit", p)
	}
}

func TestFanOut_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ds := FanOut(ctx, tasks(3), 0, func(ctx context.Context, task domain.Task) error {
		t.Fatal("send must not run after cancellation")
		return nil
	})
	if len(Failed(ds)) != 3 {
		t.Fatalf("expected every dispatch to fail, got %+v", ds)
	}
}

func TestDetect(t *testing.T) {
	cfg := config.DefaultConfig()
	infos := Detect(cfg)
	if len(infos) != 3 || !infos[0].Available {
		t.Fatalf("unexpected detection %+v", infos)
	}
	if infos[1].Available {
		t.Fatal("standalone without agents must be unavailable")
	}
}
