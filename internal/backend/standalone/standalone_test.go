package standalone

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/cumulus/internal/circuitbreaker"
	"github.com/oriys/cumulus/internal/docker"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
)

type fakeAgent struct {
	addr string
	fail bool

	mu      sync.Mutex
	tasks   []domain.Task
	killed  []string
	cleaned bool
	metaErr error
	closed  bool
}

func (a *fakeAgent) Addr() string { return a.addr }

func (a *fakeAgent) Dispatch(ctx context.Context, t domain.Task) error {
	if a.fail {
		return errors.New("connection refused")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, t)
	return nil
}

func (a *fakeAgent) Metadata(ctx context.Context) (*domain.RuntimeMetadata, error) {
	if a.metaErr != nil {
		return nil, a.metaErr
	}
	return &domain.RuntimeMetadata{Preinstalls: []domain.Preinstall{{Module: "std"}}}, nil
}

func (a *fakeAgent) Kill(ctx context.Context, executorID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killed = append(a.killed, executorID)
	return nil
}

func (a *fakeAgent) Clean(ctx context.Context) error { a.cleaned = true; return nil }
func (a *fakeAgent) Close() error                    { a.closed = true; return nil }

type fakeProvisioner []Agent

func (p fakeProvisioner) Agents(context.Context) ([]Agent, error) { return p, nil }

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *fakeRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	if args[0] == "images" {
		return []byte("reg.local/cumulus-worker:1.0\n"), nil
	}
	return nil, nil
}

func newJob(n int) (*domain.Job, []domain.Task) {
	job := &domain.Job{ID: "M000", ExecutorID: "e1", Backend: "static"}
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.NewTask(job, "cumulus", domain.Partition{Index: i}, 0)
	}
	return job, tasks
}

func TestInvoke_SpreadsAcrossAgents(t *testing.T) {
	a, b := &fakeAgent{addr: "a:7070"}, &fakeAgent{addr: "b:7070"}
	be, err := New(context.Background(), Config{}, fakeProvisioner{a, b}, nil, nil, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job, tasks := newJob(10)
	job.Config.Concurrency = 1

	for _, d := range be.Invoke(context.Background(), job, tasks) {
		if d.Err != nil {
			t.Fatalf("dispatch %d: %v", d.Index, d.Err)
		}
	}
	if len(a.tasks)+len(b.tasks) != 10 {
		t.Fatalf("dispatched %d+%d tasks, want 10", len(a.tasks), len(b.tasks))
	}
	if be.Name() != "static" || be.Mode() != domain.ModeStandalone {
		t.Fatalf("unexpected identity %s/%s", be.Name(), be.Mode())
	}
}

func TestInvoke_OpenBreakerSkipsAgent(t *testing.T) {
	bad, good := &fakeAgent{addr: "bad:7070", fail: true}, &fakeAgent{addr: "good:7070"}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   time.Minute,
		HalfOpenProbes: 1,
	}, nil)
	be, err := New(context.Background(), Config{}, fakeProvisioner{bad, good}, nil, breakers, nil)
	if err != nil {
		t.Fatal(err)
	}

	job, tasks := newJob(20)
	job.Config.Concurrency = 1
	ds := be.Invoke(context.Background(), job, tasks)

	failed := 0
	for _, d := range ds {
		if d.Err != nil {
			failed++
			var ie *domain.InvocationError
			if !errors.As(d.Err, &ie) {
				t.Fatalf("dispatch error is not an InvocationError: %v", d.Err)
			}
		}
	}
	if failed == 0 || failed == 20 {
		t.Fatalf("expected some failures isolated to the bad agent, got %d", failed)
	}
	if len(good.tasks) != 20-failed {
		t.Fatalf("good agent got %d tasks, want %d", len(good.tasks), 20-failed)
	}
	if breakers.Get("bad:7070").State() != circuitbreaker.StateOpen {
		t.Fatal("breaker of failing agent should be open")
	}
}

func TestCreateRuntime_FallsBackToNextAgent(t *testing.T) {
	a := &fakeAgent{addr: "a:7070", metaErr: errors.New("unreachable")}
	b := &fakeAgent{addr: "b:7070"}
	be, _ := New(context.Background(), Config{Registry: "reg.local"}, fakeProvisioner{a, b}, nil, nil, nil)

	meta, err := be.CreateRuntime(context.Background(), "cumulus-worker:1.0", 2048, 300)
	if err != nil {
		t.Fatalf("CreateRuntime: %v", err)
	}
	if meta.MemoryMB != 2048 || meta.TimeoutS != 300 || meta.Image != "reg.local/cumulus-worker:1.0" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	a.metaErr, b.metaErr = errors.New("down"), errors.New("down")
	if _, err := be.CreateRuntime(context.Background(), "x", 1, 1); err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined agent errors, got %v", err)
	}
}

func TestRuntimeImages(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	builder := docker.NewBuilder(runner, logging.Discard())
	a := &fakeAgent{addr: "a:7070"}
	be, _ := New(ctx, Config{Registry: "reg.local"}, fakeProvisioner{a}, builder, nil, nil)

	if err := be.BuildRuntime(ctx, "cumulus-worker:1.0", domain.BuildDescriptor{BaseImage: "golang:1.24"}); err != nil {
		t.Fatalf("BuildRuntime: %v", err)
	}
	if len(runner.calls) != 2 || runner.calls[0][0] != "build" || runner.calls[1][0] != "push" || runner.calls[1][1] != "reg.local/cumulus-worker:1.0" {
		t.Fatalf("unexpected docker calls %v", runner.calls)
	}

	list, err := be.ListRuntimes(ctx, "worker")
	if err != nil || len(list) != 1 || list[0].Name != "cumulus-worker:1.0" {
		t.Fatalf("ListRuntimes = %+v, %v", list, err)
	}
	if err := be.DeleteRuntime(ctx, list[0].Name, list[0].MemoryMB); err != nil {
		t.Fatalf("DeleteRuntime: %v", err)
	}
	last := runner.calls[len(runner.calls)-1]
	if last[0] != "rmi" || last[len(last)-1] != "reg.local/cumulus-worker:1.0" {
		t.Fatalf("deleting the listed runtime ran %v", last)
	}

	if err := be.Kill(ctx, "e1"); err != nil || len(a.killed) != 1 {
		t.Fatalf("Kill: %v %v", err, a.killed)
	}
	if err := be.Clean(ctx); err != nil || !a.cleaned {
		t.Fatalf("Clean: %v, cleaned=%v", err, a.cleaned)
	}
	if err := be.Close(); err != nil || !a.closed {
		t.Fatalf("Close: %v", err)
	}
}
