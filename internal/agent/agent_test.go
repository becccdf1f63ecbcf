package agent

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/backend/localhost"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/storage"
	"github.com/oriys/cumulus/internal/worker"
)

type fakeRunner struct {
	mu      sync.Mutex
	tasks   []domain.Task
	killed  []string
	cleaned int
	reject  bool
}

func (f *fakeRunner) Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Dispatch, len(tasks))
	for i, t := range tasks {
		out[i].Index = t.Partition.Index
		if f.reject {
			out[i].Err = errors.New("pool closed")
			continue
		}
		f.tasks = append(f.tasks, t)
	}
	return out
}

func (f *fakeRunner) Kill(ctx context.Context, executorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, executorID)
	return nil
}

func (f *fakeRunner) Clean(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
	return nil
}

func startAgent(t *testing.T, runner Runner) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(runner, &domain.RuntimeMetadata{MemoryMB: 1024, Preinstalls: []domain.Preinstall{{Module: "std"}}}, logging.Discard())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAgent_DispatchAndControl(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	c := startAgent(t, runner)

	task := domain.Task{ExecutorID: "e1", JobID: "M000", Function: "double", Partition: domain.Partition{Index: 4}}
	if err := c.Dispatch(ctx, task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(runner.tasks) != 1 || runner.tasks[0].Partition.Index != 4 || runner.tasks[0].Function != "double" {
		t.Fatalf("runner received %+v", runner.tasks)
	}

	meta, err := c.Metadata(ctx)
	if err != nil || meta.MemoryMB != 1024 || len(meta.Preinstalls) != 1 {
		t.Fatalf("Metadata = %+v, %v", meta, err)
	}

	if err := c.Kill(ctx, "e1"); err != nil || len(runner.killed) != 1 || runner.killed[0] != "e1" {
		t.Fatalf("Kill: %v, killed %v", err, runner.killed)
	}
	if err := c.Clean(ctx); err != nil || runner.cleaned != 1 {
		t.Fatalf("Clean: %v, cleaned %d", err, runner.cleaned)
	}
}

func TestAgent_DispatchErrors(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	c := startAgent(t, runner)

	err := c.Dispatch(ctx, domain.Task{JobID: "M000"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("incomplete task: got %v", err)
	}

	runner.mu.Lock()
	runner.reject = true
	runner.mu.Unlock()
	err = c.Dispatch(ctx, domain.Task{ExecutorID: "e1", JobID: "M000", Function: "f"})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("rejected task: got %v", err)
	}
}

func TestAgent_DispatchAcknowledgesWhilePoolIsBusy(t *testing.T) {
	store := storage.NewMemoryStorage()
	tbl := funcs.NewTable()
	gate := make(chan struct{})
	tbl.MustRegisterMap("slow", func(ctx context.Context, in *funcs.Input) (any, error) {
		select {
		case <-gate:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	pool, err := localhost.New(localhost.Config{Workers: 1, RuntimesDir: filepath.Join(t.TempDir(), "runtimes")},
		worker.NewHandler(tbl, store), logging.Discard())
	if err != nil {
		t.Fatalf("localhost.New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	c := startAgent(t, pool)
	defer close(gate)

	const n = 12
	for i := 0; i < n; i++ {
		task := domain.Task{ExecutorID: "e1", JobID: "M000", Backend: localhost.Name, Bucket: "cumulus",
			Phase: domain.PhaseMap, Function: "slow", Partition: domain.Partition{Index: i}}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := c.Dispatch(ctx, task)
		cancel()
		if err != nil {
			t.Fatalf("dispatch %d while the pool is busy: %v", i, err)
		}
	}
	if q := pool.Queued(); q < n-1 {
		t.Fatalf("expected at least %d queued tasks, got %d", n-1, q)
	}
}
