package localhost

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/storage"
	"github.com/oriys/cumulus/internal/worker"
)

func newBackend(t *testing.T, store storage.Storage, tbl *funcs.Table) *Backend {
	t.Helper()
	b, err := New(Config{Workers: 2, RuntimesDir: filepath.Join(t.TempDir(), "runtimes")}, worker.NewHandler(tbl, store), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitStatus(t *testing.T, store storage.Storage, ref storage.PartitionRef) *domain.TaskStatus {
	t.Helper()
	in := storage.NewInternal(store, "cumulus")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := in.GetStatus(context.Background(), ref)
		if err == nil {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no status for %s", ref)
	return nil
}

func TestInvoke_RunsEveryPartition(t *testing.T) {
	store := storage.NewMemoryStorage()
	tbl := funcs.NewTable()
	tbl.MustRegisterMap("square", func(ctx context.Context, in *funcs.Input) (any, error) {
		var n int
		if err := in.Decode(&n); err != nil {
			return nil, err
		}
		return n * n, nil
	})
	b := newBackend(t, store, tbl)

	job := &domain.Job{ID: "M000", ExecutorID: "e1", Backend: Name, Phase: domain.PhaseMap, Function: "square"}
	var tasks []domain.Task
	for i := 0; i < 6; i++ {
		raw, _ := json.Marshal(i)
		p := domain.Partition{Index: i, Input: domain.InputDescriptor{Kind: domain.InputValue, Value: raw}}
		tasks = append(tasks, domain.NewTask(job, "cumulus", p, 0))
	}

	ds := b.Invoke(context.Background(), job, tasks)
	for _, d := range ds {
		if d.Err != nil {
			t.Fatalf("dispatch %d: %v", d.Index, d.Err)
		}
	}
	in := storage.NewInternal(store, "cumulus")
	for i := 0; i < 6; i++ {
		ref := storage.PartitionRef{Backend: Name, ExecutorID: "e1", JobID: "M000", Index: i}
		st := waitStatus(t, store, ref)
		got, err := in.GetResult(context.Background(), ref, st)
		var n int
		if err != nil || json.Unmarshal(got, &n) != nil || n != i*i {
			t.Fatalf("partition %d result %s, %v", i, got, err)
		}
	}
}

func TestInvoke_ReturnsBeforeWorkersFree(t *testing.T) {
	store := storage.NewMemoryStorage()
	tbl := funcs.NewTable()
	gate := make(chan struct{})
	tbl.MustRegisterMap("gated", func(ctx context.Context, in *funcs.Input) (any, error) {
		select {
		case <-gate:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	b := newBackend(t, store, tbl)

	const n = 40
	job := &domain.Job{ID: "M000", ExecutorID: "e1", Backend: Name, Phase: domain.PhaseMap, Function: "gated"}
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.NewTask(job, "cumulus", domain.Partition{Index: i}, 0)
	}

	done := make(chan []backend.Dispatch, 1)
	go func() { done <- b.Invoke(context.Background(), job, tasks) }()

	var ds []backend.Dispatch
	select {
	case ds = <-done:
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("Invoke waited for workers to free up")
	}
	if len(ds) != n {
		t.Fatalf("got %d dispatches, want %d", len(ds), n)
	}
	for i, d := range ds {
		if d.Err != nil || d.Index != i {
			t.Fatalf("dispatch %d = %+v", i, d)
		}
	}
	if q := b.Queued(); q < n-2 {
		t.Fatalf("expected at least %d queued tasks while workers are busy, got %d", n-2, q)
	}

	close(gate)
	for i := 0; i < n; i++ {
		ref := storage.PartitionRef{Backend: Name, ExecutorID: "e1", JobID: "M000", Index: i}
		if st := waitStatus(t, store, ref); st.State != domain.TaskSuccess {
			t.Fatalf("partition %d status = %+v", i, st)
		}
	}
}

func TestInvoke_AfterCloseFailsEachPartition(t *testing.T) {
	b := newBackend(t, storage.NewMemoryStorage(), funcs.NewTable())
	b.Close()

	job := &domain.Job{ID: "M000", ExecutorID: "e1", Backend: Name}
	ds := b.Invoke(context.Background(), job, []domain.Task{domain.NewTask(job, "cumulus", domain.Partition{Index: 0}, 0)})
	if ds[0].Err == nil {
		t.Fatal("expected InvocationError after close")
	}
}

func TestKill_CancelsRunningTasks(t *testing.T) {
	store := storage.NewMemoryStorage()
	tbl := funcs.NewTable()
	tbl.MustRegisterMap("block", func(ctx context.Context, in *funcs.Input) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b := newBackend(t, store, tbl)

	job := &domain.Job{ID: "M000", ExecutorID: "e1", Backend: Name, Phase: domain.PhaseMap, Function: "block"}
	b.Invoke(context.Background(), job, []domain.Task{domain.NewTask(job, "cumulus", domain.Partition{Index: 0}, 0)})

	ref := storage.PartitionRef{Backend: Name, ExecutorID: "e1", JobID: "M000", Index: 0}
	in := storage.NewInternal(store, "cumulus")
	for i := 0; i < 500; i++ {
		if ok, _ := in.Started(context.Background(), ref); ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := b.Kill(context.Background(), "e1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	st := waitStatus(t, store, ref)
	if st.State != domain.TaskFailed {
		t.Fatalf("killed task status = %+v", st)
	}
}

func TestRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.NewMemoryStorage(), funcs.NewTable())

	meta, err := b.CreateRuntime(ctx, DefaultRuntime, 256, 60)
	if err != nil {
		t.Fatalf("CreateRuntime default: %v", err)
	}
	if meta.MemoryMB != 256 || meta.TimeoutS != 60 || len(meta.Preinstalls) == 0 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	if _, err := b.CreateRuntime(ctx, "custom:1", 256, 60); err == nil {
		t.Fatal("creating an unbuilt runtime must fail")
	}

	src := t.TempDir()
	mod := filepath.Join(src, "modules", "example.com", "lib")
	if err := os.MkdirAll(mod, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mod, "lib.go"), []byte("package lib\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.BuildRuntime(ctx, "custom:1", domain.BuildDescriptor{BaseImage: DefaultRuntime, ContextDir: src}); err != nil {
		t.Fatalf("BuildRuntime: %v", err)
	}
	meta, err = b.CreateRuntime(ctx, "custom:1", 512, 60)
	if err != nil {
		t.Fatalf("CreateRuntime custom: %v", err)
	}
	if !meta.Preinstalled("example.com/lib") {
		t.Fatalf("staged module not reported as preinstalled: %+v", meta.Preinstalls)
	}

	list, err := b.ListRuntimes(ctx, "custom")
	if err != nil || len(list) != 1 || list[0].Name != "custom:1" || list[0].MemoryMB != 512 {
		t.Fatalf("ListRuntimes = %+v, %v", list, err)
	}

	if err := b.DeleteRuntime(ctx, "custom:1", 512); err != nil {
		t.Fatalf("DeleteRuntime: %v", err)
	}
	if list, _ := b.ListRuntimes(ctx, "custom"); len(list) != 0 {
		t.Fatalf("runtime still listed after delete: %+v", list)
	}

	if err := b.Clean(ctx); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if list, _ := b.ListRuntimes(ctx, ""); len(list) != 0 {
		t.Fatalf("runtimes left after clean: %+v", list)
	}
}
