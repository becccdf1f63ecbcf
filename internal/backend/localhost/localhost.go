// Package localhost runs partitions on a bounded pool of goroutines inside
// the orchestrator process. Runtimes are directories under the runtimes
// dir; the built-in "default" runtime is the running binary itself.
package localhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/worker"
)

// Name is the backend identity used in keys and namespaces.
const Name = "localhost"

// DefaultRuntime is always available and needs no build.
const DefaultRuntime = "default"

var errClosed = errors.New("localhost backend is closed")

type Config struct {
	Workers     int
	RuntimesDir string
}

type item struct {
	ctx  context.Context
	task domain.Task
}

// execution scopes the tasks of one executor so Kill can cancel them.
type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Backend is the in-process compute backend.
type Backend struct {
	cfg     Config
	handler *worker.Handler
	logger  *slog.Logger

	queue *fifo
	wg    sync.WaitGroup

	mu        sync.Mutex
	executors map[string]execution
	base      context.Context
	stop      context.CancelFunc
}

// New starts cfg.Workers goroutines running tasks through h.
func New(cfg Config, h *worker.Handler, logger *slog.Logger) (*Backend, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RuntimesDir == "" {
		return nil, fmt.Errorf("localhost: runtimes dir is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	base, stop := context.WithCancel(context.Background())
	b := &Backend{
		cfg:       cfg,
		handler:   h,
		logger:    logger,
		queue:     newFIFO(),
		executors: make(map[string]execution),
		base:      base,
		stop:      stop,
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.work(i)
	}
	logger.Debug("localhost workers started", "workers", cfg.Workers)
	return b, nil
}

func (b *Backend) Name() string      { return Name }
func (b *Backend) Mode() domain.Mode { return domain.ModeLocalhost }

func (b *Backend) work(id int) {
	defer b.wg.Done()
	for {
		it, ok := b.queue.pop()
		if !ok {
			return
		}
		if it.ctx.Err() != nil {
			b.logger.Debug("dropping killed task", "worker", id, "executor", it.task.ExecutorID,
				"job", it.task.JobID, "partition", it.task.Partition.Index)
			continue
		}
		if err := b.handler.Run(it.ctx, it.task); err != nil {
			b.logger.Error("task commit failed", "worker", id, "executor", it.task.ExecutorID,
				"job", it.task.JobID, "partition", it.task.Partition.Index, "error", err)
		}
	}
}

// executorContext returns the context killing an executor's tasks.
func (b *Backend) executorContext(executorID string) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.executors[executorID]
	if !ok {
		e.ctx, e.cancel = context.WithCancel(b.base)
		b.executors[executorID] = e
	}
	return e.ctx
}

// Invoke queues tasks in order and returns without waiting for a worker.
func (b *Backend) Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch {
	out := make([]backend.Dispatch, len(tasks))
	for i, t := range tasks {
		out[i].Index = t.Partition.Index
	}
	reject := func(err error) []backend.Dispatch {
		for i, t := range tasks {
			out[i].Err = &domain.InvocationError{JobID: t.JobID, Index: t.Partition.Index, Err: err}
		}
		return out
	}
	if err := ctx.Err(); err != nil {
		return reject(err)
	}

	execCtx := b.executorContext(job.ExecutorID)
	items := make([]item, len(tasks))
	for i, t := range tasks {
		items[i] = item{ctx: execCtx, task: t}
	}
	if !b.queue.push(items...) {
		return reject(errClosed)
	}
	return out
}

// Queued reports how many tasks wait for a free worker.
func (b *Backend) Queued() int { return b.queue.len() }

// Kill cancels the queued and running tasks of an executor.
func (b *Backend) Kill(_ context.Context, executorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.executors[executorID]; ok {
		e.cancel()
		delete(b.executors, executorID)
	}
	return nil
}

// CreateRuntime reports the modules the runtime provides: everything
// compiled into this binary plus any tree staged by BuildRuntime.
func (b *Backend) CreateRuntime(ctx context.Context, name string, memoryMB, timeoutS int) (*domain.RuntimeMetadata, error) {
	meta := worker.Metadata(memoryMB, timeoutS)
	if name != DefaultRuntime {
		dir := b.runtimeDir(name)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("runtime %s is not built: %w", name, err)
		}
		staged, err := stagedModules(filepath.Join(dir, packager.ModulesDir))
		if err != nil {
			return nil, err
		}
		meta.Preinstalls = append(meta.Preinstalls, staged...)
		meta.Image = dir
	}
	if err := os.MkdirAll(b.runtimeDir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(b.manifestPath(name, memoryMB), data, 0o644); err != nil {
		return nil, fmt.Errorf("write runtime manifest: %w", err)
	}
	return meta, nil
}

// BuildRuntime materializes the descriptor's build context under the
// runtimes dir. The descriptor's env directive is honored implicitly: the
// staged modules dir is what CreateRuntime reports as preinstalled.
func (b *Backend) BuildRuntime(ctx context.Context, name string, d domain.BuildDescriptor) error {
	if name == DefaultRuntime {
		return nil
	}
	dst := b.runtimeDir(name)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	if d.ContextDir == "" {
		return nil
	}
	return copyTree(ctx, d.ContextDir, dst)
}

func (b *Backend) ListRuntimes(ctx context.Context, filter string) ([]domain.RuntimeInfo, error) {
	entries, err := os.ReadDir(b.cfg.RuntimesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.RuntimeInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil || (filter != "" && !strings.Contains(name, filter)) {
			continue
		}
		manifests, _ := filepath.Glob(filepath.Join(b.cfg.RuntimesDir, e.Name(), "*MB.json"))
		for _, m := range manifests {
			mem, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(m), "MB.json"))
			if err != nil {
				continue
			}
			out = append(out, domain.RuntimeInfo{Name: name, MemoryMB: mem})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].MemoryMB < out[j].MemoryMB
	})
	return out, nil
}

// DeleteRuntime removes the manifest for one memory size, and the runtime
// dir once no manifest is left.
func (b *Backend) DeleteRuntime(ctx context.Context, name string, memoryMB int) error {
	if err := os.Remove(b.manifestPath(name, memoryMB)); err != nil && !os.IsNotExist(err) {
		return err
	}
	left, _ := filepath.Glob(filepath.Join(b.runtimeDir(name), "*MB.json"))
	if len(left) == 0 {
		return os.RemoveAll(b.runtimeDir(name))
	}
	return nil
}

// Clean kills every executor and removes all runtimes.
func (b *Backend) Clean(ctx context.Context) error {
	b.mu.Lock()
	for id, e := range b.executors {
		e.cancel()
		delete(b.executors, id)
	}
	b.mu.Unlock()
	return os.RemoveAll(b.cfg.RuntimesDir)
}

// Close stops accepting work and waits for queued tasks to finish.
func (b *Backend) Close() error {
	if !b.queue.close() {
		return nil
	}
	b.wg.Wait()
	b.stop()
	return nil
}

func (b *Backend) runtimeDir(name string) string {
	return filepath.Join(b.cfg.RuntimesDir, url.PathEscape(name))
}

func (b *Backend) manifestPath(name string, memoryMB int) string {
	return filepath.Join(b.runtimeDir(name), strconv.Itoa(memoryMB)+"MB.json")
}

// stagedModules lists the import paths staged under dir as preinstalls
// pinned to their on-disk location.
func stagedModules(dir string) ([]domain.Preinstall, error) {
	var out []domain.Preinstall
	seen := make(map[string]bool)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".go") {
			return nil
		}
		rel, err := filepath.Rel(dir, filepath.Dir(p))
		if err != nil {
			return err
		}
		imp := filepath.ToSlash(rel)
		if imp == "." || seen[imp] {
			return nil
		}
		seen[imp] = true
		out = append(out, domain.Preinstall{Module: imp, Version: filepath.Dir(p)})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scan staged modules: %w", err)
	}
	return out, nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
