// Package executor is the caller-facing entry point: it turns function
// calls over inputs into jobs, dispatches them on the configured backend
// and hands back futures.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/future"
	"github.com/oriys/cumulus/internal/invoker"
	"github.com/oriys/cumulus/internal/job"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/registry"
)

// ErrClosed is returned by calls on a closed executor.
var ErrClosed = errors.New("executor is closed")

// Executor runs functions of one table on one backend. All jobs it
// creates share its executor id.
type Executor struct {
	id       string
	env      *env.Env
	table    *funcs.Table
	backend  backend.Backend
	ownsBE   bool
	registry *registry.Registry
	packager *packager.Packager
	invoker  *invoker.Invoker
	futures  *future.Store
	objects  *job.Builder
	logger   *slog.Logger
	seq      job.Sequence

	runtime  string
	memoryMB int

	mu  sync.Mutex
	all []*future.Future

	// ctx scopes background reduce dispatch; Close cancels it.
	ctx     context.Context
	stop    context.CancelFunc
	pending sync.WaitGroup
	closed  atomic.Bool
}

type Option func(*Executor)

// WithBackend uses be instead of opening the configured one. The executor
// does not close it.
func WithBackend(be backend.Backend) Option {
	return func(e *Executor) { e.backend = be }
}

// WithPackager ships every job's function as an artifact built by p.
func WithPackager(p *packager.Packager) Option {
	return func(e *Executor) { e.packager = p }
}

// WithRuntime overrides the configured default runtime.
func WithRuntime(name string, memoryMB int) Option {
	return func(e *Executor) {
		e.runtime = name
		if memoryMB > 0 {
			e.memoryMB = memoryMB
		}
	}
}

// New creates an executor with a fresh executor id.
func New(ctx context.Context, en *env.Env, table *funcs.Table, opts ...Option) (*Executor, error) {
	cfg := en.Config.Cumulus
	e := &Executor{
		id:       job.NewExecutorID(),
		env:      en,
		table:    table,
		logger:   en.Logger,
		runtime:  cfg.Runtime,
		memoryMB: cfg.RuntimeMemory,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		be, err := OpenBackend(ctx, en, table)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", cfg.Mode, err)
		}
		e.backend, e.ownsBE = be, true
	}
	e.logger = e.logger.With("executor", e.id)
	e.registry = registry.New(e.backend, en.Control, en.Cache, en.Metrics, e.logger, cfg.TempDir)

	invOpts := []invoker.Option{invoker.WithMetrics(en.Metrics), invoker.WithLogger(e.logger)}
	if e.packager != nil {
		invOpts = append(invOpts, invoker.WithPackager(e.packager))
	}
	e.invoker = invoker.New(e.backend, en.Control, invOpts...)
	e.futures = future.NewStore(en.Control, cfg.Poll,
		future.WithNotifier(en.Notifier),
		future.WithJobLogs(en.Logs),
		future.WithMetrics(en.Metrics),
		future.WithLogger(e.logger),
		future.WithPollers(cfg.Concurrency))
	e.objects = job.NewBuilder(en.Storage)
	e.ctx, e.stop = context.WithCancel(context.WithoutCancel(ctx))

	e.logger.Info("executor created", "backend", e.backend.Name(), "runtime", e.runtime, "memory_mb", e.memoryMB)
	return e, nil
}

func (e *Executor) ID() string                   { return e.id }
func (e *Executor) Backend() backend.Backend     { return e.backend }
func (e *Executor) Registry() *registry.Registry { return e.registry }

// Input is what a map job iterates over: inline values, storage
// locations or URLs.
type Input struct {
	parts     []domain.Partition
	err       error
	locations []string
}

// Values makes one partition per element of values, in order.
func Values[T any](values []T) Input {
	parts, err := job.FromValues(values)
	return Input{parts: parts, err: err}
}

// Objects makes partitions from storage locations: "bucket/prefix/",
// "bucket/key", or a doublestar glob such as "bucket/logs/**/*.csv".
// Locations may also be http:// or https:// URLs.
func Objects(locations ...string) Input {
	return Input{locations: locations}
}

// URLs makes one partition per URL, or byte ranges of each with a chunk
// size.
func URLs(urls ...string) Input {
	return Input{locations: urls}
}

// Options tune one Map or MapReduce call. Zero values fall back to the
// configuration.
type Options struct {
	// ChunkSize splits object and URL inputs into byte ranges of this size.
	ChunkSize int64
	// ReducerOnePerObject runs one reduce partition per source object.
	ReducerOnePerObject bool
	Runtime             string
	MemoryMB            int
	// Timeout bounds each partition on the worker.
	Timeout time.Duration
	// Include and Exclude filter the packages shipped with the function.
	Include []string
	Exclude []string
	// Extend builds a runtime that has the function baked in instead of
	// shipping it with every job.
	Extend bool
}

func (e *Executor) timeoutS(opts Options) int {
	if opts.Timeout > 0 {
		return int(opts.Timeout.Seconds())
	}
	return e.env.Config.Cumulus.RuntimeTimeout
}

func (e *Executor) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CallAsync runs fn once with arg.
func (e *Executor) CallAsync(ctx context.Context, fn string, arg any) (*future.Future, error) {
	fs, err := e.submit(ctx, domain.PhaseCall, fn, Values([]any{arg}), Options{})
	if err != nil {
		return nil, err
	}
	return fs[0], nil
}

// Map runs fn over every partition of in. Dispatch failures of single
// partitions are reported on their futures, not returned.
func (e *Executor) Map(ctx context.Context, fn string, in Input, opts Options) ([]*future.Future, error) {
	return e.submit(ctx, domain.PhaseMap, fn, in, opts)
}

// MapReduce runs mapFn over in, then reduceFn over the ordered map
// results of each reduce group. The reduce futures are returned at once;
// the reduce job is dispatched in the background when the map futures are
// terminal. A reduce partition whose map inputs did not all succeed fails
// with an UpstreamError and is never dispatched.
func (e *Executor) MapReduce(ctx context.Context, mapFn string, in Input, reduceFn string, opts Options) (maps, reduces []*future.Future, err error) {
	entry, err := e.table.Get(reduceFn)
	if err != nil {
		return nil, nil, err
	}
	if entry.Reduce == nil {
		return nil, nil, fmt.Errorf("%s is not a reduce function", reduceFn)
	}

	mapJob, maps, err := e.build(ctx, domain.PhaseMap, mapFn, in, opts)
	if err != nil {
		return nil, nil, err
	}
	parts := job.ReducePartitions(mapJob.ID, mapJob.Partitions, opts.ReducerOnePerObject)
	reduceJob := job.New(e.id, e.seq.Next(domain.PhaseReduce), e.backend.Name(), domain.PhaseReduce,
		reduceFn, mapJob.Runtime, parts, mapJob.Config)
	if e.packager != nil && !opts.Extend {
		meta, err := e.registry.Get(ctx, reduceJob.Runtime)
		if err != nil {
			return nil, nil, err
		}
		if err := e.invoker.Prepare(ctx, reduceJob, entry, meta, opts.Include, opts.Exclude); err != nil {
			return nil, nil, err
		}
	}
	reduces = future.ForJob(reduceJob)

	e.dispatch(ctx, mapJob, maps, e.timeoutS(opts))
	for _, f := range maps {
		f.MarkConsumed()
	}
	e.track(maps)
	e.track(reduces)

	e.pending.Add(1)
	bg := observability.ResumeTrace(e.ctx, observability.CaptureTrace(ctx))
	go func() {
		defer e.pending.Done()
		e.reduceAfter(bg, maps, reduceJob, reduces, e.timeoutS(opts))
	}()
	return maps, reduces, nil
}

func (e *Executor) reduceAfter(ctx context.Context, maps []*future.Future, rj *domain.Job, reduces []*future.Future, timeoutS int) {
	if _, _, err := e.futures.Wait(ctx, maps, future.AllCompleted, e.deadline()); err != nil {
		for _, f := range reduces {
			f.Fail(fmt.Errorf("reduce %s not dispatched: %w", rj.ID, err))
		}
		return
	}

	all := e.invoker.Tasks(ctx, rj, timeoutS)
	var tasks []domain.Task
	for i, p := range rj.Partitions {
		if failed := firstFailed(maps, p.Input.Refs); failed != nil {
			reduces[i].Fail(&domain.UpstreamError{JobID: failed.JobID, Index: failed.Index, Err: failed.Err()})
			rj.Partitions[i].Status = domain.PartitionFailed
			continue
		}
		tasks = append(tasks, all[i])
	}
	if len(tasks) == 0 {
		e.logger.Warn("reduce skipped, every group has a failed map partition", "job", rj.ID)
		return
	}
	for _, d := range backend.Failed(e.invoker.DispatchTasks(ctx, rj, tasks)) {
		reduces[d.Index].Fail(d.Err)
	}
}

func firstFailed(maps []*future.Future, refs []domain.ResultRef) *future.Future {
	for _, r := range refs {
		f := maps[r.Index]
		if f.State() != domain.FutureSuccess {
			return f
		}
	}
	return nil
}

func (e *Executor) submit(ctx context.Context, phase domain.Phase, fn string, in Input, opts Options) ([]*future.Future, error) {
	j, fs, err := e.build(ctx, phase, fn, in, opts)
	if err != nil {
		return nil, err
	}
	e.dispatch(ctx, j, fs, e.timeoutS(opts))
	e.track(fs)
	return fs, nil
}

// build resolves the runtime, partitions the input and ships the function.
// Any error here aborts the job before a single partition is dispatched.
func (e *Executor) build(ctx context.Context, phase domain.Phase, fn string, in Input, opts Options) (j *domain.Job, fs []*future.Future, err error) {
	if err := e.checkOpen(); err != nil {
		return nil, nil, err
	}
	ctx, span := observability.StartSpan(ctx, "executor.build",
		observability.AttrExecutorID.String(e.id),
		observability.AttrFunction.String(fn),
		observability.AttrPhase.String(string(phase)))
	defer func() { observability.EndSpan(span, err) }()

	entry, err := e.table.Get(fn)
	if err != nil {
		return nil, nil, err
	}
	if entry.Map == nil {
		return nil, nil, fmt.Errorf("%s is not a map function", fn)
	}

	name, mem := e.runtime, e.memoryMB
	if opts.Runtime != "" {
		name = opts.Runtime
	}
	if opts.MemoryMB > 0 {
		mem = opts.MemoryMB
	}
	key := e.registry.Key(name, mem)
	meta, err := e.registry.GetOrBuild(ctx, key, nil, e.timeoutS(opts))
	if err != nil {
		return nil, nil, err
	}

	parts, err := e.partitions(ctx, in, opts.ChunkSize)
	if err != nil {
		return nil, nil, err
	}

	if opts.Extend && e.packager != nil {
		art, err := e.packager.Package(ctx, entry, meta, opts.Include, opts.Exclude)
		if err != nil {
			return nil, nil, err
		}
		if key, _, err = e.registry.Extend(ctx, key, art, e.timeoutS(opts)); err != nil {
			return nil, nil, err
		}
	}

	j = job.New(e.id, e.seq.Next(phase), e.backend.Name(), phase, fn, key, parts, domain.ExecConfig{
		ChunkSize:           opts.ChunkSize,
		Concurrency:         e.env.Config.Cumulus.Concurrency,
		ReducerOnePerObject: opts.ReducerOnePerObject,
		Timeout:             opts.Timeout,
	})
	if !opts.Extend {
		if err := e.invoker.Prepare(ctx, j, entry, meta, opts.Include, opts.Exclude); err != nil {
			return nil, nil, err
		}
	}
	return j, future.ForJob(j), nil
}

func (e *Executor) partitions(ctx context.Context, in Input, chunkSize int64) ([]domain.Partition, error) {
	if in.err != nil {
		return nil, in.err
	}
	if len(in.locations) > 0 {
		return e.objects.FromObjects(ctx, in.locations, chunkSize)
	}
	if len(in.parts) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	return in.parts, nil
}

func (e *Executor) dispatch(ctx context.Context, j *domain.Job, fs []*future.Future, timeoutS int) {
	for _, d := range backend.Failed(e.invoker.Dispatch(ctx, j, timeoutS)) {
		fs[d.Index].Fail(d.Err)
	}
}

func (e *Executor) track(fs []*future.Future) {
	e.mu.Lock()
	e.all = append(e.all, fs...)
	e.mu.Unlock()
}

// Futures returns every future created by this executor, in creation
// order.
func (e *Executor) Futures() []*future.Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*future.Future(nil), e.all...)
}

func (e *Executor) deadline() time.Time {
	if t := e.env.Config.Cumulus.ExecutionTimeout; t > 0 {
		return time.Now().Add(t)
	}
	return time.Time{}
}

// Wait blocks according to when, bounded by the execution timeout. With
// no futures it waits on every future of the executor.
func (e *Executor) Wait(ctx context.Context, when future.ReturnWhen, fs ...*future.Future) (done, pending []*future.Future, err error) {
	if len(fs) == 0 {
		fs = e.Futures()
	}
	return e.futures.Wait(ctx, fs, when, e.deadline())
}

// GetResult waits for fs and returns their results in order. With no
// futures it collects every future GetResult has not returned before.
func (e *Executor) GetResult(ctx context.Context, fs ...*future.Future) ([]json.RawMessage, error) {
	if len(fs) == 0 {
		fs = future.Unconsumed(e.Futures())
	}
	return e.futures.GetResult(ctx, fs, e.deadline())
}

// Cancel marks fs (every future when empty) cancelled and asks the
// backend to stop the executor's remote work when it can.
func (e *Executor) Cancel(ctx context.Context, fs ...*future.Future) error {
	if len(fs) == 0 {
		fs = e.Futures()
	}
	n := e.futures.Cancel(fs)
	e.logger.Info("futures cancelled", "count", n)
	if k, ok := e.backend.(backend.Killer); ok {
		return k.Kill(ctx, e.id)
	}
	return nil
}

// Close waits for pending reduce dispatch, then releases the backend when
// the executor opened it.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stop()
	e.pending.Wait()
	if e.ownsBE {
		return e.backend.Close()
	}
	return nil
}
