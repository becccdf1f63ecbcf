// Package invoker ships a job's function and hands its partitions to the
// active compute backend.
package invoker

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/metrics"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/storage"
)

type Invoker struct {
	backend  backend.Backend
	packager *packager.Packager
	store    *storage.Internal
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Invoker)

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Invoker) { i.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// WithPackager ships a packaged artifact with every job.
func WithPackager(p *packager.Packager) Option {
	return func(i *Invoker) { i.packager = p }
}

func New(be backend.Backend, store *storage.Internal, opts ...Option) *Invoker {
	i := &Invoker{backend: be, store: store, logger: logging.Discard()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Prepare packages entry for the runtime described by meta and uploads the
// artifact next to the job's partitions. Without a packager it does
// nothing. Any error here must abort the job before dispatch.
func (i *Invoker) Prepare(ctx context.Context, job *domain.Job, entry funcs.Entry, meta *domain.RuntimeMetadata, include, exclude []string) (err error) {
	if i.packager == nil {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "invoker.prepare",
		observability.AttrExecutorID.String(job.ExecutorID),
		observability.AttrJobID.String(job.ID),
		observability.AttrFunction.String(entry.Name))
	defer func() { observability.EndSpan(span, err) }()

	art, err := i.packager.Package(ctx, entry, meta, include, exclude)
	if err != nil {
		return err
	}
	data, err := art.Marshal()
	if err != nil {
		return &domain.PackagingError{Module: entry.Module, Reason: err.Error()}
	}
	key := storage.ArtifactKey(job.Backend, job.ExecutorID, job.ID)
	if err := i.store.Storage.PutObject(ctx, i.store.Bucket, key, data); err != nil {
		return fmt.Errorf("upload artifact of %s: %w", job.ID, err)
	}
	job.ArtifactKey = key
	return nil
}

// Tasks builds the worker messages of the job, carrying the caller's trace
// context.
func (i *Invoker) Tasks(ctx context.Context, job *domain.Job, timeoutS int) []domain.Task {
	tc := observability.CaptureTrace(ctx)
	tasks := make([]domain.Task, len(job.Partitions))
	for n, p := range job.Partitions {
		t := domain.NewTask(job, i.store.Bucket, p, timeoutS)
		t.TraceParent, t.TraceState = tc.TraceParent, tc.TraceState
		tasks[n] = t
	}
	return tasks
}

// Dispatch submits every partition of job in one ordered batch. Rejected
// partitions are marked failed and returned; the rest are marked
// dispatched. It never waits for partitions to run.
func (i *Invoker) Dispatch(ctx context.Context, job *domain.Job, timeoutS int) []backend.Dispatch {
	return i.DispatchTasks(ctx, job, i.Tasks(ctx, job, timeoutS))
}

// DispatchTasks submits a subset of the job's tasks.
func (i *Invoker) DispatchTasks(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch {
	ctx, span := observability.StartClientSpan(ctx, "invoker.dispatch",
		observability.AttrExecutorID.String(job.ExecutorID),
		observability.AttrJobID.String(job.ID),
		observability.AttrPhase.String(string(job.Phase)),
		observability.AttrBackend.String(i.backend.Name()),
		observability.AttrPartitions.Int(len(tasks)))
	defer span.End()

	ds := i.backend.Invoke(ctx, job, tasks)
	failed := 0
	for _, d := range ds {
		ok := d.Err == nil
		i.metrics.RecordDispatch(i.backend.Name(), string(job.Phase), ok)
		if d.Index < 0 || d.Index >= len(job.Partitions) {
			continue
		}
		if ok {
			job.Partitions[d.Index].Status = domain.PartitionDispatched
			continue
		}
		failed++
		job.Partitions[d.Index].Status = domain.PartitionFailed
		i.logger.Warn("partition dispatch failed", "executor", job.ExecutorID, "job", job.ID,
			"partition", d.Index, "error", d.Err)
	}
	span.SetAttributes(attribute.Int("cumulus.dispatch.failed", failed))
	i.logger.Info("job dispatched", "executor", job.ExecutorID, "job", job.ID, "phase", job.Phase,
		"function", job.Function, "partitions", len(tasks), "failed", failed)
	return ds
}
