// Package worker executes partitions. It is the code every compute backend
// ends up running: in-process for localhost, behind the agent RPC for
// standalone and behind the HTTP entrypoint for serverless.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/metrics"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/queue"
	"github.com/oriys/cumulus/internal/storage"
)

// DefaultInlineResultLimit is the largest encoded result stored inline.
const DefaultInlineResultLimit = 64 * 1024

// Handler runs tasks against a function table. Results and status go to
// storage; a task's own failure is recorded there, so Run only returns an
// error when the control plane itself cannot be written.
type Handler struct {
	table       *funcs.Table
	store       storage.Storage
	notifier    queue.Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	inlineLimit int
	workerID    string
	modulesDir  string
	http        *http.Client

	staging singleflight.Group
	staged  sync.Map // artifact key -> staged dir
}

type Option func(*Handler)

// WithNotifier signals completion on the job topic after the status commit.
func WithNotifier(n queue.Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithInlineResultLimit sets the size above which results go to a
// separate output object.
func WithInlineResultLimit(n int) Option {
	return func(h *Handler) { h.inlineLimit = n }
}

// WithWorkerID names this worker in status objects.
func WithWorkerID(id string) Option {
	return func(h *Handler) { h.workerID = id }
}

// WithModulesDir stages downloaded artifacts under dir.
func WithModulesDir(dir string) Option {
	return func(h *Handler) { h.modulesDir = dir }
}

// WithHTTPClient sets the client URL partitions are fetched with.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.http = c }
}

func NewHandler(table *funcs.Table, store storage.Storage, opts ...Option) *Handler {
	host, _ := os.Hostname()
	h := &Handler{
		table:       table,
		store:       store,
		notifier:    queue.NewNoopNotifier(),
		logger:      logging.Discard(),
		inlineLimit: DefaultInlineResultLimit,
		workerID:    host,
		modulesDir:  filepath.Join(os.TempDir(), "cumulus", "modules"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes task and commits its outcome: the start marker, then the
// result, then the log, and the status object last.
func (h *Handler) Run(ctx context.Context, task domain.Task) error {
	ref := storage.RefOf(task)
	ctl := storage.NewInternal(h.store, task.Bucket)

	ctx = observability.ResumeTrace(ctx, observability.TraceContext{
		TraceParent: task.TraceParent,
		TraceState:  task.TraceState,
	})
	ctx, span := observability.StartServerSpan(ctx, "worker.run",
		observability.AttrExecutorID.String(task.ExecutorID),
		observability.AttrJobID.String(task.JobID),
		observability.AttrPartition.Int(task.Partition.Index),
		observability.AttrFunction.String(task.Function),
	)
	defer span.End()

	traceID, spanID := observability.SpanIDs(ctx)
	logger := logging.WithTrace(h.logger.With("job", ref.String(), "function", task.Function), traceID, spanID)
	if err := ctl.MarkStarted(ctx, ref, h.workerID); err != nil {
		return h.fail(span, fmt.Errorf("mark started %s: %w", ref, err))
	}

	h.metrics.IncActiveTasks()
	defer h.metrics.DecActiveTasks()

	started := time.Now()
	var logBuf lockedBuffer
	fmt.Fprintf(&logBuf, "[%s] partition %d started on %s\n", started.UTC().Format(time.RFC3339Nano), task.Partition.Index, h.workerID)

	result, runErr := h.execute(ctx, task, &logBuf)
	finished := time.Now()
	// a killed or timed-out task still commits its outcome
	ctx = context.WithoutCancel(ctx)

	st := &domain.TaskStatus{
		ExecutorID: task.ExecutorID,
		JobID:      task.JobID,
		Index:      task.Partition.Index,
		State:      domain.TaskSuccess,
		Worker:     h.workerID,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
	}

	var encoded []byte
	if runErr == nil {
		encoded, runErr = json.Marshal(result)
	}
	if runErr != nil {
		st.State = domain.TaskFailed
		st.Error = runErr.Error()
		st.ErrorType = errorType(runErr)
		fmt.Fprintf(&logBuf, "[%s] partition %d failed: %v\n", finished.UTC().Format(time.RFC3339Nano), task.Partition.Index, runErr)
		logger.Warn("partition failed", "error", runErr)
	} else {
		if len(encoded) <= h.inlineLimit {
			st.Inline = true
			if err := h.store.PutObject(ctx, task.Bucket, ref.ResultKey(), encoded); err != nil {
				return h.fail(span, fmt.Errorf("put result %s: %w", ref, err))
			}
		} else {
			st.OutputKey = ref.OutputKey()
			if err := h.store.PutObject(ctx, task.Bucket, st.OutputKey, encoded); err != nil {
				return h.fail(span, fmt.Errorf("put output %s: %w", ref, err))
			}
		}
		fmt.Fprintf(&logBuf, "[%s] partition %d finished in %s\n", finished.UTC().Format(time.RFC3339Nano), task.Partition.Index, finished.Sub(started))
	}

	if logs := logBuf.Bytes(); len(logs) > 0 {
		if err := h.store.PutObject(ctx, task.Bucket, ref.LogKey(), logs); err != nil {
			logger.Warn("failed to store partition log", "error", err)
		} else {
			st.HasLog = true
		}
	}

	if err := ctl.PutStatus(ctx, ref, st); err != nil {
		return h.fail(span, fmt.Errorf("put status %s: %w", ref, err))
	}
	if err := h.notifier.Notify(ctx, queue.JobTopic(task.ExecutorID, task.JobID)); err != nil {
		logger.Debug("completion notify failed", "error", err)
	}

	h.metrics.RecordTask(task.Function, string(task.Phase), finished.Sub(started), runErr == nil)
	if runErr != nil {
		observability.SetSpanError(span, runErr)
	}
	logger.Debug("partition committed", "state", st.State, "duration_ms", st.DurationMs)
	return nil
}

func (h *Handler) fail(span trace.Span, err error) error {
	observability.SetSpanError(span, err)
	h.logger.Error("partition commit failed", "error", err)
	return err
}

// execute calls the user function, converting panics into errors.
func (h *Handler) execute(ctx context.Context, task domain.Task, out *lockedBuffer) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	if task.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutS)*time.Second)
		defer cancel()
	}

	if task.ArtifactKey != "" {
		if _, err := h.stageArtifact(ctx, task.Bucket, task.ArtifactKey); err != nil {
			return nil, err
		}
	}

	entry, err := h.table.Get(task.Function)
	if err != nil {
		return nil, err
	}

	switch task.Phase {
	case domain.PhaseReduce:
		if entry.Reduce == nil {
			return nil, fmt.Errorf("function %s is not a reduce function", task.Function)
		}
		inputs, err := h.loadRefs(ctx, task)
		if err != nil {
			return nil, err
		}
		return entry.Reduce(ctx, &funcs.ReduceInput{
			Results: inputs,
			Index:   task.Partition.Index,
			Source:  task.Partition.Source,
			Storage: h.store,
			Objects: h.objects(task),
			Out:     out,
		})
	default:
		if entry.Map == nil {
			return nil, fmt.Errorf("function %s is not a map function", task.Function)
		}
		return entry.Map(ctx, &funcs.Input{
			Descriptor: task.Partition.Input,
			Index:      task.Partition.Index,
			Storage:    h.store,
			HTTP:       h.http,
			Objects:    h.objects(task),
			Out:        out,
		})
	}
}

// objects scopes a partition's intermediate objects under its own prefix.
func (h *Handler) objects(task domain.Task) *funcs.Objects {
	return funcs.NewObjects(h.store, task.Bucket, storage.RefOf(task).Prefix()+"objects/")
}

// loadRefs reads the upstream results a reduce partition consumes, in
// reference order.
func (h *Handler) loadRefs(ctx context.Context, task domain.Task) ([]json.RawMessage, error) {
	ctl := storage.NewInternal(h.store, task.Bucket)
	refs := task.Partition.Input.Refs
	out := make([]json.RawMessage, len(refs))
	for i, r := range refs {
		ref := storage.PartitionRef{Backend: task.Backend, ExecutorID: task.ExecutorID, JobID: r.JobID, Index: r.Index}
		st, err := ctl.GetStatus(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("load upstream status %s: %w", ref, err)
		}
		if st.State != domain.TaskSuccess {
			return nil, &domain.UpstreamError{JobID: r.JobID, Index: r.Index, Err: &domain.TaskError{
				JobID:   r.JobID,
				Index:   r.Index,
				Type:    st.ErrorType,
				Message: st.Error,
			}}
		}
		data, err := ctl.GetResult(ctx, ref, st)
		if err != nil {
			return nil, fmt.Errorf("load upstream result %s: %w", ref, err)
		}
		out[i] = data
	}
	return out, nil
}

// stageArtifact downloads and unpacks an artifact once per key.
func (h *Handler) stageArtifact(ctx context.Context, bucket, key string) (string, error) {
	if dir, ok := h.staged.Load(key); ok {
		return dir.(string), nil
	}
	v, err, _ := h.staging.Do(key, func() (any, error) {
		data, err := h.store.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("get artifact %s: %w", key, err)
		}
		art, err := packager.Decode(data)
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(h.modulesDir, art.Digest)
		if err := art.Stage(dir); err != nil {
			return nil, err
		}
		h.staged.Store(key, dir)
		h.logger.Debug("staged artifact", "key", key, "dir", dir, "modules", len(art.Modules))
		return dir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// errorType names the failure class recorded in the status object: the
// Go type of a user error, or a fixed name for failures the worker raises.
func errorType(err error) string {
	var (
		pe *panicError
		ue *domain.UpstreamError
	)
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.As(err, &ue):
		return "upstream"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return fmt.Sprintf("%T", err)
	}
}

// lockedBuffer collects partition log lines from concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
