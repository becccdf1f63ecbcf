package future

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/metrics"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/queue"
	"github.com/oriys/cumulus/internal/storage"
)

// ReturnWhen selects when Wait returns.
type ReturnWhen int

const (
	// AllCompleted waits for every future.
	AllCompleted ReturnWhen = iota
	// AnyCompleted returns once at least one future is terminal.
	AnyCompleted
	// Always checks every future once and returns.
	Always
)

const defaultPollers = 64

// Store resolves futures by polling the control plane.
type Store struct {
	ctl      *storage.Internal
	notifier queue.Notifier
	logs     *logging.JobLogs
	metrics  *metrics.Metrics
	logger   *slog.Logger
	poll     config.PollConfig
	pollers  int
}

type Option func(*Store)

// WithNotifier wakes pollers as soon as a worker signals a commit.
func WithNotifier(n queue.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithJobLogs appends partition logs to the local job log on arrival.
func WithJobLogs(l *logging.JobLogs) Option {
	return func(s *Store) { s.logs = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPollers bounds how many futures are polled at once.
func WithPollers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pollers = n
		}
	}
}

func NewStore(ctl *storage.Internal, poll config.PollConfig, opts ...Option) *Store {
	s := &Store{
		ctl:      ctl,
		notifier: queue.NewNoopNotifier(),
		logger:   logging.Discard(),
		poll:     poll,
		pollers:  defaultPollers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.poll.InitialInterval > 0 {
		b.InitialInterval = s.poll.InitialInterval
	}
	if s.poll.MaxInterval > 0 {
		b.MaxInterval = s.poll.MaxInterval
	}
	if s.poll.Multiplier > 1 {
		b.Multiplier = s.poll.Multiplier
	}
	b.Reset()
	return b
}

// Poll checks f until it is terminal, the deadline passes or ctx ends. A
// missing status object means the partition is still pending; transient
// storage failures are retried; anything else fails the future. Passing
// the deadline times the future out. A zero deadline waits indefinitely.
// Poll only returns an error when ctx ends first.
func (s *Store) Poll(ctx context.Context, f *Future, deadline time.Time) error {
	if f.State().Terminal() {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake := s.notifier.Subscribe(ctx, queue.JobTopic(f.ExecutorID, f.JobID))

	started := time.Now()
	defer func() {
		if st := f.State(); st.Terminal() {
			s.metrics.ObservePollWait(st.String(), time.Since(started))
		}
	}()
	b := s.newBackOff()
	for {
		if s.check(ctx, f) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				s.finish(f, domain.FutureTimedOut, nil, nil, &domain.TimeoutError{
					JobID:   f.JobID,
					Index:   f.Index,
					Timeout: time.Since(started).Round(time.Millisecond),
				})
				return nil
			}
			wait = min(wait, left)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-f.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
			b.Reset()
		case <-timer.C:
		}
	}
}

// check reads the partition's control-plane objects once and reports
// whether f is now terminal.
func (s *Store) check(ctx context.Context, f *Future) bool {
	if f.State().Terminal() {
		return true
	}
	ref := f.Ref()
	st, err := s.ctl.GetStatus(ctx, ref)
	switch {
	case err == nil:
		return s.complete(ctx, f, st)
	case storage.IsNotFound(err):
		s.metrics.RecordPoll("pending")
		if f.State() == domain.FuturePending {
			if ok, serr := s.ctl.Started(ctx, ref); serr == nil && ok && f.markRunning() {
				s.logger.Debug("partition running", "future", f.String())
			}
		}
		return false
	case storage.IsTransient(err) || ctx.Err() != nil:
		s.metrics.RecordPoll("transient")
		s.logger.Debug("status poll failed, retrying", "future", f.String(), "error", err)
		return false
	default:
		s.metrics.RecordPoll("fatal")
		s.finish(f, domain.FutureError, nil, nil, fmt.Errorf("poll %s: %w", ref, err))
		return true
	}
}

func (s *Store) complete(ctx context.Context, f *Future, st *domain.TaskStatus) bool {
	s.metrics.RecordPoll("done")
	if f.State().Terminal() {
		return true
	}
	ref := f.Ref()
	if st.State == domain.TaskFailed {
		s.appendLog(ctx, f, st)
		s.finish(f, domain.FutureError, nil, st, &domain.TaskError{
			JobID:   f.JobID,
			Index:   f.Index,
			Type:    st.ErrorType,
			Message: st.Error,
		})
		return true
	}
	result, err := s.ctl.GetResult(ctx, ref, st)
	if err != nil {
		if storage.IsTransient(err) {
			s.logger.Debug("result fetch failed, retrying", "future", f.String(), "error", err)
			return false
		}
		s.finish(f, domain.FutureError, nil, st, fmt.Errorf("fetch result of %s: %w", ref, err))
		return true
	}
	s.appendLog(ctx, f, st)
	s.finish(f, domain.FutureSuccess, result, st, nil)
	return true
}

func (s *Store) appendLog(ctx context.Context, f *Future, st *domain.TaskStatus) {
	if s.logs == nil || !st.HasLog {
		return
	}
	data, err := s.ctl.Storage.GetObject(ctx, s.ctl.Bucket, f.Ref().LogKey())
	if err != nil {
		s.logger.Warn("fetch partition log", "future", f.String(), "error", err)
		return
	}
	if err := s.logs.Append(logging.JobKey(f.ExecutorID, f.JobID), f.Index, string(data)); err != nil {
		s.logger.Warn("append partition log", "future", f.String(), "error", err)
	}
}

func (s *Store) finish(f *Future, state domain.FutureState, result json.RawMessage, st *domain.TaskStatus, err error) {
	if !f.transition(state, result, st, err) {
		return
	}
	s.metrics.RecordFuture(state.String())
	if err != nil {
		s.logger.Info("partition finished", "future", f.String(), "state", state.String(),
			"kind", domain.ErrorKind(err), "error", err)
		return
	}
	s.logger.Debug("partition finished", "future", f.String(), "state", state.String())
}

// Wait polls fs concurrently and returns the terminal and non-terminal
// futures, each in input order.
func (s *Store) Wait(ctx context.Context, fs []*Future, when ReturnWhen, deadline time.Time) (done, pending []*Future, err error) {
	ctx, span := observability.StartSpan(ctx, "future.wait",
		observability.AttrPartitions.Int(len(fs)))
	defer func() { observability.EndSpan(span, err) }()

	switch when {
	case Always:
		for _, f := range fs {
			s.check(ctx, f)
		}
	case AnyCompleted:
		err = s.waitAny(ctx, fs, deadline)
	default:
		err = s.waitAll(ctx, fs, deadline)
	}
	for _, f := range fs {
		if f.State().Terminal() {
			done = append(done, f)
		} else {
			pending = append(pending, f)
		}
	}
	return done, pending, err
}

func (s *Store) waitAll(ctx context.Context, fs []*Future, deadline time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pollers)
	for _, f := range fs {
		if f.State().Terminal() {
			continue
		}
		g.Go(func() error { return s.Poll(gctx, f, deadline) })
	}
	return g.Wait()
}

func (s *Store) waitAny(ctx context.Context, fs []*Future, deadline time.Time) error {
	for _, f := range fs {
		if f.State().Terminal() {
			return nil
		}
	}
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(s.pollers)
	for _, f := range fs {
		g.Go(func() error {
			if s.Poll(pollCtx, f, deadline) == nil {
				cancel()
			}
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

// GetResult waits for every future and returns their results in input
// order. When any future did not succeed, the results of the successful
// ones are still returned together with a JobError naming the first
// failure.
func (s *Store) GetResult(ctx context.Context, fs []*Future, deadline time.Time) ([]json.RawMessage, error) {
	if _, _, err := s.Wait(ctx, fs, AllCompleted, deadline); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(fs))
	var jerr *JobError
	for i, f := range fs {
		f.MarkConsumed()
		res, err := f.Result()
		if err != nil {
			if jerr == nil {
				jerr = &JobError{JobID: f.JobID, Index: f.Index, Total: len(fs), Err: err}
			}
			jerr.Failed++
			continue
		}
		out[i] = res
	}
	if jerr != nil {
		return out, jerr
	}
	return out, nil
}

// Unconsumed filters the futures GetResult has not returned yet.
func Unconsumed(fs []*Future) []*Future {
	var out []*Future
	for _, f := range fs {
		f.mu.Lock()
		c := f.consumed
		f.mu.Unlock()
		if !c {
			out = append(out, f)
		}
	}
	return out
}

// Cancel marks every non-terminal future cancelled and returns how many
// changed.
func (s *Store) Cancel(fs []*Future) int {
	n := 0
	for _, f := range fs {
		if f.Cancel() {
			s.metrics.RecordFuture(domain.FutureCancelled.String())
			n++
		}
	}
	return n
}

// JobError aggregates the failures of a GetResult call. It unwraps to the
// first failing partition's error.
type JobError struct {
	JobID  string
	Index  int
	Failed int
	Total  int
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%d of %d partitions failed; first %s/%d (%s): %v",
		e.Failed, e.Total, e.JobID, e.Index, domain.ErrorKind(e.Err), e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
