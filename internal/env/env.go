// Package env carries the shared dependencies of one orchestrator
// instance. Nothing in it is global: every component receives the Env (or
// the parts it needs) explicitly.
package env

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/oriys/cumulus/internal/cache"
	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/metrics"
	"github.com/oriys/cumulus/internal/queue"
	"github.com/oriys/cumulus/internal/storage"
)

type Env struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Storage  storage.Storage
	Control  *storage.Internal
	Notifier queue.Notifier
	Logs     *logging.JobLogs
	Cache    *cache.RuntimeCache

	stop context.CancelFunc
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	console io.Writer
	storage storage.Storage
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConsole mirrors partition logs to w as they arrive.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithStorage uses s instead of opening the configured adapter.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.storage = s }
}

// New opens everything cfg describes. Close releases it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Env, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Env{Config: cfg, Logger: o.logger}
	if e.Logger == nil {
		e.Logger = logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	}
	e.Metrics = metrics.New(cfg.Metrics.Namespace)

	e.Storage = o.storage
	if e.Storage == nil {
		s, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		e.Storage = s
	}
	e.Control = storage.NewInternal(e.Storage, cfg.Cumulus.Bucket)

	n, err := queue.Open(cfg.Notify)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open notifier: %w", err)
	}
	e.Notifier = n

	logs, err := logging.NewJobLogs(cfg.Cumulus.LogsDir, o.console)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Logs = logs

	e.Cache = cache.Open(cfg.Cache)
	cacheCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	e.stop = stop
	go e.Cache.Start(cacheCtx)

	e.Logger.Debug("environment ready",
		"mode", cfg.Cumulus.Mode,
		"storage", cfg.Storage.Backend,
		"notify", cfg.Notify.Backend,
		"bucket", cfg.Cumulus.Bucket)
	return e, nil
}

// Close releases every opened dependency.
func (e *Env) Close() error {
	if e.stop != nil {
		e.stop()
	}
	var errs []error
	if e.Cache != nil {
		errs = append(errs, e.Cache.Close())
	}
	if e.Notifier != nil {
		errs = append(errs, e.Notifier.Close())
	}
	if e.Storage != nil {
		errs = append(errs, e.Storage.Close())
	}
	return errors.Join(errs...)
}
