package executor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/backend/localhost"
	"github.com/oriys/cumulus/internal/backend/serverless"
	"github.com/oriys/cumulus/internal/backend/standalone"
	"github.com/oriys/cumulus/internal/circuitbreaker"
	"github.com/oriys/cumulus/internal/docker"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/worker"
)

// WorkerHandler builds the task handler a worker process (or the
// localhost pool) runs table's functions with.
func WorkerHandler(e *env.Env, table *funcs.Table, workerID string) *worker.Handler {
	opts := []worker.Option{
		worker.WithNotifier(e.Notifier),
		worker.WithMetrics(e.Metrics),
		worker.WithLogger(e.Logger),
		worker.WithInlineResultLimit(e.Config.Cumulus.InlineResultLimit),
		worker.WithModulesDir(filepath.Join(e.Config.Cumulus.TempDir, "modules")),
	}
	if workerID != "" {
		opts = append(opts, worker.WithWorkerID(workerID))
	}
	return worker.NewHandler(table, e.Storage, opts...)
}

// OpenBackend builds the compute backend of the configured mode. The
// localhost backend runs table's functions in this process.
func OpenBackend(ctx context.Context, e *env.Env, table *funcs.Table) (backend.Backend, error) {
	cfg := e.Config
	var builder *docker.Builder
	if docker.Available() {
		builder = docker.NewBuilder(docker.ExecRunner{}, e.Logger)
	}

	switch cfg.Mode() {
	case domain.ModeLocalhost:
		return localhost.New(localhost.Config{
			Workers:     cfg.Localhost.Workers,
			RuntimesDir: cfg.Localhost.RuntimesDir,
		}, WorkerHandler(e, table, localhost.Name), e.Logger)
	case domain.ModeStandalone:
		breakers := circuitbreaker.NewRegistry(circuitbreaker.FromConfig(cfg.Standalone.Breaker), e.Metrics)
		return standalone.New(ctx, standalone.Config{
			Name:        cfg.Standalone.Backend,
			Agents:      cfg.Standalone.Agents,
			Registry:    cfg.Standalone.Registry,
			DialTimeout: cfg.Standalone.DialTimeout,
		}, standalone.StaticProvisioner{Addrs: cfg.Standalone.Agents}, builder, breakers, e.Logger)
	case domain.ModeServerless:
		breakers := circuitbreaker.NewRegistry(circuitbreaker.FromConfig(cfg.Serverless.Breaker), e.Metrics)
		return serverless.New(serverless.Config{
			Name:           cfg.Serverless.Backend,
			Endpoint:       cfg.Serverless.Endpoint,
			APIKey:         cfg.Serverless.APIKey,
			Registry:       cfg.Serverless.Registry,
			RequestTimeout: cfg.Serverless.RequestTimeout,
		}, builder, breakers, e.Logger)
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Cumulus.Mode)
	}
}
