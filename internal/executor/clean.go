package executor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oriys/cumulus/internal/storage"
)

// Clean deletes the control-plane objects of this executor's jobs.
func (e *Executor) Clean(ctx context.Context) error {
	prefix := storage.ExecutorPrefix(e.backend.Name(), e.id)
	n, err := e.env.Control.CleanPrefix(ctx, prefix)
	e.env.Metrics.RecordCleaned("jobs", n)
	if err != nil {
		return fmt.Errorf("clean %s: %w", prefix, err)
	}
	e.logger.Info("executor objects cleaned", "objects", n)
	return nil
}

// CleanAll tears down everything the backend configuration owns: backend
// resources, every runtime record, every job object, and the local temp
// and cache dirs. It keeps going past failures and reports them together.
func (e *Executor) CleanAll(ctx context.Context) error {
	var errs []error
	if err := e.backend.Clean(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clean backend %s: %w", e.backend.Name(), err))
	}

	n, err := e.registry.Purge(ctx)
	e.env.Metrics.RecordCleaned("runtimes", n)
	if err != nil {
		errs = append(errs, fmt.Errorf("clean runtimes: %w", err))
	}

	jobs := storage.JobsNamespace(e.backend.Name())
	n, err = e.env.Control.CleanPrefix(ctx, jobs)
	e.env.Metrics.RecordCleaned("jobs", n)
	if err != nil {
		errs = append(errs, fmt.Errorf("clean %s: %w", jobs, err))
	}

	cfg := e.env.Config.Cumulus
	for _, dir := range []string{cfg.TempDir, cfg.CacheDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("clean finished", "backend", e.backend.Name(), "errors", len(errs))
	return errors.Join(errs...)
}
