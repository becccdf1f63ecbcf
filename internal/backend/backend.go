// Package backend defines the Compute Backend contract. Implementations
// run partitions in-process (localhost), on provisioned machines over gRPC
// (standalone) or as function-service invocations (serverless).
package backend

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/cumulus/internal/domain"
)

// Backend manages runtimes and dispatches partitions on one substrate.
type Backend interface {
	// Name identifies the backend in runtime keys and storage namespaces.
	Name() string

	// Mode reports which substrate the backend runs on.
	Mode() domain.Mode

	// CreateRuntime makes sure the runtime exists and reports its
	// metadata. Identical inputs are idempotent.
	CreateRuntime(ctx context.Context, name string, memoryMB, timeoutS int) (*domain.RuntimeMetadata, error)

	// BuildRuntime assembles the runtime from a descriptor.
	BuildRuntime(ctx context.Context, name string, d domain.BuildDescriptor) error

	// Invoke dispatches tasks for asynchronous execution and returns one
	// acknowledgment per task, in task order. It does not wait for the
	// partitions to run.
	Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []Dispatch

	// ListRuntimes returns the runtimes whose name contains filter; an
	// empty filter lists everything.
	ListRuntimes(ctx context.Context, filter string) ([]domain.RuntimeInfo, error)

	DeleteRuntime(ctx context.Context, name string, memoryMB int) error

	// Clean tears down every backend-owned resource of this configuration.
	Clean(ctx context.Context) error

	Close() error
}

// Killer is implemented by backends that can stop dispatched work.
type Killer interface {
	Kill(ctx context.Context, executorID string) error
}

// Dispatch acknowledges one task. Err is an *domain.InvocationError when
// the backend rejected it.
type Dispatch struct {
	Index int
	Err   error
}

// Send hands a single task to the substrate.
type Send func(ctx context.Context, task domain.Task) error

// FanOut sends tasks with at most limit calls in flight. A failed send is
// recorded on its own Dispatch and never cancels its siblings.
func FanOut(ctx context.Context, tasks []domain.Task, limit int, send Send) []Dispatch {
	out := make([]Dispatch, len(tasks))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, t := range tasks {
		out[i].Index = t.Partition.Index
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = &domain.InvocationError{JobID: t.JobID, Index: t.Partition.Index, Err: err}
				return nil
			}
			if err := send(ctx, t); err != nil {
				out[i].Err = &domain.InvocationError{JobID: t.JobID, Index: t.Partition.Index, Err: err}
			}
			return nil
		})
	}
	g.Wait()
	return out
}

// Failed returns the rejected dispatches.
func Failed(ds []Dispatch) []Dispatch {
	var out []Dispatch
	for _, d := range ds {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

// ErrUnsupported is returned for operations a backend does not offer.
var ErrUnsupported = errors.New("operation not supported by backend")
