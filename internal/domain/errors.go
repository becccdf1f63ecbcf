package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks a missing registry record or object.
var ErrNotFound = errors.New("not found")

// ErrCancelled ends a future cancelled by its owner.
var ErrCancelled = errors.New("cancelled")

// PackagingError reports a dependency that cannot be resolved or staged.
type PackagingError struct {
	Module string
	Path   string
	Reason string
}

func (e *PackagingError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("packaging %s: %s (%s)", e.Module, e.Reason, e.Path)
	}
	return fmt.Sprintf("packaging %s: %s", e.Module, e.Reason)
}

// BuildError reports a failed runtime build or create. No registry entry is
// written for the runtime when it is returned.
type BuildError struct {
	Runtime string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build runtime %s: %v", e.Runtime, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// InvocationError reports that the backend rejected dispatch of one
// partition. Sibling partitions are unaffected.
type InvocationError struct {
	JobID string
	Index int
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s/%d: %v", e.JobID, e.Index, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// TimeoutError reports a partition that did not reach a terminal state
// before its deadline.
type TimeoutError struct {
	JobID   string
	Index   int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("partition %s/%d timed out after %s", e.JobID, e.Index, e.Timeout)
}

// TaskError carries an error raised by the user function on the worker.
type TaskError struct {
	JobID   string
	Index   int
	Type    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("partition %s/%d: %s: %s", e.JobID, e.Index, e.Type, e.Message)
	}
	return fmt.Sprintf("partition %s/%d: %s", e.JobID, e.Index, e.Message)
}

// UpstreamError fails a reduce partition whose map inputs did not succeed.
type UpstreamError struct {
	JobID string
	Index int
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s/%d failed: %v", e.JobID, e.Index, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ErrorKind names the error class for logs, metrics and aggregate reports.
// An upstream failure is reported as such even though it wraps the
// failure it inherited.
func ErrorKind(err error) string {
	var (
		pe *PackagingError
		be *BuildError
		ie *InvocationError
		te *TimeoutError
		ke *TaskError
		ue *UpstreamError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return "upstream"
	case errors.As(err, &pe):
		return "packaging"
	case errors.As(err, &be):
		return "build"
	case errors.As(err, &ie):
		return "invocation"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ke):
		return "function"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
