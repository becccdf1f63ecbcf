// Package future tracks the remote outcome of partitions through the
// control-plane objects their workers write.
package future

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/storage"
)

// Future is the local handle of one partition. Its state only moves
// forward: once terminal it never changes again.
type Future struct {
	ExecutorID string
	JobID      string
	Index      int
	Phase      domain.Phase
	Function   string

	ref storage.PartitionRef

	mu       sync.Mutex
	state    domain.FutureState
	result   json.RawMessage
	err      error
	status   *domain.TaskStatus
	consumed bool
	done     chan struct{}
}

// New returns a pending future for partition index of job.
func New(job *domain.Job, index int) *Future {
	return &Future{
		ExecutorID: job.ExecutorID,
		JobID:      job.ID,
		Index:      index,
		Phase:      job.Phase,
		Function:   job.Function,
		ref: storage.PartitionRef{
			Backend:    job.Backend,
			ExecutorID: job.ExecutorID,
			JobID:      job.ID,
			Index:      index,
		},
		done: make(chan struct{}),
	}
}

// ForJob returns one future per partition of job, in index order.
func ForJob(job *domain.Job) []*Future {
	out := make([]*Future, len(job.Partitions))
	for i := range job.Partitions {
		out[i] = New(job, i)
	}
	return out
}

// Ref is the control-plane location of the partition.
func (f *Future) Ref() storage.PartitionRef { return f.ref }

func (f *Future) String() string {
	return fmt.Sprintf("%s/%s/%d", f.ExecutorID, f.JobID, f.Index)
}

func (f *Future) State() domain.FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed when the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the raw JSON result of a successful partition, or the
// error that ended it. It returns an error while the future is not yet
// terminal.
func (f *Future) Result() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Terminal() {
		return nil, fmt.Errorf("future %s is %s", f, f.state)
	}
	return f.result, f.err
}

// Decode unmarshals the result into v.
func (f *Future) Decode(v any) error {
	raw, err := f.Result()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Err is the classified error of a failed, timed out or cancelled future.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Status is the status object the worker wrote, if any was observed.
func (f *Future) Status() *domain.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Cancel marks a non-terminal future cancelled. Remote work is not
// stopped; a result arriving later is discarded.
func (f *Future) Cancel() bool {
	return f.transition(domain.FutureCancelled, nil, nil, fmt.Errorf("future %s: %w", f, domain.ErrCancelled))
}

// Fail ends the future with err, typically an InvocationError or an
// UpstreamError decided before the partition ever ran.
func (f *Future) Fail(err error) bool {
	return f.transition(domain.FutureError, nil, nil, err)
}

func (f *Future) markRunning() bool {
	return f.transition(domain.FutureRunning, nil, nil, nil)
}

func (f *Future) transition(to domain.FutureState, result json.RawMessage, st *domain.TaskStatus, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() || to <= f.state {
		return false
	}
	f.state = to
	if st != nil {
		f.status = st
	}
	if to.Terminal() {
		f.result = result
		f.err = err
		close(f.done)
	}
	return true
}

// MarkConsumed excludes f from later default result collection, as for
// the intermediate map futures of a map-reduce.
func (f *Future) MarkConsumed() {
	f.mu.Lock()
	f.consumed = true
	f.mu.Unlock()
}
