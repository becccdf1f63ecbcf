package domain

import (
	"encoding/json"
	"time"
)

// Phase distinguishes the stage a job belongs to.
type Phase string

const (
	PhaseCall   Phase = "call"
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
)

// InputKind selects which InputDescriptor fields are meaningful.
type InputKind string

const (
	InputValue  InputKind = "value"  // Value holds the inline element
	InputObject InputKind = "object" // Bucket/Key hold a whole object
	InputRange  InputKind = "range"  // Bucket/Key or URL plus Offset/Length
	InputURL    InputKind = "url"    // URL holds a whole HTTP(S) resource
	InputRefs   InputKind = "refs"   // Refs list upstream partition results
)

// ResultRef points at the result of another partition.
type ResultRef struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
}

// InputDescriptor is what a single partition consumes.
type InputDescriptor struct {
	Kind   InputKind       `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Bucket string          `json:"bucket,omitempty"`
	Key    string          `json:"key,omitempty"`
	URL    string          `json:"url,omitempty"`
	Offset int64           `json:"offset,omitempty"`
	Length int64           `json:"length,omitempty"`
	Refs   []ResultRef     `json:"refs,omitempty"`
}

// PartitionStatus tracks dispatch on the client side.
type PartitionStatus string

const (
	PartitionPending    PartitionStatus = "pending"
	PartitionDispatched PartitionStatus = "dispatched"
	PartitionFailed     PartitionStatus = "failed"
)

// Partition is one unit of parallel work.
type Partition struct {
	Index  int             `json:"index"`
	Input  InputDescriptor `json:"input"`
	Status PartitionStatus `json:"status"`
	// Source is the object key or URL a partition was cut from; empty for
	// inline values. Reducer grouping keys on it.
	Source string `json:"source,omitempty"`
}

// ExecConfig carries per-job execution knobs.
type ExecConfig struct {
	ChunkSize           int64         `json:"chunk_size,omitempty"`
	Concurrency         int           `json:"concurrency,omitempty"`
	ReducerOnePerObject bool          `json:"reducer_one_per_object,omitempty"`
	Timeout             time.Duration `json:"timeout,omitempty"`
}

// Job is a batch of partitions sharing one function and runtime.
type Job struct {
	ID          string      `json:"job_id"`
	ExecutorID  string      `json:"executor_id"`
	Backend     string      `json:"backend"`
	Phase       Phase       `json:"phase"`
	Function    string      `json:"function"`
	Runtime     RuntimeKey  `json:"runtime"`
	ArtifactKey string      `json:"artifact_key,omitempty"`
	Partitions  []Partition `json:"partitions"`
	Config      ExecConfig  `json:"config"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Task is the message a worker receives for one partition.
type Task struct {
	ExecutorID  string     `json:"executor_id"`
	JobID       string     `json:"job_id"`
	Backend     string     `json:"backend"`
	Bucket      string     `json:"bucket"`
	Phase       Phase      `json:"phase"`
	Function    string     `json:"function"`
	Runtime     RuntimeKey `json:"runtime"`
	ArtifactKey string     `json:"artifact_key,omitempty"`
	Partition   Partition  `json:"partition"`
	TimeoutS    int        `json:"timeout_s,omitempty"`
	TraceParent string     `json:"traceparent,omitempty"`
	TraceState  string     `json:"tracestate,omitempty"`
}

// NewTask builds the worker message for partition p of job.
func NewTask(job *Job, bucket string, p Partition, timeoutS int) Task {
	return Task{
		ExecutorID:  job.ExecutorID,
		JobID:       job.ID,
		Backend:     job.Backend,
		Bucket:      bucket,
		Phase:       job.Phase,
		Function:    job.Function,
		Runtime:     job.Runtime,
		ArtifactKey: job.ArtifactKey,
		Partition:   p,
		TimeoutS:    timeoutS,
	}
}

// TaskState is the terminal outcome a worker records.
type TaskState string

const (
	TaskSuccess TaskState = "success"
	TaskFailed  TaskState = "error"
)

// TaskStatus is the status object a worker writes last, after any result
// and log objects, so its presence means the partition is complete.
type TaskStatus struct {
	ExecutorID string    `json:"executor_id"`
	JobID      string    `json:"job_id"`
	Index      int       `json:"index"`
	State      TaskState `json:"state"`
	Error      string    `json:"error,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	// Inline is true when the result lives in result.json; otherwise
	// OutputKey names the larger output object.
	Inline     bool      `json:"inline"`
	OutputKey  string    `json:"output_key,omitempty"`
	HasLog     bool      `json:"has_log,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

// FutureState is the client-side lifecycle of a partition handle.
type FutureState int

const (
	FuturePending FutureState = iota
	FutureRunning
	FutureSuccess
	FutureError
	FutureTimedOut
	FutureCancelled
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureRunning:
		return "running"
	case FutureSuccess:
		return "success"
	case FutureError:
		return "error"
	case FutureTimedOut:
		return "timed_out"
	case FutureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s FutureState) Terminal() bool {
	return s >= FutureSuccess
}
