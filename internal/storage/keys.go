package storage

import (
	"fmt"
	"strings"

	"github.com/oriys/cumulus/internal/domain"
)

// Control-plane namespaces. Everything Clean removes for a backend lives
// under RuntimesPrefix/<backend>/ and JobsPrefix/<backend>/.
const (
	RuntimesPrefix = "cumulus.runtimes"
	JobsPrefix     = "cumulus.jobs"

	metaSuffix = ".meta.json"
	tmpSegment = "_tmp"
)

// RuntimesNamespace is the prefix holding every runtime record of a backend.
func RuntimesNamespace(backend string) string {
	return RuntimesPrefix + "/" + backend + "/"
}

// JobsNamespace is the prefix holding every job object of a backend.
func JobsNamespace(backend string) string {
	return JobsPrefix + "/" + backend + "/"
}

// RuntimeMetaKey is where the metadata record for k is stored.
func RuntimeMetaKey(k domain.RuntimeKey) string {
	return RuntimesPrefix + "/" + k.String() + metaSuffix
}

// RuntimeTempPrefix is the staging area for the packaged tree of k.
func RuntimeTempPrefix(k domain.RuntimeKey) string {
	_, rest, _ := strings.Cut(k.String(), "/")
	return RuntimesNamespace(k.Backend) + tmpSegment + "/" + rest + "/"
}

// runtimeKeyFromMeta recovers the RuntimeKey from a metadata object key.
func runtimeKeyFromMeta(objectKey string) (domain.RuntimeKey, bool) {
	if !strings.HasSuffix(objectKey, metaSuffix) {
		return domain.RuntimeKey{}, false
	}
	rest := strings.TrimPrefix(objectKey, RuntimesPrefix+"/")
	if strings.Contains(rest, "/"+tmpSegment+"/") {
		return domain.RuntimeKey{}, false
	}
	k, err := domain.ParseRuntimeKey(strings.TrimSuffix(rest, metaSuffix))
	if err != nil {
		return domain.RuntimeKey{}, false
	}
	return k, true
}

// PartitionRef addresses the objects of one partition.
type PartitionRef struct {
	Backend    string
	ExecutorID string
	JobID      string
	Index      int
}

// RefOf returns the partition reference for a task.
func RefOf(t domain.Task) PartitionRef {
	return PartitionRef{Backend: t.Backend, ExecutorID: t.ExecutorID, JobID: t.JobID, Index: t.Partition.Index}
}

func (r PartitionRef) String() string {
	return fmt.Sprintf("%s/%s/%d", r.ExecutorID, r.JobID, r.Index)
}

// ExecutorPrefix holds all jobs of one executor.
func ExecutorPrefix(backend, executorID string) string {
	return JobsNamespace(backend) + executorID + "/"
}

// JobPrefix holds all objects of one job.
func JobPrefix(backend, executorID, jobID string) string {
	return ExecutorPrefix(backend, executorID) + jobID + "/"
}

// ArtifactKey is where the packaged function of a job is uploaded.
func ArtifactKey(backend, executorID, jobID string) string {
	return JobPrefix(backend, executorID, jobID) + "artifact.json"
}

// Prefix holds the objects of the partition.
func (r PartitionRef) Prefix() string {
	return JobPrefix(r.Backend, r.ExecutorID, r.JobID) + fmt.Sprintf("%05d/", r.Index)
}

func (r PartitionRef) StatusKey() string { return r.Prefix() + "status.json" }
func (r PartitionRef) StartKey() string  { return r.Prefix() + "start.json" }
func (r PartitionRef) ResultKey() string { return r.Prefix() + "result.json" }
func (r PartitionRef) OutputKey() string { return r.Prefix() + "output.bin" }
func (r PartitionRef) LogKey() string    { return r.Prefix() + "log.txt" }
