package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/cumulus/internal/domain"
)

// deleteBatch bounds keys per DeleteObjects call during cleanup
const deleteBatch = 500

// Internal reads and writes the control-plane objects in one bucket.
type Internal struct {
	Storage Storage
	Bucket  string
}

func NewInternal(s Storage, bucket string) *Internal {
	return &Internal{Storage: s, Bucket: bucket}
}

func (i *Internal) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return i.Storage.PutObject(ctx, i.Bucket, key, data)
}

func (i *Internal) GetJSON(ctx context.Context, key string, v any) error {
	data, err := i.Storage.GetObject(ctx, i.Bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fatal("decode", i.Bucket, key, err)
	}
	return nil
}

func (i *Internal) PutRuntimeMeta(ctx context.Context, k domain.RuntimeKey, meta *domain.RuntimeMetadata) error {
	return i.PutJSON(ctx, RuntimeMetaKey(k), meta)
}

// GetRuntimeMeta returns an error matching domain.ErrNotFound when no record
// exists for k.
func (i *Internal) GetRuntimeMeta(ctx context.Context, k domain.RuntimeKey) (*domain.RuntimeMetadata, error) {
	var meta domain.RuntimeMetadata
	if err := i.GetJSON(ctx, RuntimeMetaKey(k), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (i *Internal) DeleteRuntimeMeta(ctx context.Context, k domain.RuntimeKey) error {
	return i.Storage.DeleteObject(ctx, i.Bucket, RuntimeMetaKey(k))
}

// ListRuntimeKeys returns the keys of all runtime records for a backend.
func (i *Internal) ListRuntimeKeys(ctx context.Context, backend string) ([]domain.RuntimeKey, error) {
	objs, err := i.Storage.ListKeys(ctx, i.Bucket, RuntimesNamespace(backend))
	if err != nil {
		return nil, err
	}
	var out []domain.RuntimeKey
	for _, o := range objs {
		if k, ok := runtimeKeyFromMeta(o); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (i *Internal) PutStatus(ctx context.Context, ref PartitionRef, st *domain.TaskStatus) error {
	return i.PutJSON(ctx, ref.StatusKey(), st)
}

func (i *Internal) GetStatus(ctx context.Context, ref PartitionRef) (*domain.TaskStatus, error) {
	var st domain.TaskStatus
	if err := i.GetJSON(ctx, ref.StatusKey(), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// MarkStarted records that a worker picked up the partition.
func (i *Internal) MarkStarted(ctx context.Context, ref PartitionRef, worker string) error {
	return i.PutJSON(ctx, ref.StartKey(), map[string]string{"worker": worker})
}

// Started reports whether a worker has picked up the partition.
func (i *Internal) Started(ctx context.Context, ref PartitionRef) (bool, error) {
	_, err := i.Storage.HeadObject(ctx, i.Bucket, ref.StartKey())
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetResult loads the result a completed status points at.
func (i *Internal) GetResult(ctx context.Context, ref PartitionRef, st *domain.TaskStatus) (json.RawMessage, error) {
	key := ref.ResultKey()
	if !st.Inline {
		key = st.OutputKey
		if key == "" {
			key = ref.OutputKey()
		}
	}
	data, err := i.Storage.GetObject(ctx, i.Bucket, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// CleanPrefix deletes every object under prefix and returns how many were
// removed.
func (i *Internal) CleanPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := i.Storage.ListKeys(ctx, i.Bucket, prefix)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		if err := i.Storage.DeleteObjects(ctx, i.Bucket, keys[start:end]); err != nil {
			return start, err
		}
	}
	return len(keys), nil
}
