package funcs

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/oriys/cumulus/internal/storage"
)

// ObjectRef names an object a function stored for a later phase. It
// marshals as a plain result, so a map function can return one and the
// reducer receives it.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Objects stores intermediate objects under one partition's prefix, which
// the job cleaner removes with the rest of the job.
type Objects struct {
	store  storage.Storage
	bucket string
	prefix string
	n      atomic.Int64
}

func NewObjects(store storage.Storage, bucket, prefix string) *Objects {
	return &Objects{store: store, bucket: bucket, prefix: prefix}
}

// Put writes data under a fresh key and returns its reference.
func (o *Objects) Put(ctx context.Context, data []byte) (ObjectRef, error) {
	if o == nil || o.store == nil {
		return ObjectRef{}, fmt.Errorf("no object storage available")
	}
	ref := ObjectRef{Bucket: o.bucket, Key: fmt.Sprintf("%sobject-%03d", o.prefix, o.n.Add(1)-1)}
	if err := o.store.PutObject(ctx, ref.Bucket, ref.Key, data); err != nil {
		return ObjectRef{}, fmt.Errorf("put object %s: %w", ref.Key, err)
	}
	return ref, nil
}

func (o *Objects) Get(ctx context.Context, ref ObjectRef) ([]byte, error) {
	if o == nil || o.store == nil {
		return nil, fmt.Errorf("no object storage available")
	}
	return o.store.GetObject(ctx, ref.Bucket, ref.Key)
}

// Delete removes the referenced objects; refs may span buckets.
func (o *Objects) Delete(ctx context.Context, refs ...ObjectRef) error {
	if o == nil || o.store == nil {
		return fmt.Errorf("no object storage available")
	}
	byBucket := make(map[string][]string)
	for _, r := range refs {
		byBucket[r.Bucket] = append(byBucket[r.Bucket], r.Key)
	}
	for bucket, keys := range byBucket {
		if err := o.store.DeleteObjects(ctx, bucket, keys); err != nil {
			return err
		}
	}
	return nil
}
