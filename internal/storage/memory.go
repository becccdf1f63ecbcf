package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps objects in process memory. It backs tests and the
// localhost mode when nothing needs to outlive the process.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
}

type memObject struct {
	data     []byte
	modified time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]map[string]memObject)}
}

func (m *MemoryStorage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return transient("put", bucket, key, err)
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucket] = b
	}
	b[key] = memObject{data: cp, modified: time.Now()}
	return nil
}

func (m *MemoryStorage) get(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	return obj.data, ok
}

func (m *MemoryStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("get", bucket, key, err)
	}
	data, ok := m.get(bucket, key)
	if !ok {
		return nil, notFound("get", bucket, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryStorage) GetObjectStream(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, error) {
	data, err := m.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	start, end := validRange(rng, int64(len(data)))
	return io.NopCloser(bytes.NewReader(data[start:end])), nil
}

func (m *MemoryStorage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, notFound("head", bucket, key)
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified}, nil
}

func (m *MemoryStorage) DeleteObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MemoryStorage) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	for _, k := range keys {
		if err := m.DeleteObject(ctx, bucket, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStorage) ListObjects(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for k, obj := range m.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStorage) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objs, err := m.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return keysOf(objs), nil
}

func (m *MemoryStorage) Close() error { return nil }

func keysOf(objs []ObjectInfo) []string {
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return keys
}
