package storage

import (
	"context"
	"errors"
	"io"
)

// ErrStorageless is returned by every StoragelessStorage operation.
var ErrStorageless = errors.New("storage is not available in storageless mode")

// StoragelessStorage fulfils the port for deployments with no object store.
// Every operation fails fatally, so nothing depending on storage can run.
type StoragelessStorage struct{}

func NewStoragelessStorage() *StoragelessStorage { return &StoragelessStorage{} }

func (StoragelessStorage) PutObject(_ context.Context, bucket, key string, _ []byte) error {
	return fatal("put", bucket, key, ErrStorageless)
}

func (StoragelessStorage) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	return nil, fatal("get", bucket, key, ErrStorageless)
}

func (StoragelessStorage) GetObjectStream(_ context.Context, bucket, key string, _ *Range) (io.ReadCloser, error) {
	return nil, fatal("get", bucket, key, ErrStorageless)
}

func (StoragelessStorage) HeadObject(_ context.Context, bucket, key string) (*ObjectInfo, error) {
	return nil, fatal("head", bucket, key, ErrStorageless)
}

func (StoragelessStorage) DeleteObject(_ context.Context, bucket, key string) error {
	return fatal("delete", bucket, key, ErrStorageless)
}

func (StoragelessStorage) DeleteObjects(_ context.Context, bucket string, _ []string) error {
	return fatal("delete", bucket, "", ErrStorageless)
}

func (StoragelessStorage) ListObjects(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	return nil, fatal("list", bucket, prefix, ErrStorageless)
}

func (StoragelessStorage) ListKeys(_ context.Context, bucket, prefix string) ([]string, error) {
	return nil, fatal("list", bucket, prefix, ErrStorageless)
}

func (StoragelessStorage) Close() error { return nil }
