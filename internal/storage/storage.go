// Package storage defines the Storage Port: the narrow object-store contract
// every other component uses for runtime metadata, job artifacts, partition
// status, results and logs. Adapters exist for memory, the local
// filesystem, Redis, S3-compatible stores and Postgres.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oriys/cumulus/internal/domain"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Range selects Length bytes starting at Offset.
type Range struct {
	Offset int64
	Length int64
}

// Storage is the object-store contract. Listings are lexicographically
// ordered by key. Writes replace the object atomically from a reader's
// point of view.
type Storage interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	// GetObjectStream returns a reader over the object, or over rng of it
	// when rng is non-nil.
	GetObjectStream(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, error)
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	Close() error
}

// ErrorKind classifies storage failures for the Future Store: NotFound is
// "still pending", Transient is retried and Fatal surfaces.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindTransient
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error is the StorageError every adapter returns.
type Error struct {
	Kind   ErrorKind
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage %s %s/%s: %s", e.Op, e.Bucket, e.Key, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, domain.ErrNotFound) match missing objects.
func (e *Error) Is(target error) bool {
	return target == domain.ErrNotFound && e.Kind == KindNotFound
}

func notFound(op, bucket, key string) error {
	return &Error{Kind: KindNotFound, Op: op, Bucket: bucket, Key: key}
}

func transient(op, bucket, key string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Bucket: bucket, Key: key, Err: err}
}

func fatal(op, bucket, key string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Bucket: bucket, Key: key, Err: err}
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ParseLocation splits "bucket/key/prefix" into bucket and key. A leading
// scheme such as "s3://" is ignored.
func ParseLocation(loc string) (bucket, key string, err error) {
	if i := strings.Index(loc, "://"); i >= 0 {
		loc = loc[i+3:]
	}
	loc = strings.TrimPrefix(loc, "/")
	bucket, key, _ = strings.Cut(loc, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid storage location %q: missing bucket", loc)
	}
	return bucket, key, nil
}

// ReadRange reads rng of the object fully.
func ReadRange(ctx context.Context, s Storage, bucket, key string, rng Range) ([]byte, error) {
	rc, err := s.GetObjectStream(ctx, bucket, key, &rng)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, transient("get", bucket, key, err)
	}
	return data, nil
}

func validRange(rng *Range, size int64) (int64, int64) {
	if rng == nil {
		return 0, size
	}
	start := rng.Offset
	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}
	end := start + rng.Length
	if rng.Length < 0 || end > size {
		end = size
	}
	return start, end
}
