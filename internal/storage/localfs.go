package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const tmpMarker = ".cumulus-tmp-"

// LocalFSStorage maps buckets to directories under a root and keys to
// relative file paths.
type LocalFSStorage struct {
	root string
}

// NewLocalFSStorage creates the root directory if needed.
func NewLocalFSStorage(root string) (*LocalFSStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("localfs storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalFSStorage{root: root}, nil
}

func (s *LocalFSStorage) objectPath(bucket, key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, "/") || clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	if strings.Contains(bucket, "/") || bucket == "" || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

func classifyFS(op, bucket, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(op, bucket, key)
	}
	if errors.Is(err, fs.ErrPermission) {
		return fatal(op, bucket, key, err)
	}
	return transient(op, bucket, key, err)
}

func (s *LocalFSStorage) PutObject(_ context.Context, bucket, key string, data []byte) error {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return fatal("put", bucket, key, err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return classifyFS("put", bucket, key, err)
	}
	tmp, err := os.CreateTemp(dir, tmpMarker+"*")
	if err != nil {
		return classifyFS("put", bucket, key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return classifyFS("put", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return classifyFS("put", bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return classifyFS("put", bucket, key, err)
	}
	return nil
}

func (s *LocalFSStorage) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, fatal("get", bucket, key, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, classifyFS("get", bucket, key, err)
	}
	return data, nil
}

type sectionFile struct {
	io.Reader
	f *os.File
}

func (s *sectionFile) Close() error { return s.f.Close() }

func (s *LocalFSStorage) GetObjectStream(_ context.Context, bucket, key string, rng *Range) (io.ReadCloser, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, fatal("get", bucket, key, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, classifyFS("get", bucket, key, err)
	}
	if rng == nil {
		return f, nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, classifyFS("get", bucket, key, err)
	}
	start, end := validRange(rng, info.Size())
	return &sectionFile{Reader: io.NewSectionReader(f, start, end-start), f: f}, nil
}

func (s *LocalFSStorage) HeadObject(_ context.Context, bucket, key string) (*ObjectInfo, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, fatal("head", bucket, key, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, classifyFS("head", bucket, key, err)
	}
	if info.IsDir() {
		return nil, notFound("head", bucket, key)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *LocalFSStorage) DeleteObject(_ context.Context, bucket, key string) error {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return fatal("delete", bucket, key, err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFS("delete", bucket, key, err)
	}
	s.pruneEmpty(bucket, filepath.Dir(p))
	return nil
}

// pruneEmpty removes empty parent directories up to the bucket root.
func (s *LocalFSStorage) pruneEmpty(bucket, dir string) {
	stop := filepath.Join(s.root, bucket)
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *LocalFSStorage) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	for _, k := range keys {
		if err := s.DeleteObject(ctx, bucket, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalFSStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	bucketDir := filepath.Join(s.root, bucket)
	// walk from the deepest directory fully named by the prefix
	start := bucketDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(bucketDir, filepath.FromSlash(prefix[:i]))
	}

	var out []ObjectInfo
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpMarker) {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, classifyFS("list", bucket, prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *LocalFSStorage) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objs, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return keysOf(objs), nil
}

func (s *LocalFSStorage) Close() error { return nil }
