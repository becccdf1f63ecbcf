package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/oriys/cumulus/internal/domain"
)

func adapters(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewLocalFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFSStorage: %v", err)
	}
	return map[string]Storage{
		"memory":  NewMemoryStorage(),
		"localfs": fs,
	}
}

func TestPort_PutGetHead(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.PutObject(ctx, "b", "dir/obj.txt", []byte("hello world")); err != nil {
				t.Fatalf("PutObject: %v", err)
			}
			data, err := s.GetObject(ctx, "b", "dir/obj.txt")
			if err != nil {
				t.Fatalf("GetObject: %v", err)
			}
			if string(data) != "hello world" {
				t.Fatalf("unexpected data %q", data)
			}
			info, err := s.HeadObject(ctx, "b", "dir/obj.txt")
			if err != nil {
				t.Fatalf("HeadObject: %v", err)
			}
			if info.Size != 11 {
				t.Fatalf("expected size 11, got %d", info.Size)
			}
		})
	}
}

func TestPort_OverwriteReplaces(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.PutObject(ctx, "b", "k", []byte("first"))
			_ = s.PutObject(ctx, "b", "k", []byte("second"))
			data, err := s.GetObject(ctx, "b", "k")
			if err != nil {
				t.Fatalf("GetObject: %v", err)
			}
			if string(data) != "second" {
				t.Fatalf("expected last write to win, got %q", data)
			}
		})
	}
}

func TestPort_MissingIsNotFound(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetObject(ctx, "b", "missing")
			if !IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}
			if !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected errors.Is(domain.ErrNotFound), got %v", err)
			}
			if _, err := s.HeadObject(ctx, "b", "missing"); !IsNotFound(err) {
				t.Fatalf("expected head not found, got %v", err)
			}
		})
	}
}

func TestPort_RangeRead(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.PutObject(ctx, "b", "data", []byte("0123456789"))

			got, err := ReadRange(ctx, s, "b", "data", Range{Offset: 2, Length: 3})
			if err != nil {
				t.Fatalf("ReadRange: %v", err)
			}
			if string(got) != "234" {
				t.Fatalf("expected '234', got %q", got)
			}

			// past-the-end length is truncated
			got, err = ReadRange(ctx, s, "b", "data", Range{Offset: 8, Length: 10})
			if err != nil {
				t.Fatalf("ReadRange: %v", err)
			}
			if string(got) != "89" {
				t.Fatalf("expected '89', got %q", got)
			}

			rc, err := s.GetObjectStream(ctx, "b", "data", nil)
			if err != nil {
				t.Fatalf("GetObjectStream: %v", err)
			}
			all, _ := io.ReadAll(rc)
			rc.Close()
			if string(all) != "0123456789" {
				t.Fatalf("unexpected full stream %q", all)
			}
		})
	}
}

func TestPort_ListIsLexicographic(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"in/c", "in/a", "in/b/x", "in.txt", "other/z"} {
				if err := s.PutObject(ctx, "b", k, []byte(k)); err != nil {
					t.Fatalf("PutObject(%s): %v", k, err)
				}
			}
			keys, err := s.ListKeys(ctx, "b", "in/")
			if err != nil {
				t.Fatalf("ListKeys: %v", err)
			}
			want := []string{"in/a", "in/b/x", "in/c"}
			if len(keys) != len(want) {
				t.Fatalf("expected %v, got %v", want, keys)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Fatalf("expected %v, got %v", want, keys)
				}
			}

			objs, err := s.ListObjects(ctx, "b", "in")
			if err != nil {
				t.Fatalf("ListObjects: %v", err)
			}
			if len(objs) != 4 || objs[0].Key != "in.txt" {
				t.Fatalf("unexpected listing %+v", objs)
			}
		})
	}
}

func TestPort_DeleteObjects(t *testing.T) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"a/1", "a/2", "b/1"} {
				_ = s.PutObject(ctx, "b", k, []byte("x"))
			}
			if err := s.DeleteObjects(ctx, "b", []string{"a/1", "a/2", "a/never"}); err != nil {
				t.Fatalf("DeleteObjects: %v", err)
			}
			keys, _ := s.ListKeys(ctx, "b", "")
			if len(keys) != 1 || keys[0] != "b/1" {
				t.Fatalf("expected only b/1 to remain, got %v", keys)
			}
		})
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in, bucket, key string
	}{
		{"data/in/", "data", "in/"},
		{"s3://data/in/part-0", "data", "in/part-0"},
		{"data", "data", ""},
	}
	for _, tt := range tests {
		b, k, err := ParseLocation(tt.in)
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", tt.in, err)
		}
		if b != tt.bucket || k != tt.key {
			t.Errorf("ParseLocation(%q) = %q, %q; want %q, %q", tt.in, b, k, tt.bucket, tt.key)
		}
	}
	if _, _, err := ParseLocation("/"); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestStorageless_AllOperationsFail(t *testing.T) {
	s := NewStoragelessStorage()
	ctx := context.Background()
	if err := s.PutObject(ctx, "b", "k", nil); !errors.Is(err, ErrStorageless) {
		t.Fatalf("expected ErrStorageless, got %v", err)
	}
	if _, err := s.ListKeys(ctx, "b", ""); IsNotFound(err) || IsTransient(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}
