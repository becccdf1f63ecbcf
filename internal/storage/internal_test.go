package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/oriys/cumulus/internal/domain"
)

func TestRuntimeMetaKey_Layout(t *testing.T) {
	k := domain.NewRuntimeKey("localhost", "team/base:1.0", 256)
	got := RuntimeMetaKey(k)
	want := "cumulus.runtimes/localhost/team%2Fbase:1.0/256MB.meta.json"
	if got != want {
		t.Fatalf("RuntimeMetaKey = %q, want %q", got, want)
	}
	if !strings.HasPrefix(RuntimeTempPrefix(k), RuntimesNamespace("localhost")) {
		t.Fatalf("temp prefix %q must live in the runtime namespace", RuntimeTempPrefix(k))
	}
}

func TestPartitionRef_Keys(t *testing.T) {
	ref := PartitionRef{Backend: "localhost", ExecutorID: "e1", JobID: "M000", Index: 7}
	if got := ref.StatusKey(); got != "cumulus.jobs/localhost/e1/M000/00007/status.json" {
		t.Fatalf("unexpected status key %q", got)
	}
	if !strings.HasPrefix(ref.LogKey(), JobsNamespace("localhost")) {
		t.Fatalf("log key %q must live in the job namespace", ref.LogKey())
	}
}

func TestInternal_RuntimeMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	in := NewInternal(NewMemoryStorage(), "cumulus")

	k := domain.NewRuntimeKey("localhost", "default", 512)
	if _, err := in.GetRuntimeMeta(ctx, k); !IsNotFound(err) {
		t.Fatalf("expected not found before put, got %v", err)
	}

	meta := &domain.RuntimeMetadata{MemoryMB: 512, TimeoutS: 60}
	if err := in.PutRuntimeMeta(ctx, k, meta); err != nil {
		t.Fatalf("PutRuntimeMeta: %v", err)
	}
	got, err := in.GetRuntimeMeta(ctx, k)
	if err != nil {
		t.Fatalf("GetRuntimeMeta: %v", err)
	}
	if got.MemoryMB != 512 {
		t.Fatalf("unexpected meta %+v", got)
	}

	// temp staging objects are not runtime records
	_ = in.Storage.PutObject(ctx, in.Bucket, RuntimeTempPrefix(k)+"modules/main.go", []byte("package main"))
	keys, err := in.ListRuntimeKeys(ctx, "localhost")
	if err != nil {
		t.Fatalf("ListRuntimeKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != k {
		t.Fatalf("expected [%v], got %v", k, keys)
	}
}

func TestInternal_ResultInlineAndOutput(t *testing.T) {
	ctx := context.Background()
	in := NewInternal(NewMemoryStorage(), "cumulus")
	ref := PartitionRef{Backend: "localhost", ExecutorID: "e", JobID: "M000", Index: 0}

	_ = in.Storage.PutObject(ctx, in.Bucket, ref.ResultKey(), []byte(`42`))
	got, err := in.GetResult(ctx, ref, &domain.TaskStatus{Inline: true})
	if err != nil || string(got) != "42" {
		t.Fatalf("inline result: %s, %v", got, err)
	}

	_ = in.Storage.PutObject(ctx, in.Bucket, ref.OutputKey(), []byte(`"big"`))
	got, err = in.GetResult(ctx, ref, &domain.TaskStatus{OutputKey: ref.OutputKey()})
	if err != nil || string(got) != `"big"` {
		t.Fatalf("output result: %s, %v", got, err)
	}
}

func TestInternal_CleanPrefix(t *testing.T) {
	ctx := context.Background()
	in := NewInternal(NewMemoryStorage(), "cumulus")
	for i := 0; i < 3; i++ {
		ref := PartitionRef{Backend: "localhost", ExecutorID: "e", JobID: "M000", Index: i}
		_ = in.PutStatus(ctx, ref, &domain.TaskStatus{Index: i, State: domain.TaskSuccess})
	}
	_ = in.Storage.PutObject(ctx, in.Bucket, "user/data", []byte("keep"))

	n, err := in.CleanPrefix(ctx, JobsNamespace("localhost"))
	if err != nil {
		t.Fatalf("CleanPrefix: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deletions, got %d", n)
	}
	if _, err := in.Storage.GetObject(ctx, in.Bucket, "user/data"); err != nil {
		t.Fatalf("objects outside the prefix must survive: %v", err)
	}
}
