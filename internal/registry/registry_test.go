package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/cache"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/pkg/crypto"
	"github.com/oriys/cumulus/internal/storage"
)

type fakeBackend struct {
	mu       sync.Mutex
	builds   []string
	creates  []string
	deleted  []string
	contexts []string
	buildErr error
}

func (f *fakeBackend) Name() string      { return "fake" }
func (f *fakeBackend) Mode() domain.Mode { return domain.ModeLocalhost }

func (f *fakeBackend) CreateRuntime(ctx context.Context, name string, memoryMB, timeoutS int) (*domain.RuntimeMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, name)
	return &domain.RuntimeMetadata{
		Preinstalls: []domain.Preinstall{{Module: "std"}},
		MemoryMB:    memoryMB,
		TimeoutS:    timeoutS,
		Image:       "img/" + name,
	}, nil
}

func (f *fakeBackend) BuildRuntime(ctx context.Context, name string, d domain.BuildDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return f.buildErr
	}
	f.builds = append(f.builds, name)
	f.contexts = append(f.contexts, d.ContextDir)
	return nil
}

func (f *fakeBackend) Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch {
	return nil
}

func (f *fakeBackend) ListRuntimes(ctx context.Context, filter string) ([]domain.RuntimeInfo, error) {
	return []domain.RuntimeInfo{{Name: "img/base:1", MemoryMB: 256}}, nil
}

func (f *fakeBackend) DeleteRuntime(ctx context.Context, name string, memoryMB int) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeBackend) Clean(ctx context.Context) error { return nil }
func (f *fakeBackend) Close() error                    { return nil }

func newRegistry(t *testing.T) (*Registry, *fakeBackend, *storage.MemoryStorage) {
	t.Helper()
	be := &fakeBackend{}
	mem := storage.NewMemoryStorage()
	rc := cache.NewRuntimeCache(cache.NewInMemoryCache(64), 0)
	t.Cleanup(func() { rc.Close() })
	return New(be, storage.NewInternal(mem, "cumulus"), rc, nil, nil, t.TempDir()), be, mem
}

func artifact(function string, src []byte) *packager.Artifact {
	return &packager.Artifact{
		Function: function,
		Module:   "wordcount",
		FuncFile: "wordcount.go",
		FuncData: base64.StdEncoding.EncodeToString(src),
		Digest:   crypto.HashBytes(src),
		Modules: map[string]map[string]string{
			"example.com/text": {"split.go": base64.StdEncoding.EncodeToString([]byte("package text\n"))},
		},
	}
}

func TestGetOrBuild_BuildsOnceThenHits(t *testing.T) {
	ctx := context.Background()
	r, be, _ := newRegistry(t)
	key := r.Key("base:1", 256)
	d := &domain.BuildDescriptor{BaseImage: "golang:1.24"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.GetOrBuild(ctx, key, d, 60); err != nil {
				t.Errorf("GetOrBuild: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(be.builds) != 1 || len(be.creates) != 1 {
		t.Fatalf("builds=%v creates=%v, want one each", be.builds, be.creates)
	}
	meta, err := r.Get(ctx, key)
	if err != nil || meta.MemoryMB != 256 || meta.TimeoutS != 60 {
		t.Fatalf("Get = %+v, %v", meta, err)
	}
}

func TestGetOrBuild_BuildErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	r, be, mem := newRegistry(t)
	be.buildErr = errors.New("docker exploded")
	key := r.Key("base:1", 256)

	_, err := r.GetOrBuild(ctx, key, &domain.BuildDescriptor{BaseImage: "x"}, 60)
	var be2 *domain.BuildError
	if !errors.As(err, &be2) {
		t.Fatalf("want BuildError, got %v", err)
	}
	if _, err := r.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("record written after failed build: %v", err)
	}
	keys, _ := mem.ListKeys(ctx, "cumulus", storage.RuntimesPrefix)
	if len(keys) != 0 {
		t.Fatalf("objects left after failed build: %v", keys)
	}
}

func TestKeyDerivation(t *testing.T) {
	r, _, _ := newRegistry(t)
	if r.Key("base:1", 256) != r.Key("base:1", 256) {
		t.Fatal("identical inputs must yield the same key")
	}
	if r.Key("base:1", 256) == r.Key("base:1", 512) {
		t.Fatal("different memory must yield a different key")
	}
}

func TestExtendedName(t *testing.T) {
	tests := []struct{ base, want string }{
		{"cumulus-worker:1.0", "cumulus-worker:d1"},
		{"reg.local:5000/team/worker:1.0", "reg.local:5000/team/worker:d1"},
		{"reg.local:5000/team/worker", "reg.local:5000/team/worker:d1"},
		{"default", "default:d1"},
	}
	for _, tt := range tests {
		if got := ExtendedName(tt.base, "d1"); got != tt.want {
			t.Errorf("ExtendedName(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestExtend_ContentHash(t *testing.T) {
	ctx := context.Background()
	r, be, mem := newRegistry(t)
	base := r.Key("base:1", 256)

	src := []byte("package wordcount\n\nfunc Count() {}\n")
	k1, meta, err := r.Extend(ctx, base, artifact("count", src), 60)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if k1.Hash != crypto.HashBytes(src) || !strings.HasSuffix(k1.Name, ":"+k1.Hash) {
		t.Fatalf("unexpected extended key %+v", k1)
	}
	if meta.MapFunc != "count" || meta.MapFuncMod != "wordcount" {
		t.Fatalf("extension fields not set: %+v", meta)
	}

	again, _, err := r.Extend(ctx, base, artifact("count", src), 60)
	if err != nil || again != k1 {
		t.Fatalf("same bytes: got %v, %v, want %v", again, err, k1)
	}
	if len(be.builds) != 1 {
		t.Fatalf("unchanged function rebuilt: %v", be.builds)
	}

	changed := append([]byte(nil), src...)
	changed[len(changed)-2] = ' '
	k2, _, err := r.Extend(ctx, base, artifact("count2", changed), 60)
	if err != nil {
		t.Fatal(err)
	}
	if k2 == k1 || k2.Name == k1.Name {
		t.Fatalf("a changed byte must derive a new runtime, got %v", k2)
	}

	baseMeta, err := r.Get(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if got := baseMeta.ExtMeta.MapFunc; len(got) != 2 || got[0] != "count" || got[1] != "count2" {
		t.Fatalf("base ext_meta functions = %v", got)
	}
	if got := baseMeta.ExtMeta.MapFuncMod; len(got) != 1 || got[0] != "wordcount" {
		t.Fatalf("base ext_meta modules = %v", got)
	}

	// the staged tree is built locally and mirrored to storage
	staged := be.contexts[0]
	if _, err := os.Stat(filepath.Join(staged, packager.ModulesDir, "example.com", "text", "split.go")); err != nil {
		t.Fatalf("staged module missing: %v", err)
	}
	keys, _ := mem.ListKeys(ctx, "cumulus", storage.RuntimeTempPrefix(k1))
	if len(keys) != 2 {
		t.Fatalf("mirrored tree = %v, want function file and one module file", keys)
	}
}

func TestCreate_KeepsExtMeta(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry(t)
	base := r.Key("base:1", 256)
	if _, _, err := r.Extend(ctx, base, artifact("count", []byte("a")), 60); err != nil {
		t.Fatal(err)
	}

	updated, err := r.Update(ctx, "base", 90)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("updated %v, want base and its extension", updated)
	}
	meta, _ := r.Get(ctx, base)
	if meta.TimeoutS != 90 || meta.ExtMeta.Empty() {
		t.Fatalf("update lost fields: %+v", meta)
	}
}

func TestDelete_RemovesRecords(t *testing.T) {
	ctx := context.Background()
	r, be, mem := newRegistry(t)
	key := r.Key("base:1", 256)
	if _, err := r.GetOrBuild(ctx, key, nil, 60); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "base:1", 256); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(be.deleted) != 1 {
		t.Fatalf("backend delete not called: %v", be.deleted)
	}
	if _, err := r.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
	if keys, _ := mem.ListKeys(ctx, "cumulus", storage.RuntimesPrefix); len(keys) != 0 {
		t.Fatalf("objects left: %v", keys)
	}
}
