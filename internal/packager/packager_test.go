package packager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/logging"
)

func write(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTree lays out a module with a local replace:
//
//	example.com/app        (root)
//	example.com/app/fn     imports fmt, app/util, lib/strs
//	example.com/app/util   imports lib/strs
//	example.com/lib/strs   via replace => ./third_party/lib
func newTree(t *testing.T) (root string, entry funcs.Entry) {
	t.Helper()
	root = t.TempDir()
	write(t, filepath.Join(root, "go.mod"), "module example.com/app\n\ngo 1.24\n\nreplace example.com/lib => ./third_party/lib\n")
	write(t, filepath.Join(root, "fn", "fn.go"), `package fn

import (
	"fmt"

	"example.com/app/util"
	"example.com/lib/strs"
)

func Map() string { return fmt.Sprint(util.X, strs.Y) }
`)
	write(t, filepath.Join(root, "util", "util.go"), "package util\n\nimport _ \"example.com/lib/strs\"\n\nconst X = 1\n")
	write(t, filepath.Join(root, "util", "util_test.go"), "package util\n")
	write(t, filepath.Join(root, "third_party", "lib", "strs", "strs.go"), "package strs\n\nimport \"strings\"\n\nvar Y = strings.ToUpper(\"y\")\n")
	return root, funcs.Entry{Name: "map", File: filepath.Join(root, "fn", "fn.go"), Module: "fn"}
}

func newPackager(t *testing.T, root string) *Packager {
	t.Helper()
	r, err := NewImportResolver(filepath.Join(root, "fn"))
	if err != nil {
		t.Fatalf("NewImportResolver: %v", err)
	}
	return New(r, r, logging.Discard())
}

func TestPackage_ResolvesTransitiveClosure(t *testing.T) {
	root, entry := newTree(t)
	p := newPackager(t, root)

	art, err := p.Package(context.Background(), entry, &domain.RuntimeMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	got := art.ImportPaths()
	if len(got) != 2 || got[0] != "example.com/app/util" || got[1] != "example.com/lib/strs" {
		t.Fatalf("unexpected modules %v", got)
	}
	if _, ok := art.Modules["example.com/app/util"]["util_test.go"]; ok {
		t.Fatal("test files must not be shipped")
	}
	if art.FuncFile != "fn.go" || art.Module != "fn" || art.Digest == "" {
		t.Fatalf("unexpected artifact header %+v", art)
	}
}

func TestPackage_SkipsPreinstalledAndExcluded(t *testing.T) {
	root, entry := newTree(t)
	p := newPackager(t, root)
	meta := &domain.RuntimeMetadata{Preinstalls: []domain.Preinstall{{Module: "example.com/lib", Version: "v1.0.0"}}}

	art, err := p.Package(context.Background(), entry, meta, nil, []string{"example.com/app/util"})
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if len(art.Modules) != 0 {
		t.Fatalf("expected nothing shipped, got %v", art.ImportPaths())
	}

	// include forces a preinstalled package back in
	art, err = p.Package(context.Background(), entry, meta, []string{"example.com/lib/strs"}, []string{"example.com/app/util"})
	if err != nil {
		t.Fatalf("Package with include: %v", err)
	}
	if got := art.ImportPaths(); len(got) != 1 || got[0] != "example.com/lib/strs" {
		t.Fatalf("unexpected modules %v", got)
	}
}

func TestPackage_MissingDependency(t *testing.T) {
	root, entry := newTree(t)
	write(t, filepath.Join(root, "util", "util.go"), "package util\n\nimport _ \"example.com/missing/pkg\"\n\nconst X = 1\n")
	p := newPackager(t, root)

	_, err := p.Package(context.Background(), entry, &domain.RuntimeMetadata{}, nil, nil)
	var pe *domain.PackagingError
	if !errors.As(err, &pe) || pe.Module != "example.com/missing/pkg" {
		t.Fatalf("expected PackagingError for missing module, got %v", err)
	}
}

func TestPackage_ConflictingContentFails(t *testing.T) {
	root, entry := newTree(t)
	a := filepath.Join(root, "copy-a")
	b := filepath.Join(root, "copy-b")
	write(t, filepath.Join(a, "x.go"), "package x\n\nconst V = 1\n")
	write(t, filepath.Join(b, "x.go"), "package x\n\nconst V = 2\n")

	resolver := ExplicitResolver{Modules: map[string]string{"example.com/x": a}}
	locator := ExplicitResolver{Modules: map[string]string{"example.com/x": b}}
	p := New(resolver, locator, logging.Discard())

	_, err := p.Package(context.Background(), entry, &domain.RuntimeMetadata{}, []string{"example.com/x"}, nil)
	var pe *domain.PackagingError
	if !errors.As(err, &pe) || pe.Path != "example.com/x/x.go" {
		t.Fatalf("expected conflict PackagingError, got %v", err)
	}

	// identical content from a second location is not a conflict
	write(t, filepath.Join(b, "x.go"), "package x\n\nconst V = 1\n")
	if _, err := p.Package(context.Background(), entry, &domain.RuntimeMetadata{}, []string{"example.com/x"}, nil); err != nil {
		t.Fatalf("identical content should not conflict: %v", err)
	}
}

func TestArtifact_RoundTripAndStage(t *testing.T) {
	root, entry := newTree(t)
	p := newPackager(t, root)
	art, err := p.Package(context.Background(), entry, &domain.RuntimeMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	data, err := art.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	dir := t.TempDir()
	if err := decoded.Stage(dir); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	want, _ := os.ReadFile(filepath.Join(root, "third_party", "lib", "strs", "strs.go"))
	got, err := os.ReadFile(filepath.Join(dir, ModulesDir, "example.com", "lib", "strs", "strs.go"))
	if err != nil || string(got) != string(want) {
		t.Fatalf("staged file mismatch: %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fn.go")); err != nil {
		t.Fatalf("function file not staged: %v", err)
	}

	if _, err := Decode([]byte(`{}`)); err == nil {
		t.Fatal("expected error for empty artifact")
	}
}

func TestIsStd(t *testing.T) {
	for imp, want := range map[string]bool{
		"fmt":                        true,
		"net/http":                   true,
		"golang.org/x/sync/errgroup": false,
		"example.com/app":            false,
	} {
		if got := IsStd(imp); got != want {
			t.Errorf("IsStd(%q) = %v, want %v", imp, got, want)
		}
	}
}

func TestImportResolver_LocatesReplacedModules(t *testing.T) {
	root, _ := newTree(t)
	r, err := NewImportResolver(filepath.Join(root, "fn"))
	if err != nil {
		t.Fatalf("NewImportResolver: %v", err)
	}
	for imp, want := range map[string]string{
		"example.com/app/util": filepath.Join(root, "util"),
		"example.com/lib/strs": filepath.Join(root, "third_party", "lib", "strs"),
	} {
		got, err := r.Locate(imp)
		if err != nil {
			t.Fatalf("Locate(%s): %v", imp, err)
		}
		if got != want {
			t.Errorf("Locate(%s) = %s, want %s", imp, got, want)
		}
	}
}
