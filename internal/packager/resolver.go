package packager

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/oriys/cumulus/internal/domain"
)

// Module is a resolved Go package: its import path and source directory.
type Module struct {
	ImportPath string
	Dir        string
}

// Resolver finds the packages a function file depends on. skip reports
// import paths that must be neither shipped nor descended into.
type Resolver interface {
	Resolve(ctx context.Context, file string, skip func(importPath string) bool) ([]Module, error)
}

// Locator maps an import path to its source directory.
type Locator interface {
	Locate(importPath string) (string, error)
}

// IsStd reports whether importPath belongs to the standard library: its
// first element has no dot.
func IsStd(importPath string) bool {
	first, _, _ := strings.Cut(importPath, "/")
	return !strings.Contains(first, ".")
}

type root struct {
	modulePath string
	dir        string
}

// ImportResolver statically follows import declarations. Packages are
// located under module roots discovered from go.mod files, including
// local replace directives and vendor directories.
type ImportResolver struct {
	roots   []root
	vendors []string
}

// NewImportResolver discovers module roots from the go.mod governing each
// of dirs.
func NewImportResolver(dirs ...string) (*ImportResolver, error) {
	r := &ImportResolver{}
	seen := make(map[string]bool)
	for _, d := range dirs {
		gomod, err := findGoMod(d)
		if err != nil {
			return nil, err
		}
		if seen[gomod] {
			continue
		}
		seen[gomod] = true
		if err := r.addGoMod(gomod); err != nil {
			return nil, err
		}
	}
	// longest module path first so nested modules win
	sort.SliceStable(r.roots, func(i, j int) bool {
		return len(r.roots[i].modulePath) > len(r.roots[j].modulePath)
	})
	return r, nil
}

func findGoMod(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for d := abs; ; d = filepath.Dir(d) {
		p := filepath.Join(d, "go.mod")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		if filepath.Dir(d) == d {
			return "", fmt.Errorf("no go.mod found above %s", dir)
		}
	}
}

func (r *ImportResolver) addGoMod(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Module == nil {
		return fmt.Errorf("%s has no module directive", path)
	}
	dir := filepath.Dir(path)
	r.roots = append(r.roots, root{modulePath: f.Module.Mod.Path, dir: dir})
	for _, rep := range f.Replace {
		if modfile.IsDirectoryPath(rep.New.Path) {
			target := rep.New.Path
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			r.roots = append(r.roots, root{modulePath: rep.Old.Path, dir: target})
		}
	}
	if info, err := os.Stat(filepath.Join(dir, "vendor")); err == nil && info.IsDir() {
		r.vendors = append(r.vendors, filepath.Join(dir, "vendor"))
	}
	return nil
}

// Locate implements Locator.
func (r *ImportResolver) Locate(importPath string) (string, error) {
	for _, rt := range r.roots {
		if importPath != rt.modulePath && !strings.HasPrefix(importPath, rt.modulePath+"/") {
			continue
		}
		dir := filepath.Join(rt.dir, filepath.FromSlash(strings.TrimPrefix(importPath, rt.modulePath)))
		if hasGoFiles(dir) {
			return dir, nil
		}
	}
	for _, v := range r.vendors {
		dir := filepath.Join(v, filepath.FromSlash(importPath))
		if hasGoFiles(dir) {
			return dir, nil
		}
	}
	return "", &domain.PackagingError{Module: importPath, Reason: "not found on the resolution path"}
}

// Resolve implements Resolver with a breadth-first walk over imports.
func (r *ImportResolver) Resolve(ctx context.Context, file string, skip func(string) bool) ([]Module, error) {
	queue, err := fileImports(file)
	if err != nil {
		return nil, &domain.PackagingError{Module: filepath.Base(file), Path: file, Reason: err.Error()}
	}
	seen := make(map[string]bool)
	var out []Module
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		imp := queue[0]
		queue = queue[1:]
		if seen[imp] || IsStd(imp) || (skip != nil && skip(imp)) {
			continue
		}
		seen[imp] = true

		dir, err := r.Locate(imp)
		if err != nil {
			return nil, err
		}
		out = append(out, Module{ImportPath: imp, Dir: dir})

		deps, err := dirImports(dir)
		if err != nil {
			return nil, &domain.PackagingError{Module: imp, Path: dir, Reason: err.Error()}
		}
		queue = append(queue, deps...)
	}
	return out, nil
}

func fileImports(file string) ([]string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), file, nil, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, spec := range f.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, err
		}
		if p != "C" {
			out = append(out, p)
		}
	}
	return out, nil
}

// dirImports returns the imports of the non-test Go files in dir.
func dirImports(dir string) ([]string, error) {
	files, err := goFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range files {
		imps, err := fileImports(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, imps...)
	}
	return out, nil
}

// goFiles lists the non-test .go files of dir in name order.
func goFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go") {
			out = append(out, name)
		}
	}
	return out, nil
}

func hasGoFiles(dir string) bool {
	files, err := goFiles(dir)
	return err == nil && len(files) > 0
}

// ExplicitResolver ships exactly the caller-supplied packages, keyed by
// import path.
type ExplicitResolver struct {
	Modules map[string]string // import path -> dir
}

func (r ExplicitResolver) Resolve(ctx context.Context, _ string, skip func(string) bool) ([]Module, error) {
	paths := make([]string, 0, len(r.Modules))
	for p := range r.Modules {
		if skip == nil || !skip(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	out := make([]Module, 0, len(paths))
	for _, p := range paths {
		dir, err := r.Locate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, Module{ImportPath: p, Dir: dir})
	}
	return out, ctx.Err()
}

func (r ExplicitResolver) Locate(importPath string) (string, error) {
	dir, ok := r.Modules[importPath]
	if !ok || !hasGoFiles(dir) {
		return "", &domain.PackagingError{Module: importPath, Path: dir, Reason: "not found on the resolution path"}
	}
	return dir, nil
}
