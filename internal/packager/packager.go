// Package packager turns a registered function into a portable artifact:
// the file defining it plus the source of every package it needs that the
// target runtime does not already provide.
package packager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/pkg/crypto"
)

// ModulesDir is the directory under a staging root holding the package tree.
const ModulesDir = "modules"

// Artifact is the transport form of a packaged function. Binary payloads
// are base64 encoded.
type Artifact struct {
	Function string `json:"function"`
	Module   string `json:"module"`
	FuncFile string `json:"func_file"`
	FuncData string `json:"func_data"`
	// Digest is the short content hash of the function file.
	Digest string `json:"digest"`
	// Modules maps import path -> file name -> content.
	Modules map[string]map[string]string `json:"modules"`
}

// FuncBytes decodes the function file.
func (a *Artifact) FuncBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.FuncData)
}

// ImportPaths lists the shipped packages in sorted order.
func (a *Artifact) ImportPaths() []string {
	out := make([]string, 0, len(a.Modules))
	for p := range a.Modules {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (a *Artifact) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// Decode parses an artifact produced by Marshal.
func Decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Function == "" || a.FuncFile == "" {
		return nil, fmt.Errorf("decode artifact: missing function")
	}
	return &a, nil
}

// Stage writes the function file to dir and the package tree to
// dir/modules/<import path>/, reconstructing the source layout.
func (a *Artifact) Stage(dir string) error {
	funcData, err := a.FuncBytes()
	if err != nil {
		return fmt.Errorf("decode %s: %w", a.FuncFile, err)
	}
	if err := writeFile(filepath.Join(dir, a.FuncFile), funcData); err != nil {
		return err
	}
	for _, imp := range a.ImportPaths() {
		for name, enc := range a.Modules[imp] {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return fmt.Errorf("decode %s/%s: %w", imp, name, err)
			}
			p := filepath.Join(dir, ModulesDir, filepath.FromSlash(imp), name)
			if err := writeFile(p, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("stage %s: %w", p, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", p, err)
	}
	return nil
}

// Packager builds artifacts with a pluggable resolution strategy.
type Packager struct {
	resolver Resolver
	locator  Locator
	logger   *slog.Logger
}

// New creates a packager. locator resolves the forced include list; it may
// be nil when includes are never used.
func New(resolver Resolver, locator Locator, logger *slog.Logger) *Packager {
	return &Packager{resolver: resolver, locator: locator, logger: logger}
}

// Package builds the artifact of entry for a runtime described by meta.
// Packages preinstalled in the runtime or matching exclude are left out;
// include is shipped regardless.
func (p *Packager) Package(ctx context.Context, entry funcs.Entry, meta *domain.RuntimeMetadata, include, exclude []string) (art *Artifact, err error) {
	ctx, span := observability.StartSpan(ctx, "packager.package",
		observability.AttrFunction.String(entry.Name))
	defer func() { observability.EndSpan(span, err) }()

	if entry.File == "" {
		return nil, &domain.PackagingError{Module: entry.Name, Reason: "function source file unknown"}
	}
	funcData, err := os.ReadFile(entry.File)
	if err != nil {
		return nil, &domain.PackagingError{Module: entry.Module, Path: entry.File, Reason: err.Error()}
	}

	skip := func(imp string) bool {
		return meta.Preinstalled(imp) || matches(exclude, imp)
	}
	mods, err := p.resolver.Resolve(ctx, entry.File, skip)
	if err != nil {
		return nil, err
	}
	for _, imp := range include {
		if p.locator == nil {
			return nil, &domain.PackagingError{Module: imp, Reason: "no locator for include list"}
		}
		dir, err := p.locator.Locate(imp)
		if err != nil {
			return nil, err
		}
		mods = append(mods, Module{ImportPath: imp, Dir: dir})
	}

	art = &Artifact{
		Function: entry.Name,
		Module:   entry.Module,
		FuncFile: filepath.Base(entry.File),
		FuncData: base64.StdEncoding.EncodeToString(funcData),
		Digest:   crypto.HashBytes(funcData),
		Modules:  make(map[string]map[string]string),
	}
	read, err := readModules(ctx, mods)
	if err != nil {
		return nil, err
	}
	staged := make(map[string]string) // artifact path -> source dir
	for _, mf := range read {
		if err := addModule(art, staged, mf); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("cumulus.packager.modules", len(art.Modules)))
	p.logger.Debug("packaged function", "function", entry.Name, "modules", len(art.Modules), "digest", art.Digest)
	return art, nil
}

// moduleFiles is the encoded source of one resolved package.
type moduleFiles struct {
	Module
	names []string
	enc   []string
}

const readConcurrency = 8

// readModules reads every package's files concurrently. The result keeps
// the order of mods so conflicts are reported deterministically.
func readModules(ctx context.Context, mods []Module) ([]moduleFiles, error) {
	out := make([]moduleFiles, len(mods))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, m := range mods {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			names, err := goFiles(m.Dir)
			if err != nil {
				return &domain.PackagingError{Module: m.ImportPath, Path: m.Dir, Reason: err.Error()}
			}
			mf := moduleFiles{Module: m, names: names, enc: make([]string, len(names))}
			for j, name := range names {
				data, err := os.ReadFile(filepath.Join(m.Dir, name))
				if err != nil {
					return &domain.PackagingError{Module: m.ImportPath, Path: m.Dir, Reason: err.Error()}
				}
				mf.enc[j] = base64.StdEncoding.EncodeToString(data)
			}
			out[i] = mf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// addModule adds the files of m. Staging a different package or different
// content under an existing artifact path is a PackagingError.
func addModule(art *Artifact, staged map[string]string, m moduleFiles) error {
	for i, name := range m.names {
		enc := m.enc[i]
		key := path.Join(m.ImportPath, name)
		if prevDir, ok := staged[key]; ok {
			if prevDir == m.Dir {
				continue
			}
			if art.Modules[m.ImportPath][name] != enc {
				return &domain.PackagingError{
					Module: m.ImportPath,
					Path:   key,
					Reason: fmt.Sprintf("conflicting content from %s and %s", prevDir, m.Dir),
				}
			}
			continue
		}
		staged[key] = m.Dir
		if art.Modules[m.ImportPath] == nil {
			art.Modules[m.ImportPath] = make(map[string]string)
		}
		art.Modules[m.ImportPath][name] = enc
	}
	return nil
}

// matches reports whether imp equals or lives under one of patterns.
func matches(patterns []string, imp string) bool {
	for _, p := range patterns {
		if imp == p || strings.HasPrefix(imp, p+"/") {
			return true
		}
	}
	return false
}
