// Package registry maps runtime keys to runtime metadata records kept in
// storage, building and creating runtimes on the active backend when a
// record is missing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/cache"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/metrics"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/pkg/crypto"
	"github.com/oriys/cumulus/internal/spec"
	"github.com/oriys/cumulus/internal/storage"
)

// Registry is a write-through cache of runtime records. Concurrent writers
// of the same key are last-writer-wins.
type Registry struct {
	backend backend.Backend
	store   *storage.Internal
	cache   *cache.RuntimeCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	tempDir string

	flight singleflight.Group
}

// New creates a registry over be. c and m may be nil.
func New(be backend.Backend, store *storage.Internal, c *cache.RuntimeCache, m *metrics.Metrics, logger *slog.Logger, tempDir string) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		backend: be,
		store:   store,
		cache:   c,
		metrics: m,
		logger:  logger,
		tempDir: tempDir,
	}
}

// Key returns the key of runtime name at memoryMB on the active backend.
func (r *Registry) Key(name string, memoryMB int) domain.RuntimeKey {
	return domain.NewRuntimeKey(r.backend.Name(), name, memoryMB)
}

// Get returns the record for key, consulting the cache first. A missing
// record is reported with an error matching domain.ErrNotFound.
func (r *Registry) Get(ctx context.Context, key domain.RuntimeKey) (*domain.RuntimeMetadata, error) {
	if meta, err := r.cache.Get(ctx, key); err == nil {
		r.metrics.RecordRuntimeLookup("cache")
		return meta, nil
	}
	meta, err := r.store.GetRuntimeMeta(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			r.metrics.RecordRuntimeLookup("miss")
			return nil, fmt.Errorf("runtime %s: %w", key, domain.ErrNotFound)
		}
		return nil, err
	}
	r.metrics.RecordRuntimeLookup("storage")
	if err := r.cache.Put(ctx, key, meta); err != nil {
		r.logger.Warn("cache runtime metadata", "runtime", key.String(), "error", err)
	}
	return meta, nil
}

// put persists meta under key and refreshes the cache.
func (r *Registry) put(ctx context.Context, key domain.RuntimeKey, meta *domain.RuntimeMetadata) error {
	if err := r.store.PutRuntimeMeta(ctx, key, meta); err != nil {
		return fmt.Errorf("persist runtime %s: %w", key, err)
	}
	if err := r.cache.Invalidate(ctx, key); err != nil {
		r.logger.Warn("invalidate runtime cache", "runtime", key.String(), "error", err)
	}
	if err := r.cache.Put(ctx, key, meta); err != nil {
		r.logger.Warn("cache runtime metadata", "runtime", key.String(), "error", err)
	}
	return nil
}

// GetOrBuild returns the record for key. On a miss it builds the runtime
// from d (when non-nil), creates it and persists the result. Concurrent
// misses for the same key in this process share one build. A failed build
// or create returns a *domain.BuildError and writes nothing.
func (r *Registry) GetOrBuild(ctx context.Context, key domain.RuntimeKey, d *domain.BuildDescriptor, timeoutS int) (meta *domain.RuntimeMetadata, err error) {
	ctx, span := observability.StartSpan(ctx, "registry.get_or_build",
		observability.AttrRuntime.String(key.String()))
	defer func() { observability.EndSpan(span, err) }()

	meta, err = r.Get(ctx, key)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return meta, err
	}

	v, err, shared := r.flight.Do(key.String(), func() (any, error) {
		if meta, err := r.Get(ctx, key); err == nil {
			return meta, nil
		}
		if d != nil {
			if err := r.Build(ctx, key.Name, *d); err != nil {
				return nil, err
			}
		}
		return r.create(ctx, key, timeoutS)
	})
	span.SetAttributes(attribute.Bool("cumulus.registry.shared", shared))
	if err != nil {
		return nil, err
	}
	return v.(*domain.RuntimeMetadata), nil
}

// Build runs the backend build step for name.
func (r *Registry) Build(ctx context.Context, name string, d domain.BuildDescriptor) error {
	start := time.Now()
	err := r.backend.BuildRuntime(ctx, name, d)
	r.metrics.RecordRuntimeBuild(r.backend.Name(), time.Since(start), err)
	if err != nil {
		r.logger.Error("runtime build failed", "runtime", name, "backend", r.backend.Name(), "error", err)
		return &domain.BuildError{Runtime: name, Err: err}
	}
	r.logger.Info("runtime built", "runtime", name, "backend", r.backend.Name(), "duration", time.Since(start))
	return nil
}

// Create creates the runtime on the backend and persists its record,
// keeping any extension metadata already accumulated under key.
func (r *Registry) Create(ctx context.Context, key domain.RuntimeKey, timeoutS int) (*domain.RuntimeMetadata, error) {
	v, err, _ := r.flight.Do(key.String(), func() (any, error) {
		return r.create(ctx, key, timeoutS)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RuntimeMetadata), nil
}

func (r *Registry) create(ctx context.Context, key domain.RuntimeKey, timeoutS int) (*domain.RuntimeMetadata, error) {
	meta, err := r.backend.CreateRuntime(ctx, key.Name, key.MemoryMB, timeoutS)
	if err != nil {
		return nil, &domain.BuildError{Runtime: key.String(), Err: err}
	}
	if prev, err := r.store.GetRuntimeMeta(ctx, key); err == nil {
		if !prev.ExtMeta.Empty() {
			if meta.ExtMeta == nil {
				meta.ExtMeta = &domain.ExtMeta{}
			}
			meta.ExtMeta.Merge(prev.ExtMeta)
		}
		if meta.MapFunc == "" {
			meta.MapFuncMod, meta.MapFunc = prev.MapFuncMod, prev.MapFunc
		}
	} else if !storage.IsNotFound(err) {
		return nil, err
	}
	if err := r.put(ctx, key, meta); err != nil {
		return nil, err
	}
	r.logger.Info("runtime created", "runtime", key.String(), "preinstalls", len(meta.Preinstalls))
	return meta, nil
}

// Update re-creates every recorded runtime of the backend whose name
// contains filter and rewrites its record.
func (r *Registry) Update(ctx context.Context, filter string, timeoutS int) ([]domain.RuntimeKey, error) {
	keys, err := r.store.ListRuntimeKeys(ctx, r.backend.Name())
	if err != nil {
		return nil, err
	}
	var (
		updated []domain.RuntimeKey
		errs    []error
	)
	for _, k := range keys {
		if filter != "" && !strings.Contains(k.Name, filter) {
			continue
		}
		if _, err := r.Create(ctx, k, timeoutS); err != nil {
			errs = append(errs, err)
			continue
		}
		updated = append(updated, k)
	}
	return updated, errors.Join(errs...)
}

// Delete removes the runtime from the backend together with every record
// of it, extended variants included, and their staged trees.
func (r *Registry) Delete(ctx context.Context, name string, memoryMB int) error {
	if err := r.backend.DeleteRuntime(ctx, name, memoryMB); err != nil {
		return fmt.Errorf("delete runtime %s: %w", name, err)
	}
	keys, err := r.store.ListRuntimeKeys(ctx, r.backend.Name())
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Name != name || k.MemoryMB != memoryMB {
			continue
		}
		if err := r.store.DeleteRuntimeMeta(ctx, k); err != nil && !storage.IsNotFound(err) {
			return err
		}
		if _, err := r.store.CleanPrefix(ctx, storage.RuntimeTempPrefix(k)); err != nil {
			return err
		}
		if err := r.cache.Invalidate(ctx, k); err != nil {
			r.logger.Warn("invalidate runtime cache", "runtime", k.String(), "error", err)
		}
	}
	return nil
}

// List returns the runtimes the backend reports.
func (r *Registry) List(ctx context.Context, filter string) ([]domain.RuntimeInfo, error) {
	return r.backend.ListRuntimes(ctx, filter)
}

// Keys returns the keys of every recorded runtime of the backend.
func (r *Registry) Keys(ctx context.Context) ([]domain.RuntimeKey, error) {
	return r.store.ListRuntimeKeys(ctx, r.backend.Name())
}

// ExtendedName derives the name of a runtime extended with a content
// digest: the tag of base is replaced by digest, or digest is appended as
// the tag when base has none.
func ExtendedName(base, digest string) string {
	colon := strings.LastIndex(base, ":")
	if colon > strings.LastIndex(base, "/") {
		return base[:colon+1] + digest
	}
	return base + ":" + digest
}

// Extend returns the runtime that is base plus the packaged tree of art,
// building it on first use. The key carries the digest of the function
// file, so unchanged functions reuse one runtime and any byte change
// yields a new one. The base record accumulates the extension metadata.
func (r *Registry) Extend(ctx context.Context, base domain.RuntimeKey, art *packager.Artifact, timeoutS int) (key domain.RuntimeKey, meta *domain.RuntimeMetadata, err error) {
	funcData, err := art.FuncBytes()
	if err != nil {
		return key, nil, &domain.PackagingError{Module: art.Module, Path: art.FuncFile, Reason: err.Error()}
	}
	digest := crypto.HashBytes(funcData)
	key = r.Key(ExtendedName(base.Name, digest), base.MemoryMB).WithHash(digest)

	ctx, span := observability.StartSpan(ctx, "registry.extend",
		observability.AttrRuntime.String(key.String()),
		observability.AttrFunction.String(art.Function))
	defer func() { observability.EndSpan(span, err) }()

	if meta, err := r.Get(ctx, key); err == nil {
		return key, meta, nil
	}

	v, err, _ := r.flight.Do(key.String(), func() (any, error) {
		baseMeta, err := r.GetOrBuild(ctx, base, nil, timeoutS)
		if err != nil {
			return nil, err
		}
		dir, err := r.stage(ctx, key, art)
		if err != nil {
			return nil, err
		}
		baseImage := baseMeta.Image
		if baseImage == "" {
			baseImage = base.Name
		}
		if err := r.Build(ctx, key.Name, spec.ExtensionDescriptor(baseImage, dir)); err != nil {
			return nil, err
		}
		meta, err := r.backend.CreateRuntime(ctx, key.Name, key.MemoryMB, timeoutS)
		if err != nil {
			return nil, &domain.BuildError{Runtime: key.String(), Err: err}
		}

		ext := &domain.ExtMeta{}
		ext.Merge(baseMeta.ExtMeta)
		ext.Add(art.Module, art.Function)
		meta.ExtMeta = ext
		meta.MapFuncMod = art.Module
		meta.MapFunc = art.Function
		if err := r.put(ctx, key, meta); err != nil {
			return nil, err
		}

		if baseMeta.ExtMeta == nil {
			baseMeta.ExtMeta = &domain.ExtMeta{}
		}
		baseMeta.ExtMeta.Add(art.Module, art.Function)
		if err := r.put(ctx, base, baseMeta); err != nil {
			return nil, err
		}
		r.logger.Info("runtime extended", "base", base.String(), "runtime", key.String(), "function", art.Function)
		return meta, nil
	})
	if err != nil {
		return key, nil, err
	}
	return key, v.(*domain.RuntimeMetadata), nil
}

// stage writes the artifact tree to the local temp dir and mirrors it to
// the runtime's temp prefix in storage. It returns the local dir.
func (r *Registry) stage(ctx context.Context, key domain.RuntimeKey, art *packager.Artifact) (string, error) {
	prefix := storage.RuntimeTempPrefix(key)
	dir := filepath.Join(r.tempDir, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := art.Stage(dir); err != nil {
		return "", &domain.PackagingError{Module: art.Module, Path: dir, Reason: err.Error()}
	}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return r.store.Storage.PutObject(ctx, r.store.Bucket, prefix+filepath.ToSlash(rel), data)
	})
	if err != nil {
		return "", fmt.Errorf("mirror staged tree of %s: %w", key, err)
	}
	return dir, nil
}

// Purge drops every record of the backend with its staged trees and cached
// entries, returning how many objects were removed. Backend resources are
// left alone.
func (r *Registry) Purge(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := r.cache.Invalidate(ctx, k); err != nil {
			r.logger.Warn("invalidate runtime cache", "runtime", k.String(), "error", err)
		}
	}
	return r.store.CleanPrefix(ctx, storage.RuntimesNamespace(r.backend.Name()))
}
