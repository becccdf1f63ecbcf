package executor

import (
	"context"
	"errors"

	"github.com/oriys/cumulus/internal/domain"
)

// ErrNoPackager is returned by Extend on an executor built without
// WithPackager.
var ErrNoPackager = errors.New("runtime extension needs a packager")

// Extend packages fn and builds the runtime extended with it on top of the
// configured runtime, or opts.Runtime when set.
func (e *Executor) Extend(ctx context.Context, fn string, opts Options) (domain.RuntimeKey, *domain.RuntimeMetadata, error) {
	if err := e.checkOpen(); err != nil {
		return domain.RuntimeKey{}, nil, err
	}
	if e.packager == nil {
		return domain.RuntimeKey{}, nil, ErrNoPackager
	}
	entry, err := e.table.Get(fn)
	if err != nil {
		return domain.RuntimeKey{}, nil, err
	}

	name, mem := e.runtime, e.memoryMB
	if opts.Runtime != "" {
		name = opts.Runtime
	}
	if opts.MemoryMB > 0 {
		mem = opts.MemoryMB
	}
	base := e.registry.Key(name, mem)
	meta, err := e.registry.GetOrBuild(ctx, base, nil, e.timeoutS(opts))
	if err != nil {
		return domain.RuntimeKey{}, nil, err
	}
	art, err := e.packager.Package(ctx, entry, meta, opts.Include, opts.Exclude)
	if err != nil {
		return domain.RuntimeKey{}, nil, err
	}
	return e.registry.Extend(ctx, base, art, e.timeoutS(opts))
}
