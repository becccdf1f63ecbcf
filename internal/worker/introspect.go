package worker

import (
	"runtime/debug"
	"sort"

	"github.com/oriys/cumulus/internal/domain"
)

// StdModule stands for the whole standard library in a preinstall list.
const StdModule = "std"

// Preinstalls reports the modules compiled into the running binary. A
// worker image can run any package from these without shipping it.
func Preinstalls() []domain.Preinstall {
	out := []domain.Preinstall{{Module: StdModule}}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	if info.Main.Path != "" {
		out = append(out, domain.Preinstall{Module: info.Main.Path, Version: info.Main.Version})
	}
	deps := make([]domain.Preinstall, 0, len(info.Deps))
	for _, d := range info.Deps {
		m := d
		if d.Replace != nil {
			m = d.Replace
			// local replaces carry a path rather than a version
			if m.Version == "" {
				deps = append(deps, domain.Preinstall{Module: d.Path, Version: m.Path})
				continue
			}
		}
		deps = append(deps, domain.Preinstall{Module: d.Path, Version: m.Version})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Module < deps[j].Module })
	return append(out, deps...)
}

// Metadata describes the runtime the current binary provides.
func Metadata(memoryMB, timeoutS int) *domain.RuntimeMetadata {
	return &domain.RuntimeMetadata{
		Preinstalls: Preinstalls(),
		MemoryMB:    memoryMB,
		TimeoutS:    timeoutS,
	}
}
