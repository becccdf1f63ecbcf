package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Mode selects the execution substrate for a backend.
type Mode string

const (
	// ModeLocalhost runs partitions in-process on the caller's machine
	ModeLocalhost Mode = "localhost"
	// ModeStandalone runs partitions on provisioned machines reached over gRPC
	ModeStandalone Mode = "standalone"
	// ModeServerless runs partitions as provider function invocations
	ModeServerless Mode = "serverless"
)

func (m Mode) IsValid() bool {
	switch m {
	case ModeLocalhost, ModeStandalone, ModeServerless:
		return true
	}
	return false
}

var runtimeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]*$`)

// ValidateRuntimeName enforces the accepted runtime name format. Container
// image references such as "registry:5000/team/base:1.2" are valid names.
func ValidateRuntimeName(name string) error {
	if name == "" {
		return fmt.Errorf("runtime name is required")
	}
	if !runtimeNamePattern.MatchString(name) {
		return fmt.Errorf("invalid runtime name %q: must match %s", name, runtimeNamePattern.String())
	}
	return nil
}

// RuntimeKey identifies a runtime in the registry. Two keys are equal iff
// all fields are equal.
type RuntimeKey struct {
	Backend  string `json:"backend"`
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
	Hash     string `json:"hash,omitempty"`
}

// NewRuntimeKey builds the key for a runtime on a backend. It is a pure
// function of its inputs.
func NewRuntimeKey(backend, name string, memoryMB int) RuntimeKey {
	return RuntimeKey{Backend: backend, Name: name, MemoryMB: memoryMB}
}

// WithHash returns a copy of k qualified by a content hash.
func (k RuntimeKey) WithHash(hash string) RuntimeKey {
	k.Hash = hash
	return k
}

// String renders the key as a storage path segment:
// <backend>/<escaped name>/<memory>MB[-<hash>].
func (k RuntimeKey) String() string {
	var b strings.Builder
	b.WriteString(k.Backend)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(k.Name))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.MemoryMB))
	b.WriteString("MB")
	if k.Hash != "" {
		b.WriteByte('-')
		b.WriteString(k.Hash)
	}
	return b.String()
}

// ParseRuntimeKey is the inverse of RuntimeKey.String.
func ParseRuntimeKey(s string) (RuntimeKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return RuntimeKey{}, fmt.Errorf("invalid runtime key %q", s)
	}
	name, err := url.PathUnescape(parts[1])
	if err != nil {
		return RuntimeKey{}, fmt.Errorf("invalid runtime key %q: %w", s, err)
	}
	mem, hash, _ := strings.Cut(parts[2], "-")
	if !strings.HasSuffix(mem, "MB") {
		return RuntimeKey{}, fmt.Errorf("invalid runtime key %q: missing memory suffix", s)
	}
	memoryMB, err := strconv.Atoi(strings.TrimSuffix(mem, "MB"))
	if err != nil {
		return RuntimeKey{}, fmt.Errorf("invalid runtime key %q: %w", s, err)
	}
	return RuntimeKey{Backend: parts[0], Name: name, MemoryMB: memoryMB, Hash: hash}, nil
}

// Preinstall is a module available inside a runtime without packaging.
// It is encoded as a two element JSON array: [module, version or path].
type Preinstall struct {
	Module  string
	Version string
}

func (p Preinstall) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Module, p.Version})
}

func (p *Preinstall) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("preinstall: %w", err)
	}
	if len(pair) == 0 || len(pair) > 2 {
		return fmt.Errorf("preinstall: expected [module, version], got %d elements", len(pair))
	}
	p.Module = pair[0]
	if len(pair) == 2 {
		p.Version = pair[1]
	}
	return nil
}

// ExtMeta lists the functions folded into a runtime by extension. Both
// lists are insertion ordered and free of duplicates.
type ExtMeta struct {
	MapFuncMod []string `json:"map_func_mod"`
	MapFunc    []string `json:"map_func"`
}

// Add records a module and function, skipping values already present.
func (e *ExtMeta) Add(module, function string) {
	e.MapFuncMod = appendUnique(e.MapFuncMod, module)
	e.MapFunc = appendUnique(e.MapFunc, function)
}

// Merge folds other into e, keeping e's order first.
func (e *ExtMeta) Merge(other *ExtMeta) {
	if other == nil {
		return
	}
	for _, m := range other.MapFuncMod {
		e.MapFuncMod = appendUnique(e.MapFuncMod, m)
	}
	for _, f := range other.MapFunc {
		e.MapFunc = appendUnique(e.MapFunc, f)
	}
}

func (e *ExtMeta) Empty() bool {
	return e == nil || (len(e.MapFuncMod) == 0 && len(e.MapFunc) == 0)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// RuntimeMetadata is the registry record persisted per RuntimeKey.
type RuntimeMetadata struct {
	Preinstalls []Preinstall `json:"preinstalls"`
	MemoryMB    int          `json:"runtime_memory"`
	TimeoutS    int          `json:"runtime_timeout"`
	ExtMeta     *ExtMeta     `json:"ext_meta,omitempty"`
	// Set on extended runtimes: the function that produced the extension.
	MapFuncMod string `json:"map_func_mod,omitempty"`
	MapFunc    string `json:"map_func,omitempty"`
	Image      string `json:"image,omitempty"`
}

// Preinstalled reports whether importPath is provided by the runtime,
// either exactly or as a package inside a preinstalled module.
func (m *RuntimeMetadata) Preinstalled(importPath string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.Preinstalls {
		if p.Module == importPath || strings.HasPrefix(importPath, p.Module+"/") {
			return true
		}
	}
	return false
}

// RuntimeInfo is a backend-reported runtime entry.
type RuntimeInfo struct {
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
}

// BuildDescriptor is the image recipe for building a runtime.
type BuildDescriptor struct {
	BaseImage string `json:"base_image" yaml:"base"`
	// EnvName and EnvValue form the environment directive that puts the
	// staged module tree on the runtime's module path.
	EnvName  string `json:"env_name,omitempty" yaml:"envName,omitempty"`
	EnvValue string `json:"env_value,omitempty" yaml:"envValue,omitempty"`
	// CopySrc is copied into CopyDst inside the image.
	CopySrc string `json:"copy_src,omitempty" yaml:"copySrc,omitempty"`
	CopyDst string `json:"copy_dst,omitempty" yaml:"copyDst,omitempty"`
	// ContextDir is the local build context.
	ContextDir string `json:"context_dir,omitempty" yaml:"context,omitempty"`
	// Dockerfile, when set, is used verbatim instead of rendering one.
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
}
