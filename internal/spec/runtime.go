package spec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oriys/cumulus/internal/domain"
)

const (
	// ModulesEnv is the environment variable a worker reads to find staged
	// modules inside an extended runtime.
	ModulesEnv = "CUMULUS_MODULES_PATH"
	// ModulesDir is where extended runtimes keep the staged tree.
	ModulesDir = "/opt/cumulus/modules"
)

// RuntimeSpec defines the YAML specification for a runtime
type RuntimeSpec struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"` // always "Runtime"

	Name    string `yaml:"name"`
	Memory  int    `yaml:"memory,omitempty"`  // MB
	Timeout int    `yaml:"timeout,omitempty"` // seconds

	Build domain.BuildDescriptor `yaml:"build"`
}

// MultiSpec holds multiple runtime specs from a single file
type MultiSpec struct {
	Runtimes []RuntimeSpec
}

// ParseFile parses a YAML file containing one or more runtime specs
func ParseFile(path string) (*MultiSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return Parse(f, filepath.Dir(path))
}

// Parse parses YAML content containing one or more runtime specs. Relative
// build context paths are resolved against baseDir.
func Parse(r io.Reader, baseDir string) (*MultiSpec, error) {
	decoder := yaml.NewDecoder(r)
	var specs []RuntimeSpec

	for {
		var s RuntimeSpec
		err := decoder.Decode(&s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		if s.Name == "" && s.Build.BaseImage == "" && s.Build.Dockerfile == "" {
			continue
		}
		if s.Build.ContextDir != "" && !filepath.IsAbs(s.Build.ContextDir) {
			s.Build.ContextDir = filepath.Join(baseDir, s.Build.ContextDir)
		}
		specs = append(specs, s)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no valid runtime specs found")
	}
	return &MultiSpec{Runtimes: specs}, nil
}

// Validate validates a runtime spec
func (s *RuntimeSpec) Validate() error {
	if err := domain.ValidateRuntimeName(s.Name); err != nil {
		return err
	}
	if s.Kind != "" && s.Kind != "Runtime" {
		return fmt.Errorf("unsupported kind %q", s.Kind)
	}
	if s.Build.BaseImage == "" && s.Build.Dockerfile == "" {
		return fmt.Errorf("build.base or build.dockerfile is required")
	}
	if s.Memory < 0 || s.Timeout < 0 {
		return fmt.Errorf("memory and timeout must not be negative")
	}
	return nil
}

// ExtensionDescriptor is the build recipe of an extended runtime: start from
// base, put the staged module tree on the module path and copy the tree
// from contextDir into the image.
func ExtensionDescriptor(base, contextDir string) domain.BuildDescriptor {
	return domain.BuildDescriptor{
		BaseImage:  base,
		EnvName:    ModulesEnv,
		EnvValue:   ModulesDir,
		CopySrc:    ".",
		CopyDst:    ModulesDir,
		ContextDir: contextDir,
	}
}

// Dockerfile renders d. A descriptor carrying a verbatim Dockerfile is
// returned unchanged.
func Dockerfile(d domain.BuildDescriptor) (string, error) {
	if d.Dockerfile != "" {
		return d.Dockerfile, nil
	}
	if d.BaseImage == "" {
		return "", fmt.Errorf("build descriptor has no base image")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", d.BaseImage)
	if d.EnvName != "" {
		fmt.Fprintf(&b, "ENV %s=%s:${%s}\n", d.EnvName, d.EnvValue, d.EnvName)
	}
	if d.CopySrc != "" {
		dst := d.CopyDst
		if dst == "" {
			dst = d.EnvValue
		}
		fmt.Fprintf(&b, "COPY %s %s\n", d.CopySrc, dst)
	}
	return b.String(), nil
}

// ExampleYAML returns an example runtime spec
func ExampleYAML() string {
	return `# Cumulus Runtime Specification
apiVersion: cumulus/v1
kind: Runtime

name: registry.example.com/team/cumulus-worker:1.0
memory: 512      # MB
timeout: 300     # seconds

build:
  base: golang:1.24-bookworm
  context: ./worker
`
}
