// Package docker builds, pushes and removes runtime images with the docker
// CLI.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/spec"
)

// LabelRuntime marks images built by cumulus; its value is the runtime name.
const LabelRuntime = "cumulus.runtime"

// CommandRunner executes a docker subcommand and returns its combined
// output. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// ExecRunner runs the docker binary found at Binary (default "docker").
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("docker %s failed: %w: %s", args[0], err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Available reports whether the docker CLI is installed.
func Available() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

// Builder turns build descriptors into tagged images.
type Builder struct {
	runner CommandRunner
	logger *slog.Logger
}

// NewBuilder creates a builder; a nil runner uses the docker binary.
func NewBuilder(runner CommandRunner, logger *slog.Logger) *Builder {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Builder{runner: runner, logger: logger}
}

// Build renders the Dockerfile of d into its context and builds tag. A
// descriptor without a context dir builds from an empty temp directory.
func (b *Builder) Build(ctx context.Context, tag string, d domain.BuildDescriptor) error {
	dockerfile, err := spec.Dockerfile(d)
	if err != nil {
		return err
	}

	contextDir := d.ContextDir
	if contextDir == "" {
		tmp, err := os.MkdirTemp("", "cumulus-build-")
		if err != nil {
			return fmt.Errorf("create build context: %w", err)
		}
		defer os.RemoveAll(tmp)
		contextDir = tmp
	}

	df, err := os.CreateTemp("", "cumulus-dockerfile-")
	if err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	defer os.Remove(df.Name())
	if _, err := df.WriteString(dockerfile); err != nil {
		df.Close()
		return fmt.Errorf("write dockerfile: %w", err)
	}
	if err := df.Close(); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}

	b.logger.Info("building runtime image", "tag", tag, "context", contextDir)
	_, err = b.runner.Run(ctx, contextDir,
		"build",
		"-t", tag,
		"-f", df.Name(),
		"--label", LabelRuntime+"="+tag,
		filepath.Clean(contextDir),
	)
	return err
}

func (b *Builder) Push(ctx context.Context, tag string) error {
	b.logger.Info("pushing runtime image", "tag", tag)
	_, err := b.runner.Run(ctx, "", "push", tag)
	return err
}

// Remove deletes tag locally. A missing image is not an error.
func (b *Builder) Remove(ctx context.Context, tag string) error {
	out, err := b.runner.Run(ctx, "", "rmi", "-f", tag)
	if err != nil && strings.Contains(string(out), "No such image") {
		return nil
	}
	return err
}

// ListImages returns the tags of images built by cumulus.
func (b *Builder) ListImages(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "",
		"images",
		"--filter", "label="+LabelRuntime,
		"--format", "{{.Repository}}:{{.Tag}}",
	)
	if err != nil {
		return nil, err
	}
	var tags []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasSuffix(line, ":<none>") {
			continue
		}
		tags = append(tags, line)
	}
	return tags, sc.Err()
}

// QualifyImage prefixes name with registry when its first path element
// is not already a registry host.
func QualifyImage(registry, name string) string {
	if registry == "" {
		return name
	}
	first, _, found := strings.Cut(name, "/")
	if found && (strings.ContainsAny(first, ".:") || first == "localhost") {
		return name
	}
	return strings.TrimSuffix(registry, "/") + "/" + name
}

// RuntimeName is the inverse of QualifyImage: it strips registry from image.
func RuntimeName(registry, image string) string {
	if registry == "" {
		return image
	}
	return strings.TrimPrefix(image, strings.TrimSuffix(registry, "/")+"/")
}
