// Package standalone dispatches partitions to agents running on
// provisioned machines. Runtimes are container images the agents run,
// built locally with docker and pushed to a registry the machines pull
// from.
package standalone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/oriys/cumulus/internal/agent"
	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/circuitbreaker"
	"github.com/oriys/cumulus/internal/docker"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
)

// defaultPerAgent bounds in-flight dispatch RPCs per agent when the job
// sets no concurrency.
const defaultPerAgent = 8

type Config struct {
	// Name is the provisioner: "static" for a fixed agent list.
	Name        string
	Agents      []string
	Registry    string
	DialTimeout time.Duration
}

// Agent is the subset of agent.Client the backend needs.
type Agent interface {
	Addr() string
	Dispatch(ctx context.Context, task domain.Task) error
	Metadata(ctx context.Context) (*domain.RuntimeMetadata, error)
	Kill(ctx context.Context, executorID string) error
	Clean(ctx context.Context) error
	Close() error
}

// Provisioner supplies the agents of a fleet.
type Provisioner interface {
	Agents(ctx context.Context) ([]Agent, error)
}

// StaticProvisioner connects to a fixed list of agent addresses.
type StaticProvisioner struct {
	Addrs []string
}

func (p StaticProvisioner) Agents(ctx context.Context) ([]Agent, error) {
	if len(p.Addrs) == 0 {
		return nil, fmt.Errorf("no standalone agents configured")
	}
	out := make([]Agent, 0, len(p.Addrs))
	for _, addr := range p.Addrs {
		c, err := agent.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, a := range out {
				a.Close()
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type endpoint struct {
	agent    Agent
	inflight atomic.Int64
}

// Backend is the standalone compute backend.
type Backend struct {
	cfg       Config
	endpoints []*endpoint
	builder   *docker.Builder
	breakers  *circuitbreaker.Registry
	logger    *slog.Logger
}

// New connects to the provisioner's agents. builder may be nil when
// runtimes are built elsewhere.
func New(ctx context.Context, cfg Config, prov Provisioner, builder *docker.Builder, breakers *circuitbreaker.Registry, logger *slog.Logger) (*Backend, error) {
	if cfg.Name == "" {
		cfg.Name = "static"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	agents, err := prov.Agents(ctx)
	if err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg, builder: builder, breakers: breakers, logger: logger}
	for _, a := range agents {
		b.endpoints = append(b.endpoints, &endpoint{agent: a})
	}
	logger.Info("standalone backend ready", "provisioner", cfg.Name, "agents", len(agents))
	return b, nil
}

func (b *Backend) Name() string      { return b.cfg.Name }
func (b *Backend) Mode() domain.Mode { return domain.ModeStandalone }

// pick returns the agent with the fewest in-flight dispatches among those
// whose breaker is not open.
func (b *Backend) pick() (*endpoint, *circuitbreaker.Breaker, error) {
	var (
		best   *endpoint
		bestBr *circuitbreaker.Breaker
	)
	for _, ep := range b.endpoints {
		br := b.breakers.Get(ep.agent.Addr())
		if br != nil && br.State() == circuitbreaker.StateOpen {
			continue
		}
		if best == nil || ep.inflight.Load() < best.inflight.Load() {
			best, bestBr = ep, br
		}
	}
	if best == nil {
		return nil, nil, fmt.Errorf("all %d agents unavailable: %w", len(b.endpoints), circuitbreaker.ErrOpen)
	}
	return best, bestBr, nil
}

func (b *Backend) Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch {
	limit := job.Config.Concurrency
	if limit <= 0 {
		limit = defaultPerAgent * len(b.endpoints)
	}
	return backend.FanOut(ctx, tasks, limit, func(ctx context.Context, t domain.Task) error {
		ep, br, err := b.pick()
		if err != nil {
			return err
		}
		ep.inflight.Add(1)
		defer ep.inflight.Add(-1)
		err = br.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, b.dialTimeout())
			defer cancel()
			return ep.agent.Dispatch(callCtx, t)
		})
		return circuitbreaker.Wrap(ep.agent.Addr(), err)
	})
}

func (b *Backend) dialTimeout() time.Duration {
	if b.cfg.DialTimeout > 0 {
		return b.cfg.DialTimeout
	}
	return 10 * time.Second
}

// CreateRuntime asks the first reachable agent what its runtime provides.
func (b *Backend) CreateRuntime(ctx context.Context, name string, memoryMB, timeoutS int) (*domain.RuntimeMetadata, error) {
	var errs []error
	for _, ep := range b.endpoints {
		callCtx, cancel := context.WithTimeout(ctx, b.dialTimeout())
		meta, err := ep.agent.Metadata(callCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.agent.Addr(), err))
			continue
		}
		meta.MemoryMB = memoryMB
		meta.TimeoutS = timeoutS
		meta.Image = b.imageRef(name)
		return meta, nil
	}
	return nil, fmt.Errorf("no agent reported runtime metadata: %w", errors.Join(errs...))
}

// BuildRuntime builds the image and pushes it when a registry is set.
func (b *Backend) BuildRuntime(ctx context.Context, name string, d domain.BuildDescriptor) error {
	if b.builder == nil {
		return fmt.Errorf("standalone: no image builder available")
	}
	tag := b.imageRef(name)
	if err := b.builder.Build(ctx, tag, d); err != nil {
		return err
	}
	if b.cfg.Registry != "" {
		return b.builder.Push(ctx, tag)
	}
	return nil
}

// ListRuntimes lists locally built images. Memory is a property of the
// machine, not the image, so it is reported as zero.
func (b *Backend) ListRuntimes(ctx context.Context, filter string) ([]domain.RuntimeInfo, error) {
	if b.builder == nil {
		return nil, nil
	}
	images, err := b.builder.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.RuntimeInfo
	for _, img := range images {
		name := docker.RuntimeName(b.cfg.Registry, img)
		if filter == "" || strings.Contains(name, filter) {
			out = append(out, domain.RuntimeInfo{Name: name})
		}
	}
	return out, nil
}

func (b *Backend) DeleteRuntime(ctx context.Context, name string, _ int) error {
	if b.builder == nil {
		return nil
	}
	return b.builder.Remove(ctx, b.imageRef(name))
}

// Kill asks every agent to stop the executor's tasks.
func (b *Backend) Kill(ctx context.Context, executorID string) error {
	var errs []error
	for _, ep := range b.endpoints {
		if err := ep.agent.Kill(ctx, executorID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.agent.Addr(), err))
		}
	}
	return errors.Join(errs...)
}

// Clean resets every agent and removes the images built here.
func (b *Backend) Clean(ctx context.Context) error {
	var errs []error
	for _, ep := range b.endpoints {
		if err := ep.agent.Clean(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.agent.Addr(), err))
		}
	}
	if b.builder != nil {
		images, err := b.builder.ListImages(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, img := range images {
			if err := b.builder.Remove(ctx, img); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) Close() error {
	var errs []error
	for _, ep := range b.endpoints {
		if err := ep.agent.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// imageRef qualifies name with the registry unless it already names one.
func (b *Backend) imageRef(name string) string {
	return docker.QualifyImage(b.cfg.Registry, name)
}
