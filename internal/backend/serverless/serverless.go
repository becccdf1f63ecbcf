// Package serverless runs partitions as asynchronous invocations of a
// function service. Each runtime is a function deployed from a worker
// image; the worker image answers POST /invoke and reports its metadata.
package serverless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/circuitbreaker"
	"github.com/oriys/cumulus/internal/docker"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
)

// FunctionPrefix marks functions owned by this backend.
const FunctionPrefix = "cumulus_"

const (
	defaultConcurrency = 64
	maxResponseBody    = 64 * 1024
)

type Config struct {
	// Name identifies the provider, e.g. "gateway".
	Name           string
	Endpoint       string
	APIKey         string
	Registry       string
	RequestTimeout time.Duration
}

// APIError is a non-2xx answer from the function service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Function is a deployed function as the service reports it.
type Function struct {
	Name     string `json:"name"`
	Image    string `json:"image"`
	Runtime  string `json:"runtime,omitempty"` // runtime name the function serves
	MemoryMB int    `json:"memory_mb"`
	TimeoutS int    `json:"timeout_s,omitempty"`
}

// Backend is the serverless compute backend.
type Backend struct {
	cfg      Config
	client   *http.Client
	builder  *docker.Builder
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// New creates a backend talking to cfg.Endpoint. builder may be nil when
// images are built elsewhere.
func New(cfg Config, builder *docker.Builder, breakers *circuitbreaker.Registry, logger *slog.Logger) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("serverless: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("serverless: invalid endpoint: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &Backend{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		builder:  builder,
		breakers: breakers,
		logger:   logger,
	}, nil
}

func (b *Backend) Name() string      { return b.cfg.Name }
func (b *Backend) Mode() domain.Mode { return domain.ModeServerless }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// FunctionName derives the deployed function for a runtime name and
// memory size.
func FunctionName(runtime string, memoryMB int) string {
	return FunctionPrefix + unsafeChars.ReplaceAllString(runtime, "-") + "_" + strconv.Itoa(memoryMB) + "MB"
}

func (b *Backend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func functionPath(fn string, suffix ...string) string {
	p := "/v1/functions/" + url.PathEscape(fn)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// CreateRuntime deploys (or redeploys) the function for the runtime and
// asks it for the metadata of its image.
func (b *Backend) CreateRuntime(ctx context.Context, name string, memoryMB, timeoutS int) (*domain.RuntimeMetadata, error) {
	fn := FunctionName(name, memoryMB)
	image := docker.QualifyImage(b.cfg.Registry, name)
	spec := Function{Name: fn, Image: image, Runtime: name, MemoryMB: memoryMB, TimeoutS: timeoutS}
	if err := b.do(ctx, http.MethodPut, functionPath(fn), spec, nil); err != nil {
		return nil, fmt.Errorf("deploy function %s: %w", fn, err)
	}
	var meta domain.RuntimeMetadata
	if err := b.do(ctx, http.MethodGet, functionPath(fn, "metadata"), nil, &meta); err != nil {
		return nil, fmt.Errorf("read runtime metadata of %s: %w", fn, err)
	}
	meta.MemoryMB = memoryMB
	meta.TimeoutS = timeoutS
	meta.Image = image
	b.logger.Info("serverless runtime deployed", "function", fn, "image", image)
	return &meta, nil
}

// BuildRuntime builds the worker image and pushes it when a registry is set.
func (b *Backend) BuildRuntime(ctx context.Context, name string, d domain.BuildDescriptor) error {
	if b.builder == nil {
		return fmt.Errorf("serverless: no image builder available")
	}
	tag := docker.QualifyImage(b.cfg.Registry, name)
	if err := b.builder.Build(ctx, tag, d); err != nil {
		return err
	}
	if b.cfg.Registry != "" {
		return b.builder.Push(ctx, tag)
	}
	return nil
}

// Invoke posts every task to its function's async endpoint. A 202 is the
// acknowledgment; the outcome arrives through storage.
func (b *Backend) Invoke(ctx context.Context, job *domain.Job, tasks []domain.Task) []backend.Dispatch {
	limit := job.Config.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	target := b.cfg.Endpoint
	br := b.breakers.Get(target)
	return backend.FanOut(ctx, tasks, limit, func(ctx context.Context, t domain.Task) error {
		fn := FunctionName(t.Runtime.Name, t.Runtime.MemoryMB)
		err := br.Do(func() error {
			return b.do(ctx, http.MethodPost, functionPath(fn, "invoke-async"), t, nil)
		})
		return circuitbreaker.Wrap(target, err)
	})
}

func (b *Backend) functions(ctx context.Context) ([]Function, error) {
	var out struct {
		Functions []Function `json:"functions"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/functions", nil, &out); err != nil {
		return nil, err
	}
	owned := out.Functions[:0]
	for _, f := range out.Functions {
		if strings.HasPrefix(f.Name, FunctionPrefix) {
			owned = append(owned, f)
		}
	}
	return owned, nil
}

// ListRuntimes reports the runtimes of deployed functions by the names
// DeleteRuntime accepts.
func (b *Backend) ListRuntimes(ctx context.Context, filter string) ([]domain.RuntimeInfo, error) {
	fns, err := b.functions(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.RuntimeInfo
	for _, f := range fns {
		name := f.Runtime
		if name == "" {
			name = docker.RuntimeName(b.cfg.Registry, f.Image)
		}
		if filter == "" || strings.Contains(name, filter) {
			out = append(out, domain.RuntimeInfo{Name: name, MemoryMB: f.MemoryMB})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].MemoryMB < out[j].MemoryMB
	})
	return out, nil
}

// DeleteRuntime removes the function. A missing function is not an error.
func (b *Backend) DeleteRuntime(ctx context.Context, name string, memoryMB int) error {
	err := b.do(ctx, http.MethodDelete, functionPath(FunctionName(name, memoryMB)), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Clean deletes every owned function and the images built here.
func (b *Backend) Clean(ctx context.Context) error {
	fns, err := b.functions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range fns {
		if err := b.do(ctx, http.MethodDelete, functionPath(f.Name), nil, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		b.logger.Debug("deleted function", "function", f.Name)
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
	b.client.CloseIdleConnections()
	return nil
}
