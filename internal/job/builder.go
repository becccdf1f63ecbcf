// Package job turns a function and its input into an ordered list of
// partitions.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/storage"
)

// NewExecutorID returns a fresh executor identity.
func NewExecutorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Sequence hands out job ids within one executor, counted per phase:
// M000, M001 for map jobs, R000 for reduce jobs and A000 for single calls.
type Sequence struct {
	mu sync.Mutex
	n  map[domain.Phase]int
}

func (s *Sequence) Next(phase domain.Phase) string {
	var prefix string
	switch phase {
	case domain.PhaseReduce:
		prefix = "R"
	case domain.PhaseCall:
		prefix = "A"
	default:
		phase, prefix = domain.PhaseMap, "M"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == nil {
		s.n = make(map[domain.Phase]int)
	}
	n := s.n[phase]
	s.n[phase]++
	return fmt.Sprintf("%s%03d", prefix, n)
}

// New assembles a job over partitions. Partition indexes are reassigned to
// their position.
func New(executorID, id, backend string, phase domain.Phase, function string, runtime domain.RuntimeKey, parts []domain.Partition, cfg domain.ExecConfig) *domain.Job {
	for i := range parts {
		parts[i].Index = i
		parts[i].Status = domain.PartitionPending
	}
	return &domain.Job{
		ID:         id,
		ExecutorID: executorID,
		Backend:    backend,
		Phase:      phase,
		Function:   function,
		Runtime:    runtime,
		Partitions: parts,
		Config:     cfg,
		CreatedAt:  time.Now(),
	}
}

// FromValues makes one partition per element, in order.
func FromValues[T any](values []T) ([]domain.Partition, error) {
	out := make([]domain.Partition, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode input %d: %w", i, err)
		}
		out[i] = domain.Partition{Index: i, Input: domain.InputDescriptor{Kind: domain.InputValue, Value: data}}
	}
	return out, nil
}

// Range is one byte range of an object.
type Range struct {
	Offset int64
	Length int64
}

// SplitRanges cuts an object of size bytes into contiguous ranges of chunk
// bytes, the last one truncated to the remainder. The lengths sum to size.
// An empty object yields one empty range.
func SplitRanges(size, chunk int64) []Range {
	if chunk <= 0 || size <= chunk {
		return []Range{{Offset: 0, Length: size}}
	}
	out := make([]Range, 0, (size+chunk-1)/chunk)
	for off := int64(0); off < size; off += chunk {
		out = append(out, Range{Offset: off, Length: min(chunk, size-off)})
	}
	return out
}

// Builder resolves object-backed input through storage and URL input
// over HTTP.
type Builder struct {
	store storage.Storage
	http  *http.Client
}

func NewBuilder(store storage.Storage) *Builder {
	return &Builder{store: store, http: http.DefaultClient}
}

// WithHTTPClient sets the client used to size URL inputs.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.http = c
	return b
}

// FromObjects makes partitions from storage locations of the form
// "bucket/key". A location ending in "/" is a prefix and expands to every
// listed key, in listing order; a location with glob meta characters is
// matched with doublestar against the keys under its literal prefix; any
// other location is one object. An http:// or https:// location is one
// URL. With chunkSize > 0 each object or URL is split into byte ranges.
func (b *Builder) FromObjects(ctx context.Context, locations []string, chunkSize int64) ([]domain.Partition, error) {
	var out []domain.Partition
	for _, loc := range locations {
		if isURL(loc) {
			parts, err := b.urlPartitions(ctx, loc, chunkSize)
			if err != nil {
				return nil, err
			}
			out = append(out, parts...)
			continue
		}
		bucket, key, err := storage.ParseLocation(loc)
		if err != nil {
			return nil, err
		}
		objs, err := b.expand(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if len(objs) == 0 {
			return nil, fmt.Errorf("no objects match %s", loc)
		}
		for _, o := range objs {
			out = append(out, objectPartitions(bucket, o, chunkSize)...)
		}
	}
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

func (b *Builder) expand(ctx context.Context, bucket, key string) ([]storage.ObjectInfo, error) {
	switch {
	case key == "" || strings.HasSuffix(key, "/"):
		objs, err := b.store.ListObjects(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, key, err)
		}
		return withoutDirs(objs), nil
	case isGlob(key):
		if !doublestar.ValidatePattern(key) {
			return nil, fmt.Errorf("invalid key pattern %q", key)
		}
		prefix, _ := doublestar.SplitPattern(key)
		if prefix == "." {
			prefix = ""
		} else {
			prefix += "/"
		}
		objs, err := b.store.ListObjects(ctx, bucket, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		var out []storage.ObjectInfo
		for _, o := range withoutDirs(objs) {
			if ok, _ := doublestar.Match(key, o.Key); ok {
				out = append(out, o)
			}
		}
		return out, nil
	default:
		info, err := b.store.HeadObject(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("head %s/%s: %w", bucket, key, err)
		}
		if info.Key == "" {
			info.Key = key
		}
		return []storage.ObjectInfo{*info}, nil
	}
}

func isGlob(key string) bool {
	return strings.ContainsAny(key, "*?[{")
}

// withoutDirs drops zero-byte "directory" markers some stores list.
func withoutDirs(objs []storage.ObjectInfo) []storage.ObjectInfo {
	out := objs[:0]
	for _, o := range objs {
		if strings.HasSuffix(o.Key, "/") {
			continue
		}
		out = append(out, o)
	}
	return out
}

func objectPartitions(bucket string, o storage.ObjectInfo, chunkSize int64) []domain.Partition {
	source := bucket + "/" + o.Key
	if chunkSize <= 0 {
		return []domain.Partition{{
			Input:  domain.InputDescriptor{Kind: domain.InputObject, Bucket: bucket, Key: o.Key},
			Source: source,
		}}
	}
	ranges := SplitRanges(o.Size, chunkSize)
	out := make([]domain.Partition, len(ranges))
	for i, r := range ranges {
		out[i] = domain.Partition{
			Input: domain.InputDescriptor{
				Kind:   domain.InputRange,
				Bucket: bucket,
				Key:    o.Key,
				Offset: r.Offset,
				Length: r.Length,
			},
			Source: source,
		}
	}
	return out
}

func isURL(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

// urlPartitions makes one partition for url, or byte ranges of it sized
// by a HEAD request when chunking.
func (b *Builder) urlPartitions(ctx context.Context, url string, chunkSize int64) ([]domain.Partition, error) {
	if chunkSize <= 0 {
		return []domain.Partition{{
			Input:  domain.InputDescriptor{Kind: domain.InputURL, URL: url},
			Source: url,
		}}, nil
	}
	size, err := b.contentLength(ctx, url)
	if err != nil {
		return nil, err
	}
	ranges := SplitRanges(size, chunkSize)
	out := make([]domain.Partition, len(ranges))
	for i, r := range ranges {
		out[i] = domain.Partition{
			Input: domain.InputDescriptor{
				Kind:   domain.InputRange,
				URL:    url,
				Offset: r.Offset,
				Length: r.Length,
			},
			Source: url,
		}
	}
	return out, nil
}

func (b *Builder) contentLength(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("head %s: unexpected status %s", url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("head %s: size unknown, cannot split into chunks", url)
	}
	return resp.ContentLength, nil
}

// ReduceGroups assigns map partitions to reduce partitions. With
// onePerObject the partitions cut from the same source object form one
// group, groups ordered by ascending source key; otherwise everything
// forms a single group. Each group lists map partition indexes in order.
func ReduceGroups(maps []domain.Partition, onePerObject bool) [][]int {
	if len(maps) == 0 {
		return nil
	}
	if !onePerObject {
		all := make([]int, len(maps))
		for i, p := range maps {
			all[i] = p.Index
		}
		return [][]int{all}
	}
	bySource := make(map[string][]int)
	for _, p := range maps {
		bySource[p.Source] = append(bySource[p.Source], p.Index)
	}
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	out := make([][]int, len(sources))
	for i, s := range sources {
		out[i] = bySource[s]
	}
	return out
}

// ReducePartitions makes one reduce partition per group, each consuming
// the results of its map partitions.
func ReducePartitions(mapJobID string, maps []domain.Partition, onePerObject bool) []domain.Partition {
	groups := ReduceGroups(maps, onePerObject)
	out := make([]domain.Partition, len(groups))
	for i, g := range groups {
		refs := make([]domain.ResultRef, len(g))
		for j, idx := range g {
			refs[j] = domain.ResultRef{JobID: mapJobID, Index: idx}
		}
		var source string
		if onePerObject {
			source = maps[g[0]].Source
		}
		out[i] = domain.Partition{
			Index:  i,
			Input:  domain.InputDescriptor{Kind: domain.InputRefs, Refs: refs},
			Source: source,
		}
	}
	return out
}
