// Package verify holds the functions and scenarios the CLI uses to check
// that a backend configuration works end to end.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oriys/cumulus/internal/executor"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/storage"
)

const (
	Hello     = "hello"
	SumPair   = "sum_pair"
	SumList   = "sum_list"
	WordCount = "word_count"
	CountSum  = "count_sum"

	StoredWordCount = "stored_word_count"
	StoredCountSum  = "stored_count_sum"
)

// Register adds the verification functions to t. Workers must register
// the same table as the orchestrator.
func Register(t *funcs.Table) error {
	return errors.Join(
		t.RegisterMap(Hello, hello),
		t.RegisterMap(SumPair, sumPair),
		t.RegisterReduce(SumList, sumList),
		t.RegisterMap(WordCount, wordCount),
		t.RegisterReduce(CountSum, countSum),
		t.RegisterMap(StoredWordCount, storedWordCount),
		t.RegisterReduce(StoredCountSum, storedCountSum),
	)
}

// NewTable returns a table holding only the verification functions.
func NewTable() *funcs.Table {
	t := funcs.NewTable()
	if err := Register(t); err != nil {
		panic(err)
	}
	return t
}

func hello(_ context.Context, in *funcs.Input) (any, error) {
	var name string
	if err := in.Decode(&name); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Hello %s!", name), nil
}

// sumPair accepts either [x, y] or {"x": .., "y": ..}.
func sumPair(_ context.Context, in *funcs.Input) (any, error) {
	var pair [2]int
	if err := in.Decode(&pair); err == nil {
		return pair[0] + pair[1], nil
	}
	var named struct{ X, Y int }
	if err := in.Decode(&named); err != nil {
		return nil, fmt.Errorf("sum_pair wants [x, y] or {x, y}: %w", err)
	}
	return named.X + named.Y, nil
}

func sumList(_ context.Context, in *funcs.ReduceInput) (any, error) {
	total := 0
	for i := range in.Results {
		var n int
		if err := in.Decode(i, &n); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

func wordCount(ctx context.Context, in *funcs.Input) (any, error) {
	counts := make(map[string]int)
	err := in.Lines(ctx, func(line string) error {
		for _, w := range strings.Fields(line) {
			counts[w]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	in.Logf("processed %s", in.Key())
	return counts, nil
}

func countSum(_ context.Context, in *funcs.ReduceInput) (any, error) {
	total := 0
	for i := range in.Results {
		var counts map[string]int
		if err := in.Decode(i, &counts); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		for _, n := range counts {
			total += n
		}
	}
	return total, nil
}

// storedWordCount counts like wordCount but stores the counts as an
// object and returns its reference.
func storedWordCount(ctx context.Context, in *funcs.Input) (any, error) {
	counts, err := wordCount(ctx, in)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return nil, err
	}
	return in.Objects.Put(ctx, data)
}

// storedCountSum loads the referenced counts, sums them and deletes the
// objects.
func storedCountSum(ctx context.Context, in *funcs.ReduceInput) (any, error) {
	refs := make([]funcs.ObjectRef, len(in.Results))
	total := 0
	for i := range in.Results {
		if err := in.Decode(i, &refs[i]); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		data, err := in.Objects.Get(ctx, refs[i])
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		var counts map[string]int
		if err := json.Unmarshal(data, &counts); err != nil {
			return nil, fmt.Errorf("object %s: %w", refs[i].Key, err)
		}
		for _, n := range counts {
			total += n
		}
	}
	if err := in.Objects.Delete(ctx, refs...); err != nil {
		return nil, err
	}
	return total, nil
}

// Scenario is one named end-to-end check.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, ex *executor.Executor, s storage.Storage) error
}

// Result reports the outcome of one scenario.
type Result struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Prefix is where scenarios stage their input objects, in the
// control-plane bucket.
const Prefix = "cumulus.verify"

var corpus = map[string]string{
	"test0": "the quick brown fox\njumps over the lazy dog\n",
	"test1": "lorem ipsum dolor sit amet\n",
	"test2": "one\ntwo\nthree\nfour\nfive\n",
}

func corpusWords() int {
	n := 0
	for _, v := range corpus {
		n += len(strings.Fields(v))
	}
	return n
}

// Scenarios returns every scenario in a stable order. bucket is where the
// word count corpus is uploaded.
func Scenarios(bucket string) []Scenario {
	return []Scenario{
		{Name: "call_async", Run: callAsync},
		{Name: "map", Run: mapValues},
		{Name: "map_reduce", Run: mapReduceValues},
		{Name: "multiple_executions", Run: multipleExecutions},
		{Name: "map_reduce_prefix", Run: func(ctx context.Context, ex *executor.Executor, s storage.Storage) error {
			return mapReduceObjects(ctx, ex, s, bucket, false)
		}},
		{Name: "map_reduce_prefix_per_object", Run: func(ctx context.Context, ex *executor.Executor, s storage.Storage) error {
			return mapReduceObjects(ctx, ex, s, bucket, true)
		}},
		{Name: "stored_objects", Run: func(ctx context.Context, ex *executor.Executor, s storage.Storage) error {
			return storedObjects(ctx, ex, s, bucket)
		}},
	}
}

// Names lists the scenario names.
func Names() []string {
	all := Scenarios("")
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name
	}
	return names
}

// Run executes the scenarios named in only, or all of them when only is
// empty, and reports each outcome. It stops early only when ctx ends.
func Run(ctx context.Context, ex *executor.Executor, s storage.Storage, bucket string, only ...string) ([]Result, error) {
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[n] = true
	}
	var results []Result
	for _, sc := range Scenarios(bucket) {
		if len(want) > 0 && !want[sc.Name] {
			continue
		}
		delete(want, sc.Name)
		start := time.Now()
		err := sc.Run(ctx, ex, s)
		results = append(results, Result{Name: sc.Name, Duration: time.Since(start), Err: err})
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return results, fmt.Errorf("unknown scenario(s): %s", strings.Join(unknown, ", "))
	}
	return results, nil
}

// HelloWorld runs the hello function once and returns its greeting.
func HelloWorld(ctx context.Context, ex *executor.Executor) (string, error) {
	f, err := ex.CallAsync(ctx, Hello, "World")
	if err != nil {
		return "", err
	}
	if _, err := ex.GetResult(ctx, f); err != nil {
		return "", err
	}
	var greeting string
	if err := f.Decode(&greeting); err != nil {
		return "", err
	}
	return greeting, nil
}

func callAsync(ctx context.Context, ex *executor.Executor, _ storage.Storage) error {
	greeting, err := HelloWorld(ctx, ex)
	if err != nil {
		return err
	}
	if greeting != "Hello World!" {
		return fmt.Errorf("greeting = %q", greeting)
	}
	for _, arg := range []any{[]int{4, 6}, map[string]int{"x": 2, "y": 8}} {
		f, err := ex.CallAsync(ctx, SumPair, arg)
		if err != nil {
			return err
		}
		res, err := ex.GetResult(ctx, f)
		if err != nil {
			return err
		}
		if err := expect(res, "[10]"); err != nil {
			return fmt.Errorf("sum_pair(%v): %w", arg, err)
		}
	}
	return nil
}

var pairs = [][2]int{{1, 1}, {2, 2}, {3, 3}, {4, 4}}

func mapValues(ctx context.Context, ex *executor.Executor, _ storage.Storage) error {
	fs, err := ex.Map(ctx, SumPair, executor.Values(pairs), executor.Options{})
	if err != nil {
		return err
	}
	res, err := ex.GetResult(ctx, fs...)
	if err != nil {
		return err
	}
	return expect(res, "[2,4,6,8]")
}

func mapReduceValues(ctx context.Context, ex *executor.Executor, _ storage.Storage) error {
	_, reduces, err := ex.MapReduce(ctx, SumPair, executor.Values(pairs), SumList, executor.Options{})
	if err != nil {
		return err
	}
	res, err := ex.GetResult(ctx, reduces...)
	if err != nil {
		return err
	}
	return expect(res, "[20]")
}

// multipleExecutions checks that GetResult with no futures collects every
// unconsumed map in submission order.
func multipleExecutions(ctx context.Context, ex *executor.Executor, _ storage.Storage) error {
	if _, err := ex.GetResult(ctx); err != nil {
		return err
	}
	for _, in := range [][][2]int{pairs[:2], pairs[2:]} {
		if _, err := ex.Map(ctx, SumPair, executor.Values(in), executor.Options{}); err != nil {
			return err
		}
	}
	res, err := ex.GetResult(ctx)
	if err != nil {
		return err
	}
	return expect(res, "[2,4,6,8]")
}

func mapReduceObjects(ctx context.Context, ex *executor.Executor, s storage.Storage, bucket string, perObject bool) error {
	if err := Upload(ctx, s, bucket); err != nil {
		return err
	}
	_, reduces, err := ex.MapReduce(ctx, WordCount, executor.Objects(bucket+"/"+Prefix+"/"), CountSum, executor.Options{
		ChunkSize:           16,
		ReducerOnePerObject: perObject,
	})
	if err != nil {
		return err
	}
	res, err := ex.GetResult(ctx, reduces...)
	if err != nil {
		return err
	}
	total := 0
	for _, r := range res {
		var n int
		if err := json.Unmarshal(r, &n); err != nil {
			return err
		}
		total += n
	}
	if want := corpusWords(); total != want {
		return fmt.Errorf("counted %d words, want %d", total, want)
	}
	return nil
}

// storedObjects passes map results to the reducer through storage
// instead of inline results.
func storedObjects(ctx context.Context, ex *executor.Executor, s storage.Storage, bucket string) error {
	if err := Upload(ctx, s, bucket); err != nil {
		return err
	}
	_, reduces, err := ex.MapReduce(ctx, StoredWordCount, executor.Objects(bucket+"/"+Prefix+"/"), StoredCountSum, executor.Options{})
	if err != nil {
		return err
	}
	res, err := ex.GetResult(ctx, reduces...)
	if err != nil {
		return err
	}
	return expect(res, fmt.Sprintf("[%d]", corpusWords()))
}

// Upload stages the word count corpus under Prefix in bucket.
func Upload(ctx context.Context, s storage.Storage, bucket string) error {
	for name, body := range corpus {
		if err := s.PutObject(ctx, bucket, Prefix+"/"+name, []byte(body)); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}

// Cleanup removes the staged corpus.
func Cleanup(ctx context.Context, s storage.Storage, bucket string) error {
	keys, err := s.ListKeys(ctx, bucket, Prefix+"/")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.DeleteObjects(ctx, bucket, keys)
}

func expect(res []json.RawMessage, want string) error {
	got, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if string(got) != want {
		return fmt.Errorf("got %s, want %s", got, want)
	}
	return nil
}
