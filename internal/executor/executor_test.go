package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/funcs"
	"github.com/oriys/cumulus/internal/future"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/storage"
)

func testTable() *funcs.Table {
	t := funcs.NewTable()
	t.MustRegisterMap("double", func(ctx context.Context, in *funcs.Input) (any, error) {
		var n int
		if err := in.Decode(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	t.MustRegisterMap("words", func(ctx context.Context, in *funcs.Input) (any, error) {
		n := 0
		err := in.Lines(ctx, func(line string) error {
			if strings.Contains(line, "poison") {
				return errors.New("poisoned input")
			}
			n += len(strings.Fields(line))
			return nil
		})
		if err != nil {
			return nil, err
		}
		in.Logf("counted %s", in.Key())
		return n, nil
	})
	t.MustRegisterReduce("sum", func(ctx context.Context, in *funcs.ReduceInput) (any, error) {
		total := 0
		for i := range in.Results {
			var n int
			if err := in.Decode(i, &n); err != nil {
				return nil, err
			}
			total += n
		}
		return total, nil
	})
	return t
}

func newExecutor(t *testing.T, opts ...Option) (*Executor, *env.Env) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Cumulus.TempDir = filepath.Join(dir, "tmp")
	cfg.Cumulus.CacheDir = filepath.Join(dir, "cache")
	cfg.Cumulus.LogsDir = filepath.Join(dir, "logs")
	cfg.Cumulus.ExecutionTimeout = 10 * time.Second
	cfg.Cumulus.Poll = config.PollConfig{InitialInterval: 5 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
	cfg.Localhost.Workers = 4
	cfg.Localhost.RuntimesDir = filepath.Join(dir, "runtimes")

	ctx := context.Background()
	en, err := env.New(ctx, cfg, env.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	ex, err := New(ctx, en, testTable(), opts...)
	if err != nil {
		en.Close()
		t.Fatalf("executor: %v", err)
	}
	t.Cleanup(func() {
		ex.Close()
		en.Close()
	})
	return ex, en
}

func ints(t *testing.T, raw []json.RawMessage) []int {
	t.Helper()
	out := make([]int, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			t.Fatalf("result %d = %s: %v", i, r, err)
		}
	}
	return out
}

func TestMap_ValuesInOrder(t *testing.T) {
	ex, _ := newExecutor(t)
	ctx := context.Background()

	fs, err := ex.Map(ctx, "double", Values([]int{1, 2, 3, 4}), Options{})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	res, err := ex.GetResult(ctx, fs...)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got := fmt.Sprint(ints(t, res)); got != "[2 4 6 8]" {
		t.Fatalf("results = %s", got)
	}
}

func TestMap_TwentyPartitions(t *testing.T) {
	ex, _ := newExecutor(t)
	ctx := context.Background()

	in := make([]int, 20)
	for i := range in {
		in[i] = i
	}
	if _, err := ex.Map(ctx, "double", Values(in), Options{}); err != nil {
		t.Fatal(err)
	}
	res, err := ex.GetResult(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := ints(t, res)
	if len(got) != 20 {
		t.Fatalf("got %d results", len(got))
	}
	for i, v := range got {
		if v != i*2 {
			t.Fatalf("result %d = %d", i, v)
		}
	}
	if again, err := ex.GetResult(ctx); err != nil || len(again) != 0 {
		t.Fatalf("consumed futures returned again: %v %v", again, err)
	}
}

func TestCallAsync(t *testing.T) {
	ex, _ := newExecutor(t)
	ctx := context.Background()

	f, err := ex.CallAsync(ctx, "double", 21)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ex.GetResult(ctx, f); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := f.Decode(&n); err != nil || n != 42 {
		t.Fatalf("result = %d, %v", n, err)
	}
}

func seedObjects(t *testing.T, en *env.Env, objects map[string]string) {
	t.Helper()
	for k, v := range objects {
		if err := en.Storage.PutObject(context.Background(), "data", k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMapReduce_URLsChunkedPerSource(t *testing.T) {
	srv := httptest.NewServer(http.FileServer(http.FS(fstest.MapFS{
		"a.txt": {Data: []byte("one two\nthree four\nfive six\n")},
		"b.txt": {Data: []byte("alpha beta\n")},
	})))
	defer srv.Close()
	ex, _ := newExecutor(t)
	ctx := context.Background()

	maps, reduces, err := ex.MapReduce(ctx, "words", URLs(srv.URL+"/b.txt", srv.URL+"/a.txt"), "sum", Options{
		ChunkSize:           8,
		ReducerOnePerObject: true,
	})
	if err != nil {
		t.Fatalf("MapReduce: %v", err)
	}
	if len(maps) != 6 || len(reduces) != 2 {
		t.Fatalf("maps=%d reduces=%d", len(maps), len(reduces))
	}
	res, err := ex.GetResult(ctx, reduces...)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got := fmt.Sprint(ints(t, res)); got != "[6 2]" {
		t.Fatalf("per-URL counts = %s, want [6 2]", got)
	}
}

func TestMapReduce_OnePerObject(t *testing.T) {
	ex, en := newExecutor(t)
	ctx := context.Background()
	seedObjects(t, en, map[string]string{
		"text/a.txt": "one two\nthree four\nfive six\n",
		"text/b.txt": "alpha beta\n",
	})

	maps, reduces, err := ex.MapReduce(ctx, "words", Objects("data/text/"), "sum", Options{
		ChunkSize:           8,
		ReducerOnePerObject: true,
	})
	if err != nil {
		t.Fatalf("MapReduce: %v", err)
	}
	if len(reduces) != 2 || len(maps) < 4 {
		t.Fatalf("maps=%d reduces=%d", len(maps), len(reduces))
	}
	res, err := ex.GetResult(ctx)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got := fmt.Sprint(ints(t, res)); got != "[6 2]" {
		t.Fatalf("per-object counts = %s, want [6 2]", got)
	}

	logs, err := en.Logs.Get(logging.JobKey(ex.ID(), maps[0].JobID))
	if err != nil || !strings.Contains(logs, "counted text/a.txt") {
		t.Fatalf("map log = %q, %v", logs, err)
	}
}

func TestMapReduce_FailedMapSkipsReduce(t *testing.T) {
	ex, en := newExecutor(t)
	ctx := context.Background()
	seedObjects(t, en, map[string]string{
		"in/good.txt": "a b c",
		"in/bad.txt":  "poison",
	})

	_, reduces, err := ex.MapReduce(ctx, "words", Objects("data/in/"), "sum", Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ex.GetResult(ctx, reduces...)
	if domain.ErrorKind(err) != "upstream" {
		t.Fatalf("want upstream failure, got %v", err)
	}
	var te *domain.TaskError
	if !errors.As(err, &te) || !strings.Contains(te.Message, "poisoned") {
		t.Fatalf("upstream error lost the map classification: %v", err)
	}
	if started, err := en.Control.Started(ctx, reduces[0].Ref()); err != nil || started {
		t.Fatal("reduce must not be dispatched after a failed map")
	}
}

func TestMap_InvalidInputAbortsBeforeDispatch(t *testing.T) {
	ex, en := newExecutor(t)
	ctx := context.Background()

	if _, err := ex.Map(ctx, "missing", Values([]int{1}), Options{}); err == nil {
		t.Fatal("expected unknown function error")
	}
	if _, err := ex.Map(ctx, "double", Objects("data/nothing/"), Options{}); err == nil {
		t.Fatal("expected empty input error")
	}
	keys, _ := en.Storage.ListKeys(ctx, "cumulus", storage.JobsPrefix)
	if len(keys) != 0 {
		t.Fatalf("objects written for aborted jobs: %v", keys)
	}
}

func TestCancel(t *testing.T) {
	ex, _ := newExecutor(t)
	ctx := context.Background()
	ex.table.MustRegisterMap("block", func(ctx context.Context, in *funcs.Input) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	fs, err := ex.Map(ctx, "block", Values([]int{1, 2}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Cancel(ctx, fs...); err != nil {
		t.Fatal(err)
	}
	done, pending, err := ex.Wait(ctx, future.AllCompleted, fs...)
	if err != nil || len(done) != 2 || len(pending) != 0 {
		t.Fatalf("Wait = %v %v %v", done, pending, err)
	}
	for _, f := range fs {
		if f.State() != domain.FutureCancelled {
			t.Fatalf("%s is %s", f, f.State())
		}
	}
}

func TestCleanAll_RemovesNamespaces(t *testing.T) {
	ex, en := newExecutor(t)
	ctx := context.Background()

	fs, err := ex.Map(ctx, "double", Values([]int{1, 2}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ex.GetResult(ctx, fs...); err != nil {
		t.Fatal(err)
	}
	if keys, _ := en.Storage.ListKeys(ctx, "cumulus", ""); len(keys) == 0 {
		t.Fatal("expected control-plane objects before clean")
	}

	if err := ex.CleanAll(ctx); err != nil {
		t.Fatalf("CleanAll: %v", err)
	}
	for _, prefix := range []string{storage.RuntimesPrefix, storage.JobsPrefix} {
		if keys, _ := en.Storage.ListKeys(ctx, "cumulus", prefix); len(keys) != 0 {
			t.Fatalf("%s not cleaned: %v", prefix, keys)
		}
	}
	if _, err := ex.Registry().Get(ctx, ex.Registry().Key("default", 256)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("runtime record survived clean: %v", err)
	}
}

func TestExtend_DerivesRuntimeFromFunctionFile(t *testing.T) {
	ctx := context.Background()
	plain, _ := newExecutor(t)
	if _, _, err := plain.Extend(ctx, "double", Options{}); !errors.Is(err, ErrNoPackager) {
		t.Fatalf("want ErrNoPackager, got %v", err)
	}

	p := packager.New(packager.ExplicitResolver{}, packager.ExplicitResolver{}, logging.Discard())
	ex, _ := newExecutor(t, WithPackager(p))
	key, meta, err := ex.Extend(ctx, "double", Options{})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if key.Hash == "" || !strings.HasPrefix(key.Name, "default:") {
		t.Fatalf("extended key = %+v", key)
	}
	if meta.MapFunc != "double" || meta.MapFuncMod != "executor_test" {
		t.Fatalf("extension fields = %q %q", meta.MapFunc, meta.MapFuncMod)
	}

	again, _, err := ex.Extend(ctx, "words", Options{})
	if err != nil || again != key {
		t.Fatalf("functions of one file share a runtime: %v %v", again, err)
	}
	base, err := ex.Registry().Get(ctx, ex.Registry().Key("default", 256))
	if err != nil {
		t.Fatal(err)
	}
	if base.ExtMeta == nil || len(base.ExtMeta.MapFunc) == 0 {
		t.Fatalf("base record lost ext_meta: %+v", base.ExtMeta)
	}
}
