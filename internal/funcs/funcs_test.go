package funcs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/storage"
)

func sumPair(_ context.Context, in *Input) (any, error) {
	var pair [2]int
	if err := in.Decode(&pair); err != nil {
		return nil, err
	}
	return pair[0] + pair[1], nil
}

func TestTable_RegisterAndGet(t *testing.T) {
	tbl := NewTable()
	if err := tbl.RegisterMap("sum_pair", sumPair); err != nil {
		t.Fatalf("RegisterMap: %v", err)
	}
	if err := tbl.RegisterMap("sum_pair", sumPair); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := tbl.RegisterMap(" bad", sumPair); err == nil {
		t.Fatal("expected invalid name error")
	}
	tbl.MustRegisterReduce("sum_list", func(context.Context, *ReduceInput) (any, error) { return 0, nil })

	e, err := tbl.Get("sum_pair")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Map == nil || e.Reduce != nil {
		t.Fatal("expected a map-only entry")
	}
	if !strings.HasSuffix(e.File, "funcs_test.go") || e.Module != "funcs_test" {
		t.Fatalf("unexpected source file %q module %q", e.File, e.Module)
	}
	if _, err := tbl.Get("missing"); err == nil {
		t.Fatal("expected error for unknown function")
	}
	if got := tbl.List(); len(got) != 2 || got[0] != "sum_list" || got[1] != "sum_pair" {
		t.Fatalf("List = %v", got)
	}
}

func TestInput_Decode(t *testing.T) {
	in := &Input{Descriptor: domain.InputDescriptor{Kind: domain.InputValue, Value: json.RawMessage(`[3,4]`)}}
	got, err := sumPair(context.Background(), in)
	if err != nil || got != 7 {
		t.Fatalf("sumPair = %v, %v", got, err)
	}
	obj := &Input{Descriptor: domain.InputDescriptor{Kind: domain.InputObject}}
	if err := obj.Decode(new(int)); err == nil {
		t.Fatal("expected error decoding an object partition")
	}
}

func collectLines(t *testing.T, s storage.Storage, offset, length int64) []string {
	t.Helper()
	in := &Input{
		Descriptor: domain.InputDescriptor{Kind: domain.InputRange, Bucket: "b", Key: "k", Offset: offset, Length: length},
		Storage:    s,
	}
	var lines []string
	if err := in.Lines(context.Background(), func(l string) error {
		lines = append(lines, l)
		return nil
	}); err != nil {
		t.Fatalf("Lines: %v", err)
	}
	return lines
}

func TestInput_LinesCoverEveryLineOnce(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	content := "alpha\nbeta gamma\n\ndelta\nepsilon zeta eta\ntheta"
	if err := s.PutObject(ctx, "b", "k", []byte(content)); err != nil {
		t.Fatal(err)
	}
	want := strings.Split(content, "\n")
	size := int64(len(content))

	for chunk := int64(1); chunk <= size+1; chunk++ {
		var got []string
		for off := int64(0); off < size; off += chunk {
			got = append(got, collectLines(t, s, off, min(chunk, size-off))...)
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("chunk %d: got %q, want %q", chunk, got, want)
		}
	}
}

func TestInput_ReadAllRange(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	_ = s.PutObject(ctx, "b", "k", []byte("0123456789"))

	in := &Input{
		Descriptor: domain.InputDescriptor{Kind: domain.InputRange, Bucket: "b", Key: "k", Offset: 3, Length: 4},
		Storage:    s,
	}
	data, err := in.ReadAll(ctx)
	if err != nil || string(data) != "3456" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}

	empty := &Input{Descriptor: domain.InputDescriptor{Kind: domain.InputRange, Bucket: "b", Key: "k"}, Storage: s}
	if data, _ := empty.ReadAll(ctx); len(data) != 0 {
		t.Fatalf("expected empty read for zero-length range, got %q", data)
	}
}

func serveContent(t *testing.T, content string, ranges bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ranges {
			r.Header.Del("Range")
		}
		http.ServeContent(w, r, "data.txt", time.Time{}, strings.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInput_URLPartitions(t *testing.T) {
	ctx := context.Background()
	content := "alpha\nbeta gamma\n\ndelta\nepsilon zeta eta\ntheta"
	want := strings.Split(content, "\n")

	for _, ranges := range []bool{true, false} {
		srv := serveContent(t, content, ranges)

		whole := &Input{Descriptor: domain.InputDescriptor{Kind: domain.InputURL, URL: srv.URL}, HTTP: srv.Client()}
		data, err := whole.ReadAll(ctx)
		if err != nil || string(data) != content {
			t.Fatalf("ranges=%v: ReadAll = %q, %v", ranges, data, err)
		}

		part := &Input{Descriptor: domain.InputDescriptor{Kind: domain.InputRange, URL: srv.URL, Offset: 6, Length: 4}}
		if data, err := part.ReadAll(ctx); err != nil || string(data) != "beta" {
			t.Fatalf("ranges=%v: range ReadAll = %q, %v", ranges, data, err)
		}

		size := int64(len(content))
		var got []string
		for off := int64(0); off < size; off += 7 {
			in := &Input{
				Descriptor: domain.InputDescriptor{Kind: domain.InputRange, URL: srv.URL, Offset: off, Length: min(7, size-off)},
				HTTP:       srv.Client(),
			}
			if err := in.Lines(ctx, func(l string) error {
				got = append(got, l)
				return nil
			}); err != nil {
				t.Fatalf("ranges=%v: Lines: %v", ranges, err)
			}
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("ranges=%v: got %q, want %q", ranges, got, want)
		}
	}
}

func TestInput_URLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	in := &Input{Descriptor: domain.InputDescriptor{Kind: domain.InputURL, URL: srv.URL}}
	if _, err := in.ReadAll(context.Background()); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected a 404 error, got %v", err)
	}
}

func TestObjects_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	objs := NewObjects(s, "b", "jobs/M000/00000/objects/")

	var refs []ObjectRef
	for _, body := range []string{"one", "two"} {
		ref, err := objs.Put(ctx, []byte(body))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if ref.Bucket != "b" || !strings.HasPrefix(ref.Key, "jobs/M000/00000/objects/") {
			t.Fatalf("unexpected ref %+v", ref)
		}
		refs = append(refs, ref)
	}
	if refs[0].Key == refs[1].Key {
		t.Fatalf("refs share key %s", refs[0].Key)
	}

	// A reference survives the JSON round trip through a map result.
	raw, _ := json.Marshal(refs[1])
	in := &ReduceInput{Results: []json.RawMessage{raw}, Objects: objs}
	var back ObjectRef
	if err := in.Decode(0, &back); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data, err := in.Objects.Get(ctx, back)
	if err != nil || !bytes.Equal(data, []byte("two")) {
		t.Fatalf("Get = %q, %v", data, err)
	}
	if err := in.Decode(1, &back); err == nil {
		t.Fatal("expected out of range error")
	}

	if err := objs.Delete(ctx, refs...); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if keys, _ := s.ListKeys(ctx, "b", "jobs/"); len(keys) != 0 {
		t.Fatalf("objects left behind: %v", keys)
	}
	var none *Objects
	if _, err := none.Put(ctx, nil); err == nil {
		t.Fatal("expected error without storage")
	}
}
