package docker

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/logging"
)

type fakeRunner struct {
	mu         sync.Mutex
	calls      [][]string
	dockerfile string
	out        map[string]string
	err        map[string]error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if args[0] == "build" {
		for i, a := range args {
			if a == "-f" {
				data, _ := os.ReadFile(args[i+1])
				f.dockerfile = string(data)
			}
		}
	}
	return []byte(f.out[args[0]]), f.err[args[0]]
}

func TestBuilder_Build(t *testing.T) {
	r := &fakeRunner{}
	b := NewBuilder(r, logging.Discard())
	d := domain.BuildDescriptor{BaseImage: "golang:1.24", CopySrc: ".", CopyDst: "/app"}

	if err := b.Build(context.Background(), "acme/rt:1", d); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("expected one docker call, got %d", len(r.calls))
	}
	args := strings.Join(r.calls[0], " ")
	if !strings.Contains(args, "-t acme/rt:1") || !strings.Contains(args, "--label cumulus.runtime=acme/rt:1") {
		t.Fatalf("unexpected build args: %s", args)
	}
	if r.dockerfile != "FROM golang:1.24\nCOPY . /app\n" {
		t.Fatalf("unexpected dockerfile %q", r.dockerfile)
	}
}

func TestBuilder_BuildFailurePropagates(t *testing.T) {
	r := &fakeRunner{err: map[string]error{"build": errors.New("exit status 1")}}
	b := NewBuilder(r, logging.Discard())
	if err := b.Build(context.Background(), "x", domain.BuildDescriptor{BaseImage: "x"}); err == nil {
		t.Fatal("expected build error")
	}
}

func TestBuilder_RemoveMissingImage(t *testing.T) {
	r := &fakeRunner{
		out: map[string]string{"rmi": "Error: No such image: x"},
		err: map[string]error{"rmi": errors.New("exit status 1")},
	}
	b := NewBuilder(r, logging.Discard())
	if err := b.Remove(context.Background(), "x"); err != nil {
		t.Fatalf("missing image should not fail: %v", err)
	}
}

func TestBuilder_ListImages(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"images": "acme/rt:1\n<none>:<none>\n\nacme/rt:abc\n"}}
	b := NewBuilder(r, logging.Discard())
	tags, err := b.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(tags) != 2 || tags[0] != "acme/rt:1" || tags[1] != "acme/rt:abc" {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestQualifyImage(t *testing.T) {
	tests := []struct{ registry, name, want string }{
		{"", "worker:1", "worker:1"},
		{"reg.local", "worker:1", "reg.local/worker:1"},
		{"reg.local/", "team/worker:1", "reg.local/team/worker:1"},
		{"reg.local", "other.io/team/worker:1", "other.io/team/worker:1"},
		{"reg.local", "localhost/worker:1", "localhost/worker:1"},
	}
	for _, tt := range tests {
		if got := QualifyImage(tt.registry, tt.name); got != tt.want {
			t.Errorf("QualifyImage(%q, %q) = %q, want %q", tt.registry, tt.name, got, tt.want)
		}
		if got := RuntimeName(tt.registry, QualifyImage(tt.registry, tt.name)); got != tt.name {
			t.Errorf("RuntimeName(%q, %q) = %q, want %q", tt.registry, tt.want, got, tt.name)
		}
	}
}
