package env

import (
	"context"
	"testing"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Cumulus.LogsDir = t.TempDir()
	return cfg
}

func TestNew_OpensConfiguredParts(t *testing.T) {
	e, err := New(context.Background(), testConfig(t), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if _, ok := e.Storage.(*storage.MemoryStorage); !ok {
		t.Fatalf("storage = %T, want memory", e.Storage)
	}
	if e.Control.Bucket != "cumulus" || e.Notifier == nil || e.Logs == nil || e.Metrics == nil {
		t.Fatalf("incomplete env: %+v", e)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cumulus.Mode = "mainframe"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected invalid mode to be rejected")
	}

	cfg = testConfig(t)
	cfg.Notify.Backend = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, WithStorage(storage.NewMemoryStorage())); err == nil {
		t.Fatal("expected unknown notifier to be rejected")
	}
}
