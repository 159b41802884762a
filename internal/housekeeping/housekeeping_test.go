package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/filebed"
)

func mustLoadConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(context.Background(), path); err != nil {
		t.Fatalf("Load config: %v", err)
	}
}

func TestSweepReapsStaleRegistryEntries(t *testing.T) {
	mustLoadConfig(t, `{"metadata_timeout_minutes": 1}`)

	registry := bridge.NewRequestRegistry()
	q := registry.Create(&bridge.RequestRecord{
		RequestID: "stale",
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}, 1)

	disabled := bridge.NewDisabledEndpoints()
	urlCache, err := filebed.NewURLCache(10, time.Hour)
	if err != nil {
		t.Fatalf("NewURLCache: %v", err)
	}

	m := &Monitor{Registry: registry, Disabled: disabled, URLCache: urlCache}
	if err := m.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", registry.Len())
	}
	if frag, open := <-q; !open || string(frag) != string(terminalFragment) {
		t.Errorf("expected terminal fragment before close, got %s (open=%v)", frag, open)
	}
	if _, open := <-q; open {
		t.Error("expected reaped queue to be closed")
	}
}

func TestSweepReenablesRecoveredFileBedEndpoints(t *testing.T) {
	mustLoadConfig(t, `{"metadata_timeout_minutes": 30}`)

	disabled := bridge.NewDisabledEndpoints()
	disabled.Disable("bad-endpoint")

	urlCache, err := filebed.NewURLCache(10, time.Hour)
	if err != nil {
		t.Fatalf("NewURLCache: %v", err)
	}

	m := &Monitor{Registry: bridge.NewRequestRegistry(), Disabled: disabled, URLCache: urlCache}

	if !disabled.IsDisabled("bad-endpoint", filebed.RecoveryTime) {
		t.Fatal("expected endpoint to start disabled")
	}

	// Directly exercise the sweep call with a zero recovery window via the
	// disabled tracker itself, since filebed.RecoveryTime is fixed at 5
	// minutes and this test should not sleep that long.
	disabled.Sweep(0)
	if disabled.IsDisabled("bad-endpoint", filebed.RecoveryTime) {
		t.Error("expected endpoint to be re-enabled after its recovery window")
	}

	if err := m.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestSweepExpiresFileBedURLCache(t *testing.T) {
	mustLoadConfig(t, `{"metadata_timeout_minutes": 30}`)

	// A non-positive TTL falls back to the default, so use the smallest
	// positive one to make the entry stale by the time sweep runs.
	urlCache, err := filebed.NewURLCache(10, time.Nanosecond)
	if err != nil {
		t.Fatalf("NewURLCache: %v", err)
	}
	urlCache.Put("sha1", "https://example.com/1")
	time.Sleep(time.Millisecond)

	m := &Monitor{Registry: bridge.NewRequestRegistry(), Disabled: bridge.NewDisabledEndpoints(), URLCache: urlCache}
	if err := m.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if urlCache.Len() != 0 {
		t.Errorf("url cache len = %d, want 0", urlCache.Len())
	}
}
