package imagepipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rakunlabs/arenabridge/internal/config"
)

func testConfig(mode config.ImageReturnMode) *config.Config {
	cfg := &config.Config{}
	cfg.ImageReturnFormat.Mode = mode
	cfg.MaxConcurrentDownloads = 4
	cfg.DownloadTimeout.TotalSeconds = 5
	cfg.DownloadTimeout.ConnectSeconds = 5
	cfg.DownloadTimeout.MaxRetries = 0
	cfg.MemoryManagement.CacheConfig.ImageCacheMaxEntries = 10
	return cfg
}

func TestResolveURLModePassesThroughWithoutDownload(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("binary"))
	}))
	defer srv.Close()

	cfg := testConfig(config.ImageReturnURL)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := p.Resolve(context.Background(), cfg, srv.URL+"/img.png")
	want := "![Image](" + srv.URL + "/img.png)"
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no download in url mode, got %d hits", hits)
	}
}

func TestResolveBase64ModeDownloadsAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	cfg := testConfig(config.ImageReturnBase64)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	url := srv.URL + "/img.png"
	first := p.Resolve(context.Background(), cfg, url)
	if !strings.HasPrefix(first, "![Image](data:image/png;base64,") {
		t.Fatalf("first resolve = %q", first)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one download, got %d", hits)
	}

	second := p.Resolve(context.Background(), cfg, url)
	if second != first {
		t.Errorf("cached resolve mismatch: %q vs %q", second, first)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected cache hit to avoid a second download, got %d downloads", hits)
	}
}

func TestResolveBase64ModeDegradesToURLOnDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(config.ImageReturnBase64)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	url := srv.URL + "/broken.png"
	got := p.Resolve(context.Background(), cfg, url)
	want := "![Image](" + url + ")"
	if got != want {
		t.Errorf("Resolve = %q, want degraded form %q", got, want)
	}
}

func TestImageBase64CacheTrimTo(t *testing.T) {
	c, err := NewImageBase64Cache(100, DefaultImageCacheTTL)
	if err != nil {
		t.Fatalf("NewImageBase64Cache: %v", err)
	}
	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), "markdown")
	}
	removed := c.TrimTo(3)
	if removed != 7 {
		t.Errorf("removed = %d, want 7", removed)
	}
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
}
