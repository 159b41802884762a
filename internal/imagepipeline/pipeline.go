// Package imagepipeline resolves upstream image URLs into the markdown the
// client-facing assembler emits, either passing the URL straight through or
// downloading, base64-encoding, and caching the image first.
package imagepipeline

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/worldline-go/klient"

	"github.com/rakunlabs/arenabridge/internal/config"
)

// Pipeline owns the shared download client, the bounded concurrency gate,
// and the base64 rendering cache.
type Pipeline struct {
	client *klient.Client
	cache  *ImageBase64Cache
	gate   chan struct{}
}

// New builds a Pipeline from cfg's connection-pool, timeout, and cache
// settings, the same klient construction shape used by
// internal/service/llm/openai.New, with the transport further tuned from
// Config.ConnectionPool since klient itself exposes no pool-sizing option.
func New(cfg *config.Config) (*Pipeline, error) {
	client, err := klient.New(
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
		klient.WithInsecureSkipVerify(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build image download client: %w", err)
	}

	client.HTTP.Transport = &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.TotalLimit,
		MaxIdleConnsPerHost: cfg.ConnectionPool.PerHostLimit,
		MaxConnsPerHost:     cfg.ConnectionPool.PerHostLimit,
		IdleConnTimeout:     time.Duration(cfg.ConnectionPool.KeepAliveTimeout) * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.DownloadTimeout.ConnectSeconds) * time.Second,
		}).DialContext,
	}
	client.HTTP.Timeout = time.Duration(cfg.DownloadTimeout.TotalSeconds) * time.Second

	cache, err := NewImageBase64Cache(cfg.MemoryManagement.CacheConfig.ImageCacheMaxEntries, DefaultImageCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("build image cache: %w", err)
	}

	concurrency := cfg.MaxConcurrentDownloads
	if concurrency <= 0 {
		concurrency = 8
	}

	return &Pipeline{
		client: client,
		cache:  cache,
		gate:   make(chan struct{}, concurrency),
	}, nil
}

// Cache exposes the base64 rendering cache for housekeeping's trim sweep.
func (p *Pipeline) Cache() *ImageBase64Cache {
	return p.cache
}

// Resolve renders url as markdown per cfg.ImageReturnFormat.Mode. In url
// mode the upstream link is used immediately (download-for-local-save is
// fired in the background). In base64 mode a cache hit short-circuits the
// download; a miss downloads and caches the image, and a download failure
// degrades to the URL form.
func (p *Pipeline) Resolve(ctx context.Context, cfg *config.Config, url string) string {
	if cfg.ImageReturnFormat.Mode != config.ImageReturnBase64 {
		if cfg.SaveImagesLocally {
			go p.saveLocallyBestEffort(context.Background(), cfg, url)
		}
		return fmt.Sprintf("![Image](%s)", url)
	}

	if markdown, ok := p.cache.Get(url); ok {
		return markdown
	}

	data, contentType, err := p.download(ctx, cfg, url)
	if err != nil {
		slog.Warn("image download failed, degrading to url form", "url", url, "error", err)
		return fmt.Sprintf("![Image](%s)", url)
	}

	if cfg.SaveImagesLocally {
		go p.writeLocal(cfg, data, contentType)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	markdown := fmt.Sprintf("![Image](data:%s;base64,%s)", contentType, encoded)
	p.cache.Put(url, markdown)
	return markdown
}

// download fetches url with a bounded number of retries and a backoff
// that starts at one second and doubles per retry, throttled by the
// concurrency gate.
func (p *Pipeline) download(ctx context.Context, cfg *config.Config, url string) ([]byte, string, error) {
	select {
	case p.gate <- struct{}{}:
		defer func() { <-p.gate }()
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	maxRetries := cfg.DownloadTimeout.MaxRetries
	backoff := time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
			backoff *= 2
		}

		data, contentType, err := p.doDownload(ctx, url)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
	}

	return nil, "", fmt.Errorf("download %s after %d attempts: %w", url, maxRetries+1, lastErr)
}

func (p *Pipeline) doDownload(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// saveLocallyBestEffort downloads url independently of the return-mode path,
// used when save_images_locally is set but the return mode is url (so the
// main Resolve call never downloads).
func (p *Pipeline) saveLocallyBestEffort(ctx context.Context, cfg *config.Config, url string) {
	data, contentType, err := p.download(ctx, cfg, url)
	if err != nil {
		slog.Warn("background image save failed", "url", url, "error", err)
		return
	}
	p.writeLocal(cfg, data, contentType)
}

// writeLocal applies the optional local-save re-encoding and writes the
// result under LocalSaveFormat.Directory.
func (p *Pipeline) writeLocal(cfg *config.Config, data []byte, contentType string) {
	out, ext := data, extensionFor(contentType)

	if cfg.LocalSaveFormat.Enabled && cfg.LocalSaveFormat.Format != "" && cfg.LocalSaveFormat.Format != "original" {
		reencoded, reencodedExt, err := reencode(data, cfg.LocalSaveFormat.Format, cfg.LocalSaveFormat.JPEGQuality)
		if err != nil {
			slog.Warn("local save re-encode failed, keeping original bytes", "format", cfg.LocalSaveFormat.Format, "error", err)
		} else {
			out, ext = reencoded, reencodedExt
		}
	}

	dir := cfg.LocalSaveFormat.Directory
	if dir == "" {
		dir = "downloaded_images"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("create local image save directory", "dir", dir, "error", err)
		return
	}

	name := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(name, out, 0o644); err != nil {
		slog.Error("write local image save", "path", name, "error", err)
	}
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	default:
		return ".bin"
	}
}
