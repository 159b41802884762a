// Package filebed uploads inline image bytes to one of the configured
// external file-bed endpoints, implementing internal/translate's
// FileBedUploader contract. Endpoint selection follows
// file_bed_selection_strategy, with failed endpoints temporarily taken out
// of rotation via internal/bridge.DisabledEndpoints.
package filebed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
)

// RecoveryTime is the default auto-recovery window for a disabled endpoint,
// matching the documented FILEBED_RECOVERY_TIME default of 5 minutes.
const RecoveryTime = 5 * time.Minute

// Client uploads images to the configured file-bed endpoints.
type Client struct {
	httpClient *klient.Client
	disabled   *bridge.DisabledEndpoints
	roundRobin *bridge.RoundRobinIndex
	cache      *URLCache
}

// New builds a Client. cacheMaxEntries bounds the upload-URL cache.
func New(cacheMaxEntries int) (*Client, error) {
	httpClient, err := klient.New(
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build file-bed upload client: %w", err)
	}

	cache, err := NewURLCache(cacheMaxEntries, DefaultURLCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("build file-bed url cache: %w", err)
	}

	return &Client{
		httpClient: httpClient,
		disabled:   bridge.NewDisabledEndpoints(),
		roundRobin: bridge.NewRoundRobinIndex(),
		cache:      cache,
	}, nil
}

// Disabled exposes the disabled-endpoint tracker for housekeeping's sweep.
func (c *Client) Disabled() *bridge.DisabledEndpoints {
	return c.disabled
}

// Cache exposes the upload-URL cache for housekeeping's sweep.
func (c *Client) Cache() *URLCache {
	return c.cache
}

// Upload implements translate.FileBedUploader: it checks the URL cache, then
// tries candidate endpoints in the order file_bed_selection_strategy
// prescribes until one accepts the upload.
func (c *Client) Upload(ctx context.Context, sha256Hex string, data []byte, contentType string) (string, error) {
	if cached, ok := c.cache.Get(sha256Hex); ok {
		return cached, nil
	}

	cfg := config.Current()
	candidates := c.order(cfg)
	if len(candidates) == 0 {
		return "", bridge.New(bridge.KindAttachmentProcessing, "no file-bed endpoints available")
	}

	var lastErr error
	for _, ep := range candidates {
		url, err := c.uploadTo(ctx, ep, data, contentType)
		if err == nil {
			c.cache.Put(sha256Hex, url)
			return url, nil
		}
		slog.Warn("file-bed upload failed, trying next endpoint", "endpoint", ep.Name, "error", err)
		c.disabled.Disable(ep.Name)
		lastErr = err
	}

	return "", bridge.Wrap(bridge.KindAttachmentProcessing, "all file-bed endpoints failed", lastErr)
}

// order returns the enabled, currently-not-disabled endpoints in the order
// the configured selection strategy prescribes.
func (c *Client) order(cfg *config.Config) []config.FileBedEndpoint {
	var live []config.FileBedEndpoint
	for _, ep := range cfg.FileBedEndpoints {
		if !ep.Enabled {
			continue
		}
		if c.disabled.IsDisabled(ep.Name, RecoveryTime) {
			continue
		}
		live = append(live, ep)
	}
	if len(live) == 0 {
		return nil
	}

	switch cfg.FileBedSelectionStrategy {
	case config.StrategyRandom:
		shuffled := make([]config.FileBedEndpoint, len(live))
		copy(shuffled, live)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled

	case config.StrategyRoundRobin:
		start := c.roundRobin.Next("filebed", len(live))
		rotated := make([]config.FileBedEndpoint, 0, len(live))
		rotated = append(rotated, live[start:]...)
		rotated = append(rotated, live[:start]...)
		return rotated

	default: // failover: configuration order
		return live
	}
}

func (c *Client) uploadTo(ctx context.Context, ep config.FileBedEndpoint, data []byte, contentType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(ep.FormFileField, "image")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	for k, v := range ep.FormDataFields {
		if err := writer.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if ep.APIKey != "" {
		header := ep.APIKeyHeader
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, ep.APIKey)
	}

	resp, err := c.httpClient.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("endpoint %s returned status %d", ep.Name, resp.StatusCode)
	}

	if ep.ResponseType == "text" {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return "", err
		}
		return buf.String(), nil
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode json response: %w", err)
	}
	key := ep.JSONURLKey
	if key == "" {
		key = "url"
	}
	url, ok := payload[key].(string)
	if !ok || url == "" {
		return "", fmt.Errorf("response missing string field %q", key)
	}
	return url, nil
}
