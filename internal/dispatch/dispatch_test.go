package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
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

type fakeTokens struct{}

func (fakeTokens) Validate(ctx context.Context, token string) (bridge.TokenInfo, error) {
	return bridge.TokenInfo{Subject: "caller"}, nil
}

// scriptedPeer simulates a connected WebSocket peer: on SendText it
// immediately pushes a fixed fragment script into the request's queue, the
// way a real upstream would answer moments after receiving the dispatch
// frame.
type scriptedPeer struct {
	connected bool
	registry  *bridge.RequestRegistry
	script    [][]byte
}

func (p *scriptedPeer) Connected() bool { return p.connected }

func (p *scriptedPeer) SendText(v any) error {
	frame, ok := v.(bridge.OutboundFrame)
	if !ok {
		return nil
	}
	q, ok := p.registry.Queue(frame.RequestID)
	if !ok {
		return nil
	}
	for _, fragment := range p.script {
		q <- fragment
	}
	return nil
}

func newTestDispatcher(t *testing.T, peer Peer) *Dispatcher {
	t.Helper()

	mm := &config.ModelMap{
		Models: map[string]config.ModelEntry{
			"m1": {Type: config.ModelTypeText},
		},
		Endpoints: map[string]config.ModelEndpointEntry{
			"m1": {Mappings: []config.EndpointMapping{{SessionID: "s1", MessageID: "msg1"}}},
		},
	}

	registry := bridge.NewRequestRegistry()
	if sp, ok := peer.(*scriptedPeer); ok {
		sp.registry = registry
	}

	return &Dispatcher{
		Tokens:     fakeTokens{},
		Registry:   registry,
		Pending:    bridge.NewPendingQueue(),
		RoundRobin: bridge.NewRoundRobinIndex(),
		Hub:        peer,
		ModelMap:   func() *config.ModelMap { return mm },
	}
}

func newChatRequest(model string, stream bool) *http.Request {
	body, _ := json.Marshal(openaiwire.ChatCompletionRequest{
		Model:    model,
		Messages: []openaiwire.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Stream:   stream,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer token123")
	return req
}

func TestDispatcherNonStreamingHappyPath(t *testing.T) {
	mustLoadConfig(t, `{"enable_auto_retry": false, "stream_response_timeout_seconds": 5}`)

	peer := &scriptedPeer{connected: true, script: [][]byte{
		[]byte(`a0:"Hello"`),
		[]byte(`ad:{"finishReason":"stop"}`),
		[]byte(`[DONE]`),
	}}
	d := newTestDispatcher(t, peer)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, newChatRequest("m1", false))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp openaiwire.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello" {
		t.Errorf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}

	if d.Registry.Len() != 0 {
		t.Error("expected registry entry to be removed after completion")
	}
}

func TestDispatcherStreamingHappyPath(t *testing.T) {
	mustLoadConfig(t, `{"enable_auto_retry": false, "stream_response_timeout_seconds": 5}`)

	peer := &scriptedPeer{connected: true, script: [][]byte{
		[]byte(`a0:"Hi"`),
		[]byte(`ad:{"finishReason":"stop"}`),
		[]byte(`[DONE]`),
	}}
	d := newTestDispatcher(t, peer)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, newChatRequest("m1", true))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Errorf("body missing [DONE] sentinel: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"content":"Hi"`) {
		t.Errorf("body missing content delta: %s", w.Body.String())
	}
}

func TestDispatcherReturns503WhenPeerDisconnectedAndAutoRetryDisabled(t *testing.T) {
	mustLoadConfig(t, `{"enable_auto_retry": false}`)

	peer := &scriptedPeer{connected: false}
	d := newTestDispatcher(t, peer)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, newChatRequest("m1", false))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestDispatcherUnknownModelWithoutDefaultFallbackReturns400(t *testing.T) {
	mustLoadConfig(t, `{"enable_auto_retry": false, "use_default_ids_if_mapping_not_found": false}`)

	peer := &scriptedPeer{connected: true}
	d := newTestDispatcher(t, peer)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, newChatRequest("does-not-exist", false))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestDispatcherUnknownModelFallsBackToDefaultIDs(t *testing.T) {
	mustLoadConfig(t, `{
		"enable_auto_retry": false,
		"use_default_ids_if_mapping_not_found": true,
		"session_id": "default-session",
		"message_id": "default-message",
		"stream_response_timeout_seconds": 5
	}`)

	peer := &scriptedPeer{connected: true, script: [][]byte{
		[]byte(`a0:"ok"`),
		[]byte(`ad:{"finishReason":"stop"}`),
		[]byte(`[DONE]`),
	}}
	d := newTestDispatcher(t, peer)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, newChatRequest("does-not-exist", false))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
