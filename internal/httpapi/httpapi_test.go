package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/dispatch"
	"github.com/rakunlabs/arenabridge/internal/monitor"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
	"github.com/rakunlabs/arenabridge/internal/wsbridge"
)

func newTestServer(mm *config.ModelMap) *Server {
	hub := wsbridge.New(bridge.NewRequestRegistry())
	return New(config.Server{WebSocketPath: "/ws"}, &dispatch.Dispatcher{}, hub, func() *config.ModelMap { return mm }, nil)
}

func TestListModelsDerivesFromEndpointMap(t *testing.T) {
	s := newTestServer(&config.ModelMap{
		Endpoints: map[string]config.ModelEndpointEntry{
			"gpt-arena": {Mappings: []config.EndpointMapping{{SessionID: "s"}}},
		},
	})

	w := httptest.NewRecorder()
	s.listModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp openaiwire.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "gpt-arena" {
		t.Errorf("data = %+v", resp.Data)
	}
	if resp.Data[0].Created == 0 {
		t.Error("expected a non-zero created timestamp")
	}
}

func TestListModelsReturns404WhenEmpty(t *testing.T) {
	s := newTestServer(&config.ModelMap{})

	w := httptest.NewRecorder()
	s.listModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthReflectsPeerConnection(t *testing.T) {
	s := newTestServer(&config.ModelMap{})

	w := httptest.NewRecorder()
	s.health(w, httptest.NewRequest(http.MethodGet, "/internal/healthz", nil))

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %q, want degraded (no peer connected)", body["status"])
	}
}

type fakeCommander struct {
	last string
	err  error
}

func (f *fakeCommander) SendCommand(command string) error {
	f.last = command
	return f.err
}

func TestForwardCommandSendsToCommander(t *testing.T) {
	fc := &fakeCommander{}
	s := &Server{commander: fc}

	handler := s.forwardCommand("refresh")
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodPost, "/internal/refresh", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if fc.last != "refresh" {
		t.Errorf("last command = %q", fc.last)
	}
}

func TestStatsHandlerReturns404WhenMonitorUnset(t *testing.T) {
	s := newTestServer(&config.ModelMap{})

	w := httptest.NewRecorder()
	s.statsHandler(w, httptest.NewRequest(http.MethodGet, "/internal/stats", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatsHandlerReportsCounters(t *testing.T) {
	m := monitor.New()
	m.LogUsage(context.Background(), bridge.UsageRecord{RequestID: "r1", Model: "m1", Stream: true})

	s := &Server{stats: m}

	w := httptest.NewRecorder()
	s.statsHandler(w, httptest.NewRequest(http.MethodGet, "/internal/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var counters monitor.Counters
	if err := json.Unmarshal(body["counters"], &counters); err != nil {
		t.Fatalf("decode counters: %v", err)
	}
	if counters.Total != 1 || counters.Streaming != 1 {
		t.Errorf("counters = %+v", counters)
	}
}

func TestForwardCommandSurfacesError(t *testing.T) {
	fc := &fakeCommander{err: bridge.New(bridge.KindPeerDisconnected, "no peer")}
	s := &Server{commander: fc}

	handler := s.forwardCommand("reconnect")
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodPost, "/internal/reconnect", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}
