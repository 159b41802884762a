// Package httpapi wires the OpenAI-compatible HTTP surface, the WebSocket
// upgrade path, and the internal command-forwarding endpoints onto an
// ada.Server, delegating the actual work to internal/dispatch and
// internal/wsbridge.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/dispatch"
	"github.com/rakunlabs/arenabridge/internal/monitor"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
	"github.com/rakunlabs/arenabridge/internal/wsbridge"
)

// startedAt stands in for each advertised model's "created" timestamp:
// the distilled spec's GET /v1/models shape omits it, but real
// OpenAI-compatible clients expect the field to be present.
var startedAt = time.Now().Unix()

// peerCommander is the subset of *wsbridge.Hub the internal forwarding
// endpoints need.
type peerCommander interface {
	SendCommand(command string) error
}

// statsReporter is the subset of *monitor.Monitor the /internal/stats
// endpoint needs; kept as an interface so Server can be built without a
// Monitor in tests.
type statsReporter interface {
	Snapshot() (monitor.Counters, monitor.CacheStats, []monitor.Entry)
}

// Server bundles the ada mux with the collaborators its handlers delegate
// to. Built once at process startup and started via Start.
type Server struct {
	mux        *ada.Server
	dispatcher *dispatch.Dispatcher
	hub        *wsbridge.Hub
	commander  peerCommander
	modelMap   dispatch.ModelMapSource
	stats      statsReporter
}

// New builds the full route tree. modelMap is read fresh on every
// GET /v1/models call so a reloaded routing table is picked up without a
// restart. stats may be nil; GET /internal/stats then reports 404.
func New(cfg config.Server, d *dispatch.Dispatcher, hub *wsbridge.Hub, modelMap dispatch.ModelMapSource, stats statsReporter) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{mux: mux, dispatcher: d, hub: hub, commander: hub, modelMap: modelMap, stats: stats}

	mux.POST("/v1/chat/completions", d.ServeHTTP)
	mux.GET("/v1/models", s.listModels)

	mux.GET(cfg.WebSocketPath, s.upgrade)

	internal := mux.Group("/internal")
	internal.POST("/refresh", s.forwardCommand("refresh"))
	internal.POST("/reconnect", s.forwardCommand("reconnect"))
	internal.POST("/activate-id-capture", s.forwardCommand("activate_id_capture"))
	internal.POST("/send-page-source", s.forwardCommand("send_page_source"))
	internal.GET("/healthz", s.health)
	internal.GET("/stats", s.statsHandler)

	return s
}

// Start runs the HTTP server, blocking until ctx is cancelled.
func (s *Server) Start(ctx context.Context, host, port string) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(host, port))
}

// listModels implements GET /v1/models, advertising every name in the
// endpoint map plus every model-type-table name not already listed; 404 if
// both are empty.
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	mm := s.modelMap()
	if mm == nil {
		writeJSONError(w, http.StatusNotFound, "no model map loaded")
		return
	}

	seen := make(map[string]bool)
	var data []openaiwire.ModelData

	for name := range mm.Endpoints {
		if seen[name] {
			continue
		}
		seen[name] = true
		data = append(data, openaiwire.ModelData{ID: name, Object: "model", Created: startedAt, OwnedBy: "arenabridge"})
	}
	for name := range mm.Models {
		if seen[name] {
			continue
		}
		seen[name] = true
		data = append(data, openaiwire.ModelData{ID: name, Object: "model", Created: startedAt, OwnedBy: "arenabridge"})
	}

	if len(data) == 0 {
		writeJSONError(w, http.StatusNotFound, "no models configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openaiwire.ModelsResponse{Object: "list", Data: data})
}

// upgrade accepts the single paired-browser WebSocket connection at the
// configured fixed path.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r); err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
	}
}

// forwardCommand builds a handler that sends one out-of-band {command:...}
// instruction to the peer; these are not part of the public OpenAI-facing
// contract and exist for operator/automation tooling only.
func (s *Server) forwardCommand(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.commander.SendCommand(command); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.hub.Connected() {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// statsHandler implements GET /internal/stats: request counters, cache
// occupancy, and the recent-request history, for operator dashboards and
// debugging. 404 if no Monitor was wired in.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSONError(w, http.StatusNotFound, "monitoring not enabled")
		return
	}

	counters, cache, history := s.stats.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"counters": counters,
		"caches":   cache,
		"recent":   history,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openaiwire.ErrorBody{
		Error: openaiwire.ErrorDetail{Message: message, Type: "invalid_request_error"},
	})
}
