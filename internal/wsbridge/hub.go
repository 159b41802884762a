// Package wsbridge owns the single paired browser WebSocket connection.
// Only one peer is ever held; a new upgrade atomically replaces whatever
// connection came before it. Outbound writes are serialised through the
// Hub so no other component touches the socket directly, and inbound
// frames are fanned out to the per-request queues in internal/bridge by
// requestId.
package wsbridge

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundFrame is the shape the peer sends: {requestId, data}. data is
// itself JSON-encoded: a string or array of strings carrying the literal
// prefix-tagged stream text (e.g. `a0:"Hello"`), or an object
// ({"error":...} / {"retry_info":...}) passed through unchanged. decodeData
// unwraps the string/array cases before the bytes reach the Stream Parser.
type inboundFrame struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// decodeData turns the frame's data field into the literal bytes the Stream
// Parser expects. A JSON string is unquoted to its decoded text; a JSON
// array of strings is decoded and concatenated in order. Anything else
// (an object, or already-bare text) passes through untouched, since the
// parser recognises {"error":...} and {"retry_info":...} frames directly.
func decodeData(data json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return data
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return data
		}
		return []byte(s)

	case '[':
		var parts []string
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return data
		}
		return []byte(strings.Join(parts, ""))

	default:
		return data
	}
}

// outboundCommand is an out-of-band instruction sent to the peer outside
// the normal {requestId, payload} dispatch shape.
type outboundCommand struct {
	Command string `json:"command"`
}

// Hub holds the single active peer connection.
type Hub struct {
	registry *bridge.RequestRegistry

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	refreshing atomic.Bool

	// OnReconnect, if set, is invoked after every successful upgrade,
	// whether it replaces a live connection or binds a peer after a drop;
	// Recovery uses it to begin replaying pending and in-flight requests.
	OnReconnect func()

	// QueueSize records a per-request event queue size. The Hub creates no
	// queues and does not read it; the Dispatcher sizes the queues it creates.
	QueueSize int
}

// New builds a Hub bound to registry, used to route inbound fragments.
func New(registry *bridge.RequestRegistry) *Hub {
	return &Hub{registry: registry, QueueSize: 256}
}

// Connected reports whether a peer is currently bound.
func (h *Hub) Connected() bool {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return h.conn != nil
}

// RefreshingForVerification reports whether a captcha-refresh has been sent
// to the peer and not yet cleared by a fresh upgrade.
func (h *Hub) RefreshingForVerification() bool {
	return h.refreshing.Load()
}

// MarkRefreshing flags that a refresh command has been sent, so a second
// Cloudflare-challenge occurrence in the same session does not re-trigger it.
func (h *Hub) MarkRefreshing() {
	h.refreshing.Store(true)
}

// Upgrade accepts one WebSocket upgrade at a fixed path, atomically
// replacing any previous peer (closing the old connection first), and
// starts the receive loop. It blocks until the connection closes.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h.connMu.Lock()
	prev := h.conn
	h.conn = conn
	h.connMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	h.refreshing.Store(false)

	wasReconnect := prev != nil
	slog.Info("websocket peer upgraded", "reconnect", wasReconnect)

	// A dropped peer has already been cleared by handleDisconnect, so prev is
	// nil on a reconnect after a drop; fire regardless so stranded requests
	// are replayed.
	if h.OnReconnect != nil {
		h.OnReconnect()
	}

	h.receiveLoop(conn)
	return nil
}

// receiveLoop reads JSON frames off conn until it errors or closes, routing
// each to the matching request queue. It only returns once this connection
// is no longer the active one or has failed.
func (h *Hub) receiveLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.handleDisconnect(conn, err)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("websocket frame decode failed", "error", err)
			continue
		}

		h.route(frame)
	}
}

// route delivers one frame's decoded data to its request queue, or logs and
// drops it as an orphan if the requestId is unknown (invariant 1).
func (h *Hub) route(frame inboundFrame) {
	q, ok := h.registry.Queue(frame.RequestID)
	if !ok {
		slog.Warn("orphan websocket frame dropped", "requestId", frame.RequestID)
		return
	}

	select {
	case q <- decodeData(frame.Data):
	default:
		slog.Error("event queue full, dropping fragment", "requestId", frame.RequestID)
	}
}

// handleDisconnect runs when the active connection errors out. If this
// connection has already been superseded by a newer Upgrade, it is a no-op;
// otherwise it clears the peer reference and, per whether auto-retry is
// enabled, either terminates every live queue or leaves them intact for
// Recovery to replay once the peer reconnects.
func (h *Hub) handleDisconnect(conn *websocket.Conn, cause error) {
	h.connMu.Lock()
	superseded := h.conn != conn
	if !superseded {
		h.conn = nil
	}
	h.connMu.Unlock()

	if superseded {
		return
	}

	slog.Warn("websocket peer disconnected", "error", cause)

	if config.Current().EnableAutoRetry {
		// Leave every queue intact; Recovery replays them once the peer
		// reconnects and OnReconnect fires.
		return
	}

	terminal, _ := json.Marshal(map[string]string{"error": "peer disconnected"})
	ids := h.registry.TerminateAll(terminal)
	if len(ids) > 0 {
		slog.Info("terminated in-flight requests on disconnect", "count", len(ids))
	}
}

// SendText writes an arbitrary JSON-serialisable payload to the peer,
// serialising concurrent writers behind a single mutex. Returns
// bridge.KindPeerDisconnected if no peer is bound.
func (h *Hub) SendText(v any) error {
	h.connMu.RLock()
	conn := h.conn
	h.connMu.RUnlock()

	if conn == nil {
		return bridge.New(bridge.KindPeerDisconnected, "no websocket peer connected")
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	return conn.WriteJSON(v)
}

// SendCommand sends an out-of-band {"command": ...} instruction to the
// peer, used for refresh/reconnect/id-capture/page-source requests.
func (h *Hub) SendCommand(command string) error {
	return h.SendText(outboundCommand{Command: command})
}

// SendRefresh sends the refresh command and marks the session as awaiting
// verification, a one-shot action per Cloudflare-challenge occurrence.
func (h *Hub) SendRefresh() error {
	h.MarkRefreshing()
	return h.SendCommand("refresh")
}
