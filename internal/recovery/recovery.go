// Package recovery replays requests stranded by a WebSocket peer drop once
// the peer reconnects: requests still waiting in the pending queue, and
// requests that had already been dispatched but whose response never
// arrived before the socket closed.
package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
)

// ReplaySpacing is the pause between successive replays, to avoid bursting
// the peer with every stranded request at once.
const ReplaySpacing = time.Second

// Replayer runs one OpenAI request through the dispatch pipeline exactly as
// if it were a fresh HTTP call, reusing the caller context resolved at
// original dispatch time, and returns the raw response body on success.
// Implemented by internal/dispatch.
type Replayer interface {
	Replay(ctx context.Context, req openaiwire.ChatCompletionRequest, meta bridge.RequestMeta) (json.RawMessage, error)
}

// Recovery owns the pending queue and registry it drains on reconnect.
type Recovery struct {
	pending  *bridge.PendingQueue
	registry *bridge.RequestRegistry
	replayer Replayer
	spacing  time.Duration
}

// New builds a Recovery wired to the given pending queue, registry, and
// replayer.
func New(pending *bridge.PendingQueue, registry *bridge.RequestRegistry, replayer Replayer) *Recovery {
	return &Recovery{pending: pending, registry: registry, replayer: replayer, spacing: ReplaySpacing}
}

// OnReconnect is wired as wsbridge.Hub.OnReconnect. It returns immediately;
// replay runs on its own goroutine so the Hub's upgrade handler is never
// blocked by a slow replay pipeline.
func (r *Recovery) OnReconnect() {
	go r.replayAll(context.Background())
}

// replayAll gathers both stranded populations, clears the registry's view of
// the previously-dispatched ones (they are about to run again under a fresh
// requestId), and replays everything with fixed spacing.
func (r *Recovery) replayAll(ctx context.Context) {
	toReplay := r.pending.DrainAll()

	for _, rec := range r.registry.Snapshot() {
		p, err := rebuildPending(rec)
		if err != nil {
			slog.Error("recovery: failed to rebuild pending request from stranded record", "requestId", rec.RequestID, "error", err)
			r.registry.Remove(rec.RequestID)
			continue
		}
		toReplay = append(toReplay, p)
		r.registry.Remove(rec.RequestID)
	}

	if len(toReplay) == 0 {
		return
	}

	slog.Info("recovery: replaying stranded requests", "count", len(toReplay))

	for i, p := range toReplay {
		if i > 0 {
			time.Sleep(r.spacing)
		}
		go r.replayOne(ctx, p)
	}
}

// rebuildPending reconstructs the original OpenAI request JSON from a saved
// RequestRecord, the information the Dispatcher captured at first dispatch.
func rebuildPending(rec *bridge.RequestRecord) (*bridge.PendingRequest, error) {
	var messages []openaiwire.Message
	if len(rec.MessagesSnapshot) > 0 {
		if err := json.Unmarshal(rec.MessagesSnapshot, &messages); err != nil {
			return nil, err
		}
	}

	req := openaiwire.ChatCompletionRequest{
		Model:    rec.Model,
		Messages: messages,
		Stream:   rec.Stream,
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	p := bridge.NewPendingRequest(raw, rec.RequestID)
	p.Meta = bridge.RequestMeta{
		TokenInfo: rec.TokenInfo,
		ClientIP:  rec.ClientIP,
		UserAgent: rec.UserAgent,
		Country:   rec.Country,
		City:      rec.City,
		Platform:  rec.Platform,
	}
	return p, nil
}

// replayOne runs one stranded or freshly-parked request through the
// replayer and fulfills its future with the outcome.
func (r *Recovery) replayOne(ctx context.Context, p *bridge.PendingRequest) {
	var req openaiwire.ChatCompletionRequest
	if err := json.Unmarshal(p.OpenAIRequest, &req); err != nil {
		p.Fulfill(bridge.PendingResult{Err: err})
		return
	}

	resp, err := r.replayer.Replay(ctx, req, p.Meta)
	p.Fulfill(bridge.PendingResult{Response: resp, Err: err})
}
