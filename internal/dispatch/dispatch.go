// Package dispatch implements the request pipeline behind
// POST /v1/chat/completions: token validation, geo/UA classification,
// endpoint resolution, translation, the single send to the WebSocket peer,
// and response assembly — either streamed or as one JSON body.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/arenabridge/internal/assemble"
	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
	"github.com/rakunlabs/arenabridge/internal/streamparse"
	"github.com/rakunlabs/arenabridge/internal/translate"
)

// Peer is the narrow view of the WebSocket Hub the Dispatcher needs.
type Peer interface {
	Connected() bool
	SendText(v any) error
}

// ModelMapSource resolves the current model/endpoint routing table. A
// pointer indirection lets the Dispatcher observe config/model-map reloads
// without re-wiring.
type ModelMapSource func() *config.ModelMap

// Dispatcher runs the full single-request pipeline.
type Dispatcher struct {
	Tokens   bridge.TokenValidator
	Geo      bridge.GeoLookup
	UA       bridge.UAClassifier
	Usage    bridge.UsageLogger // optional
	Uploader translate.FileBedUploader
	Images   assemble.ImageResolver // optional

	Registry   *bridge.RequestRegistry
	Pending    *bridge.PendingQueue
	RoundRobin *bridge.RoundRobinIndex
	Hub        Peer
	ModelMap   ModelMapSource
}

// ServeHTTP implements the Dispatcher as the POST /v1/chat/completions
// handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := bearerToken(r.Header.Get("Authorization"))
	tokenInfo, err := d.Tokens.Validate(ctx, token)
	if err != nil {
		writeError(w, bridge.New(bridge.KindAuthInvalid, "invalid or missing bearer token"))
		return
	}
	if tokenInfo.Expired() {
		writeError(w, bridge.New(bridge.KindAuthInvalid, "token has expired"))
		return
	}

	var req openaiwire.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bridge.Wrap(bridge.KindBadRequest, "invalid request body", err))
		return
	}

	if !tokenInfo.AllowsModel(req.Model) {
		writeError(w, bridge.New(bridge.KindAuthInvalid, "token is not scoped to this model"))
		return
	}

	meta := bridge.RequestMeta{TokenInfo: tokenInfo, ClientIP: clientIP(r), UserAgent: r.UserAgent()}
	if d.Geo != nil {
		if info, err := d.Geo.Lookup(ctx, meta.ClientIP); err == nil {
			meta.Country, meta.City = info.Country, info.City
		}
	}
	if d.UA != nil {
		meta.Platform = d.UA.Classify(meta.UserAgent)
	}

	resp, streamResp, berr := d.run(ctx, req, meta, w)
	if berr != nil {
		writeError(w, berr)
		return
	}
	if streamResp {
		return // the stream assembler already wrote the full SSE body
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Replay implements recovery.Replayer: it runs the pipeline for a request
// that has no live http.ResponseWriter, so streaming requests are rendered
// to an in-memory SSE buffer and returned as the raw response body.
func (d *Dispatcher) Replay(ctx context.Context, req openaiwire.ChatCompletionRequest, meta bridge.RequestMeta) (json.RawMessage, error) {
	if req.Stream {
		buf := newBufferedResponseWriter()
		_, _, err := d.run(ctx, req, meta, buf)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(buf.body.Bytes()), nil
	}

	resp, _, err := d.run(ctx, req, meta, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// run executes steps 3-9 of the dispatch algorithm; step 1/2 (token, geo/UA)
// are already resolved into meta by the caller.
func (d *Dispatcher) run(ctx context.Context, req openaiwire.ChatCompletionRequest, meta bridge.RequestMeta, w http.ResponseWriter) (openaiwire.ChatCompletionResponse, bool, *bridge.Error) {
	cfg := config.Current()

	modelType, mapping, berr := d.resolveEndpoint(cfg, req.Model)
	if berr != nil {
		return openaiwire.ChatCompletionResponse{}, false, berr
	}

	if !d.Hub.Connected() {
		if !cfg.EnableAutoRetry {
			return openaiwire.ChatCompletionResponse{}, false, bridge.New(bridge.KindPeerDisconnected, "no websocket peer connected")
		}

		result, berr := d.parkAndAwait(ctx, req, meta, cfg)
		if berr != nil {
			return openaiwire.ChatCompletionResponse{}, false, berr
		}

		var resp openaiwire.ChatCompletionResponse
		if err := json.Unmarshal(result, &resp); err != nil {
			return openaiwire.ChatCompletionResponse{}, false, bridge.Internal(err)
		}
		return resp, false, nil
	}

	requestID := uuid.NewString()
	started := time.Now()
	messagesSnapshot, _ := json.Marshal(req.Messages)

	record := &bridge.RequestRecord{
		RequestID:            requestID,
		CreatedAt:            time.Now(),
		Model:                req.Model,
		ModelType:            modelType,
		Stream:               req.Stream,
		MessagesSnapshot:      messagesSnapshot,
		SessionID:            mapping.SessionID,
		MessageID:            mapping.MessageID,
		ModeOverride:         mapping.Mode,
		BattleTargetOverride: mapping.BattleTarget,
		TokenInfo:            meta.TokenInfo,
		ClientIP:             meta.ClientIP,
		UserAgent:            meta.UserAgent,
		Country:              meta.Country,
		City:                 meta.City,
		Platform:             meta.Platform,
	}
	queue := d.Registry.Create(record, d.queueSize())

	payload, err := translate.Translate(ctx, translate.Input{
		Request:       req,
		Config:        cfg,
		Mapping:       mapping,
		ModelType:     modelType,
		TargetModelID: req.Model,
	}, d.Uploader)
	if err != nil {
		d.Registry.Remove(requestID)
		if be, ok := err.(*bridge.Error); ok {
			return openaiwire.ChatCompletionResponse{}, false, be
		}
		return openaiwire.ChatCompletionResponse{}, false, bridge.Internal(err)
	}

	if err := d.Hub.SendText(bridge.OutboundFrame{RequestID: requestID, Payload: payload}); err != nil {
		d.Registry.Remove(requestID)
		return openaiwire.ChatCompletionResponse{}, false, bridge.Internal(err)
	}

	chatID := assemble.GenerateChatID()
	promptText := concatMessageText(req.Messages)

	if req.Stream && w != nil {
		sa, err := assemble.NewStreamAssemblerWithImages(ctx, w, cfg, chatID, req.Model, d.Images)
		if err != nil {
			d.Registry.Remove(requestID)
			return openaiwire.ChatCompletionResponse{}, false, bridge.Internal(err)
		}
		d.pump(ctx, cfg, queue, requestID, sa.HandleEvent)
		sa.Finish()
		d.Registry.Remove(requestID)
		d.logUsage(ctx, requestID, req.Model, meta, true, started, openaiwire.ChatCompletionUsage{}, "")
		return openaiwire.ChatCompletionResponse{}, true, nil
	}

	na := assemble.NewNonStreamAssemblerWithImages(ctx, cfg, chatID, req.Model, promptText, d.Images)
	d.pump(ctx, cfg, queue, requestID, na.HandleEvent)
	d.Registry.Remove(requestID)
	resp := na.Build()
	d.logUsage(ctx, requestID, req.Model, meta, false, started, resp.Usage, "")
	return resp, false, nil
}

// logUsage reports one completed request to the external usage sink, if
// wired. A no-op when d.Usage is nil, so components under test never need
// a fake logger.
func (d *Dispatcher) logUsage(ctx context.Context, requestID, model string, meta bridge.RequestMeta, stream bool, started time.Time, usage openaiwire.ChatCompletionUsage, errKind bridge.Kind) {
	if d.Usage == nil {
		return
	}
	d.Usage.LogUsage(ctx, bridge.UsageRecord{
		RequestID:        requestID,
		TokenSubject:     meta.TokenInfo.Subject,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Stream:           stream,
		Duration:         time.Since(started),
		ErrorKind:        errKind,
	})
}

// pump reads parsed events off the request's queue until a terminal event
// or the stream-response timeout elapses, handing each to handle.
func (d *Dispatcher) pump(ctx context.Context, cfg *config.Config, queue bridge.EventQueue, requestID string, handle func(streamparse.Event)) {
	parser := streamparse.New()
	timeout := time.Duration(cfg.StreamResponseTimeout()) * time.Second

	for {
		select {
		case fragment, ok := <-queue:
			if !ok {
				return
			}
			for _, ev := range parser.Feed(fragment) {
				if ev.Kind == streamparse.EventRetryInfo {
					slog.Info("peer retrying upstream send", "requestId", requestID,
						"attempt", ev.RetryInfo.Attempt, "maxAttempts", ev.RetryInfo.MaxAttempts, "reason", ev.RetryInfo.Reason)
				}
				handle(ev)
			}
			if parser.Done() {
				return
			}

		case <-time.After(timeout):
			handle(streamparse.Event{Kind: streamparse.EventError, Text: "timeout"})
			return

		case <-ctx.Done():
			handle(streamparse.Event{Kind: streamparse.EventError, Text: "client disconnected"})
			return
		}
	}
}

// resolveEndpoint implements algorithm steps 3-4: model-type resolution and
// endpoint selection (round-robin list, static mapping, or config default).
func (d *Dispatcher) resolveEndpoint(cfg *config.Config, model string) (config.ModelType, config.EndpointMapping, *bridge.Error) {
	mm := d.ModelMap()

	modelType := config.ModelTypeText
	if mm != nil {
		if entry, ok := mm.Models[model]; ok {
			modelType = entry.Type
		}
	}

	if mm != nil {
		if endpoint, ok := mm.Endpoints[model]; ok && len(endpoint.Mappings) > 0 {
			if endpoint.IsList() {
				idx := d.RoundRobin.Next(model, len(endpoint.Mappings))
				return modelType, endpoint.Mappings[idx], nil
			}
			return modelType, endpoint.Mappings[0], nil
		}
	}

	if cfg.UseDefaultIDsIfMappingNotFound {
		return modelType, config.EndpointMapping{SessionID: cfg.SessionID, MessageID: cfg.MessageID}, nil
	}

	return modelType, config.EndpointMapping{}, bridge.New(bridge.KindSessionUnresolved, "no endpoint mapping for model "+model)
}

// parkAndAwait implements algorithm step 5's auto-retry branch: park the
// call in the pending queue and wait for either a future fulfillment or the
// configured retry timeout.
func (d *Dispatcher) parkAndAwait(ctx context.Context, req openaiwire.ChatCompletionRequest, meta bridge.RequestMeta, cfg *config.Config) (json.RawMessage, *bridge.Error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, bridge.Internal(err)
	}

	p := bridge.NewPendingRequest(raw, "")
	p.Meta = meta
	d.Pending.Push(p)

	timeout := time.Duration(cfg.RetryTimeoutSeconds) * time.Second

	select {
	case res := <-p.Future:
		if res.Err != nil {
			return nil, bridge.Internal(res.Err)
		}
		return res.Response, nil

	case <-time.After(timeout):
		return nil, bridge.New(bridge.KindPeerTimeout, "timed out waiting for websocket peer to reconnect")

	case <-ctx.Done():
		return nil, bridge.New(bridge.KindPeerTimeout, "client disconnected while awaiting peer reconnection")
	}
}

func (d *Dispatcher) queueSize() int {
	return 256
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func concatMessageText(msgs []openaiwire.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content, err := openaiwire.ParseContent(m.Content)
		if err != nil {
			continue
		}
		if content.IsParts {
			for _, part := range content.Parts {
				b.WriteString(part.Text)
			}
		} else {
			b.WriteString(content.Text)
		}
	}
	return b.String()
}

func writeError(w http.ResponseWriter, err *bridge.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(openaiwire.ErrorBody{
		Error: openaiwire.ErrorDetail{Message: err.Message, Type: string(err.Kind)},
	})
}
