// Package assemble renders the Stream Parser's typed events into
// OpenAI-compatible SSE chunks (streaming) or a single JSON body
// (non-streaming).
package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
	"github.com/rakunlabs/arenabridge/internal/streamparse"
)

// ImageResolver renders one upstream image URL as markdown, per
// image_return_format.mode, downloading and base64-encoding it when
// configured to do so. Implemented by internal/imagepipeline.Pipeline.
type ImageResolver interface {
	Resolve(ctx context.Context, cfg *config.Config, url string) string
}

// StreamAssembler renders events as Server-Sent-Events for one request.
type StreamAssembler struct {
	w       http.ResponseWriter
	flusher http.Flusher
	cfg     *config.Config
	images  ImageResolver
	ctx     context.Context

	chatID string
	model  string

	reasoningBuf  strings.Builder
	pendingFinish *string
}

// NewStreamAssembler prepares a StreamAssembler and writes the SSE response
// headers. Returns an error if w does not support flushing. No
// ImageResolver is wired, so image events render as bare markdown links.
func NewStreamAssembler(w http.ResponseWriter, cfg *config.Config, chatID, model string) (*StreamAssembler, error) {
	return newStreamAssembler(context.Background(), w, cfg, chatID, model, nil)
}

// NewStreamAssemblerWithImages is NewStreamAssembler plus an ImageResolver
// for in-band image-batch events.
func NewStreamAssemblerWithImages(ctx context.Context, w http.ResponseWriter, cfg *config.Config, chatID, model string, images ImageResolver) (*StreamAssembler, error) {
	return newStreamAssembler(ctx, w, cfg, chatID, model, images)
}

func newStreamAssembler(ctx context.Context, w http.ResponseWriter, cfg *config.Config, chatID, model string, images ImageResolver) (*StreamAssembler, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Transfer-Encoding", "chunked")

	sa := &StreamAssembler{w: w, flusher: flusher, cfg: cfg, images: images, ctx: ctx, chatID: chatID, model: model}
	sa.writeChunk(openaiwire.ChunkDelta{Role: "assistant"}, nil)
	return sa, nil
}

// HandleEvent renders one parser event, writing zero or more SSE chunks.
func (s *StreamAssembler) HandleEvent(ev streamparse.Event) {
	switch ev.Kind {
	case streamparse.EventContent:
		s.writeChunk(openaiwire.ChunkDelta{Content: ev.Text}, nil)

	case streamparse.EventReasoning:
		s.reasoningBuf.WriteString(ev.Text)
		if s.cfg.ReasoningOutputMode == config.ReasoningOpenAI && s.cfg.PreserveStreaming {
			s.writeChunk(openaiwire.ChunkDelta{ReasoningContent: ev.Text}, nil)
		}

	case streamparse.EventReasoningEnd:
		if s.cfg.ReasoningOutputMode == config.ReasoningThinkTag {
			wrapped := "<think>" + s.reasoningBuf.String() + "</think>\n\n"
			s.writeChunk(openaiwire.ChunkDelta{Content: wrapped}, nil)
			s.reasoningBuf.Reset()
		}

	case streamparse.EventReasoningComplete:
		if s.cfg.ReasoningOutputMode == config.ReasoningThinkTag {
			wrapped := "<think>" + ev.Text + "</think>\n\n"
			s.writeChunk(openaiwire.ChunkDelta{Content: wrapped}, nil)
			s.reasoningBuf.Reset()
		}

	case streamparse.EventImage:
		for _, url := range ev.ImageURLs {
			s.writeChunk(openaiwire.ChunkDelta{Content: s.renderImage(url)}, nil)
		}

	case streamparse.EventFinish:
		reason := ev.FinishReason
		s.pendingFinish = &reason

	case streamparse.EventError:
		s.writeChunk(openaiwire.ChunkDelta{Content: "\n\n[Bridge Error]: " + ev.Text}, nil)
		stop := "stop"
		s.pendingFinish = &stop
	}
}

// Finish emits the terminating chunk (carrying any pending finish_reason)
// and the `data: [DONE]` sentinel.
func (s *StreamAssembler) Finish() {
	reason := "stop"
	if s.pendingFinish != nil {
		reason = *s.pendingFinish
	}
	s.writeChunk(openaiwire.ChunkDelta{}, &reason)

	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// renderImage resolves one image URL via the configured ImageResolver,
// falling back to a bare markdown link when no resolver is wired.
func (s *StreamAssembler) renderImage(url string) string {
	if s.images == nil {
		return fmt.Sprintf("![Image](%s)", url)
	}
	return s.images.Resolve(s.ctx, s.cfg, url)
}

func (s *StreamAssembler) writeChunk(delta openaiwire.ChunkDelta, finishReason *string) {
	chunk := openaiwire.ChatCompletionChunk{
		ID:      s.chatID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []openaiwire.ChunkChoice{{Delta: delta, FinishReason: finishReason}},
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}

	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

// WriteErrorChunk emits a synthetic content chunk carrying msg followed by a
// stop-terminated chunk, per the mid-stream upstream_error policy, then the
// [DONE] sentinel — used when the event loop itself fails (e.g. timeout)
// rather than through a parser-produced error event.
func (s *StreamAssembler) WriteErrorChunk(msg string) {
	s.HandleEvent(streamparse.Event{Kind: streamparse.EventError, Text: msg})
	s.Finish()
}
