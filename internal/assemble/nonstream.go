package assemble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
	"github.com/rakunlabs/arenabridge/internal/streamparse"
)

// NonStreamAssembler accumulates events until a terminator and renders one
// JSON chat.completion body.
type NonStreamAssembler struct {
	cfg    *config.Config
	images ImageResolver
	ctx    context.Context

	chatID string
	model  string

	content      strings.Builder
	reasoning    strings.Builder
	finishReason string

	promptText string // concatenation of input message text, for token estimate
}

// NewNonStreamAssembler builds an assembler; promptText is the concatenated
// text of every input message, used for the prompt token estimate.
func NewNonStreamAssembler(cfg *config.Config, chatID, model, promptText string) *NonStreamAssembler {
	return &NonStreamAssembler{cfg: cfg, chatID: chatID, model: model, promptText: promptText, finishReason: "stop", ctx: context.Background()}
}

// NewNonStreamAssemblerWithImages is NewNonStreamAssembler plus an
// ImageResolver for in-band image-batch events.
func NewNonStreamAssemblerWithImages(ctx context.Context, cfg *config.Config, chatID, model, promptText string, images ImageResolver) *NonStreamAssembler {
	a := NewNonStreamAssembler(cfg, chatID, model, promptText)
	a.ctx = ctx
	a.images = images
	return a
}

// HandleEvent accumulates one parser event.
func (a *NonStreamAssembler) HandleEvent(ev streamparse.Event) {
	switch ev.Kind {
	case streamparse.EventContent:
		a.content.WriteString(ev.Text)
	case streamparse.EventReasoning:
		a.reasoning.WriteString(ev.Text)
	case streamparse.EventReasoningComplete:
		a.reasoning.Reset()
		a.reasoning.WriteString(ev.Text)
	case streamparse.EventImage:
		for _, url := range ev.ImageURLs {
			a.content.WriteString(a.renderImage(url))
		}
	case streamparse.EventFinish:
		a.finishReason = ev.FinishReason
	case streamparse.EventError:
		a.content.WriteString("\n\n[Bridge Error]: " + ev.Text)
		a.finishReason = "stop"
	}
}

// renderImage resolves one image URL via the configured ImageResolver,
// falling back to a bare markdown link when no resolver is wired.
func (a *NonStreamAssembler) renderImage(url string) string {
	if a.images == nil {
		return fmt.Sprintf("![Image](%s)", url)
	}
	return a.images.Resolve(a.ctx, a.cfg, url)
}

// Build renders the final response body.
func (a *NonStreamAssembler) Build() openaiwire.ChatCompletionResponse {
	content := a.content.String()
	reasoning := a.reasoning.String()

	msg := openaiwire.ChatCompletionMessage{Role: "assistant"}
	if a.cfg.ReasoningOutputMode == config.ReasoningThinkTag && reasoning != "" {
		msg.Content = "<think>" + reasoning + "</think>\n\n" + content
	} else {
		msg.Content = content
		msg.ReasoningContent = reasoning
	}

	promptTokens := estimateTokens(a.promptText)
	completionTokens := estimateTokens(content) + estimateTokens(reasoning)

	return openaiwire.ChatCompletionResponse{
		ID:      a.chatID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.model,
		Choices: []openaiwire.ChatCompletionChoice{
			{Index: 0, Message: msg, FinishReason: a.finishReason},
		},
		Usage: openaiwire.ChatCompletionUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// estimateTokens applies the documented rough estimate: one token per four
// characters.
func estimateTokens(text string) int {
	return len(text) / 4
}
