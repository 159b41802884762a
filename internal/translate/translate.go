// Package translate converts an OpenAI chat-completion request into the
// upstream session payload the WebSocket peer expects, applying tavern
// mode, bypass injection, battle/direct_chat participant positions,
// multimodal attachment handling, and file-bed upload of inline base64
// images, in the order fixed by the translation pipeline.
package translate

import (
	"context"
	"regexp"
	"strings"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
)

// FileBedUploader uploads raw image bytes and returns the hosted URL. The
// translator depends only on this narrow contract so it never imports the
// file-bed client package directly.
type FileBedUploader interface {
	Upload(ctx context.Context, sha256Hex string, data []byte, contentType string) (url string, err error)
}

// Input bundles everything one translation call needs beyond the raw
// OpenAI request: the resolved endpoint, model classification, and target
// model id the dispatcher already picked.
type Input struct {
	Request       openaiwire.ChatCompletionRequest
	Config        *config.Config
	Mapping       config.EndpointMapping
	ModelType     config.ModelType
	TargetModelID string
}

// Translate runs the full pipeline and produces the upstream payload.
func Translate(ctx context.Context, in Input, uploader FileBedUploader) (bridge.UpstreamPayload, error) {
	cfg := in.Config

	msgs, err := toWorkMessages(in.Request.Messages)
	if err != nil {
		return bridge.UpstreamPayload{}, bridge.Wrap(bridge.KindBadRequest, "invalid message content", err)
	}

	// 1. History reasoning strip.
	if cfg.StripReasoningFromHistory && cfg.ReasoningOutputMode == config.ReasoningThinkTag {
		stripReasoningFromHistory(msgs)
	}

	// 2. Role normalisation.
	normalizeRoles(msgs)

	// 3. Per-message processing already happened in toWorkMessages (content
	// splitting, markdown image extraction, empty-user substitution).

	// 4. Tavern mode.
	if cfg.TavernModeEnabled {
		msgs = mergeTavernSystemMessages(msgs)
	}

	// 5. Image-attachment bypass.
	if cfg.ImageAttachmentBypassEnabled && in.ModelType == config.ModelTypeImage {
		msgs = splitImageAttachmentBypass(msgs)
	}

	// 6. Content-bypass injection.
	msgs = applyBypassInjection(msgs, cfg, in.ModelType)

	// 7. Participant position.
	mode := in.Mapping.Mode
	if mode == "" {
		mode = cfg.IDUpdaterLastMode
	}
	battleTarget := in.Mapping.BattleTarget
	if battleTarget == "" {
		battleTarget = cfg.IDUpdaterBattleTarget
	}
	applyParticipantPosition(msgs, mode, battleTarget)

	// 8. File-bed upload.
	if cfg.FileBedEnabled && uploader != nil {
		if err := uploadInlineImages(ctx, msgs, uploader); err != nil {
			return bridge.UpstreamPayload{}, err
		}
	}

	rendered := make([]bridge.UpstreamMessage, 0, len(msgs))
	for _, m := range msgs {
		rendered = append(rendered, m.render())
	}

	return bridge.UpstreamPayload{
		MessageTemplates: rendered,
		TargetModelID:    in.TargetModelID,
		SessionID:        in.Mapping.SessionID,
		MessageID:        in.Mapping.MessageID,
		IsImageRequest:   in.ModelType == config.ModelTypeImage,
	}, nil
}

// toWorkMessages implements step 3 (per-message processing) while building
// the initial working list from the OpenAI wire messages.
func toWorkMessages(in []openaiwire.Message) ([]workMessage, error) {
	out := make([]workMessage, 0, len(in))

	for _, m := range in {
		content, err := openaiwire.ParseContent(m.Content)
		if err != nil {
			return nil, err
		}

		wm := workMessage{Role: m.Role}

		if !content.IsParts {
			text := content.Text
			if m.Role == "assistant" {
				stripped, atts := extractMarkdownImages(text)
				text = stripped
				wm.ExperimentalAttachments = atts
			}
			wm.Text = text
		} else {
			var texts []string
			for _, part := range content.Parts {
				switch part.Type {
				case "text":
					if part.Text != "" {
						texts = append(texts, part.Text)
					}
				case "image_url":
					if part.ImageURL == nil {
						continue
					}
					att := bridge.UpstreamAttachment{
						ContentType: contentTypeForURL(part.ImageURL.URL),
						URL:         part.ImageURL.URL,
					}
					if m.Role == "assistant" {
						wm.ExperimentalAttachments = append(wm.ExperimentalAttachments, att)
					} else {
						wm.Attachments = append(wm.Attachments, att)
					}
				}
			}
			wm.Text = strings.Join(texts, "\n\n")
		}

		if wm.Role == "user" && strings.TrimSpace(wm.Text) == "" {
			wm.Text = " "
		}

		out = append(out, wm)
	}

	return out, nil
}

var thinkTagPrefixRe = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

func stripReasoningFromHistory(msgs []workMessage) {
	for i := range msgs {
		if msgs[i].Role != "assistant" {
			continue
		}
		msgs[i].Text = thinkTagPrefixRe.ReplaceAllString(msgs[i].Text, "")
	}
}

func normalizeRoles(msgs []workMessage) {
	for i := range msgs {
		if msgs[i].Role == "developer" {
			msgs[i].Role = "system"
		}
	}
}

func mergeTavernSystemMessages(msgs []workMessage) []workMessage {
	var systemTexts []string
	var rest []workMessage

	for _, m := range msgs {
		if m.Role == "system" {
			systemTexts = append(systemTexts, m.Text)
			continue
		}
		rest = append(rest, m)
	}

	if len(systemTexts) == 0 {
		return rest
	}

	merged := workMessage{Role: "system", Text: strings.Join(systemTexts, "\n\n")}
	return append([]workMessage{merged}, rest...)
}

func splitImageAttachmentBypass(msgs []workMessage) []workMessage {
	lastUserIdx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		return msgs
	}

	last := msgs[lastUserIdx]
	if strings.TrimSpace(last.Text) == "" || len(last.Attachments) == 0 {
		return msgs
	}

	imageOnly := workMessage{Role: "user", Text: " ", Attachments: last.Attachments}
	textOnly := workMessage{Role: "user", Text: last.Text}

	out := make([]workMessage, 0, len(msgs)+1)
	out = append(out, msgs[:lastUserIdx]...)
	out = append(out, imageOnly, textOnly)
	out = append(out, msgs[lastUserIdx+1:]...)
	return out
}
