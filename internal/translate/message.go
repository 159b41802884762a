package translate

import (
	"regexp"
	"strings"

	"github.com/rakunlabs/arenabridge/internal/bridge"
)

// workMessage is the translator's internal working representation of one
// message, built from openaiwire.Message and progressively mutated by each
// translation step before being rendered into bridge.UpstreamMessage.
type workMessage struct {
	Role                    string
	Text                    string
	Attachments             []bridge.UpstreamAttachment
	ExperimentalAttachments []bridge.UpstreamAttachment
	ParticipantPosition     string
}

func (m workMessage) render() bridge.UpstreamMessage {
	return bridge.UpstreamMessage{
		Role:                    m.Role,
		Content:                 m.Text,
		ParticipantPosition:     m.ParticipantPosition,
		Attachments:             m.Attachments,
		ExperimentalAttachments: m.ExperimentalAttachments,
	}
}

var markdownImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// extractMarkdownImages strips every `![alt](url)` occurrence from text and
// returns the cleaned text plus one attachment per image found, in order.
func extractMarkdownImages(text string) (string, []bridge.UpstreamAttachment) {
	matches := markdownImageRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var attachments []bridge.UpstreamAttachment
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		altStart, altEnd := m[2], m[3]
		urlStart, urlEnd := m[4], m[5]

		b.WriteString(text[last:start])
		last = end

		alt := text[altStart:altEnd]
		url := text[urlStart:urlEnd]
		attachments = append(attachments, bridge.UpstreamAttachment{
			Name:        alt,
			ContentType: contentTypeForURL(url),
			URL:         url,
		})
	}
	b.WriteString(text[last:])

	return strings.TrimSpace(b.String()), attachments
}

// contentTypeForURL infers a MIME type from a data: URI prefix or a file
// extension, defaulting to a generic image type when neither is present.
func contentTypeForURL(url string) string {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if idx := strings.IndexAny(rest, ";,"); idx >= 0 {
			if ct := rest[:idx]; ct != "" {
				return ct
			}
		}
	}

	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "image/png"
	}
}
