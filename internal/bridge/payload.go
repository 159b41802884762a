package bridge

// UpstreamMessage is one translated message in the payload sent to the
// peer: the upstream's own shape, not OpenAI's.
type UpstreamMessage struct {
	Role                 string                 `json:"role"`
	Content              string                 `json:"content"`
	ParticipantPosition  string                 `json:"participantPosition,omitempty"`
	Attachments          []UpstreamAttachment   `json:"attachments,omitempty"`
	ExperimentalAttachments []UpstreamAttachment `json:"experimental_attachments,omitempty"`
}

// UpstreamAttachment describes one image carried alongside a message,
// either as a user-supplied attachment or an assistant-produced one.
type UpstreamAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// UpstreamPayload is what the Payload Translator produces and the Hub sends
// to the peer as {requestId, payload}.
type UpstreamPayload struct {
	MessageTemplates []UpstreamMessage `json:"message_templates"`
	TargetModelID    string            `json:"target_model_id"`
	SessionID        string            `json:"session_id"`
	MessageID        string            `json:"message_id"`
	IsImageRequest   bool              `json:"is_image_request,omitempty"`
}

// OutboundFrame is the full {requestId, payload} envelope sent over the
// WebSocket to dispatch one request.
type OutboundFrame struct {
	RequestID string          `json:"requestId"`
	Payload   UpstreamPayload `json:"payload"`
}
