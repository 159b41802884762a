// Package openaiwire holds the JSON wire types of the OpenAI
// chat-completions API that the bridge speaks to its HTTP clients: request
// and response bodies, streaming chunks, and the /v1/models listing.
package openaiwire

import "encoding/json"

// ChatCompletionRequest is the inbound request body for
// POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
}

// StreamOptions controls extra streaming behaviour.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Message is one chat message. Content is either a plain string or a list
// of heterogeneous parts (text/image); Content is kept as raw JSON and
// decoded into the tagged Content variant on demand via ParseContent.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ContentPart is one element of a list-shaped message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL is the `image_url` part shape, accepting both a remote URL and a
// `data:` URI carrying inline base64.
type ImageURL struct {
	URL string `json:"url"`
}

// Content is the tagged-variant representation of Message.Content, per the
// design note that OpenAI's string-or-list content should be modelled as a
// variant rather than parsed ad hoc at every call site.
type Content struct {
	// Text holds the value when content was a plain JSON string.
	Text string
	// Parts holds the value when content was a JSON array.
	Parts []ContentPart
	// IsParts distinguishes an empty-string Text from a list-shaped content.
	IsParts bool
}

// ParseContent decodes raw into its tagged-variant Content form. A raw
// value of `null` or zero length is treated as empty text.
func ParseContent(raw json.RawMessage) (Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Content{}, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return Content{Text: asString}, nil
	}

	var asParts []ContentPart
	if err := json.Unmarshal(raw, &asParts); err != nil {
		return Content{}, err
	}
	return Content{Parts: asParts, IsParts: true}, nil
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []ChatCompletionChoice  `json:"choices"`
	Usage   ChatCompletionUsage     `json:"usage"`
}

type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type ChatCompletionMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one SSE `data:` payload in streaming mode.
type ChatCompletionChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string                `json:"model"`
	Choices []ChunkChoice        `json:"choices"`
	Usage   *ChatCompletionUsage `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChunkDelta  `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type ChunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelData `json:"data"`
}

type ModelData struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ErrorBody is the JSON error shape returned for non-2xx responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
