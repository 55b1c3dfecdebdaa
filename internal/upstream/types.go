package upstream

import (
	"encoding/json"

	"vision-gateway/internal/imaging"
)

// ChatRequest is the OpenAI-compatible chat-completion body sent upstream.
// It is built once per inbound request and never mutated afterwards.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is either a text part or an image_url part.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MarshalJSON always writes the text key of a text part, even for an empty
// prompt; image parts carry no text key.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	if p.Type == "text" {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
	}
	type part ContentPart
	return json.Marshal(part(p))
}

type ImageURL struct {
	URL string `json:"url"`
}

// NewImageRequest builds the single user message carrying the prompt text
// followed by the normalized image.
func NewImageRequest(model, text, encodedImage string) *ChatRequest {
	return &ChatRequest{
		Model: model,
		Messages: []Message{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: text},
					{Type: "image_url", ImageURL: &ImageURL{URL: imaging.DataURL(encodedImage)}},
				},
			},
		},
		Stream: true,
	}
}

// StreamChunk is the subset of a chat.completion.chunk frame we consume.
type StreamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Content returns the first choice's content fragment, if any.
func (c *StreamChunk) Content() (string, bool) {
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *c.Choices[0].Delta.Content, true
}
