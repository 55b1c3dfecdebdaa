package upstream

import (
	"encoding/json"
	"testing"
)

func TestNewImageRequestJSONShape(t *testing.T) {
	for _, text := range []string{"what is this?", ""} {
		raw, err := json.Marshal(NewImageRequest("m", text, "QUJD"))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var body struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string                   `json:"role"`
				Content []map[string]interface{} `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Model != "m" || !body.Stream || len(body.Messages) != 1 || body.Messages[0].Role != "user" {
			t.Fatalf("body=%s", raw)
		}
		parts := body.Messages[0].Content
		if len(parts) != 2 {
			t.Fatalf("parts=%s", raw)
		}
		got, ok := parts[0]["text"]
		if !ok || got != text || parts[0]["type"] != "text" {
			t.Fatalf("text=%q: text part=%v", text, parts[0])
		}
		if _, ok := parts[1]["text"]; ok || parts[1]["type"] != "image_url" {
			t.Fatalf("image part=%v", parts[1])
		}
		img, _ := parts[1]["image_url"].(map[string]interface{})
		if img["url"] != "data:image/jpeg;base64,QUJD" {
			t.Fatalf("image_url=%v", parts[1]["image_url"])
		}
	}
}
