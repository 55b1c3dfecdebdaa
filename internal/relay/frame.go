package relay

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"vision-gateway/internal/upstream"
)

// frameJSON decodes upstream chunk frames.
var frameJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type FrameKind int

const (
	// FrameSkip covers blank lines, SSE comments and fields, and chunks that
	// carry no content fragment (role deltas, usage, finish markers).
	FrameSkip FrameKind = iota
	FrameDone
	FrameContent
	FrameMalformed
)

// Frame is one decoded upstream line.
type Frame struct {
	Kind    FrameKind
	Content string
	Err     error
}

// ParseFrame decodes one line of the OpenAI-style streaming protocol.
func ParseFrame(line string) Frame {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") {
		return Frame{Kind: FrameSkip}
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(trimmed, field) {
			return Frame{Kind: FrameSkip}
		}
	}

	data := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if data == DoneData {
		return Frame{Kind: FrameDone}
	}

	var chunk upstream.StreamChunk
	if err := frameJSON.UnmarshalFromString(data, &chunk); err != nil {
		return Frame{Kind: FrameMalformed, Err: err}
	}
	content, ok := chunk.Content()
	if !ok || content == "" {
		return Frame{Kind: FrameSkip}
	}
	return Frame{Kind: FrameContent, Content: content}
}
