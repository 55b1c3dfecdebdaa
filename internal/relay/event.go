package relay

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DoneData is the payload of the success sentinel event.
const DoneData = "[DONE]"

// Event is one unit of the client-facing stream: a content fragment, an
// error, or the done sentinel.
type Event struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Done    bool   `json:"-"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Done || e.Error != ""
}

// Data renders the event payload carried after "data: ".
func (e Event) Data() string {
	if e.Done {
		return DoneData
	}
	var v interface{}
	if e.Error != "" {
		v = struct {
			Error string `json:"error"`
		}{e.Error}
	} else {
		v = struct {
			Content string `json:"content"`
		}{e.Content}
	}
	return encodeJSON(v)
}

// Sink receives events in order. A Send error means the client is gone and
// the relay must stop.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

func encodeJSON(v interface{}) string {
	buf := bytes.Buffer{}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSpace(buf.String())
}
