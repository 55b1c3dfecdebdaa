package handler

import (
	"fmt"
	"net/http"

	"vision-gateway/internal/relay"
)

// sseSink writes relay events as server-sent events, flushing each one.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) Send(ev relay.Event) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Data()); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
