package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vision-gateway/internal/debug"
	"vision-gateway/internal/middleware"
	"vision-gateway/internal/relay"
	"vision-gateway/internal/upstream"
)

const wsWriteWait = 10 * time.Second

// wsRequest is the single message a WebSocket client sends.
type wsRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"` // base64 of the raw image file
}

// wsSink sends each event as one text message.
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(ev relay.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(ev.Data()))
}

// HandleUnderstandImageWS is the WebSocket variant of HandleUnderstandImage.
// Events use the same JSON payloads; the last message of a successful relay
// is [DONE]. Closing the socket cancels the relay.
func (h *Handler) HandleUnderstandImageWS(w http.ResponseWriter, r *http.Request) {
	log := middleware.LogWithTrace(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	sink := wsSink{conn: conn}

	// base64 inflates the upload by 4/3.
	conn.SetReadLimit(h.config.MaxUploadBytes/3*4 + 64*1024)

	var msg wsRequest
	if err := conn.ReadJSON(&msg); err != nil {
		log.Warn("Invalid WebSocket request", "error", err)
		h.closeWithError(conn, sink, "Invalid request: "+err.Error())
		return
	}
	if msg.Text == "" {
		h.closeWithError(conn, sink, "Missing required field: text")
		return
	}
	if msg.Image == "" {
		h.closeWithError(conn, sink, "Missing required field: image")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Image)
	if err != nil {
		h.closeWithError(conn, sink, "Invalid image encoding: "+err.Error())
		return
	}
	encoded, info, err := h.normalizer.Normalize(raw)
	if err != nil {
		h.closeWithError(conn, sink, "Invalid image: "+err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Hijacked connections do not cancel the request context, so a reader
	// watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	dbg := debug.New(h.config.DebugEnabled, h.config.DebugLogSSE, shortID(middleware.GetTraceID(r.Context())))
	defer dbg.Close()
	dbg.LogIncomingRequest(incomingRequest{
		Transport: "websocket",
		Text:      msg.Text,
		Size:      len(raw),
		Format:    info.Format,
		Width:     info.Width,
		Height:    info.Height,
		Mode:      info.Mode,
	})

	chatReq := upstream.NewImageRequest(h.config.Model, msg.Text, encoded)
	result := h.relay.Run(ctx, chatReq, sink, dbg)
	h.logResult(log, dbg, result)

	if result.Outcome != relay.OutcomeCanceled {
		closeNormal(conn)
	}
}

func (h *Handler) closeWithError(conn *websocket.Conn, sink wsSink, msg string) {
	_ = sink.Send(relay.Event{Error: msg})
	closeNormal(conn)
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}
