package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vision-gateway/internal/config"
	"vision-gateway/internal/debug"
	"vision-gateway/internal/imaging"
	"vision-gateway/internal/middleware"
	"vision-gateway/internal/relay"
	"vision-gateway/internal/upstream"
)

// multipartMemory is how much of a multipart form is buffered in memory
// before parts spill to temporary files.
const multipartMemory = 8 << 20

// Relayer streams one chat request to the model service.
type Relayer interface {
	Run(ctx context.Context, req *upstream.ChatRequest, sink relay.Sink, dbg *debug.Logger) relay.Result
}

type Handler struct {
	config     *config.Config
	relay      Relayer
	normalizer imaging.Normalizer
	upgrader   websocket.Upgrader
}

func New(cfg *config.Config, r Relayer) *Handler {
	return &Handler{
		config:     cfg,
		relay:      r,
		normalizer: imaging.Normalizer{Quality: cfg.JPEGQuality},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// incomingRequest is what the debug dump records about an inbound call.
type incomingRequest struct {
	Transport string `json:"transport"`
	Text      string `json:"text"`
	Filename  string `json:"filename,omitempty"`
	Size      int    `json:"size"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Mode      string `json:"mode"`
}

type summary struct {
	relay.Result
	Error string `json:"error,omitempty"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// HandleUnderstandImage accepts a multipart prompt plus image and streams the
// model's answer back as server-sent events.
func (h *Handler) HandleUnderstandImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := middleware.LogWithTrace(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	texts := r.MultipartForm.Value["text"]
	if len(texts) == 0 || texts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: text")
		return
	}
	text := texts[0]

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing required field: file")
		return
	}
	raw, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file: "+err.Error())
		return
	}

	encoded, info, err := h.normalizer.Normalize(raw)
	if err != nil {
		if errors.Is(err, imaging.ErrDecode) {
			writeError(w, http.StatusBadRequest, "Invalid image: "+err.Error())
			return
		}
		log.Error("Image normalization failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process image")
		return
	}
	log.Info("Image normalized", "format", info.Format, "mode", info.Mode, "width", info.Width, "height", info.Height, "input_bytes", len(raw), "encoded_length", len(encoded))

	dbg := debug.New(h.config.DebugEnabled, h.config.DebugLogSSE, shortID(middleware.GetTraceID(r.Context())))
	defer dbg.Close()
	dbg.LogIncomingRequest(incomingRequest{
		Transport: "sse",
		Text:      text,
		Filename:  header.Filename,
		Size:      len(raw),
		Format:    info.Format,
		Width:     info.Width,
		Height:    info.Height,
		Mode:      info.Mode,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sink := newSSESink(w)
	sink.flush()

	chatReq := upstream.NewImageRequest(h.config.Model, text, encoded)
	result := h.relay.Run(r.Context(), chatReq, sink, dbg)
	h.logResult(log, dbg, result)
}

func (h *Handler) logResult(log *slog.Logger, dbg *debug.Logger, result relay.Result) {
	s := summary{Result: result}
	if result.Err != nil {
		s.Error = result.Err.Error()
	}
	dbg.LogSummary(s)

	attrs := []interface{}{
		"outcome", result.Outcome,
		"attempts", result.Attempts,
		"content_events", result.ContentEvents,
		"content_chars", result.ContentChars,
		"duration", result.Duration.Round(time.Millisecond),
	}
	switch result.Outcome {
	case relay.OutcomeError:
		log.Warn("Relay finished with error", append(attrs, "kind", string(result.Kind), "message", result.Message)...)
	case relay.OutcomeCanceled:
		log.Info("Relay canceled by client", attrs...)
	default:
		log.Info("Relay finished", attrs...)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func shortID(traceID string) string {
	if len(traceID) > 8 {
		return traceID[:8]
	}
	return traceID
}
