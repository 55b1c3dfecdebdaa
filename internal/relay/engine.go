// Package relay drives one upstream chat-completion stream per inbound
// request, retrying connection failures until the first byte of content has
// reached the client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vision-gateway/internal/debug"
	"vision-gateway/internal/metrics"
	"vision-gateway/internal/middleware"
	"vision-gateway/internal/upstream"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Upstream opens one fresh stream per call.
type Upstream interface {
	StreamCompletion(ctx context.Context, req *upstream.ChatRequest, logger *debug.Logger) (*upstream.Stream, error)
}

type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrorKind classifies the terminal error shown to the client.
type ErrorKind string

const (
	KindNone     ErrorKind = ""
	KindConnect  ErrorKind = "connect"
	KindTimeout  ErrorKind = "timeout"
	KindStatus   ErrorKind = "status"
	KindEmpty    ErrorKind = "empty"
	KindInternal ErrorKind = "internal"
)

const (
	OutcomeDone     = "done"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	// EmptyStreamIsError turns a successful stream with no content into an
	// error instead of a bare done sentinel.
	EmptyStreamIsError bool
	Logger             *slog.Logger
}

// Engine is stateless across requests and safe for concurrent Run calls.
type Engine struct {
	upstream Upstream
	opts     Options
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(up Upstream, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		upstream: up,
		opts:     opts,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Result summarizes one relay for logging and metrics.
type Result struct {
	Attempts      int           `json:"attempts"`
	ContentEvents int           `json:"content_events"`
	ContentChars  int           `json:"content_chars"`
	Outcome       string        `json:"outcome"`
	Kind          ErrorKind     `json:"kind,omitempty"`
	Message       string        `json:"message,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	Err           error         `json:"-"`
}

// run is the per-request retry state. It is never shared.
type run struct {
	e      *Engine
	ctx    context.Context
	req    *upstream.ChatRequest
	sink   Sink
	dbg    *debug.Logger
	log    *slog.Logger
	state  State
	stream *upstream.Stream

	attempt    int // zero based
	committed  bool
	terminated bool
	result     Result
}

// Run relays req to the upstream and writes exactly one terminal event to
// sink (unless the client goes away first). It returns when the stream ends.
func (e *Engine) Run(ctx context.Context, req *upstream.ChatRequest, sink Sink, dbg *debug.Logger) (res Result) {
	r := &run{
		e:     e,
		ctx:   ctx,
		req:   req,
		sink:  sink,
		dbg:   dbg,
		log:   e.logger,
		state: StateConnecting,
	}
	if traceID := middleware.GetTraceID(ctx); traceID != "" {
		r.log = e.logger.With("trace_id", traceID)
	}
	start := time.Now()
	metrics.ActiveStreams.Inc()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Relay panic", "panic", rec, "state", r.state.String())
			if r.stream != nil {
				r.stream.Close()
			}
			r.failTerminal(KindInternal, fmt.Errorf("internal error: %v", rec))
		}
		metrics.ActiveStreams.Dec()
		r.result.Duration = time.Since(start)
		metrics.RelayOutcomes.WithLabelValues(r.result.Outcome, string(r.result.Kind)).Inc()
		res = r.result
	}()

	for {
		switch r.state {
		case StateConnecting:
			r.connect()
		case StateStreaming:
			r.streamLines()
		case StateRetrying:
			r.backoff()
		case StateDone, StateFailed:
			return r.result
		}
	}
}

func (r *run) connect() {
	r.result.Attempts = r.attempt + 1
	r.log.Info("Establishing connection to model service", "attempt", r.attempt+1, "max_attempts", r.e.opts.MaxAttempts)

	stream, err := r.e.upstream.StreamCompletion(r.ctx, r.req, r.dbg)
	if err != nil {
		r.attemptFailed(err)
		return
	}
	r.log.Info("Model service response", "status", stream.StatusCode, "attempt", r.attempt+1)
	r.stream = stream
	r.state = StateStreaming
}

// attemptFailed decides between another attempt and a terminal error after a
// failure that happened before any content reached the client.
func (r *run) attemptFailed(err error) {
	if r.canceled(err) {
		return
	}
	kind := kindOf(err)
	if kind == KindInternal {
		r.log.Error("Upstream request error", "attempt", r.attempt+1, "error", err)
		r.failTerminal(KindInternal, err)
		return
	}
	r.log.Error("Upstream attempt failed", "kind", string(kind), "attempt", r.attempt+1, "max_attempts", r.e.opts.MaxAttempts, "error", err)
	if r.attempt+1 >= r.e.opts.MaxAttempts {
		r.failTerminal(kind, err)
		return
	}
	r.state = StateRetrying
}

func (r *run) backoff() {
	metrics.RetriesTotal.Inc()
	r.log.Info("Retrying model service", "delay", r.e.opts.RetryDelay, "next_attempt", r.attempt+2)
	if err := r.e.sleep(r.ctx, r.e.opts.RetryDelay); err != nil {
		r.canceled(err)
		return
	}
	r.attempt++
	r.state = StateConnecting
}

func (r *run) streamLines() {
	s := r.stream
	defer func() {
		s.Close()
		r.stream = nil
	}()

	sawDone := false
	for s.Next() {
		line := s.Text()
		r.dbg.LogUpstreamLine(r.attempt+1, line)

		frame := ParseFrame(line)
		switch frame.Kind {
		case FrameSkip:
			continue
		case FrameDone:
			r.log.Info("Received [DONE] signal from model service")
			sawDone = true
		case FrameMalformed:
			metrics.MalformedFrames.Inc()
			r.log.Warn("Failed to parse chunk as JSON", "line", truncate(line, 100), "error", frame.Err)
			continue
		case FrameContent:
			if err := r.emit(Event{Content: frame.Content}); err != nil {
				r.clientGone(err)
				return
			}
			r.committed = true
			r.result.ContentEvents++
			r.result.ContentChars += len(frame.Content)
			metrics.ContentEvents.Inc()
			r.log.Debug("Relayed chunk", "chunk", r.result.ContentEvents, "length", len(frame.Content))
			continue
		}
		break
	}

	if !sawDone {
		if err := s.Err(); err != nil {
			r.streamFailed(err)
			return
		}
	}

	r.log.Info("Streaming completed", "total_chunks", r.result.ContentEvents, "total_content_length", r.result.ContentChars)
	if r.result.ContentEvents == 0 {
		r.log.Warn("Model service returned no content", "attempt", r.attempt+1)
		if r.e.opts.EmptyStreamIsError {
			r.failTerminal(KindEmpty, errors.New("empty stream"))
			return
		}
	}
	r.finish()
}

// streamFailed handles a read failure on an established stream. Before the
// first content event a connect or timeout failure counts as a failed attempt;
// afterwards the request is committed and the error is final.
func (r *run) streamFailed(err error) {
	if r.canceled(err) {
		return
	}
	if !r.committed && upstream.Transient(err) {
		r.attemptFailed(err)
		return
	}
	r.log.Error("Error while streaming from model service", "committed", r.committed, "error", err)
	kind := kindOf(err)
	r.failTerminal(kind, err)
}

func (r *run) emit(ev Event) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if err := r.sink.Send(ev); err != nil {
		return err
	}
	r.dbg.LogOutputEvent(ev.Data())
	return nil
}

func (r *run) finish() {
	r.terminated = true
	r.state = StateDone
	r.result.Outcome = OutcomeDone
	if err := r.emit(Event{Done: true}); err != nil {
		r.clientGone(err)
	}
}

func (r *run) failTerminal(kind ErrorKind, err error) {
	r.state = StateFailed
	if r.terminated {
		return
	}
	r.terminated = true
	msg := errorMessage(kind, err)
	metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	r.result.Outcome = OutcomeError
	r.result.Kind = kind
	r.result.Message = msg
	r.result.Err = err
	if sendErr := r.emit(Event{Error: msg}); sendErr != nil {
		r.clientGone(sendErr)
	}
}

// canceled ends the relay silently when the client context is gone.
func (r *run) canceled(err error) bool {
	if r.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return false
	}
	r.clientGone(err)
	return true
}

func (r *run) clientGone(err error) {
	r.log.Info("Client disconnected, stopping relay", "state", r.state.String(), "error", err)
	r.terminated = true
	r.state = StateFailed
	r.result.Outcome = OutcomeCanceled
	r.result.Err = err
}

func kindOf(err error) ErrorKind {
	var ce *upstream.ConnectError
	var te *upstream.TimeoutError
	var se *upstream.StatusError
	switch {
	case errors.As(err, &ce):
		return KindConnect
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &se):
		return KindStatus
	}
	return KindInternal
}

func errorMessage(kind ErrorKind, err error) string {
	switch kind {
	case KindConnect:
		var ce *upstream.ConnectError
		if errors.As(err, &ce) {
			return fmt.Sprintf("Cannot connect to model service: %v. Please check if model service is running at %s", ce.Err, ce.URL)
		}
		return fmt.Sprintf("Cannot connect to model service: %v", err)
	case KindTimeout:
		return "Request timeout - model service did not respond in time"
	case KindStatus:
		var se *upstream.StatusError
		if errors.As(err, &se) {
			if se.Body == "" {
				return fmt.Sprintf("Model service returned %d", se.Code)
			}
			return fmt.Sprintf("Model service returned %d: %s", se.Code, se.Body)
		}
	case KindEmpty:
		return "Model service returned an empty response"
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
