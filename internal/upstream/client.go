// Package upstream talks to the OpenAI-compatible inference service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"vision-gateway/internal/debug"
	"vision-gateway/internal/metrics"
	"vision-gateway/internal/perf"
)

const (
	ChatCompletionsPath = "/v1/chat/completions"
	DefaultTimeout      = 300 * time.Second

	maxErrorBody = 4096
)

type Options struct {
	BaseURL string
	// Timeout bounds one whole attempt: connect, first byte and transfer.
	Timeout   time.Duration
	Breaker   *CircuitBreaker
	Proxy     ProxyConfig
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client is safe for concurrent use; every call opens an independent stream
// over a shared connection pool.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     *slog.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(opts.Proxy, logger)
	}
	return &Client{
		baseURL: opts.BaseURL,
		timeout: timeout,
		// No http.Client timeout: the per-attempt context deadline also has
		// to cover body reads, which outlive Do.
		httpClient: &http.Client{Transport: transport},
		breaker:    opts.Breaker,
		logger:     logger,
	}
}

// NewTransport builds a pooled transport with proxy selection and HTTP/2.
func NewTransport(proxy ProxyConfig, logger *slog.Logger) *http.Transport {
	t := &http.Transport{
		Proxy: proxy.Func(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil && logger != nil {
		logger.Warn("HTTP/2 not enabled for upstream transport", "error", err)
	}
	return t
}

func (c *Client) chatURL() string {
	return c.baseURL + ChatCompletionsPath
}

// Timeout returns the per-attempt bound.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// StreamCompletion opens one streamed chat-completion call. The returned
// Stream owns the connection and the attempt deadline; callers must Close it.
func (c *Client) StreamCompletion(ctx context.Context, req *ChatRequest, logger *debug.Logger) (*Stream, error) {
	payload := *req
	payload.Stream = true

	buf := perf.AcquireByteBuffer()
	defer perf.ReleaseByteBuffer(buf)
	if err := json.NewEncoder(buf).Encode(&payload); err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	url := c.chatURL()
	logger.LogUpstreamRequest(url, redactImages(&payload))

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Cache-Control", "no-cache")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
		}
		return resp, nil
	})
	if err != nil {
		cancel()
		err = c.classify(ctx, err)
		metrics.UpstreamRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		c.logger.Debug("Upstream request failed", "url", url, "duration", time.Since(start), "error", err)
		return nil, err
	}

	resp := result.(*http.Response)
	metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	metrics.UpstreamRequestsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("Upstream response headers received", "status", resp.StatusCode, "duration", time.Since(start), "proto", resp.Proto)

	return newStream(ctx, attemptCtx, cancel, c.timeout, resp), nil
}

func outcomeLabel(err error) string {
	switch err.(type) {
	case nil:
		return "ok"
	case *StatusError:
		return "status"
	case *ConnectError:
		return "connect"
	case *TimeoutError:
		return "timeout"
	}
	if err == context.Canceled {
		return "canceled"
	}
	return "error"
}

// redactImages returns a copy of req for debug dumps with image payloads
// replaced by their length.
func redactImages(req *ChatRequest) *ChatRequest {
	out := &ChatRequest{Model: req.Model, Stream: req.Stream}
	for _, m := range req.Messages {
		msg := Message{Role: m.Role}
		for _, p := range m.Content {
			if p.ImageURL != nil {
				p.ImageURL = &ImageURL{URL: fmt.Sprintf("[image data: %d chars]", len(p.ImageURL.URL))}
			}
			msg.Content = append(msg.Content, p)
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}
