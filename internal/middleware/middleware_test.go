package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTraceMiddlewareReusesHeader(t *testing.T) {
	var seen string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("seen=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}
}

func TestTraceMiddlewareGenerates(t *testing.T) {
	var seen string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 32 {
		t.Fatalf("trace id=%q want 32 hex chars", seen)
	}
	if GetTraceID(nil) != "" {
		t.Fatalf("nil context should have no trace id")
	}
}

func TestTracedResponseWriterRecordsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewTracedResponseWriter(rec)
	w.WriteHeader(http.StatusTeapot)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("hello"))
	w.Flush()

	if w.StatusCode != http.StatusTeapot || w.BytesWritten != 5 {
		t.Fatalf("status=%d bytes=%d", w.StatusCode, w.BytesWritten)
	}
	if !rec.Flushed {
		t.Fatalf("flush not passed through")
	}
	if _, _, err := w.Hijack(); err == nil {
		t.Fatalf("recorder cannot be hijacked")
	}
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	h := Chain(TraceMiddleware, LoggingMiddleware)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetTraceID(r.Context()) == "" {
			t.Errorf("trace id missing inside chain")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/understand-image", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/understand-image", nil))
	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("code=%d called=%v", rec.Code, called)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing allow-origin")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type") {
		t.Fatalf("allow-headers=%q", rec.Header().Get("Access-Control-Allow-Headers"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !called || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("non-preflight request not forwarded with CORS headers")
	}
}

func TestConcurrencyLimiterRejectsWhenFull(t *testing.T) {
	cl := NewConcurrencyLimiter(1, 50*time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{})
	h := cl.Limit(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	}()
	<-started

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want=503", rec.Code)
	}

	close(release)
	wg.Wait()
	stats := cl.Stats()
	if stats.Total != 2 || stats.Rejected != 1 || stats.Active != 0 || stats.Max != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestConcurrencyLimiterNoExecutionDeadline(t *testing.T) {
	cl := NewConcurrencyLimiter(2, 10*time.Millisecond)
	var hasDeadline bool
	h := cl.Limit(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if hasDeadline {
		t.Fatalf("admitted requests must not get a deadline")
	}
}
