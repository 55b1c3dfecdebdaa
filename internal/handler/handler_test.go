package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vision-gateway/internal/config"
	"vision-gateway/internal/debug"
	"vision-gateway/internal/relay"
	"vision-gateway/internal/upstream"
)

// fakeRelay replays fixed events and records the request it was given.
type fakeRelay struct {
	mu     sync.Mutex
	events []relay.Event
	got    *upstream.ChatRequest
	calls  int
}

func (f *fakeRelay) Run(ctx context.Context, req *upstream.ChatRequest, sink relay.Sink, dbg *debug.Logger) relay.Result {
	f.mu.Lock()
	f.got = req
	f.calls++
	f.mu.Unlock()
	res := relay.Result{Attempts: 1, Outcome: relay.OutcomeDone}
	for _, ev := range f.events {
		if err := sink.Send(ev); err != nil {
			res.Outcome = relay.OutcomeCanceled
			return res
		}
	}
	return res
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, text *string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if text != nil {
		mw.WriteField("text", *text)
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "cat.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write(file)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func strPtr(s string) *string { return &s }

func sseData(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	h := New(testConfig(), &fakeRelay{})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "healthy" {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}
}

func TestHandleUnderstandImageStreams(t *testing.T) {
	fr := &fakeRelay{events: []relay.Event{{Content: "A "}, {Content: "cat."}, {Done: true}}}
	h := New(testConfig(), fr)

	body, ct := multipartBody(t, strPtr("What is this?"), pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/api/understand-image", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.HandleUnderstandImage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type=%q", got)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" || rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("missing streaming headers: %v", rec.Header())
	}
	want := []string{`{"content":"A "}`, `{"content":"cat."}`, "[DONE]"}
	if got := sseData(t, rec.Body.String()); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events=%v want=%v", got, want)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("body not terminated by done frame: %q", rec.Body.String())
	}

	if fr.got == nil || fr.got.Model != "internvl3-2b-awq" || !fr.got.Stream {
		t.Fatalf("relay request=%+v", fr.got)
	}
	parts := fr.got.Messages[0].Content
	if parts[0].Text != "What is this?" || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestHandleUnderstandImageValidation(t *testing.T) {
	cases := []struct {
		name string
		text *string
		file []byte
		code int
		msg  string
	}{
		{"missing text", nil, []byte("x"), http.StatusBadRequest, "text"},
		{"empty text", strPtr(""), pngBytes(t), http.StatusBadRequest, "text"},
		{"missing file", strPtr("hi"), nil, http.StatusBadRequest, "file"},
		{"not an image", strPtr("hi"), []byte("definitely not an image"), http.StatusBadRequest, "Invalid image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRelay{}
			h := New(testConfig(), fr)
			body, ct := multipartBody(t, tc.text, tc.file)
			req := httptest.NewRequest(http.MethodPost, "/api/understand-image", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			h.HandleUnderstandImage(rec, req)

			if rec.Code != tc.code {
				t.Fatalf("code=%d want=%d body=%s", rec.Code, tc.code, rec.Body.String())
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !strings.Contains(resp["error"], tc.msg) {
				t.Fatalf("body=%s", rec.Body.String())
			}
			if fr.calls != 0 {
				t.Fatalf("relay must not run for rejected requests")
			}
		})
	}
}

func TestHandleUnderstandImageTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadBytes = 1024
	h := New(cfg, &fakeRelay{})

	body, ct := multipartBody(t, strPtr("hi"), bytes.Repeat([]byte{0xff}, 4096))
	req := httptest.NewRequest(http.MethodPost, "/api/understand-image", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.HandleUnderstandImage(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code=%d want=413 body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleUnderstandImageRejectsGet(t *testing.T) {
	h := New(testConfig(), &fakeRelay{})
	rec := httptest.NewRecorder()
	h.HandleUnderstandImage(rec, httptest.NewRequest(http.MethodGet, "/api/understand-image", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d", rec.Code)
	}
}

// TestUnderstandImageEndToEnd drives the real relay against a fake model service.
func TestUnderstandImageEndToEnd(t *testing.T) {
	var upstreamBody upstream.ChatRequest
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&upstreamBody)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"A ", "red ", "square."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer model.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := upstream.New(upstream.Options{BaseURL: model.URL, Timeout: 5 * time.Second, Logger: quiet})
	engine := relay.New(client, relay.Options{RetryDelay: time.Millisecond, Logger: quiet})

	gw := httptest.NewServer(http.HandlerFunc(New(testConfig(), engine).HandleUnderstandImage))
	defer gw.Close()

	body, ct := multipartBody(t, strPtr("Describe."), pngBytes(t))
	resp, err := http.Post(gw.URL, ct, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	want := []string{`{"content":"A "}`, `{"content":"red "}`, `{"content":"square."}`, "[DONE]"}
	if got := sseData(t, string(raw)); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events=%v want=%v", got, want)
	}
	if !upstreamBody.Stream || upstreamBody.Messages[0].Content[0].Text != "Describe." {
		t.Fatalf("upstream body=%+v", upstreamBody)
	}
}
