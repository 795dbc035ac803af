package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var errEmpty = errors.New("empty")

func fakeDecode(body []byte) ([]transport.Update, error) {
	switch s := string(body); {
	case s == "empty":
		return nil, errEmpty
	case strings.HasPrefix(s, "join:"):
		n := len(strings.TrimPrefix(s, "join:"))
		out := make([]transport.Update, n)
		for i := range out {
			out[i] = transport.Update{ID: i + 1, Kind: transport.UpdateMemberJoined}
		}
		return out, nil
	default:
		return nil, errors.New("bad json")
	}
}

func newTestServer(queue int) (*Server, chan transport.Update) {
	out := make(chan transport.Update, queue)
	s := New(Config{Path: "/webhook", Secret: "s3cret", MaxBodyBytes: 64}, Options{
		Decoder: fakeDecode,
		Empty:   errEmpty,
		Out:     out,
		Health:  func() any { return map[string]string{"endpoint": "active"} },
		Log:     logx.Nop(),
	})
	return s, out
}

func TestServeUpdate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		method   string
		path     string
		header   string
		body     string
		want     int
		enqueued int
	}{
		{name: "header secret", method: http.MethodPost, path: "/webhook", header: "s3cret", body: "join:x", want: 200, enqueued: 1},
		{name: "path token", method: http.MethodPost, path: "/webhook/s3cret", body: "join:xy", want: 200, enqueued: 2},
		{name: "wrong secret", method: http.MethodPost, path: "/webhook", header: "nope", body: "join:x", want: 401},
		{name: "wrong path token", method: http.MethodPost, path: "/webhook/nope", body: "join:x", want: 401},
		{name: "no secret", method: http.MethodPost, path: "/webhook", body: "join:x", want: 401},
		{name: "malformed", method: http.MethodPost, path: "/webhook", header: "s3cret", body: "{", want: 400},
		{name: "too large", method: http.MethodPost, path: "/webhook", header: "s3cret", body: strings.Repeat("x", 65), want: 413},
		{name: "empty update acknowledged", method: http.MethodPost, path: "/webhook", header: "s3cret", body: "empty", want: 200},
		{name: "get", method: http.MethodGet, path: "/webhook", header: "s3cret", want: 405},
		{name: "unknown path", method: http.MethodPost, path: "/other", header: "s3cret", body: "join:x", want: 404},
		{name: "nested token", method: http.MethodPost, path: "/webhook/a/b", body: "join:x", want: 404},
	}
	for _, tt := range tests {
		s, out := newTestServer(8)
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		if tt.header != "" {
			req.Header.Set(SecretHeader, tt.header)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
		if len(out) != tt.enqueued {
			t.Fatalf("%s: enqueued %d, want %d", tt.name, len(out), tt.enqueued)
		}
		if tt.path != "/other" && tt.path != "/webhook/a/b" && rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: missing request id", tt.name)
		}
	}
}

func TestServeUpdateQueueFull(t *testing.T) {
	t.Parallel()
	s, out := newTestServer(2)
	send := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SecretHeader, "s3cret")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("join:x"); code != 200 {
		t.Fatalf("first = %d", code)
	}
	// Two updates do not fit in the one remaining slot; none may be enqueued.
	if code := send("join:xy"); code != http.StatusServiceUnavailable {
		t.Fatalf("overflow = %d, want 503", code)
	}
	if len(out) != 1 {
		t.Fatalf("queue len = %d, want 1", len(out))
	}
}

func TestApplyRotatesSecret(t *testing.T) {
	t.Parallel()
	s, out := newTestServer(8)
	if err := s.Apply(context.Background(), Config{Path: "/hook", Secret: "rotated"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/hook/rotated", strings.NewReader("join:x"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 || len(out) != 1 {
		t.Fatalf("status=%d queued=%d after rotation", rec.Code, len(out))
	}
}

func TestStartServesHealth(t *testing.T) {
	t.Parallel()
	out := make(chan transport.Update, 1)
	s := New(Config{Listen: "127.0.0.1:0", Path: "/webhook", Secret: "x"}, Options{
		Decoder: fakeDecode,
		Out:     out,
		Health:  func() any { return map[string]string{"endpoint": "fallback"} },
		Log:     logx.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no address after Start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var doc map[string]string
	err = json.NewDecoder(resp.Body).Decode(&doc)
	resp.Body.Close()
	if err != nil || resp.StatusCode != 200 || doc["endpoint"] != "fallback" {
		t.Fatalf("health = %d %v %v", resp.StatusCode, doc, err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	s.Stop(sctx)
	if s.Addr() != "" {
		t.Fatalf("address still set after Stop")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("listener still accepting after Stop")
	}
}
