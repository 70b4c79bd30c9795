package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "nrtool/pkg/logx"
)

func TestHandler_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveSubmission("1", ResultOK, 2)
	m.SetServerOffset(1.5)

	srv := NewServer(Config{}, m, func() (any, error) { return map[string]int{"jobs": 3}, nil }, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	text := string(b)
	for _, want := range []string{
		`nrtool_submissions_total{result="ok",task="1"} 1`,
		`nrtool_server_time_offset_seconds 1.5`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestHandler_DegradedHealth(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{}, nil, func() (any, error) { return nil, errors.New("loop stopped") }, logx.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "loop stopped") {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Token(t *testing.T) {
	t.Parallel()

	h := NewServer(Config{Token: "s3cret"}, NewMetrics(), nil, logx.Nop()).Handler()
	tests := []struct {
		name string
		path string
		auth string
		want int
	}{
		{name: "missing", path: "/healthz", want: http.StatusUnauthorized},
		{name: "query", path: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "bad query", path: "/healthz?token=nope", want: http.StatusUnauthorized},
		{name: "bearer", path: "/metrics", auth: "Bearer s3cret", want: http.StatusOK},
		{name: "bad bearer", path: "/metrics", auth: "Bearer x", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("code=%d want=%d", rec.Code, tt.want)
			}
		})
	}
}

func TestStart_RefusesPublicWithoutToken(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop(context.Background())
		t.Fatalf("expected refusal")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Addr: "127.0.0.1:0"}, NewMetrics(), nil, logx.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatalf("no address")
	}
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET pprof: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	if srv.Addr() != "" {
		t.Fatalf("still bound after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9465": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":9465":          false,
		"0.0.0.0:1":      false,
		"10.0.0.1:1":     false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
