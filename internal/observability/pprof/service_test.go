package pprof

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "watchbot/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{":6060", false},
		{"0.0.0.0:6060", false},
		{"10.0.0.5:6060", false},
		{"nonsense", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestCheckConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg Config
		ok  bool
	}{
		{Config{}, true},
		{Config{Enabled: true}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:6060"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "s"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true}, true},
		{Config{Enabled: true, Addr: "6060"}, false},
	}
	for _, tc := range cases {
		if err := CheckConfig(tc.cfg); (err == nil) != tc.ok {
			t.Fatalf("CheckConfig(%+v) = %v", tc.cfg, err)
		}
	}
}

func TestHandlerAuthAndStats(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]int{"active": 3} }, logx.Nop())
	h := s.Handler("secret")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer: status %d", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["active"] != 3 {
		t.Fatalf("stats body %q: %v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?token=secret", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if err := s.Reconfigure(ctx, Config{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" || s.Supervisor() != nil {
		t.Fatal("server still running after disable")
	}
}
