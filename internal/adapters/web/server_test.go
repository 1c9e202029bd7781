package web_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"telegram-presence-bot/internal/adapters/web"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ready web.ReadyFunc
		code  int
		body  string
	}{
		{name: "no probe", code: http.StatusOK, body: "OK"},
		{name: "ready", ready: func(context.Context) error { return nil }, code: http.StatusOK, body: "OK"},
		{name: "not ready", ready: func(context.Context) error { return errors.New("bot is not connected") },
			code: http.StatusServiceUnavailable, body: "bot is not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := web.NewServer(web.Options{Ready: tt.ready})
			code, body := get(t, s.Handler(), "/health")
			if code != tt.code || body != tt.body {
				t.Fatalf("GET /health = %d %q, want %d %q", code, body, tt.code, tt.body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_hits_total", Help: "hits"})
	reg.MustRegister(c)
	c.Add(3)

	s := web.NewServer(web.Options{Gatherer: reg})
	code, body := get(t, s.Handler(), "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "test_hits_total 3") {
		t.Fatalf("GET /metrics = %d %q", code, body)
	}

	if code, _ := get(t, s.Handler(), "/nope"); code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", code)
	}
}
