package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/config"
	"github.com/sockd/sockd/internal/health"
	"github.com/sockd/sockd/internal/metrics"
	"github.com/sockd/sockd/internal/routes"
	"github.com/sockd/sockd/internal/wire"
)

func testServer(t *testing.T) (*Server, *routes.Registry) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg := routes.New()
	cfg := config.Default()
	cfg.Redis = &config.RedisConfig{Addr: "x", Password: "secret"}
	hc := health.NewChecker(nil, log, nil)
	return NewServer(reg, hc, metrics.New(), cfg, log), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("status should report uptime")
	}
	if _, ok := body["goroutines"]; !ok {
		t.Error("status should report goroutines")
	}
}

func TestRoutesEndpoint(t *testing.T) {
	s, reg := testServer(t)
	reg.AddHTTP("/u/<id>", func(*wire.Request) (any, error) { return nil, nil }, []string{"GET"}, true)
	reg.AddWebSocket("/ws", func(*wire.WSConn) {})

	rec := get(t, s.Handler(), "/routes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rec.Code)
	}

	var infos []routes.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(infos))
	}
	if !infos[0].Dynamic || !infos[0].Protected {
		t.Errorf("dynamic protected route flags missing: %+v", infos[0])
	}
	if !infos[1].WebSocket {
		t.Errorf("websocket flag missing: %+v", infos[1])
	}
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s.Handler(), "/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "secret") {
		t.Error("config endpoint must not leak passwords")
	}
	if !strings.Contains(body, "REDACTED") {
		t.Error("config endpoint should mark redacted fields")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown health should be OK, got %d", rec.Code)
	}

	var snap health.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if snap.Status != "unknown" {
		t.Errorf("status: got %q", snap.Status)
	}
}

func TestReadyEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s.Handler(), "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t)
	s.metrics.ConnAccepted()

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sockd_connections_accepted_total") {
		t.Error("metrics output should include sockd instruments")
	}
}
