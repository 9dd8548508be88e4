package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/auth"
	"github.com/friendsincode/listenroom/internal/config"
	"github.com/friendsincode/listenroom/internal/logbuffer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Environment:          "test",
		HTTPBind:             "127.0.0.1",
		HTTPPort:             0,
		DBBackend:            config.DatabaseSQLite,
		DBDSN:                filepath.Join(dir, "listenroom.db"),
		JWTSigningKey:        "test-secret",
		PositionStorePath:    filepath.Join(dir, "positions.db"),
		MediaRoot:            filepath.Join(dir, "media"),
		DesyncWindow:         time.Second,
		PositionSaveInterval: 2 * time.Second,
	}

	srv, err := New(cfg, logbuffer.New(100), zerolog.Nop())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestServer_HealthzAndAuthGate(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/api/conversations/c1/playlist/")
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp2.StatusCode)
	}
}

func TestServer_FullSessionRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token, err := auth.Issue([]byte("test-secret"), auth.Claims{UserID: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/conversations/c1/playlist/init", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from init, got %d", resp.StatusCode)
	}

	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap["state"] != "idle" {
		t.Fatalf("expected fresh playlist to be idle, got %v", snap["state"])
	}
}
