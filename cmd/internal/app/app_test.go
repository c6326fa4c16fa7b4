package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"coedit/cmd/internal/collab"
)

func testConfig() Config {
	return Config{
		TransformWindow:        time.Second,
		DefaultMaxParticipants: 3,
		ExportPreviewChars:     100,
		HistoryLimit:           1000,
		BusQueueSize:           64,
		SessionIdleTimeout:     time.Minute,
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeResources)
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestApp_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	h := a.Handler()

	if rr := get(t, h, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("/healthz=%d", rr.Code)
	}
	if rr := get(t, h, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("/readyz=%d", rr.Code)
	}

	cfg := testConfig()
	cfg.ReadinessRequireDB = true
	strict := newTestApp(t, cfg)
	if rr := get(t, strict.Handler(), "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz without db=%d want 503", rr.Code)
	}
}

func TestApp_WiresDefaultsAndMetrics(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())

	sess, err := a.store.CreateSession(collab.SessionConfig{DocumentID: "doc", CreatorID: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Settings.MaxParticipants != 3 {
		t.Fatalf("default max participants=%d want 3", sess.Settings.MaxParticipants)
	}

	rr := get(t, a.Handler(), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "coedit_active_sessions 1") {
		t.Fatalf("metrics missing active session gauge")
	}

	rr = get(t, a.Handler(), "/v1/sessions")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), sess.ID) {
		t.Fatalf("/v1/sessions=%d body=%s", rr.Code, rr.Body.String())
	}

	if rr := get(t, a.Handler(), "/v1/sessions/"+sess.ID+"/export"); rr.Code != http.StatusOK {
		t.Fatalf("export=%d", rr.Code)
	}
	if rr := get(t, a.Handler(), "/v1/sessions/unknown/export"); rr.Code != http.StatusNotFound {
		t.Fatalf("export unknown=%d want 404", rr.Code)
	}
}

func TestApp_RedisFanoutWiring(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	a := newTestApp(t, cfg)
	if a.publisher == nil {
		t.Fatalf("expected fanout publisher")
	}
	if rr := get(t, a.Handler(), "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("/readyz=%d", rr.Code)
	}

	mr.Close()
	if rr := get(t, a.Handler(), "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz with redis down=%d want 503", rr.Code)
	}
}

func TestApp_BadRedisURLFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RedisURL = "://bad"
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for bad redis url")
	}
}

func TestApp_ReapIdle(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())

	idle, err := a.store.CreateSession(collab.SessionConfig{DocumentID: "idle", CreatorID: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	busy, err := a.store.CreateSession(collab.SessionConfig{DocumentID: "busy", CreatorID: "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.store.AddParticipant(busy.ID, "B", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	if n := a.reapIdle(time.Now().UTC()); n != 0 {
		t.Fatalf("fresh sessions must not be reaped, closed=%d", n)
	}
	if n := a.reapIdle(time.Now().UTC().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("closed=%d want 1", n)
	}
	if _, err := a.store.Session(idle.ID); !collab.IsNotFound(err) {
		t.Fatalf("idle session should be closed, err=%v", err)
	}
	if _, err := a.store.Session(busy.ID); err != nil {
		t.Fatalf("busy session must survive: %v", err)
	}
}
