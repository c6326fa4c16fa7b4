package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"coedit/cmd/internal/collab"
)

func TestCollector_TracksSessionsAndParticipants(t *testing.T) {
	t.Parallel()

	c := New()
	store := collab.NewStore()
	store.Bus().AddListener(c.Observe)

	s1, err := store.CreateSession(collab.SessionConfig{DocumentID: "d1", CreatorID: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, err := store.CreateSession(collab.SessionConfig{DocumentID: "d2", CreatorID: "X"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		if _, err := store.AddParticipant(s1.ID, id, nil); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if _, err := store.ApplyChange(s1.ID, "A", collab.Operation{Kind: collab.OpInsert, Content: "hello"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := testutil.ToFloat64(c.activeSessions); got != 2 {
		t.Fatalf("active sessions=%v want 2", got)
	}
	// s1: A, B. s2: X.
	if got := testutil.ToFloat64(c.participants); got != 3 {
		t.Fatalf("participants=%v want 3", got)
	}
	if got := testutil.ToFloat64(c.events.WithLabelValues(string(collab.EventChangeApplied))); got != 1 {
		t.Fatalf("change.applied=%v want 1", got)
	}

	store.CloseSession(s2.ID)
	if err := store.RemoveParticipant(s1.ID, "B"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if got := testutil.ToFloat64(c.activeSessions); got != 1 {
		t.Fatalf("active sessions=%v want 1", got)
	}
	if got := testutil.ToFloat64(c.participants); got != 1 {
		t.Fatalf("participants=%v want 1", got)
	}
}

func TestCollector_HandlerExposesDropCounter(t *testing.T) {
	t.Parallel()

	c := New()
	c.RegisterDropCounter("archive", func() uint64 { return 7 })
	c.Observe(collab.Event{Type: collab.EventTypingChanged})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`coedit_bus_dropped_events_total{consumer="archive"} 7`,
		`coedit_events_total{type="typing.changed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
