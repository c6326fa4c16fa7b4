package collab

import (
	"errors"
	"testing"
	"time"
)

func TestColorFor_Deterministic(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"alice", "bob", "01HZZZZZZZZZZZZZZZZZZZZZZZ", ""} {
		a, b := ColorFor(id), ColorFor(id)
		if a != b {
			t.Fatalf("ColorFor(%q) not stable: %s vs %s", id, a, b)
		}
		found := false
		for _, c := range palette {
			if c == a {
				found = true
			}
		}
		if !found {
			t.Fatalf("ColorFor(%q)=%s not in palette", id, a)
		}
	}
}

func TestUpdatePresence_RequiresJoin(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	sess := mustCreate(t, s, "A", nil)

	cursor := 3
	if _, err := s.UpdatePresence(sess.ID, "A", PresenceUpdate{Cursor: &cursor}); !errors.Is(err, ErrUserNotInSession) {
		t.Fatalf("expected ErrUserNotInSession for unjoined creator, got %v", err)
	}
	if err := s.SetTypingStatus(sess.ID, "Z", true); !errors.Is(err, ErrUserNotInSession) {
		t.Fatalf("expected ErrUserNotInSession, got %v", err)
	}

	if _, err := s.AddParticipant(sess.ID, "B", nil); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if err := s.RemoveParticipant(sess.ID, "B"); err != nil {
		t.Fatalf("remove B: %v", err)
	}
	if _, err := s.UpdatePresence(sess.ID, "B", PresenceUpdate{Cursor: &cursor}); !errors.Is(err, ErrUserNotInSession) {
		t.Fatalf("expected ErrUserNotInSession after leave, got %v", err)
	}
}

func TestUpdatePresence_CursorAndSelection(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	sess := mustCreate(t, s, "A", nil)
	if _, err := s.AddParticipant(sess.ID, "A", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	clk.Advance(5 * time.Second)
	cursor := -4
	p, err := s.UpdatePresence(sess.ID, "A", PresenceUpdate{Cursor: &cursor, Selection: &Selection{Start: 9, End: 2}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Cursor != 0 {
		t.Fatalf("cursor=%d want 0", p.Cursor)
	}
	if p.Selection == nil || p.Selection.Start != 2 || p.Selection.End != 9 {
		t.Fatalf("unexpected selection %+v", p.Selection)
	}
	if !p.LastActivity.Equal(clk.Now()) {
		t.Fatalf("last_activity not updated")
	}

	p, err = s.UpdatePresence(sess.ID, "A", PresenceUpdate{ClearSelection: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Selection != nil || p.Cursor != 0 {
		t.Fatalf("expected cleared selection and unchanged cursor, got %+v", p)
	}
}

func TestSetTypingStatus_PublishesEvent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	sess := mustCreate(t, s, "A", nil)
	if _, err := s.AddParticipant(sess.ID, "A", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	sub := s.Bus().Subscribe(sess.ID)
	defer sub.Close()

	if err := s.SetTypingStatus(sess.ID, "A", true); err != nil {
		t.Fatalf("typing: %v", err)
	}

	events := drain(sub)
	if len(events) != 1 || events[0].Type != EventTypingChanged {
		t.Fatalf("unexpected events: %+v", events)
	}
	pp := events[0].Payload.(PresencePayload)
	if !pp.Presence.IsTyping || pp.Presence.ParticipantID != "A" {
		t.Fatalf("unexpected payload: %+v", pp)
	}
}
