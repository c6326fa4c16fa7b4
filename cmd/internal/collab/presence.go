package collab

import "github.com/cespare/xxhash/v2"

// palette is the fixed set of presence colors.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor returns the display color of participantID.
// It is a pure function of the id, so colors are stable across sessions and reconnects.
func ColorFor(participantID string) string {
	return palette[xxhash.Sum64String(participantID)%uint64(len(palette))]
}

func applyPresenceUpdate(p *Presence, u PresenceUpdate) {
	if u.Cursor != nil {
		c := *u.Cursor
		if c < 0 {
			c = 0
		}
		p.Cursor = c
	}
	if u.ClearSelection {
		p.Selection = nil
	}
	if u.Selection != nil {
		sel := *u.Selection
		if sel.End < sel.Start {
			sel.Start, sel.End = sel.End, sel.Start
		}
		sel.Start = max(sel.Start, 0)
		sel.End = max(sel.End, sel.Start)
		p.Selection = &sel
	}
}

// UpdatePresence updates the cursor and/or selection of a joined participant.
func (s *Store) UpdatePresence(sessionID, participantID string, u PresenceUpdate) (Presence, error) {
	const op = "collab.UpdatePresence"

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return Presence{}, err
	}
	defer st.mu.Unlock()

	p, ok := st.presence[participantID]
	if !ok {
		return Presence{}, opErr(op, ErrUserNotInSession, participantID)
	}

	now := s.now()
	applyPresenceUpdate(p, u)
	p.LastActivity = now

	out := p.clone()
	s.publish(st, EventPresenceUpdated, now, PresencePayload{Presence: out.clone()})
	return out, nil
}

// SetTypingStatus sets the advisory typing flag of a joined participant.
func (s *Store) SetTypingStatus(sessionID, participantID string, isTyping bool) error {
	const op = "collab.SetTypingStatus"

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	p, ok := st.presence[participantID]
	if !ok {
		return opErr(op, ErrUserNotInSession, participantID)
	}

	now := s.now()
	p.IsTyping = isTyping
	p.LastActivity = now

	s.publish(st, EventTypingChanged, now, PresencePayload{Presence: p.clone()})
	return nil
}
