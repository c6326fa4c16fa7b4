package collab

import (
	"time"
	"unicode/utf8"
)

// pushUndo appends e to the undo stack, discarding the oldest entries beyond limit.
func (st *sessionState) pushUndo(e UndoEntry, limit int) {
	st.undo = append(st.undo, e)
	if limit > 0 && len(st.undo) > limit {
		excess := len(st.undo) - limit
		st.undo = append([]UndoEntry(nil), st.undo[excess:]...)
	}
}

// Undo pops the most recent undo entry, marks it reversed and moves it to the redo stack.
// The change log is not rewritten and the session version is unchanged.
func (s *Store) Undo(sessionID, participantID string) (Change, error) {
	const op = "collab.Undo"

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return Change{}, err
	}
	defer st.mu.Unlock()

	if len(st.undo) == 0 {
		return Change{}, opErr(op, ErrNothingToUndo, sessionID)
	}

	now := s.now()
	e := st.undo[len(st.undo)-1]
	st.undo = st.undo[:len(st.undo)-1]
	e.ReversedAt = &now
	st.redo = append(st.redo, e)
	st.session.LastModified = now

	s.log.Debug("change.undo", "session_id", sessionID, "participant_id", participantID,
		"change_id", e.Change.ID, "author", e.Change.ParticipantID)

	s.publish(st, EventChangeUndone, now, ChangePayload{Change: e.Change, ActorID: participantID})
	return e.Change, nil
}

// Redo pops the most recent redo entry, clears its reversed marker and pushes it back onto the undo stack.
func (s *Store) Redo(sessionID, participantID string) (Change, error) {
	const op = "collab.Redo"

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return Change{}, err
	}
	defer st.mu.Unlock()

	if len(st.redo) == 0 {
		return Change{}, opErr(op, ErrNothingToRedo, sessionID)
	}

	now := s.now()
	e := st.redo[len(st.redo)-1]
	st.redo = st.redo[:len(st.redo)-1]
	e.ReversedAt = nil
	st.pushUndo(e, s.historyLimit)
	st.session.LastModified = now

	s.log.Debug("change.redo", "session_id", sessionID, "participant_id", participantID,
		"change_id", e.Change.ID, "author", e.Change.ParticipantID)

	s.publish(st, EventChangeRedone, now, ChangePayload{Change: e.Change, ActorID: participantID})
	return e.Change, nil
}

// History returns copies of the undo and redo stacks; the top of each stack is last.
func (s *Store) History(sessionID string) (undo, redo []UndoEntry, err error) {
	st, err := s.acquire("collab.History", sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer st.mu.Unlock()

	undo = make([]UndoEntry, 0, len(st.undo))
	for _, e := range st.undo {
		undo = append(undo, e.clone())
	}
	redo = make([]UndoEntry, 0, len(st.redo))
	for _, e := range st.redo {
		redo = append(redo, e.clone())
	}
	return undo, redo, nil
}

// GetSnapshot returns every log entry with Timestamp <= asOf, in log order.
func (s *Store) GetSnapshot(sessionID string, asOf time.Time) ([]Change, error) {
	st, err := s.acquire("collab.GetSnapshot", sessionID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	out := make([]Change, 0, len(st.changes))
	for _, c := range st.changes {
		if c.Timestamp.After(asOf) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ExportHistory returns session metadata plus the change list with content previews.
func (s *Store) ExportHistory(sessionID string, opts ExportOptions) (ExportRecord, error) {
	st, err := s.acquire("collab.ExportHistory", sessionID)
	if err != nil {
		return ExportRecord{}, err
	}
	defer st.mu.Unlock()

	rec := ExportRecord{
		SessionID:     sessionID,
		DocumentID:    st.session.DocumentID,
		CreatedAt:     st.session.CreatedAt,
		CreatedBy:     st.session.CreatedBy,
		Participants:  append([]string(nil), st.session.Participants...),
		Settings:      st.session.Settings,
		Version:       st.session.Version,
		ExportedAt:    s.now(),
		ParticipantID: opts.ParticipantID,
		Changes:       make([]ExportedChange, 0, len(st.changes)),
	}
	for _, c := range st.changes {
		if opts.ParticipantID != "" && c.ParticipantID != opts.ParticipantID {
			continue
		}
		rec.Changes = append(rec.Changes, ExportedChange{
			ID:             c.ID,
			ParticipantID:  c.ParticipantID,
			Kind:           c.Kind,
			Position:       c.Position,
			ContentPreview: preview(c.Content, s.previewChars),
			ContentLength:  utf8.RuneCountInString(c.Content),
			Timestamp:      c.Timestamp,
			Version:        c.Version,
			Hash:           c.Hash,
		})
	}
	return rec, nil
}

func preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
