package collab

import (
	"encoding/binary"
	"encoding/hex"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// Transform computes where op should actually be applied given the session log.
//
// An entry c of log is concurrent with op when c was submitted by another participant and:
//   - op.BaseVersion is set: c.Version > *op.BaseVersion;
//   - otherwise: c was applied within window of now.
//
// Concurrent inserts at or before the target shift it forward by their length;
// concurrent deletes strictly before the target shift it back. The result is never negative.
// log must be ordered by Version, starting at 1 with no gaps.
func Transform(log []Change, op Operation, participantID string, now time.Time, window time.Duration) Operation {
	out := op
	pos := op.Position

	start := 0
	if op.BaseVersion != nil {
		start = int(*op.BaseVersion)
		if start < 0 {
			start = 0
		}
		if start > len(log) {
			start = len(log)
		}
	} else {
		// Timestamps are non-decreasing along the log, so the window is a suffix.
		cut := now.Add(-window)
		start = len(log)
		for start > 0 && !log[start-1].Timestamp.Before(cut) {
			start--
		}
	}

	for _, c := range log[start:] {
		if c.ParticipantID == participantID {
			continue
		}
		n := utf8.RuneCountInString(c.Content)
		switch c.Kind {
		case OpInsert:
			if c.Position <= pos {
				pos += n
			}
		case OpDelete:
			if c.Position < pos {
				pos -= n
			}
		}
	}

	if pos < 0 {
		pos = 0
	}
	out.Position = pos
	return out
}

// HashOperation returns the hex BLAKE2b-256 digest of a transformed operation.
func HashOperation(kind OpKind, position int, content string) string {
	h, _ := blake2b.New256(nil)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(kind)))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(kind))

	binary.BigEndian.PutUint64(buf[:], uint64(int64(position)))
	_, _ = h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(content)))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(content))

	return hex.EncodeToString(h.Sum(nil))
}

// ApplyChange transforms op against the session log and commits it.
// On success the version is bumped by one, the change is appended to the log
// and the undo stack, and the redo stack is cleared.
func (s *Store) ApplyChange(sessionID, participantID string, op Operation) (Change, error) {
	const opName = "collab.ApplyChange"

	if !op.Kind.Valid() {
		return Change{}, opErr(opName, ErrInvalidInput, "unknown operation kind: "+string(op.Kind))
	}
	if participantID == "" {
		return Change{}, opErr(opName, ErrInvalidInput, "empty participant id")
	}

	st, err := s.acquire(opName, sessionID)
	if err != nil {
		return Change{}, err
	}
	defer st.mu.Unlock()

	now := s.now()
	id, err := NewID(now)
	if err != nil {
		return Change{}, opErr(opName, ErrInternal, err.Error())
	}

	t := Transform(st.changes, op, participantID, now, s.window)

	ch := Change{
		ID:            id,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Kind:          t.Kind,
		Position:      t.Position,
		Content:       t.Content,
		Timestamp:     now,
		Version:       st.session.Version + 1,
		Hash:          HashOperation(t.Kind, t.Position, t.Content),
	}

	st.session.Version = ch.Version
	st.session.LastModified = now
	st.changes = append(st.changes, ch)
	st.pushUndo(UndoEntry{Change: ch}, s.historyLimit)
	st.redo = nil

	s.log.Debug("change.apply", "session_id", sessionID, "participant_id", participantID,
		"kind", string(ch.Kind), "requested_position", op.Position, "position", ch.Position, "version", ch.Version)

	s.publish(st, EventChangeApplied, now, ChangePayload{Change: ch, ActorID: participantID})
	return ch, nil
}

// Changes returns log entries with Version > afterVersion, in log order.
func (s *Store) Changes(sessionID string, afterVersion int64) ([]Change, error) {
	st, err := s.acquire("collab.Changes", sessionID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	start := int(afterVersion)
	if start < 0 {
		start = 0
	}
	if start >= len(st.changes) {
		return []Change{}, nil
	}
	return append([]Change(nil), st.changes[start:]...), nil
}
