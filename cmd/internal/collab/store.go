package collab

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store owns every active session. It is the Session Manager.
//
// Ownership model:
//   - The map of sessions is guarded by mu; a session's state is guarded by its own mutex.
//   - Lock order is session -> store (never the reverse while holding a session).
//   - Events are published while the session is still locked, so per-session order is commit order.
type Store struct {
	log          *slog.Logger
	bus          *Bus
	now          func() time.Time
	window       time.Duration
	previewChars int
	historyLimit int
	defaults     Settings

	mu       sync.RWMutex
	sessions map[string]*sessionState
	comments map[string]string // comment id -> session id
}

type sessionState struct {
	mu     sync.Mutex
	closed bool

	session  Session
	changes  []Change
	undo     []UndoEntry
	redo     []UndoEntry
	presence map[string]*Presence
	comments []*Comment
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:          func() time.Time { return time.Now().UTC() },
		window:       defaultTransformWindow,
		previewChars: defaultPreviewChars,
		historyLimit: defaultHistoryLimit,
		defaults:     DefaultSettings(),
		sessions:     make(map[string]*sessionState),
		comments:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.bus == nil {
		s.bus = NewBus(s.log, defaultBusQueueSize)
	}
	return s
}

// Bus returns the event bus events are published on.
func (s *Store) Bus() *Bus { return s.bus }

// acquire returns the locked state of sessionID. Callers must unlock st.mu.
func (s *Store) acquire(op, sessionID string) (*sessionState, error) {
	s.mu.RLock()
	st := s.sessions[sessionID]
	s.mu.RUnlock()

	if st == nil {
		return nil, opErr(op, ErrSessionNotFound, sessionID)
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, opErr(op, ErrSessionNotFound, sessionID)
	}
	return st, nil
}

func (s *Store) publish(st *sessionState, typ EventType, at time.Time, payload any) {
	s.bus.Publish(Event{
		Type:      typ,
		SessionID: st.session.ID,
		Version:   st.session.Version,
		At:        at,
		Payload:   payload,
	})
}

// CreateSession allocates a new session whose membership contains the creator.
func (s *Store) CreateSession(cfg SessionConfig) (Session, error) {
	now := s.now()

	id, err := NewID(now)
	if err != nil {
		return Session{}, opErr("collab.CreateSession", ErrInternal, err.Error())
	}

	settings := s.defaults
	if cfg.Settings != nil {
		settings = *cfg.Settings
		if settings.MaxParticipants <= 0 {
			settings.MaxParticipants = s.defaults.MaxParticipants
		}
	}

	st := &sessionState{
		session: Session{
			ID:           id,
			DocumentID:   cfg.DocumentID,
			CreatedAt:    now,
			CreatedBy:    cfg.CreatorID,
			Participants: make([]string, 0, settings.MaxParticipants),
			Settings:     settings,
			LastModified: now,
		},
		presence: make(map[string]*Presence),
	}
	if cfg.CreatorID != "" {
		st.session.Participants = append(st.session.Participants, cfg.CreatorID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s.mu.Lock()
	s.sessions[id] = st
	s.mu.Unlock()

	s.log.Info("session.create", "session_id", id, "document_id", cfg.DocumentID, "creator", cfg.CreatorID,
		"max_participants", settings.MaxParticipants)

	s.publish(st, EventSessionCreated, now, SessionCreatedPayload{Session: st.session.clone()})
	return st.session.clone(), nil
}

// Session returns a copy of the session header.
func (s *Store) Session(sessionID string) (Session, error) {
	st, err := s.acquire("collab.Session", sessionID)
	if err != nil {
		return Session{}, err
	}
	defer st.mu.Unlock()
	return st.session.clone(), nil
}

// Sessions returns the ids of all active sessions, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// AddParticipant joins participantID to the session and (re)initializes its presence.
// Membership is idempotent; capacity is only checked for new members.
func (s *Store) AddParticipant(sessionID, participantID string, initial *PresenceUpdate) (Session, error) {
	const op = "collab.AddParticipant"

	if participantID == "" {
		return Session{}, opErr(op, ErrInvalidInput, "empty participant id")
	}

	st, err := s.acquire(op, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer st.mu.Unlock()

	if !st.session.hasParticipant(participantID) {
		if len(st.session.Participants) >= st.session.Settings.MaxParticipants {
			return Session{}, opErr(op, ErrSessionFull, sessionID)
		}
		st.session.Participants = append(st.session.Participants, participantID)
	}

	now := s.now()
	p := &Presence{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Color:         ColorFor(participantID),
		LastActivity:  now,
	}
	if initial != nil {
		applyPresenceUpdate(p, *initial)
	}
	st.presence[participantID] = p

	s.log.Info("session.participant.join", "session_id", sessionID, "participant_id", participantID,
		"participants", len(st.session.Participants))

	pc := p.clone()
	s.publish(st, EventParticipantJoined, now, ParticipantPayload{
		ParticipantID: participantID,
		Presence:      &pc,
		Participants:  append([]string(nil), st.session.Participants...),
	})
	return st.session.clone(), nil
}

// RemoveParticipant drops participantID from membership and presence.
// When membership becomes empty the session is closed.
func (s *Store) RemoveParticipant(sessionID, participantID string) error {
	st, err := s.acquire("collab.RemoveParticipant", sessionID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	_, hadPresence := st.presence[participantID]
	idx := -1
	for i, p := range st.session.Participants {
		if p == participantID {
			idx = i
			break
		}
	}
	if idx < 0 && !hadPresence {
		return nil
	}

	if idx >= 0 {
		st.session.Participants = append(st.session.Participants[:idx], st.session.Participants[idx+1:]...)
	}
	delete(st.presence, participantID)

	now := s.now()
	s.log.Info("session.participant.leave", "session_id", sessionID, "participant_id", participantID,
		"participants", len(st.session.Participants))

	s.publish(st, EventParticipantLeft, now, ParticipantPayload{
		ParticipantID: participantID,
		Participants:  append([]string(nil), st.session.Participants...),
	})

	if len(st.session.Participants) == 0 {
		s.closeLocked(st, now, "empty")
	}
	return nil
}

// CloseSession emits the closing event and discards all session state.
// Closing an unknown session is a no-op.
func (s *Store) CloseSession(sessionID string) {
	st, err := s.acquire("collab.CloseSession", sessionID)
	if err != nil {
		return
	}
	defer st.mu.Unlock()

	s.closeLocked(st, s.now(), "explicit")
}

func (s *Store) closeLocked(st *sessionState, now time.Time, reason string) {
	s.publish(st, EventSessionClosed, now, SessionClosedPayload{
		DocumentID:   st.session.DocumentID,
		TotalChanges: len(st.changes),
		Participants: append([]string(nil), st.session.Participants...),
	})

	st.closed = true

	s.mu.Lock()
	delete(s.sessions, st.session.ID)
	for _, c := range st.comments {
		delete(s.comments, c.ID)
	}
	s.mu.Unlock()

	s.log.Info("session.close", "session_id", st.session.ID, "reason", reason,
		"total_changes", len(st.changes), "version", st.session.Version)

	st.changes = nil
	st.undo = nil
	st.redo = nil
	st.presence = nil
	st.comments = nil
}

// GetActiveParticipants returns the presence of every member, in membership order.
// Members without a presence record appear with a default cursor at the origin.
func (s *Store) GetActiveParticipants(sessionID string) ([]Presence, error) {
	st, err := s.acquire("collab.GetActiveParticipants", sessionID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	out := make([]Presence, 0, len(st.session.Participants))
	for _, id := range st.session.Participants {
		if p, ok := st.presence[id]; ok {
			out = append(out, p.clone())
			continue
		}
		out = append(out, Presence{
			SessionID:     sessionID,
			ParticipantID: id,
			Color:         ColorFor(id),
		})
	}
	return out, nil
}

// GetSessionStatistics summarizes a session. ok is false for unknown sessions.
func (s *Store) GetSessionStatistics(sessionID string) (stats Stats, ok bool) {
	st, err := s.acquire("collab.GetSessionStatistics", sessionID)
	if err != nil {
		return Stats{}, false
	}
	defer st.mu.Unlock()

	out := Stats{
		SessionID:        sessionID,
		Duration:         s.now().Sub(st.session.CreatedAt),
		ParticipantCount: len(st.session.Participants),
		ActivePresence:   len(st.presence),
		TotalChanges:     len(st.changes),
		CommentCount:     len(st.comments),
		Version:          st.session.Version,
		LastModified:     st.session.LastModified,
		UndoDepth:        len(st.undo),
		RedoDepth:        len(st.redo),
		MaxParticipants:  st.session.Settings.MaxParticipants,
		CommentsAllowed:  st.session.Settings.AllowComments,
		TrackingAllowed:  st.session.Settings.AllowTracking,
	}
	for _, p := range st.presence {
		if p.IsTyping {
			out.TypingCount++
		}
	}
	for _, c := range st.changes {
		switch c.Kind {
		case OpInsert:
			out.InsertCount++
		case OpDelete:
			out.DeleteCount++
		}
	}
	return out, true
}
