package collab

import "time"

// EventType names a state transition published on the Bus.
type EventType string

// Event types (wire-stable).
const (
	EventSessionCreated    EventType = "session.created"
	EventSessionClosed     EventType = "session.closed"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventChangeApplied     EventType = "change.applied"
	EventChangeUndone      EventType = "change.undone"
	EventChangeRedone      EventType = "change.redone"
	EventPresenceUpdated   EventType = "presence.updated"
	EventTypingChanged     EventType = "typing.changed"
	EventCommentAdded      EventType = "comment.added"
	EventCommentReplyAdded EventType = "comment.reply_added"
	EventCommentResolved   EventType = "comment.resolved"
)

// Event is one committed state transition.
// Version is the session version at the time the event was raised.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload"`
}

// SessionCreatedPayload accompanies EventSessionCreated.
type SessionCreatedPayload struct {
	Session Session `json:"session"`
}

// SessionClosedPayload accompanies EventSessionClosed.
type SessionClosedPayload struct {
	DocumentID   string   `json:"document_id"`
	TotalChanges int      `json:"total_changes"`
	Participants []string `json:"participants"`
}

// ParticipantPayload accompanies EventParticipantJoined and EventParticipantLeft.
// Presence is nil for EventParticipantLeft.
type ParticipantPayload struct {
	ParticipantID string    `json:"participant_id"`
	Presence      *Presence `json:"presence,omitempty"`
	Participants  []string  `json:"participants"`
}

// ChangePayload accompanies the change events.
// ActorID is who triggered the event; for undo/redo it can differ from Change.ParticipantID.
type ChangePayload struct {
	Change  Change `json:"change"`
	ActorID string `json:"actor_id"`
}

// PresencePayload accompanies EventPresenceUpdated and EventTypingChanged.
type PresencePayload struct {
	Presence Presence `json:"presence"`
}

// CommentPayload accompanies EventCommentAdded and EventCommentResolved.
type CommentPayload struct {
	Comment Comment `json:"comment"`
}

// ReplyPayload accompanies EventCommentReplyAdded.
type ReplyPayload struct {
	Reply Reply `json:"reply"`
}
