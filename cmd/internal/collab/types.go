package collab

import "time"

// OpKind is the kind of an edit operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpInsert || k == OpDelete
}

// Settings are the per-session policy knobs supplied at creation.
type Settings struct {
	MaxParticipants int  `json:"max_participants"`
	AllowComments   bool `json:"allow_comments"`
	AllowTracking   bool `json:"allow_tracking"`
}

// DefaultSettings returns the settings used when a SessionConfig carries none.
func DefaultSettings() Settings {
	return Settings{
		MaxParticipants: defaultMaxParticipants,
		AllowComments:   true,
		AllowTracking:   true,
	}
}

// SessionConfig describes a session creation request.
// A nil Settings means DefaultSettings (or the Store's configured defaults).
type SessionConfig struct {
	DocumentID string
	CreatorID  string
	Settings   *Settings
}

// Session is the header of a session aggregate.
// Values returned by the Store are copies; mutating them has no effect.
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	Participants []string  `json:"participants"`
	Settings     Settings  `json:"settings"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

func (s Session) clone() Session {
	out := s
	out.Participants = append([]string(nil), s.Participants...)
	return out
}

func (s Session) hasParticipant(participantID string) bool {
	for _, p := range s.Participants {
		if p == participantID {
			return true
		}
	}
	return false
}

// Selection is a half-open [Start, End) range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is the ephemeral UI state of one participant in one session.
type Presence struct {
	SessionID     string     `json:"session_id"`
	ParticipantID string     `json:"participant_id"`
	Cursor        int        `json:"cursor"`
	Selection     *Selection `json:"selection,omitempty"`
	Color         string     `json:"color"`
	IsTyping      bool       `json:"is_typing"`
	LastActivity  time.Time  `json:"last_activity"`
}

func (p Presence) clone() Presence {
	out := p
	if p.Selection != nil {
		sel := *p.Selection
		out.Selection = &sel
	}
	return out
}

// PresenceUpdate carries optional presence fields. Nil fields are left unchanged.
type PresenceUpdate struct {
	Cursor         *int
	Selection      *Selection
	ClearSelection bool
}

// Operation is a candidate edit submitted by a participant.
//
// BaseVersion is the last session version the submitter had applied locally.
// When nil, concurrency is decided by the recency window.
type Operation struct {
	Kind        OpKind
	Position    int
	Content     string
	BaseVersion *int64
}

// Change is an applied (transformed) operation. The ordered sequence of
// Changes is the authoritative edit log of a session.
type Change struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Kind          OpKind    `json:"kind"`
	Position      int       `json:"position"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int64     `json:"version"`
	Hash          string    `json:"hash"`
}

// UndoEntry is a Change on the undo or redo stack.
// ReversedAt is set while the entry sits on the redo stack.
type UndoEntry struct {
	Change     Change     `json:"change"`
	ReversedAt *time.Time `json:"reversed_at,omitempty"`
}

func (e UndoEntry) clone() UndoEntry {
	out := e
	if e.ReversedAt != nil {
		t := *e.ReversedAt
		out.ReversedAt = &t
	}
	return out
}

// Comment is a threaded annotation anchored to a document position.
type Comment struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	ParticipantID string     `json:"participant_id"`
	Position      int        `json:"position"`
	Body          string     `json:"body"`
	Resolved      bool       `json:"resolved"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Replies       []Reply    `json:"replies"`
}

func (c Comment) clone() Comment {
	out := c
	out.Replies = append([]Reply(nil), c.Replies...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// Reply is one entry of a comment thread.
type Reply struct {
	ID            string    `json:"id"`
	CommentID     string    `json:"comment_id"`
	ParticipantID string    `json:"participant_id"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats is a best-effort summary of a session.
type Stats struct {
	SessionID        string        `json:"session_id"`
	Duration         time.Duration `json:"duration"`
	ParticipantCount int           `json:"participant_count"`
	ActivePresence   int           `json:"active_presence"`
	TypingCount      int           `json:"typing_count"`
	TotalChanges     int           `json:"total_changes"`
	InsertCount      int           `json:"insert_count"`
	DeleteCount      int           `json:"delete_count"`
	CommentCount     int           `json:"comment_count"`
	Version          int64         `json:"version"`
	LastModified     time.Time     `json:"last_modified"`
	UndoDepth        int           `json:"undo_depth"`
	RedoDepth        int           `json:"redo_depth"`
	MaxParticipants  int           `json:"max_participants"`
	CommentsAllowed  bool          `json:"comments_allowed"`
	TrackingAllowed  bool          `json:"tracking_allowed"`
}

// ExportOptions filters ExportHistory output.
type ExportOptions struct {
	ParticipantID string
}

// ExportedChange is an audit view of a Change with a truncated content preview.
type ExportedChange struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participant_id"`
	Kind           OpKind    `json:"kind"`
	Position       int       `json:"position"`
	ContentPreview string    `json:"content_preview"`
	ContentLength  int       `json:"content_length"`
	Timestamp      time.Time `json:"timestamp"`
	Version        int64     `json:"version"`
	Hash           string    `json:"hash"`
}

// ExportRecord is session metadata plus its (optionally filtered) change list.
type ExportRecord struct {
	SessionID     string           `json:"session_id"`
	DocumentID    string           `json:"document_id"`
	CreatedAt     time.Time        `json:"created_at"`
	CreatedBy     string           `json:"created_by"`
	Participants  []string         `json:"participants"`
	Settings      Settings         `json:"settings"`
	Version       int64            `json:"version"`
	ExportedAt    time.Time        `json:"exported_at"`
	ParticipantID string           `json:"participant_id,omitempty"`
	Changes       []ExportedChange `json:"changes"`
}
