// Package v1 defines the coedit realtime protocol v1 contract.
//
// It is shared between the server and clients so the wire protocol stays authoritative.
// Domain objects (sessions, changes, presence, comments) travel as the JSON
// encoding of the collab package types.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket handshake.
const Subprotocol = "coedit.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello binds a participant id to the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	TypeSessionCreate = "session_create"
	TypeSessionJoin   = "session_join"
	TypeSessionLeave  = "session_leave"

	TypeChangeSubmit = "change_submit"
	TypeChangeUndo   = "change_undo"
	TypeChangeRedo   = "change_redo"

	TypePresenceUpdate = "presence_update"
	TypeTypingSet      = "typing_set"

	TypeCommentAdd     = "comment_add"
	TypeCommentReply   = "comment_reply"
	TypeCommentResolve = "comment_resolve"

	TypeHistoryFetch = "history_fetch"
	TypeStatsGet     = "stats_get"
	TypeExportGet    = "export_get"

	// TypeAck answers a client request with its result (server -> client).
	TypeAck = "ack"
	// TypeEvent carries one session event (server -> joined clients).
	TypeEvent = "event"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionCreate,
		TypeSessionJoin,
		TypeSessionLeave,
		TypeChangeSubmit,
		TypeChangeUndo,
		TypeChangeRedo,
		TypePresenceUpdate,
		TypeTypingSet,
		TypeCommentAdd,
		TypeCommentReply,
		TypeCommentResolve,
		TypeHistoryFetch,
		TypeStatsGet,
		TypeExportGet,
		TypeAck,
		TypeEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Client payloads ----

// HelloPayload declares who is on the other end of the connection.
type HelloPayload struct {
	ParticipantID string `json:"participant_id"`
}

// HelloAckPayload returns the server-side connection id.
type HelloAckPayload struct {
	ConnectionID  string `json:"connection_id"`
	ParticipantID string `json:"participant_id"`
}

// SessionSettings mirrors collab.Settings; nil means server defaults.
type SessionSettings struct {
	MaxParticipants int  `json:"max_participants"`
	AllowComments   bool `json:"allow_comments"`
	AllowTracking   bool `json:"allow_tracking"`
}

// SessionCreatePayload opens a session for a document; the sender becomes its creator
// and is joined to it.
type SessionCreatePayload struct {
	DocumentID string           `json:"document_id"`
	Settings   *SessionSettings `json:"settings,omitempty"`
}

// Selection is a character range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SessionJoinPayload joins a session and starts event delivery.
type SessionJoinPayload struct {
	SessionID string     `json:"session_id"`
	Cursor    *int       `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// SessionRefPayload names a session (session_leave, change_undo, change_redo, stats_get).
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

// ChangeSubmitPayload proposes an operation.
// BaseVersion is the last session version the client has applied locally.
type ChangeSubmitPayload struct {
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	Position    int    `json:"position"`
	Content     string `json:"content"`
	BaseVersion *int64 `json:"base_version,omitempty"`
}

// PresenceUpdatePayload is a partial presence update.
type PresenceUpdatePayload struct {
	SessionID      string     `json:"session_id"`
	Cursor         *int       `json:"cursor,omitempty"`
	Selection      *Selection `json:"selection,omitempty"`
	ClearSelection bool       `json:"clear_selection,omitempty"`
}

// TypingSetPayload toggles the typing indicator.
type TypingSetPayload struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// CommentAddPayload anchors a comment at a position.
type CommentAddPayload struct {
	SessionID string `json:"session_id"`
	Position  int    `json:"position"`
	Body      string `json:"body"`
}

// CommentReplyPayload replies to a comment thread.
type CommentReplyPayload struct {
	CommentID string `json:"comment_id"`
	Body      string `json:"body"`
}

// CommentResolvePayload marks a comment thread resolved.
type CommentResolvePayload struct {
	CommentID string `json:"comment_id"`
}

// HistoryFetchPayload requests changes with version > AfterVersion.
type HistoryFetchPayload struct {
	SessionID    string `json:"session_id"`
	AfterVersion *int64 `json:"after_version,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// ExportGetPayload requests a history export, optionally for one participant.
type ExportGetPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// ---- Server payloads ----

// AckPayload answers one request. Result is the JSON of the operation's return value.
type AckPayload struct {
	RequestID   string          `json:"request_id"`
	RequestType string          `json:"request_type"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// EventPayload carries one collab event.
type EventPayload struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Version   int64           `json:"version"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

// ChangeRecord is one applied change as returned by history_fetch.
type ChangeRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Kind          string    `json:"kind"`
	Position      int       `json:"position"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int64     `json:"version"`
	Hash          string    `json:"hash"`
}

// HistoryChunkResult is the ack result of history_fetch.
// Source is "live" for an open session and "archive" after it closed.
type HistoryChunkResult struct {
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	Changes   []ChangeRecord `json:"changes"`
	HasMore   bool           `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
