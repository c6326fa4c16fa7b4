package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when an operation references an unknown or closed session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionFull is returned when a join would exceed Settings.MaxParticipants.
	ErrSessionFull = errors.New("session full")

	// ErrUserNotInSession is returned for presence/typing updates from a participant without a presence record.
	ErrUserNotInSession = errors.New("user not in session")

	// ErrNothingToUndo is returned when the undo stack is empty.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo is returned when the redo stack is empty.
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrCommentsNotAllowed is returned when the session settings disable comments.
	ErrCommentsNotAllowed = errors.New("comments not allowed")

	// ErrCommentNotFound is returned when a reply or resolve references an unknown comment.
	ErrCommentNotFound = errors.New("comment not found")

	// ErrInvalidInput is returned for malformed requests (empty ids, unknown operation kind).
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal signals an environment fault (e.g. entropy exhaustion), not a usage error.
	ErrInternal = errors.New("internal error")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is always one of the sentinels above.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsNotFound reports whether err is ErrSessionNotFound or ErrCommentNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrCommentNotFound)
}

// IsUsageError reports whether err belongs to the recoverable taxonomy
// (anything except ErrInternal and unknown errors).
func IsUsageError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInternal):
		return false
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionFull),
		errors.Is(err, ErrUserNotInSession),
		errors.Is(err, ErrNothingToUndo),
		errors.Is(err, ErrNothingToRedo),
		errors.Is(err, ErrCommentsNotAllowed),
		errors.Is(err, ErrCommentNotFound),
		errors.Is(err, ErrInvalidInput):
		return true
	default:
		return false
	}
}
