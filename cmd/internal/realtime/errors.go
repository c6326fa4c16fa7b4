package realtime

import (
	"errors"

	"coedit/cmd/internal/collab"
)

// Wire error codes.
const (
	codeBadJSON       = "bad_json"
	codeBadEnvelope   = "bad_envelope"
	codeBadPayload    = "bad_payload"
	codeRateLimited   = "rate_limited"
	codeHelloRequired = "hello_required"
	codeNotJoined     = "not_joined"
	codeUnsupported   = "unsupported"
	codeInternal      = "internal"
)

// errorCode maps a collab error onto a stable wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, collab.ErrSessionFull):
		return "session_full"
	case errors.Is(err, collab.ErrUserNotInSession):
		return "user_not_in_session"
	case errors.Is(err, collab.ErrNothingToUndo):
		return "nothing_to_undo"
	case errors.Is(err, collab.ErrNothingToRedo):
		return "nothing_to_redo"
	case errors.Is(err, collab.ErrCommentsNotAllowed):
		return "comments_not_allowed"
	case errors.Is(err, collab.ErrCommentNotFound):
		return "comment_not_found"
	case errors.Is(err, collab.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, errBadPayload):
		return codeBadPayload
	case errors.Is(err, errHelloRequired):
		return codeHelloRequired
	case errors.Is(err, errNotJoined):
		return codeNotJoined
	case errors.Is(err, errUnsupported):
		return codeUnsupported
	default:
		return codeInternal
	}
}

var errBadPayload = errors.New("bad payload")
