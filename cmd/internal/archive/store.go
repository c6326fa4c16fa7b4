// Package archive persists applied changes beyond the lifetime of a session.
package archive

import (
	"context"
	"time"
)

// StoredChange is the canonical archived change representation.
type StoredChange struct {
	SessionID     string
	ChangeID      string
	Version       int64
	ParticipantID string
	Kind          string
	Position      int
	Content       string
	Hash          string
	AppliedAt     time.Time
}

// Store persists and queries archived changes.
//
// Requirements:
//   - Idempotency per (session_id, change_id)
//   - History query ordered by version ASC
type Store interface {
	AppendChange(ctx context.Context, in StoredChange) (AppendResult, error)
	FetchChanges(ctx context.Context, in FetchInput) (FetchResult, error)
	Close() error
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     StoredChange
	Duplicated bool
}

// FetchInput describes a version-paged history query.
type FetchInput struct {
	SessionID    string
	AfterVersion *int64
	Limit        int
}

// FetchResult contains the retrieved history window.
type FetchResult struct {
	Changes []StoredChange
	HasMore bool
}

const (
	defaultFetchLimit = 50
	maxFetchLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultFetchLimit
	}
	if limit > maxFetchLimit {
		return maxFetchLimit
	}
	return limit
}
