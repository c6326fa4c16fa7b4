package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
)

const (
	memMaxChangesPerSession = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

type memSession struct {
	dedupe  map[string]StoredChange // change_id -> stored change
	changes []StoredChange          // ordered by version
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*memSession),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendChange archives a change; re-appending the same change id is a no-op.
func (s *InMemoryStore) AppendChange(ctx context.Context, in StoredChange) (AppendResult, error) {
	if in.SessionID == "" || in.ChangeID == "" || in.Version <= 0 {
		return AppendResult{}, errors.New("archive: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.sessions[in.SessionID]
	if m == nil {
		m = &memSession{
			dedupe:  make(map[string]StoredChange),
			changes: make([]StoredChange, 0, 256),
		}
		s.sessions[in.SessionID] = m
	}

	if existing, ok := m.dedupe[in.ChangeID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	m.dedupe[in.ChangeID] = in
	m.changes = append(m.changes, in)
	if n := len(m.changes); n > 1 && m.changes[n-2].Version > in.Version {
		sort.Slice(m.changes, func(i, j int) bool { return m.changes[i].Version < m.changes[j].Version })
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(m.changes) > memMaxChangesPerSession {
		for _, c := range m.changes[:len(m.changes)-memMaxChangesPerSession] {
			delete(m.dedupe, c.ChangeID)
		}
		m.changes = m.changes[len(m.changes)-memMaxChangesPerSession:]
	}

	return AppendResult{Stored: in}, nil
}

// FetchChanges returns changes ordered by version ASC with paging via AfterVersion.
func (s *InMemoryStore) FetchChanges(ctx context.Context, in FetchInput) (FetchResult, error) {
	if in.SessionID == "" {
		return FetchResult{}, errors.New("archive: missing session_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampLimit(in.Limit)

	s.mu.Lock()
	var snap []StoredChange
	if m := s.sessions[in.SessionID]; m != nil {
		snap = append([]StoredChange(nil), m.changes...)
	}
	s.mu.Unlock()

	start := 0
	if in.AfterVersion != nil {
		after := *in.AfterVersion
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Version > after })
	}
	if start >= len(snap) {
		return FetchResult{}, nil
	}

	end := min(start+limit+1, len(snap))
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchResult{Changes: out, HasMore: hasMore}, nil
}
