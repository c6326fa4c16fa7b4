package collab

import (
	"log/slog"
	"time"
)

const (
	defaultMaxParticipants = 10
	defaultTransformWindow = time.Second
	defaultPreviewChars    = 100
	defaultHistoryLimit    = 1000
)

// Option configures Store behavior.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBus sets the event bus. Without it the Store creates its own.
func WithBus(bus *Bus) Option {
	return func(s *Store) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithClock overrides time.Now (tests drive the recency window with it).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTransformWindow sets the recency window used for operations without a BaseVersion.
func WithTransformWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithPreviewChars sets the export content preview length (in runes).
func WithPreviewChars(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.previewChars = n
		}
	}
}

// WithHistoryLimit caps the undo stack depth; the oldest entries are discarded first.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithDefaultSettings sets the settings applied when a SessionConfig carries none.
func WithDefaultSettings(st Settings) Option {
	return func(s *Store) {
		if st.MaxParticipants > 0 {
			s.defaults = st
		}
	}
}
