package realtime

import (
	"time"

	"coedit/cmd/internal/collab"
)

// newConnID returns a ULID used as websocket connection id.
func newConnID(now time.Time) (string, error) {
	return collab.NewID(now)
}

// newEnvelopeID returns a ULID for outbound envelopes; ids are best-effort.
func newEnvelopeID(now time.Time) string {
	id, err := collab.NewID(now)
	if err != nil {
		return ""
	}
	return id
}
