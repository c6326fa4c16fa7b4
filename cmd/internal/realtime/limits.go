package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max change content length (runes).
	maxContentChars = 16000

	// Max comment or reply body length (runes).
	maxCommentChars = 4000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
