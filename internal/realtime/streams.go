package realtime

import "strings"

// Named realtime streams used across the platform.
const (
	// StreamSessions carries open/close announcements for all live sessions.
	StreamSessions = "sessions"
)

// SessionStream returns the per-session stream carrying billing ticks,
// warnings, quality updates and state changes for one session.
func SessionStream(sessionID string) string {
	return "session." + strings.ToLower(strings.TrimSpace(sessionID))
}
