package realtime

import "strings"

const sessionStreamPrefix = "session:"

// Events pushed on session streams.
const (
	EventSessionUpdated      = "session.updated"
	EventSessionError        = "session.error"
	EventHostChanged         = "host.changed"
	EventSpeakerDisconnected = "speaker.disconnected"
)

// SessionStream names the stream carrying updates of one session.
func SessionStream(sessionID string) string {
	return sessionStreamPrefix + strings.TrimSpace(sessionID)
}

// SessionIDFromStream extracts the session id from a session stream name.
func SessionIDFromStream(stream string) (string, bool) {
	id, ok := strings.CutPrefix(normalizeStream(stream), sessionStreamPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
