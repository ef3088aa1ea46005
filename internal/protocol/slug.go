package protocol

import "strings"

const (
	sessionIDPrefix = "ses_"
	sessionIDLen    = 12
)

// Slugify lowercases s and collapses anything that is not a letter, digit,
// or hyphen into hyphens. Used for agent ids and thread id components.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// AgentIDForSession derives a stable agent id from a session. Sessions with
// a slug use it directly; sessions without one fall back to a truncated
// session id so the result is still readable in messages.
func AgentIDForSession(sessionID, slug string) string {
	if s := Slugify(slug); s != "" {
		return s
	}
	id := strings.TrimPrefix(sessionID, sessionIDPrefix)
	if len(id) > sessionIDLen {
		id = id[:sessionIDLen]
	}
	return "session-" + id
}

// ShortSessionSuffix returns a short fragment of the session id used to
// disambiguate agent ids when two sessions produce the same slug.
func ShortSessionSuffix(sessionID string) string {
	id := strings.TrimPrefix(sessionID, sessionIDPrefix)
	if len(id) > 6 {
		id = id[:6]
	}
	return id
}
