package pulse

import "strings"

// JoinURL returns the link participants open to join a session.
func JoinURL(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/#/student/" + sessionID
}

// DisplayURL returns the link of the public results display.
func DisplayURL(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/#/display/" + sessionID
}
