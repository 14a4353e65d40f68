// Package store locates per-session local data for Pulse.
package store

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidSessionID indicates the session ID format is invalid.
var ErrInvalidSessionID = errors.New("invalid session ID: must be lowercase alphanumeric with hyphens, 1-64 characters")

// sessionIDRegex validates session ID format.
// - Lowercase alphanumeric and hyphens (a-z, 0-9, -)
// - 1-64 characters
// - No leading/trailing hyphens, no consecutive hyphens
// Generated IDs are UUIDs, which always match.
var sessionIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ValidateSessionID validates a session ID format.
// Returns ErrInvalidSessionID if the ID doesn't match the required pattern.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > 64 {
		return ErrInvalidSessionID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidSessionID
	}
	if !sessionIDRegex.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// NewSessionID returns a fresh random session ID.
func NewSessionID() string {
	return uuid.NewString()
}
