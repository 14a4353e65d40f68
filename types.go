package pulse

import (
	"fmt"
	"strings"
	"time"
)

// Table names shared by the remote backend and the local store.
const (
	TableSessions = "sessions"
	TableEntries  = "student_entries"
)

// ActivityType selects how participants answer a task.
type ActivityType string

const (
	ActivityWordCloud ActivityType = "wordcloud"
	ActivitySentences ActivityType = "sentences"
)

// ValidActivityTypes returns all supported activity types.
func ValidActivityTypes() []ActivityType {
	return []ActivityType{ActivityWordCloud, ActivitySentences}
}

// IsValid checks if the activity type is supported.
func (a ActivityType) IsValid() bool {
	for _, valid := range ValidActivityTypes() {
		if a == valid {
			return true
		}
	}
	return false
}

// EntryKind distinguishes participant submissions from presence heartbeats.
type EntryKind string

const (
	KindSubmission EntryKind = "submission"
	KindHeartbeat  EntryKind = "heartbeat"
)

// Role is the part a process plays in a session.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
	RoleDisplay     Role = "display"
)

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleCoordinator, RoleParticipant, RoleDisplay:
		return true
	}
	return false
}

// Session is one task instance: a question and activity mode scoped to a
// shared session identifier and task number.
type Session struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	TaskNumber      int          `json:"task_number"`
	ActivityType    ActivityType `json:"activity_type"`
	Question        string       `json:"question"`
	IsActive        bool         `json:"is_active"`
	StartTime       *time.Time   `json:"start_time,omitempty"`
	EndTime         *time.Time   `json:"end_time,omitempty"`
	DurationSeconds int          `json:"duration,omitempty"`
	LastUpdated     int64        `json:"last_updated"` // Unix milliseconds
}

// SessionKey returns the identity key of a task within a session.
func SessionKey(sessionID string, taskNumber int) string {
	return fmt.Sprintf("%s_task_%d", sessionID, taskNumber)
}

// Entry is one participant submission or heartbeat tied to a Session.
type Entry struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	TaskNumber      int       `json:"taskNumber"`
	ParticipantName string    `json:"student_name"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	DeviceID        string    `json:"deviceId,omitempty"`
	Kind            EntryKind `json:"type,omitempty"`
}

// IsHeartbeat reports whether the entry is a presence signal only.
func (e Entry) IsHeartbeat() bool {
	return e.Kind == KindHeartbeat
}

// fingerprint is the content identity used for duplicate collapse.
func (e Entry) fingerprint() string {
	return strings.Join([]string{
		e.SessionID,
		e.ParticipantName,
		e.Content,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "\x00")
}

// EntryID builds a submission id from its session, author and creation time.
func EntryID(sessionID, participant string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", sessionID, participant, at.UnixMilli())
}

// HeartbeatID builds a heartbeat id from its session, author and creation time.
func HeartbeatID(sessionID, participant string, at time.Time) string {
	return fmt.Sprintf("%s_%s_heartbeat_%d", sessionID, participant, at.UnixMilli())
}

// Presence is the most recent activity seen for one participant.
type Presence struct {
	Name         string    `json:"name"`
	LastActivity time.Time `json:"last_activity"`
	DeviceID     string    `json:"device_id,omitempty"`
}

// WordCount is one aggregated response and how often it was given.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// ConnectionStatus is the advisory connectivity label a role shows its user.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusLocal        ConnectionStatus = "local"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusOffline      ConnectionStatus = "offline"
	StatusWaiting      ConnectionStatus = "waiting"
	StatusSyncing      ConnectionStatus = "syncing"
	StatusSubmitting   ConnectionStatus = "submitting"
	StatusSubmitted    ConnectionStatus = "submitted"
	StatusError        ConnectionStatus = "error"
)

// Snapshot is a point-in-time copy of a role's view, safe to hand to callers.
type Snapshot struct {
	SessionID    string           `json:"session_id"`
	Role         Role             `json:"role"`
	Status       ConnectionStatus `json:"status"`
	Active       *Session         `json:"active,omitempty"`
	Sessions     []Session        `json:"sessions"`
	Entries      []Entry          `json:"entries"`
	Presence     []Presence       `json:"presence"`
	Elapsed      int              `json:"elapsed_seconds"`
	NextTask     int              `json:"next_task"`
	Finished     bool             `json:"finished,omitempty"`
	LastSyncedAt time.Time        `json:"last_synced_at"`
}

// Content limits.
const (
	MaxContentLength = 500
	MaxNameLength    = 64
	MaxQuestionLen   = 1000
)
