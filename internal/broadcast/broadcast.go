// Package broadcast carries best-effort change signals between role
// processes watching the same session. Messages are hints: receivers
// re-query their transports instead of applying the payload.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type classifies a broadcast message.
type Type string

const (
	// TypeSessionUpdate announces a task start, stop, or clear.
	TypeSessionUpdate Type = "SESSION_UPDATE"
	// TypeNewEntry announces a participant submission.
	TypeNewEntry Type = "NEW_ENTRY"
	// TypeStudentConnected announces a participant joining.
	TypeStudentConnected Type = "STUDENT_CONNECTED"
	// TypeTableChange is emitted by the local store after every mutation.
	TypeTableChange Type = "TABLE_CHANGE"
)

// Message is one signal on a bus.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Table     string          `json:"table,omitempty"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	At        int64           `json:"at"`
}

// NewMessage builds a message with a fresh ULID. data is JSON-encoded; an
// encoding failure leaves Data empty.
func NewMessage(typ Type, sessionID string, data any) Message {
	m := Message{
		ID:        ulid.Make().String(),
		Type:      typ,
		SessionID: sessionID,
		At:        time.Now().UnixMilli(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			m.Data = raw
		}
	}
	return m
}

// NewOrigin returns an identifier for one publisher so it can skip its
// own echoes.
func NewOrigin() string {
	return ulid.Make().String()
}

// Handler receives messages. It must not block.
type Handler func(Message)

// Bus is a publish/subscribe channel scoped to one session.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(h Handler) (cancel func(), err error)
	Close() error
}
