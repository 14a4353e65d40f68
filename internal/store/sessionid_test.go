package store_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hyperengineering/pulse/internal/store"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"simple", "room-7", true},
		{"digits", "2024", true},
		{"single char", "a", true},
		{"uuid", "3f2b6c1e-9a4d-4c1b-8e2f-0a1b2c3d4e5f", true},
		{"empty", "", false},
		{"uppercase", "Room", false},
		{"leading hyphen", "-room", false},
		{"trailing hyphen", "room-", false},
		{"consecutive hyphens", "room--7", false},
		{"slash", "org/room", false},
		{"underscore", "room_7", false},
		{"too long", strings.Repeat("a", 65), false},
		{"max length", strings.Repeat("a", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateSessionID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("ValidateSessionID(%q) unexpected error: %v", tt.id, err)
			}
			if !tt.valid && !errors.Is(err, store.ErrInvalidSessionID) {
				t.Errorf("ValidateSessionID(%q) = %v, want ErrInvalidSessionID", tt.id, err)
			}
		})
	}
}

func TestNewSessionID_Valid(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := store.NewSessionID()
		if err := store.ValidateSessionID(id); err != nil {
			t.Fatalf("NewSessionID() = %q fails validation: %v", id, err)
		}
	}
}
