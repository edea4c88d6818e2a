// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewCallID(t *testing.T) {
	id := NewCallID()
	if id == "" {
		t.Error("expected non-empty CallID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
	if NewCallID() == id {
		t.Error("expected distinct call IDs")
	}
}

func TestNewRoomName(t *testing.T) {
	tests := []struct {
		in   string
		want RoomName
	}{
		{"voice-room", "voice-room"},
		{"  padded  ", "padded"},
		{"", "default"},
		{"../escape", "__escape"},
		{"a/b", "a_b"},
	}
	for _, tt := range tests {
		if got := NewRoomName(tt.in); got != tt.want {
			t.Errorf("NewRoomName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
