// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type RequestID string
type EventID string
type RoomName string

// CallID correlates an RPC request frame with its response frame.
type CallID string

// NewCallID returns a fresh id correlating one RPC request with its response.
func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

// NewRoomName normalizes a room name so it can double as a directory name.
func NewRoomName(name string) RoomName {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if name == "" {
		name = "default"
	}
	return RoomName(name)
}
