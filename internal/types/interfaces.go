// internal/types/interfaces.go
package types

import (
	"context"
)

// Room is the shared real-time channel to the agent: topic-tagged data
// packets in both directions plus request/response RPC addressed by
// participant identity.
type Room interface {
	Subscribe(topic string) Subscription
	Publish(ctx context.Context, topic string, payload []byte) error
	PerformRPC(ctx context.Context, destination, method, payload string) (string, error)
	AgentIdentity() string
}

// Subscription delivers the messages of one topic in arrival order.
// C is closed when the subscription or its room is closed.
type Subscription interface {
	C() <-chan Message
	Close()
}

type EventStore interface {
	Append(ctx context.Context, event *RecordedEvent) error
	Tail(ctx context.Context, room RoomName, limit int) ([]*RecordedEvent, error)
	Count(ctx context.Context, room RoomName) (int64, error)
}
