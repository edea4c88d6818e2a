// internal/types/stream.go
package types

import (
	"context"
	"iter"
)

// Messages adapts a subscription into a lazy sequence that ends when the
// subscription closes or ctx is done. Ranging again after it ends requires
// a fresh subscription.
func Messages(ctx context.Context, sub Subscription) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		ch := sub.C()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// FromSender keeps messages whose sender matches identity(). An empty
// identity accepts every sender. identity is evaluated per message so a
// late-joining agent is picked up without resubscribing.
func FromSender(seq iter.Seq[Message], identity func() string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for msg := range seq {
			if id := identity(); id != "" && msg.Sender != id {
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}
