package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gophervoice/internal/render"
	"github.com/user/gophervoice/internal/types"
)

const (
	notifyBuffer   = 64
	defaultDedupe  = 30 * time.Second
	maxAlertDetail = 300
)

// Notifier turns agent failures seen on the telemetry stream into alerts and
// delivers them to every configured target. Identical alerts within the
// dedupe window are sent once.
type Notifier struct {
	registry *Registry
	targets  []string
	room     types.RoomName
	window   time.Duration
	now      func() time.Time
	toolName func(types.RequestID) string

	queue chan string

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNotifier creates a notifier delivering through registry to targets.
func NewNotifier(registry *Registry, room types.RoomName, targets []string) *Notifier {
	return &Notifier{
		registry: registry,
		targets:  targets,
		room:     room,
		window:   defaultDedupe,
		now:      time.Now,
		queue:    make(chan string, notifyBuffer),
		seen:     make(map[string]time.Time),
	}
}

// WithToolNames resolves tool names for tool-end events, which carry only the
// request id.
func (n *Notifier) WithToolNames(lookup func(types.RequestID) string) *Notifier {
	n.toolName = lookup
	return n
}

// Alert formats the alert text for event, or "" when the event is not worth
// an alert. tool names the tool of a tool-end event when known.
func Alert(room types.RoomName, event types.TelemetryEvent, tool string) string {
	switch event.Type {
	case types.EventError:
		msg, _ := event.String("message")
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("[%s] agent error: %s", room, render.Preview(msg, maxAlertDetail))
	case types.EventToolCallEnd:
		msg, _ := event.String("error")
		if msg == "" {
			return ""
		}
		if tool == "" {
			tool = "tool"
		}
		return fmt.Sprintf("[%s] %s failed: %s", room, tool, render.Preview(msg, maxAlertDetail))
	}
	return ""
}

// Observe queues an alert for event if it warrants one. It never blocks and
// is safe to use as a reconciler observer.
func (n *Notifier) Observe(event types.TelemetryEvent) {
	if len(n.targets) == 0 {
		return
	}
	var tool string
	if event.Type == types.EventToolCallEnd && n.toolName != nil {
		tool = n.toolName(event.RequestID)
	}
	alert := Alert(n.room, event, tool)
	if alert == "" || n.duplicate(alert) {
		return
	}
	select {
	case n.queue <- alert:
	default:
		slog.Warn("notification queue full, dropping alert", "alert", alert)
	}
}

func (n *Notifier) duplicate(alert string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, at := range n.seen {
		if now.Sub(at) > n.window {
			delete(n.seen, k)
		}
	}
	if _, ok := n.seen[alert]; ok {
		return true
	}
	n.seen[alert] = now
	return false
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case alert := <-n.queue:
			n.deliver(alert)
		}
	}
}

func (n *Notifier) deliver(alert string) {
	for _, target := range n.targets {
		if err := n.registry.Deliver(target, alert); err != nil {
			slog.Warn("notification delivery failed", "target", target, "error", err)
		}
	}
}
