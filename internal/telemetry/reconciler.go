// Package telemetry reconstructs agent activity from the telemetry topic: a
// bounded event log, a table of LLM requests and a table of tool calls.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/gophervoice/internal/types"
)

// Topic is the data channel topic the agent publishes telemetry on.
const Topic = "agent_telemetry"

// MaxEvents caps the event log. Oldest events are evicted first.
const MaxEvents = 100

// TokenCounter estimates the token count of a response when the agent does
// not report one on request end.
type TokenCounter interface {
	Count(text string) int
}

// Observer is called after an accepted event has been applied. Observers run
// on the handling goroutine, outside the reconciler lock.
type Observer func(event types.TelemetryEvent)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTokenCounter enables token estimates for requests that end without
// total_tokens.
func WithTokenCounter(c TokenCounter) Option {
	return func(r *Reconciler) { r.tokens = c }
}

// WithClock overrides the time source used for timestamps the producer did
// not supply.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithObserver registers an observer for accepted events.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observers = append(r.observers, o) }
}

// Reconciler owns the canonical telemetry tables for one room connection.
// All mutation goes through Handle; readers get copies.
type Reconciler struct {
	mu        sync.Mutex
	events    []types.TelemetryEvent
	requests  map[types.RequestID]*types.LLMRequest
	reqOrder  []types.RequestID
	tools     map[types.RequestID]*types.ToolCall
	toolOrder []types.RequestID
	streaming bool

	tokens    TokenCounter
	observers []Observer
	now       func() time.Time
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		requests: make(map[types.RequestID]*types.LLMRequest),
		tools:    make(map[types.RequestID]*types.ToolCall),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decode parses one telemetry payload. The payload must be UTF-8 JSON with a
// non-empty type.
func Decode(payload []byte) (types.TelemetryEvent, error) {
	var event types.TelemetryEvent
	if !utf8.Valid(payload) {
		return event, fmt.Errorf("payload is not valid UTF-8")
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("parse telemetry event: %w", err)
	}
	if event.Type == "" {
		return event, fmt.Errorf("telemetry event has no type")
	}
	return event, nil
}

// Handle decodes and applies one inbound payload. Malformed payloads are
// logged and dropped without touching state. It reports whether the payload
// was accepted.
func (r *Reconciler) Handle(payload []byte) bool {
	event, err := Decode(payload)
	if err != nil {
		slog.Warn("discarding telemetry payload", "error", err, "bytes", len(payload))
		return false
	}
	r.Apply(event)
	return true
}

// Apply appends event to the log and updates the request and tool tables.
func (r *Reconciler) Apply(event types.TelemetryEvent) {
	r.mu.Lock()
	r.appendEvent(event)
	r.dispatch(event)
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o(event)
	}
}

// Run applies every message of sub in arrival order until the subscription
// closes or ctx is done.
func (r *Reconciler) Run(ctx context.Context, sub types.Subscription) error {
	for msg := range types.Messages(ctx, sub) {
		r.Handle(msg.Payload)
	}
	return ctx.Err()
}

func (r *Reconciler) appendEvent(event types.TelemetryEvent) {
	r.events = append(r.events, event)
	if over := len(r.events) - MaxEvents; over > 0 {
		copy(r.events, r.events[over:])
		clear(r.events[MaxEvents:])
		r.events = r.events[:MaxEvents]
	}
}

// dispatch applies event to the tables. Caller must hold r.mu.
func (r *Reconciler) dispatch(event types.TelemetryEvent) {
	id := event.RequestID

	switch event.Type {
	case types.EventLLMRequestStart:
		if id == "" {
			return
		}
		model, _ := event.String("model")
		if model == "" {
			model = "unknown"
		}
		count, _ := event.Int("message_count")
		if _, exists := r.requests[id]; exists {
			slog.Debug("ignoring repeated request start", "request_id", string(id))
			return
		}
		r.reqOrder = append(r.reqOrder, id)
		r.requests[id] = &types.LLMRequest{
			ID:           id,
			Model:        model,
			MessageCount: count,
			StartedAt:    event.Time(r.now()),
			Chunks:       []string{},
			Status:       types.RequestPending,
		}
		r.streaming = true

	case types.EventLLMChunk:
		req, ok := r.requests[id]
		if id == "" || !ok || req.Status.Terminal() {
			return
		}
		chunk, _ := event.String("chunk")
		req.Chunks = append(req.Chunks, chunk)
		req.Response += chunk
		req.Status = types.RequestStreaming

	case types.EventLLMRequestEnd:
		req, ok := r.requests[id]
		if id == "" || !ok || req.Status.Terminal() {
			return
		}
		ended := event.Time(r.now())
		req.EndedAt = &ended
		req.Status = types.RequestComplete
		if total, ok := event.Int("total_tokens"); ok {
			req.TotalTokens = total
		} else if r.tokens != nil {
			req.TotalTokens = r.tokens.Count(req.Response)
		}
		r.streaming = false

	case types.EventToolCallStart:
		if id == "" {
			return
		}
		name, _ := event.String("tool_name")
		args, _ := event.Data["arguments"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		if _, exists := r.tools[id]; exists {
			slog.Debug("ignoring repeated tool call start", "request_id", string(id))
			return
		}
		r.toolOrder = append(r.toolOrder, id)
		r.tools[id] = &types.ToolCall{
			ID:        id,
			Tool:      name,
			Arguments: args,
			StartedAt: event.Time(r.now()),
			Status:    types.ToolRunning,
		}

	case types.EventToolCallEnd:
		call, ok := r.tools[id]
		if id == "" || !ok || call.Status == types.ToolComplete || call.Status == types.ToolError {
			return
		}
		ended := event.Time(r.now())
		call.EndedAt = &ended
		call.Result = stringify(event.Data["result"])
		call.Error, _ = event.String("error")
		if call.Error != "" {
			call.Status = types.ToolError
		} else {
			call.Status = types.ToolComplete
		}

	case types.EventAgentState, types.EventSTTResult, types.EventTTSStart, types.EventTTSEnd:
		// Log only. Pipeline state is derived by its own tracker.

	case types.EventError:
		message, _ := event.String("message")
		slog.Error("agent reported error", "message", message, "request_id", string(id))
		if id == "" {
			return
		}
		req, ok := r.requests[id]
		if !ok || req.Status.Terminal() {
			return
		}
		ended := event.Time(r.now())
		req.EndedAt = &ended
		req.Status = types.RequestError
		req.Error = message
		r.streaming = false

	default:
		slog.Warn("unrecognized telemetry event", "type", string(event.Type), "request_id", string(id))
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// Clear empties the event log and both tables and resets the streaming flag.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.requests = make(map[types.RequestID]*types.LLMRequest)
	r.reqOrder = nil
	r.tools = make(map[types.RequestID]*types.ToolCall)
	r.toolOrder = nil
	r.streaming = false
}
