// Package control issues request/response RPCs to the agent over the room and
// tracks the loading and error state of those calls.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/gophervoice/internal/types"
)

// ErrNotAvailable is returned before any network access when there is no room
// connection or no agent to address.
var ErrNotAvailable = errors.New("agent control not available: no room connection or agent identity")

// Envelope is the part shared by every RPC response.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithDestination pins the participant identity calls are addressed to. By
// default the room's current agent identity is used.
func WithDestination(identity string) Option {
	return func(i *Invoker) { i.destination = identity }
}

// Invoker wraps the room RPC primitive with JSON encoding and shared
// loading/error state. Overlapping calls are not coalesced; the last one to
// finish determines the visible state.
type Invoker struct {
	room        types.Room
	destination string

	mu      sync.Mutex
	loading bool
	lastErr string
}

// NewInvoker creates an Invoker bound to one room connection.
func NewInvoker(room types.Room, opts ...Option) *Invoker {
	i := &Invoker{room: room}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Loading reports whether a call is in flight.
func (i *Invoker) Loading() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loading
}

// LastError returns the error of the most recent call, or "".
func (i *Invoker) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// ClearError resets the error state.
func (i *Invoker) ClearError() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastErr = ""
}

func (i *Invoker) begin() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.loading = true
	i.lastErr = ""
}

func (i *Invoker) end() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.loading = false
}

func (i *Invoker) fail(msg string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastErr = msg
}

func (i *Invoker) resolve() (string, error) {
	if i == nil || i.room == nil {
		return "", ErrNotAvailable
	}
	dest := i.destination
	if dest == "" {
		dest = i.room.AgentIdentity()
	}
	if dest == "" {
		return "", ErrNotAvailable
	}
	return dest, nil
}

// Call issues method with payload and returns the raw JSON response. A
// response with success=false is returned without error; its message is
// recorded as the current error.
func (i *Invoker) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := Invoke[json.RawMessage](ctx, i, method, payload)
	if err != nil {
		return nil, err
	}
	return *raw, nil
}

// Invoke issues method and decodes the response into T. Transport and decode
// failures are recorded as the current error and returned. A decoded
// success=false is recorded but still returned as a result.
func Invoke[T any](ctx context.Context, i *Invoker, method string, payload any) (*T, error) {
	dest, err := i.resolve()
	if err != nil {
		return nil, err
	}

	i.begin()
	defer i.end()

	body, err := encodePayload(payload)
	if err != nil {
		err = fmt.Errorf("encode %s payload: %w", method, err)
		i.fail(err.Error())
		return nil, err
	}

	start := time.Now()
	resp, err := i.room.PerformRPC(ctx, dest, method, body)
	if err != nil {
		slog.Warn("rpc failed", "method", method, "destination", dest, "error", err)
		i.fail(err.Error())
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(resp), &env); err != nil {
		err = fmt.Errorf("decode %s response: %w", method, err)
		i.fail(err.Error())
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		err = fmt.Errorf("decode %s response: %w", method, err)
		i.fail(err.Error())
		return nil, err
	}

	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("%s failed", method)
		}
		slog.Warn("rpc returned failure", "method", method, "error", msg)
		i.fail(msg)
	} else {
		slog.Debug("rpc ok", "method", method, "duration", time.Since(start))
	}
	return &out, nil
}

func encodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		return strings.TrimSpace(string(p)), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
