// Package wakeword tracks the agent's wake word detector from its data
// channel broadcasts.
package wakeword

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/user/gophervoice/internal/types"
)

// Topic is the data channel topic wake word updates are published on.
const Topic = "wake_word"

const messageType = "wake_word_state"

type update struct {
	Type       string              `json:"type"`
	State      types.WakeWordState `json:"state"`
	Model      *string             `json:"model,omitempty"`
	Confidence *float64            `json:"confidence,omitempty"`
}

// StateFetcher is the slice of the control client the tracker needs to seed
// itself.
type StateFetcher interface {
	WakeWordStatus(ctx context.Context) (*types.WakeWordStatus, error)
}

// Tracker holds the current wake word status for one room connection.
type Tracker struct {
	mu     sync.RWMutex
	status types.WakeWordStatus
}

// NewTracker creates a tracker in the disabled state.
func NewTracker() *Tracker {
	return &Tracker{status: disabled()}
}

func disabled() types.WakeWordStatus {
	return types.WakeWordStatus{Enabled: false, State: types.WakeWordDisabled}
}

// Status returns a copy of the current status.
func (t *Tracker) Status() types.WakeWordStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.status
	if t.status.LastDetectionConfidence != nil {
		c := *t.status.LastDetectionConfidence
		out.LastDetectionConfidence = &c
	}
	return out
}

// Handle applies one wake word payload. Payloads of other types and
// undecodable payloads are ignored. It reports whether the status changed.
func (t *Tracker) Handle(payload []byte) bool {
	var u update
	if err := json.Unmarshal(payload, &u); err != nil {
		slog.Warn("discarding wake word payload", "error", err)
		return false
	}
	if u.Type != messageType || u.State == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Enabled = true
	t.status.State = u.State
	if u.Model != nil {
		t.status.Model = *u.Model
	}
	if u.Confidence != nil {
		c := *u.Confidence
		t.status.LastDetectionConfidence = &c
	}
	slog.Debug("wake word state", "state", string(u.State), "model", t.status.Model)
	return true
}

// Run applies messages from sub, keeping only those sent by identity() when
// it is known. On return (disconnect) the tracker resets to disabled.
func (t *Tracker) Run(ctx context.Context, sub types.Subscription, identity func() string) error {
	defer t.Reset()
	for msg := range types.FromSender(types.Messages(ctx, sub), identity) {
		t.Handle(msg.Payload)
	}
	return ctx.Err()
}

// Sync seeds the tracker from the agent's get_wake_word_state RPC.
func (t *Tracker) Sync(ctx context.Context, f StateFetcher) error {
	st, err := f.WakeWordStatus(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Enabled = st.Enabled
	if st.State != "" {
		t.status.State = st.State
	}
	if st.Model != "" {
		t.status.Model = st.Model
	}
	return nil
}

// Reset returns the tracker to the disabled default.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = disabled()
}
