// Package pipeline derives a coarse "what is the agent doing" state from
// agent_state_change telemetry.
package pipeline

import (
	"log/slog"
	"sync"

	"github.com/user/gophervoice/internal/types"
)

// states maps raw agent state strings to pipeline states. Anything missing
// maps to idle.
var states = map[string]types.PipelineState{
	"idle":                   types.PipelineIdle,
	"initializing":           types.PipelineInitializing,
	"listening":              types.PipelineListening,
	"user_started_speaking":  types.PipelineUserSpeaking,
	"user_speaking":          types.PipelineUserSpeaking,
	"user_stopped_speaking":  types.PipelineListening,
	"transcribing":           types.PipelineTranscribing,
	"thinking":               types.PipelineThinking,
	"generating":             types.PipelineGenerating,
	"speaking":               types.PipelineSpeaking,
	"agent_started_speaking": types.PipelineSpeaking,
	"agent_stopped_speaking": types.PipelineListening,
	"away":                   types.PipelineUserAway,
	"user_away":              types.PipelineUserAway,
}

var labels = map[types.PipelineState]string{
	types.PipelineIdle:         "Idle",
	types.PipelineListening:    "Listening",
	types.PipelineUserSpeaking: "You're speaking",
	types.PipelineTranscribing: "Transcribing...",
	types.PipelineThinking:     "Thinking...",
	types.PipelineGenerating:   "Generating...",
	types.PipelineSpeaking:     "Speaking",
	types.PipelineUserAway:     "Away",
	types.PipelineInitializing: "Initializing...",
}

// Map converts a raw agent state string.
func Map(raw string) types.PipelineState {
	if s, ok := states[raw]; ok {
		return s
	}
	return types.PipelineIdle
}

// Label returns the display label for s.
func Label(s types.PipelineState) string {
	if l, ok := labels[s]; ok {
		return l
	}
	return labels[types.PipelineIdle]
}

// Tracker holds the current pipeline state.
type Tracker struct {
	mu       sync.RWMutex
	state    types.PipelineState
	onChange func(types.PipelineState)
}

// NewTracker creates a Tracker in the idle state.
func NewTracker() *Tracker {
	return &Tracker{state: types.PipelineIdle}
}

// OnChange registers fn to be called whenever the state changes value.
func (t *Tracker) OnChange(fn func(types.PipelineState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Observe consumes a telemetry event. Only state-change events affect the
// tracker. It has the telemetry.Observer signature.
func (t *Tracker) Observe(event types.TelemetryEvent) {
	if event.Type != types.EventAgentState {
		return
	}
	raw, _ := event.String("state")
	next := Map(raw)

	t.mu.Lock()
	prev := t.state
	t.state = next
	fn := t.onChange
	t.mu.Unlock()

	if prev != next {
		slog.Debug("pipeline state changed", "from", string(prev), "to", string(next), "raw", raw)
		if fn != nil {
			fn(next)
		}
	}
}

// Reset returns the tracker to idle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = types.PipelineIdle
}

func (t *Tracker) State() types.PipelineState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tracker) Label() string { return Label(t.State()) }

// IsProcessing reports transcribing, thinking or generating.
func (t *Tracker) IsProcessing() bool {
	switch t.State() {
	case types.PipelineTranscribing, types.PipelineThinking, types.PipelineGenerating:
		return true
	}
	return false
}

func (t *Tracker) IsSpeaking() bool     { return t.State() == types.PipelineSpeaking }
func (t *Tracker) IsThinking() bool     { return t.State() == types.PipelineThinking }
func (t *Tracker) IsUserSpeaking() bool { return t.State() == types.PipelineUserSpeaking }

// View is the JSON form of the tracker.
type View struct {
	State          types.PipelineState `json:"state"`
	Label          string              `json:"label"`
	IsProcessing   bool                `json:"is_processing"`
	IsSpeaking     bool                `json:"is_speaking"`
	IsThinking     bool                `json:"is_thinking"`
	IsUserSpeaking bool                `json:"is_user_speaking"`
}

func (t *Tracker) View() View {
	return View{
		State:          t.State(),
		Label:          t.Label(),
		IsProcessing:   t.IsProcessing(),
		IsSpeaking:     t.IsSpeaking(),
		IsThinking:     t.IsThinking(),
		IsUserSpeaking: t.IsUserSpeaking(),
	}
}
