// internal/types/models.go
package types

import (
	"time"
)

// EventType is the wire discriminator of a telemetry event.
type EventType string

const (
	EventLLMRequestStart EventType = "llm_request_start"
	EventLLMChunk        EventType = "llm_chunk"
	EventLLMRequestEnd   EventType = "llm_request_end"
	EventToolCallStart   EventType = "tool_call_start"
	EventToolCallEnd     EventType = "tool_call_end"
	EventAgentState      EventType = "agent_state_change"
	EventError           EventType = "error"
	EventSTTResult       EventType = "stt_result"
	EventTTSStart        EventType = "tts_start"
	EventTTSEnd          EventType = "tts_end"
)

// Known reports whether t is part of the agent's telemetry vocabulary.
func (t EventType) Known() bool {
	switch t {
	case EventLLMRequestStart, EventLLMChunk, EventLLMRequestEnd,
		EventToolCallStart, EventToolCallEnd, EventAgentState, EventError,
		EventSTTResult, EventTTSStart, EventTTSEnd:
		return true
	}
	return false
}

// TelemetryEvent is one decoded message from the telemetry topic.
type TelemetryEvent struct {
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	RequestID RequestID      `json:"request_id,omitempty"`
}

// String returns data[key] when it is a string.
func (e TelemetryEvent) String(key string) (string, bool) {
	v, ok := e.Data[key].(string)
	return v, ok
}

// Int returns data[key] when it is a JSON number.
func (e TelemetryEvent) Int(key string) (int, bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Time parses the producer timestamp, falling back to fallback when it is
// missing or malformed. Timestamps without an offset are producer local time,
// read in the local zone.
func (e TelemetryEvent) Time(fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, e.Timestamp, time.Local); err == nil {
			return t
		}
	}
	return fallback
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestStreaming RequestStatus = "streaming"
	RequestComplete  RequestStatus = "complete"
	RequestError     RequestStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestComplete || s == RequestError
}

// LLMRequest is the reconciled view of one language-model request.
type LLMRequest struct {
	ID           RequestID     `json:"request_id"`
	Model        string        `json:"model"`
	MessageCount int           `json:"message_count,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Chunks       []string      `json:"chunks"`
	Response     string        `json:"response"`
	Status       RequestStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	TotalTokens  int           `json:"total_tokens,omitempty"`
}

type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// ToolCall is the reconciled view of one tool invocation.
type ToolCall struct {
	ID        RequestID      `json:"request_id"`
	Tool      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Status    ToolStatus     `json:"status"`
}

type PipelineState string

const (
	PipelineIdle         PipelineState = "idle"
	PipelineListening    PipelineState = "listening"
	PipelineUserSpeaking PipelineState = "user_speaking"
	PipelineTranscribing PipelineState = "transcribing"
	PipelineThinking     PipelineState = "thinking"
	PipelineGenerating   PipelineState = "generating"
	PipelineSpeaking     PipelineState = "speaking"
	PipelineUserAway     PipelineState = "user_away"
	PipelineInitializing PipelineState = "initializing"
)

type WakeWordState string

const (
	WakeWordDisabled  WakeWordState = "disabled"
	WakeWordListening WakeWordState = "listening"
	WakeWordDetected  WakeWordState = "detected"
	WakeWordActive    WakeWordState = "active"
	WakeWordTimeout   WakeWordState = "timeout"
)

// WakeWordStatus is the single-slot wake word view.
type WakeWordStatus struct {
	Enabled                 bool          `json:"enabled"`
	State                   WakeWordState `json:"state"`
	Model                   string        `json:"model,omitempty"`
	LastDetectionConfidence *float64      `json:"last_detection_confidence,omitempty"`
}

type MCPServerStatus string

const (
	MCPConnected MCPServerStatus = "connected"
	MCPError     MCPServerStatus = "error"
	MCPDisabled  MCPServerStatus = "disabled"
	MCPUnknown   MCPServerStatus = "unknown"
)

// MCPServerInfo describes one MCP server configured on the agent.
type MCPServerInfo struct {
	Name         string            `json:"name"`
	Type         string            `json:"type,omitempty"`
	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Enabled      bool              `json:"enabled"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	Status       MCPServerStatus   `json:"status"`
	Error        string            `json:"error,omitempty"`
	ToolCount    int               `json:"tool_count"`
}

// MCPToolInfo describes one tool exposed by an MCP server.
type MCPToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Message is a topic-tagged data packet received from a room participant.
type Message struct {
	Topic   string `json:"topic"`
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

// RecordedEvent is a telemetry event as persisted by an EventStore.
type RecordedEvent struct {
	ID         EventID        `json:"id"`
	Room       RoomName       `json:"room"`
	Seq        int64          `json:"seq"`
	ReceivedAt time.Time      `json:"received_at"`
	Event      TelemetryEvent `json:"event"`
}
