package telemetry

import (
	"slices"

	"github.com/user/gophervoice/internal/types"
)

// Snapshot is a point-in-time copy of the reconciled state.
type Snapshot struct {
	Events         []types.TelemetryEvent `json:"events"`
	Requests       []types.LLMRequest     `json:"requests"`
	ToolCalls      []types.ToolCall       `json:"tool_calls"`
	Streaming      bool                   `json:"streaming"`
	ActiveRequests int                    `json:"active_requests"`
}

// Snapshot copies the current state. Requests and tool calls are ordered by
// first appearance.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Events:    slices.Clone(r.events),
		Requests:  make([]types.LLMRequest, 0, len(r.reqOrder)),
		ToolCalls: make([]types.ToolCall, 0, len(r.toolOrder)),
		Streaming: r.streaming,
	}
	if snap.Events == nil {
		snap.Events = []types.TelemetryEvent{}
	}
	for _, id := range r.reqOrder {
		req := copyRequest(r.requests[id])
		if !req.Status.Terminal() {
			snap.ActiveRequests++
		}
		snap.Requests = append(snap.Requests, req)
	}
	for _, id := range r.toolOrder {
		snap.ToolCalls = append(snap.ToolCalls, *r.tools[id])
	}
	return snap
}

// Events returns the event log in arrival order.
func (r *Reconciler) Events() []types.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Request returns a copy of the LLM request with the given id.
func (r *Reconciler) Request(id types.RequestID) (types.LLMRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return types.LLMRequest{}, false
	}
	return copyRequest(req), true
}

// ToolCall returns a copy of the tool call with the given id.
func (r *Reconciler) ToolCall(id types.RequestID) (types.ToolCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.tools[id]
	if !ok {
		return types.ToolCall{}, false
	}
	return *call, true
}

// RequestCount returns the size of the LLM request table.
func (r *Reconciler) RequestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// ToolCallCount returns the size of the tool call table.
func (r *Reconciler) ToolCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// Streaming reports the last-writer-wins streaming flag: set by any request
// start, cleared by any request end or request error. With overlapping
// requests it can read false while another request is still streaming; use
// ActiveRequests when that matters.
func (r *Reconciler) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaming
}

// ActiveRequests counts LLM requests that have not completed or failed.
func (r *Reconciler) ActiveRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if !req.Status.Terminal() {
			n++
		}
	}
	return n
}

func copyRequest(req *types.LLMRequest) types.LLMRequest {
	out := *req
	out.Chunks = slices.Clone(req.Chunks)
	if req.EndedAt != nil {
		ended := *req.EndedAt
		out.EndedAt = &ended
	}
	return out
}
