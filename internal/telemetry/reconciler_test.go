package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/user/gophervoice/internal/types"
)

func payload(t *testing.T, eventType types.EventType, requestID string, data map[string]any) []byte {
	t.Helper()
	event := map[string]any{
		"type":      string(eventType),
		"timestamp": "2025-03-01T10:00:00.000000",
		"data":      data,
	}
	if requestID != "" {
		event["request_id"] = requestID
	}
	b, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type fixedCounter int

func (c fixedCounter) Count(string) int { return int(c) }

func TestEventLogCap(t *testing.T) {
	r := New()
	for i := 0; i < 250; i++ {
		r.Handle(payload(t, types.EventAgentState, "", map[string]any{"state": fmt.Sprintf("s%d", i)}))
		if n := len(r.Events()); n > MaxEvents {
			t.Fatalf("event log grew to %d after %d inserts", n, i+1)
		}
	}

	events := r.Events()
	if len(events) != MaxEvents {
		t.Fatalf("expected %d events, got %d", MaxEvents, len(events))
	}
	for i, event := range events {
		want := fmt.Sprintf("s%d", 150+i)
		if got, _ := event.String("state"); got != want {
			t.Fatalf("event %d: expected state %s, got %s", i, want, got)
		}
	}
}

func TestRequestLifecycle(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", map[string]any{"model": "llama3.2", "message_count": 3}))

	req, ok := r.Request("req-1")
	if !ok {
		t.Fatal("expected request to exist")
	}
	if req.Status != types.RequestPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if !r.Streaming() {
		t.Error("expected streaming after request start")
	}

	chunks := []string{"Hel", "lo, ", "wor", "ld"}
	for _, c := range chunks {
		r.Handle(payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": c}))
	}
	req, _ = r.Request("req-1")
	if req.Status != types.RequestStreaming {
		t.Errorf("expected streaming status, got %s", req.Status)
	}

	r.Handle(payload(t, types.EventLLMRequestEnd, "req-1", map[string]any{"total_tokens": 42}))
	req, _ = r.Request("req-1")
	if req.Status != types.RequestComplete {
		t.Errorf("expected complete, got %s", req.Status)
	}
	if req.Response != strings.Join(chunks, "") {
		t.Errorf("expected response %q, got %q", strings.Join(chunks, ""), req.Response)
	}
	if len(req.Chunks) != len(chunks) {
		t.Errorf("expected %d chunks, got %d", len(chunks), len(req.Chunks))
	}
	if req.Model != "llama3.2" || req.MessageCount != 3 {
		t.Errorf("unexpected model/message count: %s/%d", req.Model, req.MessageCount)
	}
	if req.EndedAt == nil {
		t.Error("expected end time")
	}
	if req.TotalTokens != 42 {
		t.Errorf("expected 42 tokens, got %d", req.TotalTokens)
	}
	if r.Streaming() {
		t.Error("expected streaming cleared after request end")
	}
}

func TestRequestStartDefaultsModel(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", map[string]any{}))
	req, _ := r.Request("req-1")
	if req.Model != "unknown" {
		t.Errorf("expected model unknown, got %q", req.Model)
	}
}

func TestRequestEndEstimatesTokens(t *testing.T) {
	r := New(WithTokenCounter(fixedCounter(7)))
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": "hi"}))
	r.Handle(payload(t, types.EventLLMRequestEnd, "req-1", map[string]any{"total_tokens": nil}))

	req, _ := r.Request("req-1")
	if req.TotalTokens != 7 {
		t.Errorf("expected estimated 7 tokens, got %d", req.TotalTokens)
	}
}

func TestDanglingCorrelationIsNoop(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMChunk, "ghost", map[string]any{"chunk": "x"}))
	r.Handle(payload(t, types.EventLLMRequestEnd, "ghost", nil))
	r.Handle(payload(t, types.EventToolCallEnd, "ghost", map[string]any{"result": "ok"}))

	if n := r.RequestCount(); n != 0 {
		t.Errorf("expected empty request table, got %d", n)
	}
	if n := r.ToolCallCount(); n != 0 {
		t.Errorf("expected empty tool table, got %d", n)
	}
	if n := len(r.Events()); n != 3 {
		t.Errorf("expected 3 logged events, got %d", n)
	}
}

func TestMissingRequestIDIsLoggedOnly(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "", map[string]any{"model": "x"}))
	r.Handle(payload(t, types.EventToolCallStart, "", map[string]any{"tool_name": "y"}))

	if r.RequestCount() != 0 || r.ToolCallCount() != 0 {
		t.Error("expected no table mutation without request_id")
	}
	if r.Streaming() {
		t.Error("expected streaming flag untouched")
	}
	if n := len(r.Events()); n != 2 {
		t.Errorf("expected 2 logged events, got %d", n)
	}
}

func TestErrorEventMarksRequest(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": "partial"}))
	r.Handle(payload(t, types.EventError, "req-1", map[string]any{"message": "model crashed"}))

	req, _ := r.Request("req-1")
	if req.Status != types.RequestError {
		t.Errorf("expected error status, got %s", req.Status)
	}
	if req.Error != "model crashed" {
		t.Errorf("expected error text, got %q", req.Error)
	}
	if r.Streaming() {
		t.Error("expected streaming cleared by error")
	}

	// Later chunks must not move the request out of error.
	r.Handle(payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": "late"}))
	req, _ = r.Request("req-1")
	if req.Status != types.RequestError || req.Response != "partial" {
		t.Errorf("expected error request unchanged, got %s %q", req.Status, req.Response)
	}
}

func TestErrorEventLeavesCompleteRequest(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventLLMRequestEnd, "req-1", nil))
	r.Handle(payload(t, types.EventLLMRequestStart, "req-2", nil))
	r.Handle(payload(t, types.EventError, "req-1", map[string]any{"message": "late"}))

	req, _ := r.Request("req-1")
	if req.Status != types.RequestComplete {
		t.Errorf("expected complete request unchanged, got %s", req.Status)
	}
	if !r.Streaming() {
		t.Error("error for a complete request must not clear the streaming flag")
	}
}

func TestRepeatedStartKeepsFinishedRequest(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", map[string]any{"model": "llama3"}))
	r.Handle(payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": "hi"}))
	r.Handle(payload(t, types.EventLLMRequestEnd, "req-1", map[string]any{"total_tokens": 3}))
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", map[string]any{"model": "other"}))

	req, _ := r.Request("req-1")
	if req.Status != types.RequestComplete {
		t.Errorf("expected complete, got %s", req.Status)
	}
	if req.Response != "hi" || len(req.Chunks) != 1 || req.Model != "llama3" || req.TotalTokens != 3 {
		t.Errorf("request was replaced: %+v", req)
	}
	if r.RequestCount() != 1 {
		t.Errorf("expected 1 request, got %d", r.RequestCount())
	}
	if r.Streaming() {
		t.Error("a repeated start must not reopen streaming")
	}
}

func TestRepeatedToolStartKeepsFinishedCall(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventToolCallStart, "t1", map[string]any{"tool_name": "search"}))
	r.Handle(payload(t, types.EventToolCallEnd, "t1", map[string]any{"result": "found"}))
	r.Handle(payload(t, types.EventToolCallStart, "t1", map[string]any{"tool_name": "weather"}))

	call, _ := r.ToolCall("t1")
	if call.Status != types.ToolComplete || call.Tool != "search" || call.Result != "found" {
		t.Errorf("tool call was replaced: %+v", call)
	}
}

func TestSecondErrorKeepsFirstFailure(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventError, "req-1", map[string]any{"message": "first"}))
	first, _ := r.Request("req-1")
	r.Handle(payload(t, types.EventError, "req-1", map[string]any{"message": "second"}))

	req, _ := r.Request("req-1")
	if req.Status != types.RequestError || req.Error != "first" {
		t.Errorf("expected first failure kept, got %s %q", req.Status, req.Error)
	}
	if req.EndedAt == nil || first.EndedAt == nil || !req.EndedAt.Equal(*first.EndedAt) {
		t.Errorf("end time changed: %v -> %v", first.EndedAt, req.EndedAt)
	}
}

func TestErrorEventWithoutRequestID(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventError, "", map[string]any{"message": "stt down"}))

	req, _ := r.Request("req-1")
	if req.Status != types.RequestPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if !r.Streaming() {
		t.Error("expected streaming flag untouched")
	}
}

func TestStreamingFlagLastWriterWins(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "a", nil))
	r.Handle(payload(t, types.EventLLMRequestStart, "b", nil))
	r.Handle(payload(t, types.EventLLMRequestEnd, "a", nil))

	if r.Streaming() {
		t.Error("expected flag cleared by the most recent request end")
	}
	if n := r.ActiveRequests(); n != 1 {
		t.Errorf("expected 1 active request, got %d", n)
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventToolCallStart, "tool-1", map[string]any{"tool_name": "search"}))

	r.Clear()

	snap := r.Snapshot()
	if len(snap.Events) != 0 || len(snap.Requests) != 0 || len(snap.ToolCalls) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
	if snap.Streaming {
		t.Error("expected streaming false after clear")
	}
}

func TestToolCallsAreIndependent(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventToolCallStart, "t1", map[string]any{"tool_name": "search", "arguments": map[string]any{"q": "go"}}))
	r.Handle(payload(t, types.EventToolCallStart, "t2", map[string]any{"tool_name": "weather"}))
	r.Handle(payload(t, types.EventToolCallEnd, "t1", map[string]any{"result": "found", "error": nil}))

	t1, _ := r.ToolCall("t1")
	t2, _ := r.ToolCall("t2")
	if t1.Status != types.ToolComplete || t1.Result != "found" || t1.EndedAt == nil {
		t.Errorf("unexpected t1: %+v", t1)
	}
	if t1.Arguments["q"] != "go" {
		t.Errorf("expected arguments preserved, got %v", t1.Arguments)
	}
	if t2.Status != types.ToolRunning || t2.EndedAt != nil || t2.Result != "" {
		t.Errorf("t2 must be untouched, got %+v", t2)
	}
	if r.ToolCallCount() != 2 {
		t.Errorf("expected 2 tool calls, got %d", r.ToolCallCount())
	}
}

func TestToolCallEndWithError(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventToolCallStart, "t1", map[string]any{"tool_name": "fetch"}))
	r.Handle(payload(t, types.EventToolCallEnd, "t1", map[string]any{"result": "None", "error": "timeout"}))

	call, _ := r.ToolCall("t1")
	if call.Status != types.ToolError || call.Error != "timeout" {
		t.Errorf("expected error status with message, got %+v", call)
	}
}

func TestMalformedPayloadsAreDiscarded(t *testing.T) {
	r := New()
	bad := [][]byte{
		[]byte("not json"),
		{0xff, 0xfe, 0xfd},
		[]byte(`{"timestamp":"x","data":{}}`),
		[]byte(`{"type":""}`),
	}
	for _, b := range bad {
		if r.Handle(b) {
			t.Errorf("expected %q to be rejected", b)
		}
	}
	if n := len(r.Events()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestUnrecognizedTypeIsRetained(t *testing.T) {
	r := New()
	if !r.Handle(payload(t, types.EventType("custom_metric"), "", map[string]any{"v": 1})) {
		t.Fatal("expected unknown type to be accepted")
	}
	events := r.Events()
	if len(events) != 1 || events[0].Type != "custom_metric" {
		t.Errorf("expected unknown event in log, got %+v", events)
	}
}

func TestObserverSeesAcceptedEvents(t *testing.T) {
	var seen []types.EventType
	r := New(WithObserver(func(e types.TelemetryEvent) { seen = append(seen, e.Type) }))
	r.Handle([]byte("garbage"))
	r.Handle(payload(t, types.EventAgentState, "", map[string]any{"state": "thinking"}))

	if len(seen) != 1 || seen[0] != types.EventAgentState {
		t.Errorf("expected one observed state change, got %v", seen)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	r.Handle(payload(t, types.EventLLMRequestStart, "req-1", nil))
	r.Handle(payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": "a"}))

	snap := r.Snapshot()
	snap.Requests[0].Chunks[0] = "mutated"
	snap.Requests[0].Status = types.RequestError

	req, _ := r.Request("req-1")
	if req.Chunks[0] != "a" || req.Status != types.RequestStreaming {
		t.Errorf("snapshot mutation leaked into reconciler: %+v", req)
	}
	if snap.ActiveRequests != 1 {
		t.Errorf("expected 1 active request in snapshot, got %d", snap.ActiveRequests)
	}
}

type sliceSub struct{ ch chan types.Message }

func (s *sliceSub) C() <-chan types.Message { return s.ch }
func (s *sliceSub) Close()                  {}

func TestRunDrainsSubscription(t *testing.T) {
	r := New()
	sub := &sliceSub{ch: make(chan types.Message, 3)}
	sub.ch <- types.Message{Topic: Topic, Payload: payload(t, types.EventLLMRequestStart, "req-1", nil)}
	sub.ch <- types.Message{Topic: Topic, Payload: payload(t, types.EventLLMChunk, "req-1", map[string]any{"chunk": "x"})}
	sub.ch <- types.Message{Topic: Topic, Payload: []byte("{bad")}
	close(sub.ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Run(ctx, sub); err != nil {
		t.Fatalf("expected nil error when subscription closes, got %v", err)
	}
	req, ok := r.Request("req-1")
	if !ok || req.Response != "x" {
		t.Errorf("expected reconciled request, got %+v", req)
	}
	if n := len(r.Events()); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}
