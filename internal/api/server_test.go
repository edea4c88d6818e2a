package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/pipeline"
	"github.com/user/gophervoice/internal/state"
	"github.com/user/gophervoice/internal/telemetry"
	"github.com/user/gophervoice/internal/types"
	"github.com/user/gophervoice/internal/wakeword"
)

type mockCaller struct {
	lastMethod  string
	lastPayload any
	response    string
	err         error
}

func (m *mockCaller) Call(_ context.Context, method string, payload any) (json.RawMessage, error) {
	m.lastMethod = method
	m.lastPayload = payload
	if m.err != nil {
		return nil, m.err
	}
	return json.RawMessage(m.response), nil
}

func telemetryPayload(eventType types.EventType, requestID string, data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":       eventType,
		"timestamp":  "2025-03-01T10:00:00.000000",
		"request_id": requestID,
		"data":       data,
	})
	return b
}

func setupServer(t *testing.T, caller *mockCaller) (*Server, *telemetry.Reconciler) {
	t.Helper()
	tracker := pipeline.NewTracker()
	rec := telemetry.New(telemetry.WithObserver(tracker.Observe))
	srv := NewServer(Deps{
		Room:      "kitchen",
		Telemetry: rec,
		Pipeline:  tracker,
		WakeWord:  wakeword.NewTracker(),
		Control:   caller,
		Events:    state.NewEventStore(t.TempDir()),
		Methods:   control.Catalog,
	})
	return srv, rec
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, &mockCaller{})

	w := do(srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" || resp["room"] != "kitchen" {
		t.Errorf("unexpected health response %v", resp)
	}
}

func TestTelemetryEndpoint(t *testing.T) {
	srv, rec := setupServer(t, &mockCaller{})
	rec.Handle(telemetryPayload(types.EventLLMRequestStart, "req-1", map[string]any{"model": "llama3.2"}))
	rec.Handle(telemetryPayload(types.EventLLMChunk, "req-1", map[string]any{"chunk": "Hello"}))

	w := do(srv, http.MethodGet, "/api/telemetry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var snap telemetry.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Events) != 2 || len(snap.Requests) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Requests[0].Response != "Hello" || !snap.Streaming || snap.ActiveRequests != 1 {
		t.Errorf("unexpected request state %+v", snap.Requests[0])
	}
}

func TestTelemetryClear(t *testing.T) {
	srv, rec := setupServer(t, &mockCaller{})
	rec.Handle(telemetryPayload(types.EventLLMRequestStart, "req-1", nil))

	if w := do(srv, http.MethodPost, "/api/telemetry/clear", ""); w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if rec.RequestCount() != 0 || len(rec.Events()) != 0 {
		t.Error("expected reconciler cleared")
	}
	if w := do(srv, http.MethodGet, "/api/telemetry/clear", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestPipelineEndpoint(t *testing.T) {
	srv, rec := setupServer(t, &mockCaller{})
	rec.Handle(telemetryPayload(types.EventAgentState, "", map[string]any{"state": "thinking"}))

	w := do(srv, http.MethodGet, "/api/pipeline", "")
	var view pipeline.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.State != types.PipelineThinking || !view.IsProcessing || view.Label != "Thinking..." {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestWakeWordEndpoint(t *testing.T) {
	srv, _ := setupServer(t, &mockCaller{})

	w := do(srv, http.MethodGet, "/api/wakeword", "")
	var st types.WakeWordStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Enabled || st.State != types.WakeWordDisabled {
		t.Errorf("expected disabled status, got %+v", st)
	}
}

func TestEventsEndpoint(t *testing.T) {
	store := state.NewEventStore(t.TempDir())
	srv := NewServer(Deps{Room: "kitchen", Events: store})
	for i := 0; i < 3; i++ {
		store.Record(context.Background(), "kitchen", types.TelemetryEvent{Type: types.EventTTSStart})
	}

	w := do(srv, http.MethodGet, "/api/events?limit=2", "")
	var events []*types.RecordedEvent
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Seq != 3 {
		t.Errorf("unexpected events %+v", events)
	}

	w = do(srv, http.MethodGet, "/api/events?room=empty", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestRPCPassthrough(t *testing.T) {
	caller := &mockCaller{response: `{"success":true,"old_model":"a","new_model":"b"}`}
	srv, _ := setupServer(t, caller)

	w := do(srv, http.MethodPost, "/api/rpc/switch_model", `{"model":"b"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if caller.lastMethod != "switch_model" {
		t.Errorf("expected switch_model, got %s", caller.lastMethod)
	}
	if raw, ok := caller.lastPayload.(json.RawMessage); !ok || string(raw) != `{"model":"b"}` {
		t.Errorf("unexpected payload %#v", caller.lastPayload)
	}
	if !strings.Contains(w.Body.String(), `"new_model":"b"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestRPCPassthroughErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"unknown method", "/api/rpc/format_disk", "", nil, http.StatusNotFound},
		{"invalid json", "/api/rpc/switch_model", "{", nil, http.StatusBadRequest},
		{"not available", "/api/rpc/interrupt", "", control.ErrNotAvailable, http.StatusServiceUnavailable},
		{"transport", "/api/rpc/interrupt", "", errors.New("connection timeout"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupServer(t, &mockCaller{err: tt.err, response: "{}"})
			if w := do(srv, http.MethodPost, tt.path, tt.body); w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestUnconfigured(t *testing.T) {
	srv := NewServer(Deps{})
	for _, path := range []string{"/api/telemetry", "/api/pipeline", "/api/wakeword", "/api/events"} {
		if w := do(srv, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
	if w := do(srv, http.MethodGet, "/api/polls", ""); w.Code != http.StatusOK {
		t.Errorf("polls should answer an empty list, got %d", w.Code)
	}
}
