// Package api serves the reconciled agent state and a thin RPC passthrough
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/pipeline"
	"github.com/user/gophervoice/internal/scheduler"
	"github.com/user/gophervoice/internal/telemetry"
	"github.com/user/gophervoice/internal/types"
)

const maxBodyBytes = 1 << 20

// Telemetry is the slice of the reconciler the server reads.
type Telemetry interface {
	Snapshot() telemetry.Snapshot
	Clear()
}

type Pipeline interface {
	View() pipeline.View
}

type WakeWord interface {
	Status() types.WakeWordStatus
}

// Caller issues RPCs to the agent.
type Caller interface {
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

type Polls interface {
	Results() []scheduler.Result
}

// Deps are the components the server exposes. Nil components answer 503.
type Deps struct {
	Room      types.RoomName
	Telemetry Telemetry
	Pipeline  Pipeline
	WakeWord  WakeWord
	Control   Caller
	Events    types.EventStore
	Polls     Polls
	// Methods is the RPC allow-list for POST /api/rpc/{method}.
	Methods []string
}

// Server is a lightweight HTTP handler for the status API.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// NewServer creates a new status Server.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/telemetry", s.handleTelemetry)
	s.mux.HandleFunc("POST /api/telemetry/clear", s.handleClear)
	s.mux.HandleFunc("GET /api/pipeline", s.handlePipeline)
	s.mux.HandleFunc("GET /api/wakeword", s.handleWakeWord)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/polls", s.handlePolls)
	s.mux.HandleFunc("POST /api/rpc/{method}", s.handleRPC)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "room": string(s.deps.Room)})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Telemetry.Snapshot())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry not configured")
		return
	}
	s.deps.Telemetry.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pipeline.View())
}

func (s *Server) handleWakeWord(w http.ResponseWriter, r *http.Request) {
	if s.deps.WakeWord == nil {
		writeError(w, http.StatusServiceUnavailable, "wake word not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.WakeWord.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "recording not configured")
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	room := s.deps.Room
	if q := r.URL.Query().Get("room"); q != "" {
		room = types.NewRoomName(q)
	}

	events, err := s.deps.Events.Tail(r.Context(), room, limit)
	if err != nil {
		slog.Error("tail events failed", "room", string(room), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.RecordedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePolls(w http.ResponseWriter, r *http.Request) {
	if s.deps.Polls == nil {
		writeJSON(w, http.StatusOK, []scheduler.Result{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Polls.Results())
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.deps.Control == nil {
		writeError(w, http.StatusServiceUnavailable, "agent control not configured")
		return
	}
	method := r.PathValue("method")
	if !slices.Contains(s.deps.Methods, method) {
		writeError(w, http.StatusNotFound, "unknown method: "+method)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		payload = json.RawMessage(body)
	}

	resp, err := s.deps.Control.Call(r.Context(), method, payload)
	switch {
	case errors.Is(err, control.ErrNotAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		slog.Error("rpc passthrough failed", "method", method, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}
