// Package roomtest provides an in-process room server for tests. It speaks
// the room frame protocol over a real websocket and plays the agent side:
// announcing an agent participant, answering RPCs and broadcasting data.
package roomtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gophervoice/internal/room"
)

// Handler answers one RPC. A non-nil error is sent back as the RPC failure.
type Handler func(method, payload string) (string, *room.RPCError)

// Request is an RPC received from a client.
type Request struct {
	ID          string
	Destination string
	Method      string
	Payload     string
	TimeoutMS   int64
}

// Published is a data packet a client sent to the room.
type Published struct {
	Topic   string
	Payload []byte
}

type frame struct {
	Type              string         `json:"type"`
	Topic             string         `json:"topic,omitempty"`
	Sender            string         `json:"sender,omitempty"`
	Data              []byte         `json:"data,omitempty"`
	Identity          string         `json:"identity,omitempty"`
	Kind              string         `json:"kind,omitempty"`
	ID                string         `json:"id,omitempty"`
	Destination       string         `json:"destination,omitempty"`
	Method            string         `json:"method,omitempty"`
	Payload           string         `json:"payload,omitempty"`
	ResponseTimeoutMS int64          `json:"response_timeout_ms,omitempty"`
	Error             *room.RPCError `json:"error,omitempty"`
}

// Server is a fake room server.
type Server struct {
	*httptest.Server

	// Agent is the identity announced to every client on connect. Empty
	// means no agent is present.
	Agent string
	// Token, when set, is required as a bearer token.
	Token string

	handler Handler

	mu        sync.Mutex
	conns     []*client
	requests  []Request
	published []Published
	queries   []string
	joined    chan struct{}
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// NewServer starts a server announcing agent and answering RPCs with h.
func NewServer(agent string, h Handler) *Server {
	s := &Server{Agent: agent, handler: h, joined: make(chan struct{}, 64)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.queries = append(s.queries, r.URL.RawQuery)
	agent := s.Agent
	s.mu.Unlock()

	if agent != "" {
		_ = c.write(frame{Type: "participant_joined", Identity: agent, Kind: room.KindAgent})
	}
	select {
	case s.joined <- struct{}{}:
	default:
	}

	defer ws.Close()
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "data":
			s.mu.Lock()
			s.published = append(s.published, Published{Topic: f.Topic, Payload: f.Data})
			s.mu.Unlock()
		case "rpc_request":
			s.mu.Lock()
			s.requests = append(s.requests, Request{
				ID:          f.ID,
				Destination: f.Destination,
				Method:      f.Method,
				Payload:     f.Payload,
				TimeoutMS:   f.ResponseTimeoutMS,
			})
			s.mu.Unlock()
			go s.answer(c, f)
		}
	}
}

func (s *Server) answer(c *client, req frame) {
	resp := frame{Type: "rpc_response", ID: req.ID}
	switch {
	case req.Destination != s.Agent || s.Agent == "":
		resp.Error = &room.RPCError{Code: room.CodeRecipientNotFound, Message: "Recipient not found"}
	case s.handler == nil:
		resp.Error = &room.RPCError{Code: room.CodeUnsupportedMethod, Message: "Method not supported at destination"}
	default:
		resp.Payload, resp.Error = s.handler(req.Method, req.Payload)
	}
	_ = c.write(resp)
}

// WaitForClient blocks until a client has connected, or d elapses. It
// reports whether a client connected.
func (s *Server) WaitForClient(d time.Duration) bool {
	select {
	case <-s.joined:
		return true
	case <-time.After(d):
		return false
	}
}

// Send broadcasts a data packet from sender to every connected client.
func (s *Server) Send(topic, sender string, payload []byte) {
	s.broadcast(frame{Type: "data", Topic: topic, Sender: sender, Data: payload})
}

// Join announces a participant to every connected client.
func (s *Server) Join(identity, kind string) {
	s.broadcast(frame{Type: "participant_joined", Identity: identity, Kind: kind})
}

// Leave announces that a participant left.
func (s *Server) Leave(identity string) {
	s.broadcast(frame{Type: "participant_left", Identity: identity})
}

func (s *Server) broadcast(f frame) {
	s.mu.Lock()
	conns := append([]*client(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(f)
	}
}

// Drop closes every client connection without a close handshake.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// Requests returns the RPCs received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Published returns the data packets clients sent so far.
func (s *Server) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.published...)
}

// Queries returns the raw query string of each accepted connection.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}
