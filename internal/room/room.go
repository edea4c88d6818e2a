// Package room connects to the shared real-time room over a websocket. It
// carries topic-tagged data packets, tracks participants and correlates RPC
// requests with their responses.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gophervoice/internal/types"
)

// ErrClosed is returned for operations on a closed connection and for RPCs
// still pending when the connection drops.
var ErrClosed = errors.New("room connection closed")

const (
	defaultRPCTimeout  = 10 * time.Second
	defaultDialTimeout = 15 * time.Second
	subscriptionBuffer = 256
	// Extra time the client waits past response_timeout_ms for the server to
	// report the timeout itself.
	rpcGrace = 2 * time.Second

	agentPollInterval = 50 * time.Millisecond
)

// Options configures a connection.
type Options struct {
	URL        string
	Token      string
	Room       types.RoomName
	Identity   string
	RPCTimeout time.Duration
	Retry      *RetryPolicy
	Dialer     *websocket.Dialer
}

type rpcResult struct {
	payload string
	err     error
}

// Conn is a live room connection. It implements types.Room.
type Conn struct {
	conn       *websocket.Conn
	room       types.RoomName
	rpcTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	mu           sync.Mutex
	subs         map[string][]*subscription
	pending      map[string]chan rpcResult
	participants map[string]string
	agents       []string

	errMu sync.Mutex
	err   error
}

// Dial connects to the room server, retrying transient failures according to
// opts.Retry.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	endpoint, err := endpointURL(opts)
	if err != nil {
		return nil, err
	}
	policy := opts.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := make(http.Header)
	if opts.Token != "" {
		headers.Set("Authorization", "Bearer "+opts.Token)
	}

	var ws *websocket.Conn
	err = policy.Execute(ctx, func(attempt int) error {
		dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
		c, resp, err := dialer.DialContext(dialCtx, endpoint, headers)
		if err != nil {
			if resp != nil {
				err = &HandshakeError{StatusCode: resp.StatusCode, Err: err}
			}
			slog.Warn("room dial failed", "url", opts.URL, "attempt", attempt, "error", err)
			return err
		}
		ws = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to room %s: %w", opts.Room, err)
	}

	timeout := opts.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	c := &Conn{
		conn:         ws,
		room:         opts.Room,
		rpcTimeout:   timeout,
		done:         make(chan struct{}),
		subs:         make(map[string][]*subscription),
		pending:      make(map[string]chan rpcResult),
		participants: make(map[string]string),
	}
	go c.readLoop()
	slog.Info("room connected", "room", string(opts.Room), "identity", opts.Identity)
	return c, nil
}

func endpointURL(opts Options) (string, error) {
	if opts.URL == "" {
		return "", errors.New("room url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse room url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported room url scheme %q", u.Scheme)
	}
	q := u.Query()
	if opts.Room != "" {
		q.Set("room", string(opts.Room))
	}
	if opts.Identity != "" {
		q.Set("identity", opts.Identity)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Name returns the room name the connection joined.
func (c *Conn) Name() types.RoomName { return c.room }

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// AgentIdentity returns the identity of the earliest agent participant still
// in the room, or "" when none has joined.
func (c *Conn) AgentIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.agents) == 0 {
		return ""
	}
	return c.agents[0]
}

// WaitForAgent blocks until an agent participant is present and returns its
// identity. It fails with ErrClosed if the connection ends first.
func (c *Conn) WaitForAgent(ctx context.Context) (string, error) {
	ticker := time.NewTicker(agentPollInterval)
	defer ticker.Stop()
	for {
		if id := c.AgentIdentity(); id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", ErrClosed
		case <-ticker.C:
		}
	}
}

// Participants returns the identities currently in the room with their kind.
func (c *Conn) Participants() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.participants))
	for id, kind := range c.participants {
		out[id] = kind
	}
	return out
}

// Subscribe registers for data packets on topic. The subscription's channel
// is closed when it is closed or the connection ends.
func (c *Conn) Subscribe(topic string) types.Subscription {
	s := &subscription{conn: c, topic: topic, ch: make(chan types.Message, subscriptionBuffer)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		close(s.ch)
		s.closed = true
		return s
	}
	c.subs[topic] = append(c.subs[topic], s)
	return s
}

func (c *Conn) unsubscribe(s *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	c.subs[s.topic] = slices.DeleteFunc(c.subs[s.topic], func(x *subscription) bool { return x == s })
	close(s.ch)
}

// Publish sends payload to every participant on topic.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(frame{Type: frameData, Topic: topic, Data: payload})
}

// PerformRPC calls method on the participant destination and waits for its
// response payload. Failures reported by the server are *RPCError.
func (c *Conn) PerformRPC(ctx context.Context, destination, method, payload string) (string, error) {
	id := string(types.NewCallID())
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.send(frame{
		Type:              frameRPCRequest,
		ID:                id,
		Destination:       destination,
		Method:            method,
		Payload:           payload,
		ResponseTimeoutMS: c.rpcTimeout.Milliseconds(),
	})
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(c.rpcTimeout + rpcGrace)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", &RPCError{Code: CodeResponseTimeout, Message: "Response timeout"}
	}
}

func (c *Conn) send(f frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// Close leaves the room. Pending RPCs fail with ErrClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			slog.Warn("room read failed", "room", string(c.room), "error", err)
			c.setErr(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f frame) {
	switch f.Type {
	case frameData:
		c.deliver(types.Message{Topic: f.Topic, Sender: f.Sender, Payload: f.Data})

	case frameParticipantJoined:
		c.mu.Lock()
		c.participants[f.Identity] = f.Kind
		if f.Kind == KindAgent && !slices.Contains(c.agents, f.Identity) {
			c.agents = append(c.agents, f.Identity)
		}
		c.mu.Unlock()
		slog.Info("participant joined", "identity", f.Identity, "kind", f.Kind)

	case frameParticipantLeft:
		c.mu.Lock()
		delete(c.participants, f.Identity)
		c.agents = slices.DeleteFunc(c.agents, func(id string) bool { return id == f.Identity })
		c.mu.Unlock()
		slog.Info("participant left", "identity", f.Identity)

	case frameRPCResponse:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			slog.Debug("rpc response without pending request", "id", f.ID)
			return
		}
		res := rpcResult{payload: f.Payload}
		if f.Error != nil {
			res.err = f.Error
		}
		select {
		case ch <- res:
		default:
			slog.Debug("duplicate rpc response", "id", f.ID)
		}

	case frameError:
		slog.Warn("room server error", "message", f.Message)

	default:
		slog.Debug("ignoring room frame", "type", f.Type)
	}
}

// deliver fans a message out to the topic's subscribers. A subscriber whose
// buffer is full misses the message.
func (c *Conn) deliver(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs[msg.Topic] {
		select {
		case s.ch <- msg:
		default:
			slog.Warn("subscriber buffer full, dropping message", "topic", msg.Topic)
		}
	}
}

func (c *Conn) shutdown() {
	c.closed.Store(true)
	_ = c.conn.Close()

	c.mu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- rpcResult{err: ErrClosed}:
		default:
		}
		delete(c.pending, id)
	}
	for topic, subs := range c.subs {
		for _, s := range subs {
			s.closed = true
			close(s.ch)
		}
		delete(c.subs, topic)
	}
	c.participants = make(map[string]string)
	c.agents = nil
	c.mu.Unlock()

	close(c.done)
	slog.Info("room disconnected", "room", string(c.room))
}

type subscription struct {
	conn   *Conn
	topic  string
	ch     chan types.Message
	closed bool // guarded by conn.mu
}

func (s *subscription) C() <-chan types.Message { return s.ch }

func (s *subscription) Close() { s.conn.unsubscribe(s) }
