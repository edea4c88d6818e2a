package room

import "fmt"

// Frame types exchanged with the room server. Every websocket text message is
// one JSON frame.
const (
	frameData              = "data"
	frameParticipantJoined = "participant_joined"
	frameParticipantLeft   = "participant_left"
	frameRPCRequest        = "rpc_request"
	frameRPCResponse       = "rpc_response"
	frameError             = "error"
)

// Participant kinds reported by the server.
const (
	KindAgent    = "agent"
	KindStandard = "standard"
)

// frame is the union of every frame shape. Payload is base64 on the wire for
// data frames ([]byte) and plain text for RPC frames.
type frame struct {
	Type string `json:"type"`

	Topic  string `json:"topic,omitempty"`
	Sender string `json:"sender,omitempty"`
	Data   []byte `json:"data,omitempty"`

	Identity string `json:"identity,omitempty"`
	Kind     string `json:"kind,omitempty"`

	ID                string    `json:"id,omitempty"`
	Destination       string    `json:"destination,omitempty"`
	Method            string    `json:"method,omitempty"`
	Payload           string    `json:"payload,omitempty"`
	ResponseTimeoutMS int64     `json:"response_timeout_ms,omitempty"`
	Error             *RPCError `json:"error,omitempty"`

	Message string `json:"message,omitempty"`
}

// RPC error codes reported by the room server.
const (
	CodeApplicationError      = 1500
	CodeConnectionTimeout     = 1501
	CodeResponseTimeout       = 1502
	CodeRecipientDisconnected = 1503
	CodeUnsupportedMethod     = 1400
	CodeRecipientNotFound     = 1401
)

// RPCError is a failure reported by the room server or the remote handler.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HandshakeError is a websocket upgrade rejected by the server.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("room handshake failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
