// Package protocol defines the wire format exchanged between the relay
// server, agent-role clients, and controller-role clients: a tagged union
// of JSON objects, one per text WebSocket frame, discriminated by a
// "type" field.
package protocol

import "encoding/json"

// Type identifies a Message variant. The wire value is the snake_case
// string stored in the "type" field.
type Type string

const (
	TypeRegister      Type = "register"
	TypeRegisterOK    Type = "register_ok"
	TypeConnect       Type = "connect"
	TypeTunnelRequest Type = "tunnel_request"
	TypeTunnelAccept  Type = "tunnel_accept"
	TypeTunnelReady   Type = "tunnel_ready"
	TypeTunnelClose   Type = "tunnel_close"
	TypeStreamOpen    Type = "stream_open"
	TypeStreamClose   Type = "stream_close"
	TypeData          Type = "data"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"
)

// Role identifies which side of a stream originated a Data frame.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleController Role = "controller"
)

// Message is the single wire type for every frame. Only the fields
// relevant to Type are populated; the rest are left zero and omitted
// from the JSON encoding.
type Message struct {
	Type Type `json:"type"`

	// register_ok
	AgentID string `json:"agent_id,omitempty"`

	// connect
	TargetID   string `json:"target_id,omitempty"`
	RemoteHost string `json:"remote_host,omitempty"`
	RemotePort uint16 `json:"remote_port,omitempty"`

	// tunnel_request / tunnel_accept / tunnel_ready / tunnel_close /
	// stream_open / stream_close / data
	SessionID string `json:"session_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`

	// tunnel_ready carries the target agent ID back to the controller so
	// pending_connects can be matched by target rather than popped
	// arbitrarily (see DESIGN.md, spec Open Question 1).
	TargetAgentID string `json:"target_agent_id,omitempty"`

	// data
	Role    Role   `json:"role,omitempty"`
	Payload string `json:"payload,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Marshal serializes a Message to its JSON wire form.
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a JSON wire frame into a Message. Unknown fields are
// ignored; an unrecognized "type" value is left as-is for the caller to
// drop (per spec: unknown frames are silently dropped in production).
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// KnownType reports whether t is one of the variants this package defines.
// Tests use this to fail loudly on unrecognized types; production dispatch
// code ignores unknown types instead (spec §9 Design Notes).
func KnownType(t Type) bool {
	switch t {
	case TypeRegister, TypeRegisterOK, TypeConnect, TypeTunnelRequest,
		TypeTunnelAccept, TypeTunnelReady, TypeTunnelClose, TypeStreamOpen,
		TypeStreamClose, TypeData, TypePing, TypePong, TypeError:
		return true
	default:
		return false
	}
}

// --- Constructors, one per variant, to keep call sites free of field typos. ---

func NewRegister() *Message {
	return &Message{Type: TypeRegister}
}

func NewRegisterOK(agentID string) *Message {
	return &Message{Type: TypeRegisterOK, AgentID: agentID}
}

func NewConnect(targetID, remoteHost string, remotePort uint16) *Message {
	return &Message{Type: TypeConnect, TargetID: targetID, RemoteHost: remoteHost, RemotePort: remotePort}
}

func NewTunnelRequest(sessionID, remoteHost string, remotePort uint16) *Message {
	return &Message{Type: TypeTunnelRequest, SessionID: sessionID, RemoteHost: remoteHost, RemotePort: remotePort}
}

func NewTunnelAccept(sessionID string) *Message {
	return &Message{Type: TypeTunnelAccept, SessionID: sessionID}
}

func NewTunnelReady(sessionID, targetAgentID string) *Message {
	return &Message{Type: TypeTunnelReady, SessionID: sessionID, TargetAgentID: targetAgentID}
}

func NewTunnelClose(sessionID string) *Message {
	return &Message{Type: TypeTunnelClose, SessionID: sessionID}
}

func NewStreamOpen(sessionID, streamID string) *Message {
	return &Message{Type: TypeStreamOpen, SessionID: sessionID, StreamID: streamID}
}

func NewStreamClose(sessionID, streamID string) *Message {
	return &Message{Type: TypeStreamClose, SessionID: sessionID, StreamID: streamID}
}

func NewData(sessionID, streamID string, role Role, payload string) *Message {
	return &Message{Type: TypeData, SessionID: sessionID, StreamID: streamID, Role: role, Payload: payload}
}

func NewPing() *Message {
	return &Message{Type: TypePing}
}

func NewPong() *Message {
	return &Message{Type: TypePong}
}

func NewError(message string) *Message {
	return &Message{Type: TypeError, Message: message}
}
