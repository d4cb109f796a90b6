// Package protocol defines the WebSocket events exchanged between the chat
// client and server. Every frame is a JSON object {"event": ..., "data": ...};
// the event name selects the concrete payload struct.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roomchat/chat-server/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventJoin    = "chat:join"
	EventLeave   = "chat:leave"
	EventMessage = "chat:message"
	EventTyping  = "chat:typing"
	EventPing    = "ping"
)

// Server -> Client events. chat:message is shared with the inbound name.
const (
	EventHistory = "chat:history"
	EventSystem  = "chat:system"
	EventUsers   = "chat:users"
	EventError   = "chat:error"
	EventSession = "session"
	EventPong    = "pong"
)

// ErrorType is the "type" field of every chat:error payload.
const ErrorType = "ws_error"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame. Data is decoded later into the payload struct
// registered for Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg asks to enter a room under a username.
type JoinMsg struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

// LeaveMsg asks to leave the named room.
type LeaveMsg struct {
	RoomID string `json:"roomId"`
}

// ChatMsg is a text message for a room.
type ChatMsg struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// TypingMsg toggles the sender's typing flag. IsTyping is a pointer so a
// missing field can be told apart from false.
type TypingMsg struct {
	RoomID   string `json:"roomId"`
	IsTyping *bool  `json:"isTyping"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// HistoryMsg carries the room log to a connection that just joined.
type HistoryMsg struct {
	RoomID   string         `json:"roomId"`
	Messages []chat.Message `json:"messages"`
}

// ErrorMsg reports a rejected event to the connection that sent it.
type ErrorMsg struct {
	Type    string   `json:"type"`
	Event   string   `json:"event"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// SessionMsg tells a freshly connected client its connection id.
type SessionMsg struct {
	ID string `json:"id"`
}

// PongMsg answers a ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ErrMalformed is returned when a frame is not a JSON envelope with an event
// name.
var ErrMalformed = errors.New("protocol: malformed frame")

// ParseClientMessage decodes a raw frame into its event name and validated
// payload struct. Payload problems (unknown fields, wrong types, failed field
// rules) are returned as *ValidationError together with the event name.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("%w: missing or empty \"event\" field", ErrMalformed)
	}

	var (
		msg  interface{}
		errs []string
	)

	switch env.Event {
	case EventJoin:
		var m JoinMsg
		if errs = decodeStrict(env.Data, &m); errs == nil {
			errs = m.Validate()
		}
		msg = m
	case EventLeave:
		var m LeaveMsg
		if errs = decodeStrict(env.Data, &m); errs == nil {
			errs = m.Validate()
		}
		msg = m
	case EventMessage:
		var m ChatMsg
		if errs = decodeStrict(env.Data, &m); errs == nil {
			errs = m.Validate()
		}
		msg = m
	case EventTyping:
		var m TypingMsg
		if errs = decodeStrict(env.Data, &m); errs == nil {
			errs = m.Validate()
		}
		msg = m
	case EventPing:
		msg = PingMsg{}
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if len(errs) > 0 {
		return env.Event, nil, &ValidationError{Event: env.Event, Message: MessageValidationFailed, Errors: errs}
	}
	return env.Event, msg, nil
}

// NewServerMessage encodes an outbound frame.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	out, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data"`
	}{event, payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q: %w", event, err)
	}
	return out, nil
}

// decodeStrict decodes raw into v, rejecting unknown properties. A missing or
// null payload decodes as an empty object so field rules report what is
// absent.
func decodeStrict(raw json.RawMessage, v interface{}) []string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return []string{describeDecodeError(err)}
	}
	return nil
}
