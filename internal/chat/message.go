// Package chat is the room store: per-room message history, the set of
// present users with their typing flags, and the username gate that keeps
// names unique within a room.
package chat

import (
	"encoding/json"
	"time"
)

// Kind discriminates the two message shapes on the wire.
type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "message"
)

// TimestampLayout is RFC 3339 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is either a SystemMessage or a UserMessage. The unexported method
// keeps the set closed to this package.
type Message interface {
	Kind() Kind
	Room() string
	isMessage()
}

// SystemMessage announces joins, leaves and disconnects. It has no author.
type SystemMessage struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	RoomID    string `json:"roomId"`
}

// UserMessage is text written by a room member.
type UserMessage struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	RoomID    string `json:"roomId"`
}

func (SystemMessage) Kind() Kind { return KindSystem }
func (UserMessage) Kind() Kind   { return KindUser }

func (m SystemMessage) Room() string { return m.RoomID }
func (m UserMessage) Room() string   { return m.RoomID }

func (SystemMessage) isMessage() {}
func (UserMessage) isMessage()   {}

// MarshalJSON adds the "type" tag so clients can tell the shapes apart.
func (m SystemMessage) MarshalJSON() ([]byte, error) {
	type fields SystemMessage
	return json.Marshal(struct {
		Type Kind `json:"type"`
		fields
	}{KindSystem, fields(m)})
}

// MarshalJSON adds the "type" tag so clients can tell the shapes apart.
func (m UserMessage) MarshalJSON() ([]byte, error) {
	type fields UserMessage
	return json.Marshal(struct {
		Type Kind `json:"type"`
		fields
	}{KindUser, fields(m)})
}

// Author returns the username of a user message and "" for system notices.
func Author(m Message) string {
	switch v := m.(type) {
	case UserMessage:
		return v.Username
	case SystemMessage:
		return ""
	default:
		panic("chat: unknown message type")
	}
}

// Text returns the body of either message shape.
func Text(m Message) string {
	switch v := m.(type) {
	case UserMessage:
		return v.Text
	case SystemMessage:
		return v.Text
	default:
		panic("chat: unknown message type")
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
