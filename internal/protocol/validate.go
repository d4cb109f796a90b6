package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

// Field limits enforced before a payload reaches the presence coordinator.
const (
	MaxUsernameChars = 32
	MaxRoomIDChars   = 64
	MaxTextBytes     = 4096 // 4KB max frame payload for a message
	MaxTextChars     = 2000
)

// MessageValidationFailed is the client-facing message for payloads that fail
// field rules.
const MessageValidationFailed = "Validation failed"

// ValidationError rejects an inbound event before it reaches the core.
type ValidationError struct {
	Event   string
	Message string
	Errors  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: %s on %s: %s", e.Message, e.Event, strings.Join(e.Errors, "; "))
}

// Validate checks the join payload.
func (m JoinMsg) Validate() []string {
	var errs []string
	errs = appendString(errs, "username", m.Username, MaxUsernameChars)
	errs = appendString(errs, "roomId", m.RoomID, MaxRoomIDChars)
	return errs
}

// Validate checks the leave payload.
func (m LeaveMsg) Validate() []string {
	return appendString(nil, "roomId", m.RoomID, MaxRoomIDChars)
}

// Validate checks the message payload.
func (m ChatMsg) Validate() []string {
	errs := appendString(nil, "roomId", m.RoomID, MaxRoomIDChars)
	switch {
	case strings.TrimSpace(m.Text) == "":
		errs = append(errs, "text should not be empty")
	case len(m.Text) > MaxTextBytes:
		errs = append(errs, fmt.Sprintf("text exceeds %d byte limit", MaxTextBytes))
	case !utf8.ValidString(m.Text):
		errs = append(errs, "text contains invalid UTF-8")
	case utf8.RuneCountInString(m.Text) > MaxTextChars:
		errs = append(errs, fmt.Sprintf("text exceeds %d character limit", MaxTextChars))
	}
	return errs
}

// Validate checks the typing payload.
func (m TypingMsg) Validate() []string {
	errs := appendString(nil, "roomId", m.RoomID, MaxRoomIDChars)
	if m.IsTyping == nil {
		errs = append(errs, "isTyping must be a boolean value")
	}
	return errs
}

func appendString(errs []string, field, value string, maxChars int) []string {
	switch {
	case strings.TrimSpace(value) == "":
		return append(errs, field+" should not be empty")
	case !utf8.ValidString(value):
		return append(errs, field+" contains invalid UTF-8")
	case utf8.RuneCountInString(value) > maxChars:
		return append(errs, fmt.Sprintf("%s must be shorter than or equal to %d characters", field, maxChars))
	}
	return errs
}

// describeDecodeError turns a json decoding failure into a field message.
func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		kind := typeErr.Type.Kind()
		if kind == reflect.Ptr {
			kind = typeErr.Type.Elem().Kind()
		}
		switch kind {
		case reflect.String:
			return typeErr.Field + " must be a string"
		case reflect.Bool:
			return typeErr.Field + " must be a boolean value"
		case reflect.Struct:
			return "payload must be an object"
		}
		return typeErr.Field + " has the wrong type"
	}

	if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
		name := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return "property " + name + " should not exist"
	}
	return "payload is not valid JSON"
}
