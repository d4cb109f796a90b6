package presence

import "fmt"

// Kind classifies a rejected transition.
type Kind string

const (
	KindUsernameTaken Kind = "UsernameTaken"
	KindNotInRoom     Kind = "NotInRoom"
	KindNotAMember    Kind = "NotAMember"
	KindDisconnected  Kind = "Disconnected"
)

// Error is a recoverable rejection reported to the connection that caused
// it. Room state is never modified when one is returned.
type Error struct {
	Kind    Kind
	Event   string // inbound event that was rejected, e.g. "chat:join"
	Message string // human readable, sent to the client as-is
}

func (e *Error) Error() string {
	return fmt.Sprintf("presence: %s on %s: %s", e.Kind, e.Event, e.Message)
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of event and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUsernameTaken = &Error{Kind: KindUsernameTaken}
	ErrNotInRoom     = &Error{Kind: KindNotInRoom}
	ErrNotAMember    = &Error{Kind: KindNotAMember}
	ErrDisconnected  = &Error{Kind: KindDisconnected}
)

func reject(kind Kind, event, message string) *Error {
	return &Error{Kind: kind, Event: event, Message: message}
}
