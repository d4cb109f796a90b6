package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/roomchat/chat-server/internal/metrics"
	"github.com/roomchat/chat-server/internal/presence"
	"github.com/roomchat/chat-server/internal/protocol"
	"github.com/roomchat/chat-server/internal/ratelimit"
)

// Client-facing messages for failures that are not raised by the core.
const (
	MessageInvalidFormat    = "Invalid message format"
	MessageUnsupportedEvent = "Unsupported event"
	MessageRateLimited      = "Too many requests, slow down"
	MessageInternal         = "Internal server error"
)

// Event outcomes recorded in metrics.EventsTotal.
const (
	OutcomeOK          = "ok"
	OutcomeRejected    = "rejected"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeBlocked     = "blocked"
	OutcomeError       = "error"
)

// handlerTimeout bounds the Redis round trips a single event may cause.
const handlerTimeout = 5 * time.Second

// MessageHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage (e.g. protocol.JoinMsg). A returned
// error is reported to the sender as a chat:error event.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// ClientError is a handler rejection carrying the exact text shown to the
// client.
type ClientError struct {
	Event   string
	Message string
	Outcome string // metrics outcome, OutcomeRejected when empty
}

func (e *ClientError) Error() string {
	return "ws: " + e.Event + ": " + e.Message
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the event name. It answers ping itself, applies per-event rate
// limits and turns every failure into a chat:error for the offending
// connection.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	limits   map[string]ratelimit.Rule
	limiter  RateLimiter
	sender   Sender
}

// NewMessageDispatcher creates a MessageDispatcher replying through sender.
// sender may be nil and set later with SetSender, since NewServer requires
// the Dispatch callback.
func NewMessageDispatcher(sender Sender) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		limits:   make(map[string]ratelimit.Rule),
		sender:   sender,
	}
}

// SetSender assigns the reply path.
func (d *MessageDispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// Register associates a MessageHandler with an event. If a handler was
// already registered for the event, it is silently replaced.
func (d *MessageDispatcher) Register(event string, handler MessageHandler) {
	d.handlers[event] = handler
}

// Limit throttles event per connection with rule.
func (d *MessageDispatcher) Limit(limiter RateLimiter, event string, rule ratelimit.Rule) {
	d.limiter = limiter
	d.limits[event] = rule
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.fail(conn, event, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if rule, ok := d.limits[event]; ok && d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, conn.ID, rule)
		if err != nil {
			// The limiter fails open; the event is still handled.
			log.Printf("ws: rate limit check failed event=%s session=%s: %v", event, conn.ID, err)
		}
		if !allowed {
			log.Printf("ws: rate limited event=%s session=%s", event, conn.ID)
			d.fail(conn, event, &ClientError{Event: event, Message: MessageRateLimited, Outcome: OutcomeRateLimited})
			return
		}
	}

	handler, ok := d.handlers[event]

	// Built-in ping handler. A registered handler only observes the ping.
	if event == protocol.EventPing {
		conn.Touch(time.Now())
		if ok {
			if err := handler(ctx, conn, msg); err != nil {
				log.Printf("ws: ping hook session=%s: %v", conn.ID, err)
			}
		}
		d.reply(conn.ID, protocol.EventPong, protocol.PongMsg{})
		metrics.EventsTotal.WithLabelValues(event, OutcomeOK).Inc()
		return
	}

	if !ok {
		log.Printf("ws: unsupported event=%q session=%s", event, conn.ID)
		d.fail(conn, event, &ClientError{Event: event, Message: MessageUnsupportedEvent, Outcome: OutcomeInvalid})
		return
	}

	if err := handler(ctx, conn, msg); err != nil {
		d.fail(conn, event, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(event, OutcomeOK).Inc()
}

// ErrorReply maps a failure while handling event to the chat:error payload
// and the metrics outcome.
func ErrorReply(event string, err error) (protocol.ErrorMsg, string) {
	reply := protocol.ErrorMsg{Type: protocol.ErrorType, Event: event}

	var (
		perr *presence.Error
		verr *protocol.ValidationError
		cerr *ClientError
	)
	switch {
	case errors.As(err, &perr):
		reply.Event = perr.Event
		reply.Message = perr.Message
		return reply, OutcomeRejected
	case errors.As(err, &verr):
		reply.Event = verr.Event
		reply.Message = verr.Message
		reply.Errors = verr.Errors
		return reply, OutcomeInvalid
	case errors.As(err, &cerr):
		reply.Event = cerr.Event
		reply.Message = cerr.Message
		if cerr.Outcome == "" {
			return reply, OutcomeRejected
		}
		return reply, cerr.Outcome
	case errors.Is(err, protocol.ErrMalformed):
		reply.Event = "unknown"
		reply.Message = MessageInvalidFormat
		return reply, OutcomeInvalid
	case event != "" && !isKnownEvent(event):
		reply.Message = MessageUnsupportedEvent
		return reply, OutcomeInvalid
	}
	reply.Message = MessageInternal
	return reply, OutcomeError
}

func isKnownEvent(event string) bool {
	switch event {
	case protocol.EventJoin, protocol.EventLeave, protocol.EventMessage, protocol.EventTyping, protocol.EventPing:
		return true
	}
	return false
}

// fail reports err to the connection that caused it.
func (d *MessageDispatcher) fail(conn *Connection, event string, err error) {
	reply, outcome := ErrorReply(event, err)
	if outcome == OutcomeError {
		log.Printf("ws: handler error event=%s session=%s: %v", event, conn.ID, err)
	}

	label := reply.Event
	if !isKnownEvent(label) {
		label = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(label, outcome).Inc()

	d.reply(conn.ID, protocol.EventError, reply)
}

func (d *MessageDispatcher) reply(connID, event string, payload interface{}) {
	data, ok := encode(event, payload)
	if !ok {
		return
	}
	if d.sender == nil {
		log.Printf("ws: no sender for %s session=%s", event, connID)
		return
	}
	if err := d.sender.SendMessage(connID, data); err != nil {
		log.Printf("ws: failed to send %s session=%s: %v", event, connID, err)
	}
}
