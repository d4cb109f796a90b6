// Package messaging provides a NATS client wrapper for publishing room
// activity to other services. Every message appended to a room history is
// published on a per-room subject so that audit, search or archival
// consumers can follow the chat without touching the WebSocket servers.
package messaging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roomchat/chat-server/internal/chat"
)

// NATS subject patterns for room activity.
const (
	SubjectRoom    = "room"   // + .<encoded room id>
	SubjectAllRoom = "room.*" // every room
	SubjectFlagged = "moderation.flagged"
)

// RoomSubject returns the subject for roomID. Room ids are free-form, so they
// are base64url encoded to stay a single valid subject token.
func RoomSubject(roomID string) string {
	return SubjectRoom + "." + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// RoomEvent is the JSON body published for every appended room message.
type RoomEvent struct {
	RoomID  string          `json:"roomId"`
	Server  string          `json:"server"`
	Kind    chat.Kind       `json:"kind"`
	Message json.RawMessage `json:"message"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	server string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "roomchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		server: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeRooms delivers every decoded RoomEvent to handler. Undecodable
// payloads are logged and skipped.
func (c *NATSClient) SubscribeRooms(handler func(ev RoomEvent)) error {
	return c.Subscribe(SubjectAllRoom, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad room event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// UnsubscribeRooms stops the SubscribeRooms subscription.
func (c *NATSClient) UnsubscribeRooms() error {
	return c.unsubscribe(SubjectAllRoom)
}

// RoomFeed publishes appended room messages.
type RoomFeed struct {
	client *NATSClient
}

// NewRoomFeed returns a feed publishing through client.
func NewRoomFeed(client *NATSClient) *RoomFeed {
	return &RoomFeed{client: client}
}

// Publish implements presence.Feed. Failures are logged; the chat keeps
// working while NATS is unreachable.
func (f *RoomFeed) Publish(msg chat.Message) {
	data, err := encodeRoomEvent(f.client.server, msg)
	if err != nil {
		log.Printf("[nats] encode room event: %v", err)
		return
	}
	if err := f.client.Publish(RoomSubject(msg.Room()), data); err != nil {
		log.Printf("[nats] publish room=%s: %v", msg.Room(), err)
	}
}

func encodeRoomEvent(server string, msg chat.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RoomEvent{
		RoomID:  msg.Room(),
		Server:  server,
		Kind:    msg.Kind(),
		Message: body,
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
