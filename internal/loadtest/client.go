// Package loadtest provides a WebSocket client and a latency collector for
// driving the chat server under load. The client speaks the room protocol
// with gobwas/ws, the same library the server uses.
package loadtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client is a single simulated user. Incoming frames are dispatched by event
// name to handlers registered with On.
type Client struct {
	conn           net.Conn
	connectLatency time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	handlers  map[string]func(data json.RawMessage)
	received  int
	sent      int

	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// The server writes the session frame right after the handshake, so
		// it may already sit in the handshake buffer.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:           conn,
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		session:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Send writes one {"event","data"} frame. It is goroutine-safe.
func (c *Client) Send(event string, data interface{}) error {
	frame, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data"`
	}{event, data})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

// Join sends chat:join.
func (c *Client) Join(roomID, username string) error {
	return c.Send("chat:join", map[string]string{"roomId": roomID, "username": username})
}

// Say sends chat:message.
func (c *Client) Say(roomID, text string) error {
	return c.Send("chat:message", map[string]string{"roomId": roomID, "text": text})
}

// On registers the handler for event, replacing any previous one. Handlers
// run on the read goroutine and should return quickly.
func (c *Client) On(event string, handler func(data json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until the server has sent the session frame.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the connection id assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ConnectLatency is the time the WebSocket handshake took.
func (c *Client) ConnectLatency() time.Duration {
	return c.connectLatency
}

// Counts returns the number of frames sent and received.
func (c *Client) Counts() (sent, received int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.received
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.received++
		if env.Event == "session" && c.sessionID == "" {
			var s struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(env.Data, &s) == nil && s.ID != "" {
				c.sessionID = s.ID
				close(c.session)
			}
		}
		handler := c.handlers[env.Event]
		c.mu.Unlock()

		if handler != nil {
			handler(env.Data)
		}
	}
}
