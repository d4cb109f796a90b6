package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // connection id (UUID), also the presence key
	Conn       net.Conn  // connection handed out by Epoll.Add
	RemoteIP   string    // client address without port
	CreatedAt  time.Time // when the connection was established
	lastActive int64     // unix nanos of the last frame read, atomic
	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn
	failed     int32 // atomic flag: set once a write failed, further writes are refused
}

func newConnection(id string, conn net.Conn, remoteIP string) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		RemoteIP:  remoteIP,
		CreatedAt: now,
	}
	c.Touch(now)
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch(t time.Time) {
	atomic.StoreInt64(&c.lastActive, t.UnixNano())
}

// LastActive returns the time of the last frame read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// markFailed flags the connection as unwritable. It reports true only for
// the first caller.
func (c *Connection) markFailed() bool {
	return atomic.CompareAndSwapInt32(&c.failed, 0, 1)
}

// Failed reports whether a write to the connection has failed.
func (c *Connection) Failed() bool {
	return atomic.LoadInt32(&c.failed) == 1
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection ids and
// network connections to their Connection objects. Lookups by net.Conn serve
// the event loop, which only knows which socket became readable.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // socket -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
