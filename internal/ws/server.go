// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, room broadcast
// groups, and dispatching incoming events to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/roomchat/chat-server/internal/metrics"
	"github.com/roomchat/chat-server/internal/protocol"
	"github.com/roomchat/chat-server/internal/ratelimit"
)

// ErrConnFailed is returned by SendMessage for a connection whose earlier
// write failed and that is being evicted.
var ErrConnFailed = errors.New("ws: connection failed")

// maxFrameSize caps a single inbound data frame. A chat message is at most
// 4KB of text, so anything far larger is abuse.
const maxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AllowedOrigins []string      // empty allows any Origin
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                        // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(ctx context.Context, connID string)
	onDisconnect func(connID string) // called when a connection is removed
	connLimiter  RateLimiter
	connRule     ratelimit.Rule
	stats        metrics.RoomStats
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetOnConnect registers a callback invoked after a connection is accepted
// and before its first frame is read.
func (s *Server) SetOnConnect(fn func(ctx context.Context, connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or shutdown). It runs exactly once
// per connection.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetConnectLimiter throttles upgrades per client IP.
func (s *Server) SetConnectLimiter(limiter RateLimiter, rule ratelimit.Rule) {
	s.connLimiter = limiter
	s.connRule = rule
}

// SetRoomStats adds room occupancy to the health report.
func (s *Server) SetRoomStats(stats metrics.RoomStats) {
	s.stats = stats
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the epoll instance, starts the epoll event loop and the
// heartbeat in background goroutines, and blocks serving HTTP on l.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		l.Close()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler: s.routes(),
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it registers the connection with
// the connection manager and epoll, then tells the client its id.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if origin := r.Header.Get("Origin"); !s.originAllowed(origin) {
		log.Printf("ws: rejected origin %q from %s", origin, r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ip := clientIP(r)
	if s.connLimiter != nil {
		if ok, _ := s.connLimiter.Allow(r.Context(), ip, s.connRule); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	conn, err := s.epoll.Add(raw)
	if err != nil {
		log.Printf("ws: epoll add failed: %v", err)
		raw.Close()
		return
	}

	c := newConnection(uuid.New().String(), conn, ip)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		s.onConnect(ctx, c.ID)
		cancel()
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.EventSession, protocol.SessionMsg{ID: c.ID})
	if err != nil {
		log.Printf("ws: failed to build session for session %s: %v", c.ID, err)
	} else if err := s.SendMessage(c.ID, sessionMsg); err != nil {
		log.Printf("ws: failed to send session for session %s: %v", c.ID, err)
	}

	log.Printf("ws: new connection session=%s ip=%s (total=%d)", c.ID, ip, s.conns.Count())
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count, room occupancy and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Members     int    `json:"members"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.stats != nil {
		resp.Rooms, resp.Members = s.stats.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection.
// Control frames are answered inline; data frames go to onMessage. Any read
// failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	if header.Length > maxFrameSize {
		log.Printf("ws: frame of %d bytes from session=%s exceeds limit", header.Length, c.ID)
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return
	case ws.OpPing:
		c.writeMu.Lock()
		err := ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
		c.writeMu.Unlock()
		if err != nil {
			s.RemoveConnection(c)
		}
		return
	case ws.OpPong:
		return
	case ws.OpContinuation:
		log.Printf("ws: dropping fragmented frame from session=%s", c.ID)
		return
	}

	if !header.Fin {
		log.Printf("ws: dropping fragmented frame from session=%s", c.ID)
		return
	}

	if len(payload) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, payload)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and runs the
// disconnect callback. Concurrent calls for the same connection run the
// callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
//
// A failed or timed out write marks the connection as failed and evicts it
// in the background, so room broadcasts pay the write timeout at most once
// for a client that stopped reading.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Failed() {
		return fmt.Errorf("ws: connection %s: %w", connID, ErrConnFailed)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data); err != nil {
		s.evict(c, err)
		return err
	}
	return nil
}

// evict removes c after a write error. RemoveConnection runs the disconnect
// transition, which takes room locks the caller of SendMessage may hold, so
// it runs on its own goroutine.
func (s *Server) evict(c *Connection, err error) {
	if !c.markFailed() {
		return
	}
	log.Printf("ws: evicting session=%s after write error: %v", c.ID, err)
	go s.RemoveConnection(c)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit and
// removes every connection through RemoveConnection, so each one is
// announced to its room as disconnected before the socket closes.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
