//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on macOS and Windows during development. Each
// connection gets a monitor goroutine that peeks for readable data without
// consuming it, reports the connection once, and waits for Resume before
// peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
}

// peekConn reads through a buffer so the monitor can peek without losing
// frame bytes.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the buffered wrapper the server
// must read from.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[pc] = resume
	e.mu.Unlock()

	go e.monitor(pc, resume)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn, resume chan struct{}) {
	for {
		// Peek blocks until data is available or the connection errors.
		// Either way the server's read path decides what happened.
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.conns[conn]; ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}
