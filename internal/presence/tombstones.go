package presence

import (
	"sync"
	"time"
)

// tombstoneTTL is how long a disconnected connection id is remembered. It
// only has to outlast handlers that were dispatched before the disconnect
// and are still waiting for the connection lock.
const tombstoneTTL = time.Minute

// tombstones remembers ids for at least ttl and at most twice that. Two
// generations are rotated instead of expiring entries one by one.
type tombstones struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	rotated time.Time
	cur     map[string]struct{}
	prev    map[string]struct{}
}

func newTombstones(ttl time.Duration) *tombstones {
	return &tombstones{
		ttl:     ttl,
		now:     time.Now,
		rotated: time.Now(),
		cur:     make(map[string]struct{}),
		prev:    make(map[string]struct{}),
	}
}

func (t *tombstones) add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateLocked()
	t.cur[id] = struct{}{}
}

func (t *tombstones) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateLocked()
	if _, ok := t.cur[id]; ok {
		return true
	}
	_, ok := t.prev[id]
	return ok
}

func (t *tombstones) rotateLocked() {
	now := t.now()
	age := now.Sub(t.rotated)
	if age < t.ttl {
		return
	}
	if age >= 2*t.ttl {
		t.prev = make(map[string]struct{})
	} else {
		t.prev = t.cur
	}
	t.cur = make(map[string]struct{})
	t.rotated = now
}

func (t *tombstones) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cur) + len(t.prev)
}
