package ws

import "sync"

// Groups tracks which connections are subscribed to which room. A
// connection may belong to any number of rooms.
type Groups struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // room -> connection ids
	byConn map[string]map[string]struct{} // connection id -> rooms
}

// NewGroups creates an empty Groups.
func NewGroups() *Groups {
	return &Groups{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to roomID. Joining twice is a no-op.
func (g *Groups) Join(connID, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		g.rooms[roomID] = members
	}
	members[connID] = struct{}{}

	rooms, ok := g.byConn[connID]
	if !ok {
		rooms = make(map[string]struct{})
		g.byConn[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// Leave unsubscribes connID from roomID.
func (g *Groups) Leave(connID, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked(connID, roomID)
}

// RemoveConn drops every subscription of connID.
func (g *Groups) RemoveConn(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for roomID := range g.byConn[connID] {
		g.leaveLocked(connID, roomID)
	}
}

func (g *Groups) leaveLocked(connID, roomID string) {
	if members, ok := g.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
	if rooms, ok := g.byConn[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(g.byConn, connID)
		}
	}
}

// Members returns the connection ids subscribed to roomID.
func (g *Groups) Members(roomID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := g.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Rooms returns the number of rooms with at least one subscriber.
func (g *Groups) Rooms() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}
