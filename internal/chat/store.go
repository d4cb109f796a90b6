package chat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// RoomUser is one connection's presence in a room.
type RoomUser struct {
	ID       string `json:"id"` // connection id
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`

	seq uint64 // join order, used to keep snapshots stable
}

// ActiveUsers is the roster of a room at one point in time.
type ActiveUsers struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}

// Store keeps message history and presence for every room in memory.
// Rooms are created lazily and never deleted; an empty member set is dropped
// but the history stays.
//
// Store serializes its own map access. Callers that need several operations
// to be atomic together (the username check followed by AddMember) must hold
// their own per-room lock around them.
type Store struct {
	mu           sync.RWMutex
	histories    map[string]*history             // roomID -> history
	members      map[string]map[string]*RoomUser // roomID -> connID -> user
	historyLimit int
	seq          uint64
	now          func() time.Time
}

// NewStore creates an empty store. historyLimit caps each room's history;
// zero or less keeps it unbounded.
func NewStore(historyLimit int) *Store {
	if historyLimit < 0 {
		historyLimit = 0
	}
	return &Store{
		histories:    make(map[string]*history),
		members:      make(map[string]map[string]*RoomUser),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// historyLocked returns the room's history, creating it on first access.
// s.mu must be held for writing.
func (s *Store) historyLocked(roomID string) *history {
	h, ok := s.histories[roomID]
	if !ok {
		h = newHistory(s.historyLimit)
		s.histories[roomID] = h
	}
	return h
}

// History returns a copy of the room's messages in arrival order. The room is
// created if it did not exist yet.
func (s *Store) History(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(roomID).snapshot()
}

// AppendSystemMessage stamps and stores a system notice.
func (s *Store) AppendSystemMessage(roomID, text string) SystemMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := SystemMessage{
		Text:      text,
		Timestamp: formatTimestamp(s.now()),
		RoomID:    roomID,
	}
	s.historyLocked(roomID).add(msg)
	return msg
}

// AppendUserMessage stamps and stores a user message. Surrounding whitespace
// is trimmed from text; no other validation happens here.
func (s *Store) AppendUserMessage(roomID, username, text string) UserMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := UserMessage{
		Username:  username,
		Text:      strings.TrimSpace(text),
		Timestamp: formatTimestamp(s.now()),
		RoomID:    roomID,
	}
	s.historyLocked(roomID).add(msg)
	return msg
}

// AddMember inserts or overwrites the connection's entry with isTyping=false.
func (s *Store) AddMember(roomID, connID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[roomID]
	if !ok {
		m = make(map[string]*RoomUser)
		s.members[roomID] = m
	}
	s.seq++
	m[connID] = &RoomUser{ID: connID, Username: username, seq: s.seq}
}

// RemoveMember deletes the connection's entry. The member set of the room is
// discarded once empty.
func (s *Store) RemoveMember(roomID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[roomID]
	if !ok {
		return
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(s.members, roomID)
	}
}

// Member returns a copy of the connection's entry in the room.
func (s *Store) Member(roomID, connID string) (RoomUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.members[roomID][connID]
	if !ok {
		return RoomUser{}, false
	}
	return *u, true
}

// MemberRooms returns, for every room holding an entry for the connection,
// the username recorded there. The map is never nil.
func (s *Store) MemberRooms(connID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make(map[string]string)
	for roomID, m := range s.members {
		if u, ok := m[connID]; ok {
			rooms[roomID] = u.Username
		}
	}
	return rooms
}

// SetTyping updates the typing flag. It reports false if the connection has
// no entry in the room.
func (s *Store) SetTyping(roomID, connID string, isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.members[roomID][connID]
	if !ok {
		return false
	}
	u.IsTyping = isTyping
	return true
}

// Snapshot materializes the room's current members, ordered by join time.
func (s *Store) Snapshot(roomID string) ActiveUsers {
	s.mu.RLock()
	m := s.members[roomID]
	users := make([]RoomUser, 0, len(m))
	for _, u := range m {
		users = append(users, *u)
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].seq < users[j].seq })
	return ActiveUsers{RoomID: roomID, Users: users}
}

// IsUsernameTaken reports whether another connection in the room already uses
// username. Comparison ignores case and surrounding whitespace; the entry of
// excludingConnID is skipped so a connection never conflicts with itself.
func (s *Store) IsUsernameTaken(roomID, username, excludingConnID string) bool {
	target := normalizeUsername(username)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, u := range s.members[roomID] {
		if id == excludingConnID {
			continue
		}
		if normalizeUsername(u.Username) == target {
			return true
		}
	}
	return false
}

// Stats reports how many rooms are held in memory (every room that has been
// touched, occupied or not, since history outlives members) and how many
// members are present across all rooms.
func (s *Store) Stats() (rooms, members int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members {
		members += len(m)
	}
	return len(s.histories), members
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
