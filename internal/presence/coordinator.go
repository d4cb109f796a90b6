// Package presence coordinates room membership. The Coordinator owns the
// join, leave, disconnect, message and typing transitions: it consults the
// connection Registry and the room store, enforces per-room username
// uniqueness, appends system notices and pushes the resulting events to a
// Broadcaster.
package presence

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/roomchat/chat-server/internal/chat"
	"github.com/roomchat/chat-server/internal/metrics"
	"github.com/roomchat/chat-server/internal/protocol"
)

// Reason tells why a connection left a room; it selects the system notice.
type Reason string

const (
	ReasonLeave      Reason = "leave"
	ReasonDisconnect Reason = "disconnect"
)

// RoomStore is the subset of *chat.Store the coordinator relies on.
type RoomStore interface {
	History(roomID string) []chat.Message
	AppendSystemMessage(roomID, text string) chat.SystemMessage
	AppendUserMessage(roomID, username, text string) chat.UserMessage
	AddMember(roomID, connID, username string)
	RemoveMember(roomID, connID string)
	MemberRooms(connID string) map[string]string
	SetTyping(roomID, connID string, isTyping bool) bool
	Snapshot(roomID string) chat.ActiveUsers
	IsUsernameTaken(roomID, username, excludingConnID string) bool
}

// Broadcaster delivers outbound events. Implementations must not block on
// slow clients for long; delivery is fire-and-forget.
type Broadcaster interface {
	Subscribe(connID, roomID string)
	Unsubscribe(connID, roomID string)
	ToConn(connID, event string, payload interface{})
	ToRoom(roomID, event string, payload interface{})
	ToRoomExcept(roomID, exceptConnID, event string, payload interface{})
}

// Feed receives every message appended to a room history.
type Feed interface {
	Publish(msg chat.Message)
}

// Coordinator serializes transitions with one lock per connection and one
// per room. A transition takes its connection lock first and then the locks
// of every room it touches, sorted, so the username check and the member
// insert of a join are atomic and two rooms never wait on each other unless a
// single connection moves between them.
//
// Once Disconnect ran for a connection id, every later transition for it is
// rejected with Disconnected.
type Coordinator struct {
	store    RoomStore
	registry Registry
	out      Broadcaster
	feed     Feed

	connLocks *keyedMutex
	roomLocks *keyedMutex
	gone      *tombstones
}

// NewCoordinator wires a coordinator to its collaborators.
func NewCoordinator(store RoomStore, registry Registry, out Broadcaster) *Coordinator {
	return &Coordinator{
		store:     store,
		registry:  registry,
		out:       out,
		connLocks: newKeyedMutex(),
		roomLocks: newKeyedMutex(),
		gone:      newTombstones(tombstoneTTL),
	}
}

// SetFeed attaches a feed that is handed every appended message. Call it
// before the coordinator starts serving.
func (c *Coordinator) SetFeed(feed Feed) {
	c.feed = feed
}

// Join puts the connection into roomID under username. It fails with
// UsernameTaken when another connection of the room uses the same name. A
// connection sitting in a different room leaves it first.
func (c *Coordinator) Join(ctx context.Context, connID, roomID, username string) error {
	unlockConn := c.connLocks.Lock(connID)
	defer unlockConn()
	if err := c.checkLive(connID, protocol.EventJoin); err != nil {
		return err
	}

	prev := c.registry.Get(ctx, connID)
	switching := prev.RoomID != "" && prev.RoomID != roomID

	rooms := []string{roomID}
	if switching {
		rooms = append(rooms, prev.RoomID)
	}
	unlockRooms := c.roomLocks.Lock(rooms...)
	defer unlockRooms()

	if c.store.IsUsernameTaken(roomID, username, connID) {
		log.Printf("[presence] join rejected session=%s room=%s username=%q: taken", connID, roomID, username)
		metrics.Rejections.WithLabelValues(string(KindUsernameTaken)).Inc()
		return reject(KindUsernameTaken, protocol.EventJoin, "Username already taken in this room")
	}

	if switching {
		c.leaveLocked(connID, prev.RoomID, prev.Username, ReasonLeave)
		if err := c.registry.Set(ctx, connID, Patch{RoomID: String("")}); err != nil {
			return fmt.Errorf("presence: clear room for %s: %w", connID, err)
		}
	}

	if err := c.registry.Set(ctx, connID, Patch{Username: String(username), RoomID: String(roomID)}); err != nil {
		return fmt.Errorf("presence: record identity for %s: %w", connID, err)
	}
	c.out.Subscribe(connID, roomID)

	// The history is copied before the join notice is appended, so the
	// joiner sees the notice once, live.
	c.out.ToConn(connID, protocol.EventHistory, protocol.HistoryMsg{
		RoomID:   roomID,
		Messages: c.store.History(roomID),
	})

	c.store.AddMember(roomID, connID, username)
	c.out.ToRoom(roomID, protocol.EventUsers, c.store.Snapshot(roomID))

	notice := c.store.AppendSystemMessage(roomID, username+" joined the chat")
	c.emit(roomID, "", protocol.EventSystem, notice)

	log.Printf("[presence] join session=%s room=%s username=%q", connID, roomID, username)
	return nil
}

// Leave removes the connection from roomID if that is its current room and
// forgets the room in the registry. The username is kept. Leaving any other
// room is a no-op.
func (c *Coordinator) Leave(ctx context.Context, connID, roomID string) error {
	unlockConn := c.connLocks.Lock(connID)
	defer unlockConn()
	if err := c.checkLive(connID, protocol.EventLeave); err != nil {
		return err
	}

	id := c.registry.Get(ctx, connID)
	if roomID == "" || roomID != id.RoomID {
		return nil
	}

	unlockRoom := c.roomLocks.Lock(roomID)
	defer unlockRoom()

	c.leaveLocked(connID, roomID, id.Username, ReasonLeave)
	if err := c.registry.Set(ctx, connID, Patch{RoomID: String("")}); err != nil {
		return fmt.Errorf("presence: clear room for %s: %w", connID, err)
	}
	return nil
}

// Disconnect runs when the transport loses the connection: the room (if any)
// is told the user disconnected and the registry record is dropped.
//
// Rooms are taken from the registry and from the member entries of the local
// store, so a failed or stale registry lookup cannot leave a member behind.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	unlockConn := c.connLocks.Lock(connID)
	defer unlockConn()
	c.gone.add(connID)

	rooms := c.store.MemberRooms(connID)
	id := c.registry.Get(ctx, connID)
	if _, ok := rooms[id.RoomID]; !ok && id.RoomID != "" {
		rooms[id.RoomID] = id.Username
	}

	if len(rooms) > 0 {
		ids := make([]string, 0, len(rooms))
		for roomID := range rooms {
			ids = append(ids, roomID)
		}
		sort.Strings(ids)

		unlockRooms := c.roomLocks.Lock(ids...)
		for _, roomID := range ids {
			c.leaveLocked(connID, roomID, rooms[roomID], ReasonDisconnect)
		}
		unlockRooms()
	}

	if err := c.registry.Clear(ctx, connID); err != nil {
		return fmt.Errorf("presence: clear %s: %w", connID, err)
	}
	return nil
}

// SendMessage appends text to the room and broadcasts it. roomID may be empty,
// in which case the connection's current room is used.
func (c *Coordinator) SendMessage(ctx context.Context, connID, roomID, text string) error {
	unlockConn := c.connLocks.Lock(connID)
	defer unlockConn()
	if err := c.checkLive(connID, protocol.EventMessage); err != nil {
		return err
	}

	id := c.registry.Get(ctx, connID)
	room := roomID
	if room == "" {
		room = id.RoomID
	}
	if id.Username == "" || room == "" {
		metrics.Rejections.WithLabelValues(string(KindNotInRoom)).Inc()
		return reject(KindNotInRoom, protocol.EventMessage, "User is not in a room")
	}

	unlockRoom := c.roomLocks.Lock(room)
	defer unlockRoom()

	msg := c.store.AppendUserMessage(room, id.Username, text)
	c.emit(room, "", protocol.EventMessage, msg)
	return nil
}

// SetTyping updates the connection's typing flag in roomID and rebroadcasts
// the roster. Every call broadcasts, even when the flag did not change.
func (c *Coordinator) SetTyping(ctx context.Context, connID, roomID string, isTyping bool) error {
	unlockConn := c.connLocks.Lock(connID)
	defer unlockConn()
	if err := c.checkLive(connID, protocol.EventTyping); err != nil {
		return err
	}

	id := c.registry.Get(ctx, connID)
	if roomID == "" || roomID != id.RoomID || id.Username == "" {
		metrics.Rejections.WithLabelValues(string(KindNotInRoom)).Inc()
		return reject(KindNotInRoom, protocol.EventTyping, "User is not in this room")
	}

	unlockRoom := c.roomLocks.Lock(roomID)
	defer unlockRoom()

	if !c.store.SetTyping(roomID, connID, isTyping) {
		metrics.Rejections.WithLabelValues(string(KindNotAMember)).Inc()
		return reject(KindNotAMember, protocol.EventTyping, "User not found in room users map")
	}
	c.out.ToRoom(roomID, protocol.EventUsers, c.store.Snapshot(roomID))
	return nil
}

func (c *Coordinator) checkLive(connID, event string) error {
	if !c.gone.has(connID) {
		return nil
	}
	log.Printf("[presence] %s rejected session=%s: disconnected", event, connID)
	metrics.Rejections.WithLabelValues(string(KindDisconnected)).Inc()
	return reject(KindDisconnected, event, "Connection closed")
}

// leaveLocked announces the departure, drops the member entry, refreshes the
// roster and unsubscribes the connection. The caller holds the room lock. A
// connection without a username has nothing to announce.
func (c *Coordinator) leaveLocked(connID, roomID, username string, reason Reason) {
	if username == "" {
		return
	}

	text := username + " left the chat"
	if reason == ReasonDisconnect {
		text = username + " disconnected"
	}
	notice := c.store.AppendSystemMessage(roomID, text)
	c.emit(roomID, connID, protocol.EventSystem, notice)

	c.store.RemoveMember(roomID, connID)
	c.out.ToRoom(roomID, protocol.EventUsers, c.store.Snapshot(roomID))
	c.out.Unsubscribe(connID, roomID)

	log.Printf("[presence] %s session=%s room=%s username=%q", reason, connID, roomID, username)
}

// emit broadcasts an appended message to the room (skipping exceptConnID when
// set) and hands it to the feed.
func (c *Coordinator) emit(roomID, exceptConnID, event string, msg chat.Message) {
	metrics.MessagesTotal.WithLabelValues(string(msg.Kind())).Inc()
	if exceptConnID != "" {
		c.out.ToRoomExcept(roomID, exceptConnID, event, msg)
	} else {
		c.out.ToRoom(roomID, event, msg)
	}
	if c.feed != nil {
		c.feed.Publish(msg)
	}
}
