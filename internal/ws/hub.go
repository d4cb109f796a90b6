package ws

import (
	"log"

	"github.com/roomchat/chat-server/internal/presence"
	"github.com/roomchat/chat-server/internal/protocol"
)

// Sender writes an encoded frame to one connection. *Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Hub delivers presence events over WebSocket. Room scopes are kept in
// Groups; every payload is encoded once per call and written to each
// recipient in turn. Write failures are logged; the Server evicts a
// connection whose write failed and refuses further frames to it.
type Hub struct {
	sender Sender
	groups *Groups
}

var _ presence.Broadcaster = (*Hub)(nil)

// NewHub creates a Hub writing through sender.
func NewHub(sender Sender, groups *Groups) *Hub {
	return &Hub{sender: sender, groups: groups}
}

// Groups returns the room subscriptions.
func (h *Hub) Groups() *Groups {
	return h.groups
}

func (h *Hub) Subscribe(connID, roomID string) {
	h.groups.Join(connID, roomID)
}

func (h *Hub) Unsubscribe(connID, roomID string) {
	h.groups.Leave(connID, roomID)
}

func (h *Hub) ToConn(connID, event string, payload interface{}) {
	data, ok := encode(event, payload)
	if !ok {
		return
	}
	h.send(connID, event, data)
}

func (h *Hub) ToRoom(roomID, event string, payload interface{}) {
	h.ToRoomExcept(roomID, "", event, payload)
}

func (h *Hub) ToRoomExcept(roomID, exceptConnID, event string, payload interface{}) {
	data, ok := encode(event, payload)
	if !ok {
		return
	}
	for _, connID := range h.groups.Members(roomID) {
		if connID == exceptConnID {
			continue
		}
		h.send(connID, event, data)
	}
}

func (h *Hub) send(connID, event string, data []byte) {
	if err := h.sender.SendMessage(connID, data); err != nil {
		log.Printf("ws: send %s to session=%s failed: %v", event, connID, err)
	}
}

func encode(event string, payload interface{}) ([]byte, bool) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message: %v", event, err)
		return nil, false
	}
	return data, true
}
