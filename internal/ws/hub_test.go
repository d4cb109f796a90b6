package ws

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/roomchat/chat-server/internal/protocol"
)

type frame struct {
	connID string
	data   []byte
}

type fakeSender struct {
	mu     sync.Mutex
	frames []frame
	fail   map[string]bool
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[connID] {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, frame{connID, data})
	return nil
}

func (s *fakeSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, f := range s.frames {
		ids = append(ids, f.connID)
	}
	sort.Strings(ids)
	return ids
}

func (s *fakeSender) last(t *testing.T) (string, map[string]interface{}) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frames sent")
	}
	var env struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(s.frames[len(s.frames)-1].data, &env); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	return env.Event, env.Data
}

func TestHub_ToRoom(t *testing.T) {
	sender := &fakeSender{}
	hub := NewHub(sender, NewGroups())
	hub.Subscribe("c1", "g")
	hub.Subscribe("c2", "g")
	hub.Subscribe("c3", "other")

	hub.ToRoom("g", protocol.EventSystem, map[string]string{"text": "hi"})

	if got := sender.recipients(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("unexpected recipients: %v", got)
	}
	event, data := sender.last(t)
	if event != protocol.EventSystem || data["text"] != "hi" {
		t.Errorf("unexpected frame: %s %v", event, data)
	}
}

func TestHub_ToRoomExcept(t *testing.T) {
	sender := &fakeSender{}
	hub := NewHub(sender, NewGroups())
	hub.Subscribe("c1", "g")
	hub.Subscribe("c2", "g")

	hub.ToRoomExcept("g", "c1", protocol.EventSystem, map[string]string{"text": "c1 left the chat"})

	if got := sender.recipients(); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected only c2, got %v", got)
	}
}

func TestHub_ToConnAndUnsubscribe(t *testing.T) {
	sender := &fakeSender{}
	hub := NewHub(sender, NewGroups())
	hub.Subscribe("c1", "g")
	hub.Unsubscribe("c1", "g")

	hub.ToRoom("g", protocol.EventUsers, struct{}{})
	if got := sender.recipients(); len(got) != 0 {
		t.Fatalf("unsubscribed connection received %v", got)
	}

	hub.ToConn("c1", protocol.EventHistory, protocol.HistoryMsg{RoomID: "g"})
	if got := sender.recipients(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected direct frame to c1, got %v", got)
	}
}

func TestHub_SendFailureDoesNotStopRoom(t *testing.T) {
	sender := &fakeSender{fail: map[string]bool{"c1": true}}
	hub := NewHub(sender, NewGroups())
	hub.Subscribe("c1", "g")
	hub.Subscribe("c2", "g")

	hub.ToRoom("g", protocol.EventSystem, map[string]string{"text": "x"})

	if got := sender.recipients(); len(got) != 1 || got[0] != "c2" {
		t.Errorf("expected delivery to c2 despite c1 failing, got %v", got)
	}
}
