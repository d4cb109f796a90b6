package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/roomchat/chat-server/internal/chat"
	"github.com/roomchat/chat-server/internal/protocol"
)

// sent is one call recorded by recordingBroadcaster.
type sent struct {
	op      string // "conn", "room", "except", "sub", "unsub"
	target  string // connection id or room id
	except  string
	event   string
	payload interface{}
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []sent
}

func (b *recordingBroadcaster) record(s sent) {
	b.mu.Lock()
	b.calls = append(b.calls, s)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) Subscribe(connID, roomID string) {
	b.record(sent{op: "sub", target: roomID, except: connID})
}

func (b *recordingBroadcaster) Unsubscribe(connID, roomID string) {
	b.record(sent{op: "unsub", target: roomID, except: connID})
}

func (b *recordingBroadcaster) ToConn(connID, event string, payload interface{}) {
	b.record(sent{op: "conn", target: connID, event: event, payload: payload})
}

func (b *recordingBroadcaster) ToRoom(roomID, event string, payload interface{}) {
	b.record(sent{op: "room", target: roomID, event: event, payload: payload})
}

func (b *recordingBroadcaster) ToRoomExcept(roomID, exceptConnID, event string, payload interface{}) {
	b.record(sent{op: "except", target: roomID, except: exceptConnID, event: event, payload: payload})
}

func (b *recordingBroadcaster) snapshot() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sent, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

type recordingFeed struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (f *recordingFeed) Publish(msg chat.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

type fixture struct {
	store    *chat.Store
	registry *MemoryRegistry
	out      *recordingBroadcaster
	coord    *Coordinator
}

func newFixture() *fixture {
	f := &fixture{
		store:    chat.NewStore(0),
		registry: NewMemoryRegistry(),
		out:      &recordingBroadcaster{},
	}
	f.coord = NewCoordinator(f.store, f.registry, f.out)
	return f
}

func (f *fixture) join(t *testing.T, connID, roomID, username string) {
	t.Helper()
	if err := f.coord.Join(context.Background(), connID, roomID, username); err != nil {
		t.Fatalf("Join(%s, %s, %s): %v", connID, roomID, username, err)
	}
}

func systemTexts(msgs []chat.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Kind() == chat.KindSystem {
			out = append(out, chat.Text(m))
		}
	}
	return out
}

func TestJoin_DeliversHistoryBeforeNotice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "alice")
	if err := f.coord.SendMessage(ctx, "c1", "g", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	f.out.reset()

	f.join(t, "c2", "g", "bob")

	calls := f.out.snapshot()
	if len(calls) != 4 {
		t.Fatalf("expected 4 broadcaster calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].op != "sub" || calls[0].except != "c2" || calls[0].target != "g" {
		t.Errorf("call 0: expected subscribe c2 to g, got %+v", calls[0])
	}
	if calls[1].op != "conn" || calls[1].event != protocol.EventHistory {
		t.Fatalf("call 1: expected history to joiner, got %+v", calls[1])
	}
	hist := calls[1].payload.(protocol.HistoryMsg)
	if hist.RoomID != "g" || len(hist.Messages) != 2 {
		t.Fatalf("expected 2 history messages for g, got %+v", hist)
	}
	for _, m := range hist.Messages {
		if strings.Contains(chat.Text(m), "bob joined") {
			t.Errorf("history must not contain the joiner's own notice: %q", chat.Text(m))
		}
	}
	if calls[2].op != "room" || calls[2].event != protocol.EventUsers {
		t.Errorf("call 2: expected roster to room, got %+v", calls[2])
	}
	users := calls[2].payload.(chat.ActiveUsers)
	if len(users.Users) != 2 {
		t.Errorf("expected 2 users in roster, got %d", len(users.Users))
	}
	if calls[3].op != "room" || calls[3].event != protocol.EventSystem {
		t.Fatalf("call 3: expected system notice to room, got %+v", calls[3])
	}
	if got := chat.Text(calls[3].payload.(chat.Message)); got != "bob joined the chat" {
		t.Errorf("expected %q, got %q", "bob joined the chat", got)
	}

	history := f.store.History("g")
	if last := chat.Text(history[len(history)-1]); last != "bob joined the chat" {
		t.Errorf("expected last history entry to be the join notice, got %q", last)
	}

	id := f.registry.Get(ctx, "c2")
	if id.Username != "bob" || id.RoomID != "g" {
		t.Errorf("unexpected registry identity: %+v", id)
	}
}

func TestJoin_UsernameTakenCaseInsensitive(t *testing.T) {
	f := newFixture()
	f.join(t, "c1", "general", "sergey")
	before := len(f.store.History("general"))
	f.out.reset()

	err := f.coord.Join(context.Background(), "c2", "general", "  Sergey ")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Event != protocol.EventJoin || perr.Message != "Username already taken in this room" {
		t.Errorf("unexpected rejection: %+v", perr)
	}

	if n := len(f.store.Snapshot("general").Users); n != 1 {
		t.Errorf("expected membership size 1, got %d", n)
	}
	if n := len(f.store.History("general")); n != before {
		t.Errorf("history changed on rejection: %d -> %d", before, n)
	}
	if calls := f.out.snapshot(); len(calls) != 0 {
		t.Errorf("expected no broadcasts on rejection, got %+v", calls)
	}
	if id := f.registry.Get(context.Background(), "c2"); id.RoomID != "" {
		t.Errorf("rejected connection should not be recorded in a room, got %+v", id)
	}
}

func TestJoin_SameNameInOtherRoom(t *testing.T) {
	f := newFixture()
	f.join(t, "c1", "a", "sam")
	f.join(t, "c2", "b", "sam")

	if n := len(f.store.Snapshot("b").Users); n != 1 {
		t.Errorf("expected 1 member in b, got %d", n)
	}
}

func TestJoin_RejoinSameRoomKeepsName(t *testing.T) {
	f := newFixture()
	f.join(t, "c1", "g", "alice")
	f.join(t, "c1", "g", "ALICE")

	users := f.store.Snapshot("g").Users
	if len(users) != 1 || users[0].Username != "ALICE" {
		t.Fatalf("expected one member ALICE, got %+v", users)
	}
	for _, text := range systemTexts(f.store.History("g")) {
		if strings.Contains(text, "left") {
			t.Errorf("rejoining the same room must not leave it: %q", text)
		}
	}
}

func TestJoin_SwitchRoomsLeavesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "a", "alice")
	f.join(t, "c2", "a", "bob")
	f.out.reset()

	f.join(t, "c1", "b", "alice")

	left := 0
	for _, text := range systemTexts(f.store.History("a")) {
		if text == "alice left the chat" {
			left++
		}
	}
	if left != 1 {
		t.Errorf("expected exactly one leave notice in a, got %d", left)
	}

	users := f.store.Snapshot("a").Users
	if len(users) != 1 || users[0].Username != "bob" {
		t.Errorf("expected only bob in a, got %+v", users)
	}
	if len(f.store.Snapshot("b").Users) != 1 {
		t.Errorf("expected alice in b")
	}
	if id := f.registry.Get(ctx, "c1"); id.RoomID != "b" {
		t.Errorf("expected registry room b, got %q", id.RoomID)
	}

	// The leave happens before anything is sent for room b.
	calls := f.out.snapshot()
	var sawUnsubA, sawSubB bool
	for _, c := range calls {
		switch {
		case c.op == "unsub" && c.target == "a":
			if sawSubB {
				t.Error("left a after subscribing to b")
			}
			sawUnsubA = true
		case c.op == "sub" && c.target == "b":
			sawSubB = true
		}
	}
	if !sawUnsubA || !sawSubB {
		t.Errorf("expected unsubscribe from a and subscribe to b, got %+v", calls)
	}
}

func TestJoin_TakenNameDoesNotLeaveCurrentRoom(t *testing.T) {
	f := newFixture()
	f.join(t, "c1", "a", "alice")
	f.join(t, "c2", "b", "alice")

	err := f.coord.Join(context.Background(), "c1", "b", "alice")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if len(f.store.Snapshot("a").Users) != 1 {
		t.Error("rejected switch must keep the connection in its room")
	}
	if id := f.registry.Get(context.Background(), "c1"); id.RoomID != "a" {
		t.Errorf("expected registry room a, got %q", id.RoomID)
	}
}

func TestLeave(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "alice")
	f.join(t, "c2", "g", "bob")
	f.out.reset()

	if err := f.coord.Leave(ctx, "c1", "g"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	history := f.store.History("g")
	if last := chat.Text(history[len(history)-1]); last != "alice left the chat" {
		t.Errorf("expected leave notice, got %q", last)
	}
	if users := f.store.Snapshot("g").Users; len(users) != 1 || users[0].Username != "bob" {
		t.Errorf("expected only bob, got %+v", users)
	}

	id := f.registry.Get(ctx, "c1")
	if id.RoomID != "" {
		t.Errorf("expected room cleared, got %q", id.RoomID)
	}
	if id.Username != "alice" {
		t.Errorf("expected username kept, got %q", id.Username)
	}

	calls := f.out.snapshot()
	if calls[0].op != "except" || calls[0].except != "c1" || calls[0].event != protocol.EventSystem {
		t.Errorf("expected leave notice to the rest of the room, got %+v", calls[0])
	}
	if last := calls[len(calls)-1]; last.op != "unsub" || last.except != "c1" {
		t.Errorf("expected unsubscribe last, got %+v", last)
	}
}

func TestLeave_OtherRoomIsNoop(t *testing.T) {
	f := newFixture()
	f.join(t, "c1", "g", "alice")
	before := len(f.store.History("g"))
	f.out.reset()

	if err := f.coord.Leave(context.Background(), "c1", "elsewhere"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := f.coord.Leave(context.Background(), "never-joined", "g"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if n := len(f.store.History("g")); n != before {
		t.Errorf("history changed: %d -> %d", before, n)
	}
	if calls := f.out.snapshot(); len(calls) != 0 {
		t.Errorf("expected no broadcasts, got %+v", calls)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "a")

	if err := f.coord.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	history := f.store.History("g")
	last := history[len(history)-1]
	if last.Kind() != chat.KindSystem || !strings.Contains(chat.Text(last), "disconnected") {
		t.Errorf("expected disconnect notice, got %+v", last)
	}
	if users := f.store.Snapshot("g").Users; len(users) != 0 {
		t.Errorf("expected empty roster, got %+v", users)
	}
	if f.registry.Len() != 0 {
		t.Errorf("expected registry cleared, got %d records", f.registry.Len())
	}
}

func TestDisconnect_Anonymous(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.registry.Set(ctx, "c1", Patch{Username: String("alice")})

	if err := f.coord.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if calls := f.out.snapshot(); len(calls) != 0 {
		t.Errorf("expected no broadcasts, got %+v", calls)
	}
	if f.registry.Len() != 0 {
		t.Errorf("expected registry cleared")
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture()
	feed := &recordingFeed{}
	f.coord.SetFeed(feed)
	ctx := context.Background()
	f.join(t, "c1", "g", "alice")

	if err := f.coord.SendMessage(ctx, "c1", "", "  hi there \n"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := f.coord.SendMessage(ctx, "c1", "g", "second"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	history := f.store.History("g")
	var texts []string
	for _, m := range history {
		if m.Kind() == chat.KindUser {
			texts = append(texts, chat.Text(m))
			if chat.Author(m) != "alice" {
				t.Errorf("expected author alice, got %q", chat.Author(m))
			}
		}
	}
	if len(texts) != 2 || texts[0] != "hi there" || texts[1] != "second" {
		t.Errorf("unexpected user messages: %q", texts)
	}

	// Broadcast order matches history order.
	var broadcast []string
	for _, c := range f.out.snapshot() {
		if c.event == protocol.EventMessage {
			broadcast = append(broadcast, chat.Text(c.payload.(chat.Message)))
		}
	}
	if fmt.Sprint(broadcast) != fmt.Sprint(texts) {
		t.Errorf("broadcast order %q differs from history %q", broadcast, texts)
	}

	// join notice plus both messages
	if len(feed.msgs) != 3 {
		t.Errorf("expected 3 published messages, got %d", len(feed.msgs))
	}
}

func TestSendMessage_NotInRoom(t *testing.T) {
	f := newFixture()
	before := len(f.store.History("g"))

	err := f.coord.SendMessage(context.Background(), "ghost", "g", "hi")
	if !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
	var perr *Error
	errors.As(err, &perr)
	if perr.Event != protocol.EventMessage {
		t.Errorf("expected event %q, got %q", protocol.EventMessage, perr.Event)
	}
	if n := len(f.store.History("g")); n != before {
		t.Errorf("history changed: %d -> %d", before, n)
	}
}

func TestSendMessage_AfterLeaveWithoutRoom(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "alice")
	if err := f.coord.Leave(ctx, "c1", "g"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if err := f.coord.SendMessage(ctx, "c1", "", "hi"); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom without a room, got %v", err)
	}
}

func TestSetTyping(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "a")
	f.join(t, "c2", "g", "b")
	f.out.reset()

	if err := f.coord.SetTyping(ctx, "c2", "g", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	typing := map[string]bool{}
	for _, u := range f.store.Snapshot("g").Users {
		typing[u.Username] = u.IsTyping
	}
	if len(typing) != 2 || typing["a"] || !typing["b"] {
		t.Errorf("unexpected typing state: %v", typing)
	}

	// A repeated flag still broadcasts.
	if err := f.coord.SetTyping(ctx, "c2", "g", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	n := 0
	for _, c := range f.out.snapshot() {
		if c.event == protocol.EventUsers {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected 2 roster broadcasts, got %d", n)
	}
}

func TestSetTyping_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "a")

	if err := f.coord.SetTyping(ctx, "c1", "other", true); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("expected ErrNotInRoom for another room, got %v", err)
	}
	if err := f.coord.SetTyping(ctx, "ghost", "g", true); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("expected ErrNotInRoom for unknown connection, got %v", err)
	}

	// Registry says g but the member entry is gone.
	f.store.RemoveMember("g", "c1")
	err := f.coord.SetTyping(ctx, "c1", "g", true)
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	var perr *Error
	errors.As(err, &perr)
	if perr.Event != protocol.EventTyping {
		t.Errorf("expected event %q, got %q", protocol.EventTyping, perr.Event)
	}
}

func TestJoin_ConcurrentSameName(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	const n = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ok    int
		taken int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "Sergey"
			if i%2 == 0 {
				name = "sergey "
			}
			err := f.coord.Join(ctx, fmt.Sprintf("c%d", i), "general", name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrUsernameTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || taken != n-1 {
		t.Errorf("expected 1 join and %d rejections, got %d and %d", n-1, ok, taken)
	}
	if users := f.store.Snapshot("general").Users; len(users) != 1 {
		t.Errorf("expected exactly one member, got %d", len(users))
	}
	if f.coord.roomLocks.size() != 0 || f.coord.connLocks.size() != 0 {
		t.Error("locks should be released after all transitions finish")
	}
}

func TestConcurrentRoomsAndMessages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			room := fmt.Sprintf("r%d", i%4)
			if err := f.coord.Join(ctx, conn, room, conn); err != nil {
				t.Errorf("Join: %v", err)
				return
			}
			for j := 0; j < 10; j++ {
				if err := f.coord.SendMessage(ctx, conn, "", "msg"); err != nil {
					t.Errorf("SendMessage: %v", err)
				}
			}
			if err := f.coord.Join(ctx, conn, fmt.Sprintf("r%d", (i+1)%4), conn); err != nil {
				t.Errorf("switch: %v", err)
			}
			if err := f.coord.Disconnect(ctx, conn); err != nil {
				t.Errorf("Disconnect: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rooms, members := f.store.Stats()
	if rooms != 4 || members != 0 {
		t.Errorf("expected 4 rooms and 0 members, got %d and %d", rooms, members)
	}
	if f.registry.Len() != 0 {
		t.Errorf("expected empty registry, got %d", f.registry.Len())
	}
}

// blindRegistry answers Get with the zero Identity, as the Redis registry does
// when the lookup fails.
type blindRegistry struct {
	*MemoryRegistry
	blind bool
}

func (r *blindRegistry) Get(ctx context.Context, connID string) Identity {
	if r.blind {
		return Identity{}
	}
	return r.MemoryRegistry.Get(ctx, connID)
}

func TestDisconnect_RegistryLookupFails(t *testing.T) {
	f := newFixture()
	reg := &blindRegistry{MemoryRegistry: f.registry}
	f.coord = NewCoordinator(f.store, reg, f.out)
	ctx := context.Background()

	f.join(t, "c1", "g", "alice")
	reg.blind = true

	if err := f.coord.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if users := f.store.Snapshot("g").Users; len(users) != 0 {
		t.Errorf("member left behind: %+v", users)
	}
	if f.store.IsUsernameTaken("g", "alice", "") {
		t.Error("alice still taken in g")
	}
	texts := systemTexts(f.store.History("g"))
	if texts[len(texts)-1] != "alice disconnected" {
		t.Errorf("last notice = %q", texts[len(texts)-1])
	}

	reg.blind = false
	f.join(t, "c2", "g", "alice")
}

func TestTransitions_AfterDisconnectAreRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.join(t, "c1", "g", "alice")

	if err := f.coord.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.out.reset()

	checks := []struct {
		name string
		run  func() error
	}{
		{"join", func() error { return f.coord.Join(ctx, "c1", "g", "alice") }},
		{"leave", func() error { return f.coord.Leave(ctx, "c1", "g") }},
		{"message", func() error { return f.coord.SendMessage(ctx, "c1", "g", "hi") }},
		{"typing", func() error { return f.coord.SetTyping(ctx, "c1", "g", true) }},
	}
	for _, tt := range checks {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, ErrDisconnected) {
				t.Errorf("err = %v, want ErrDisconnected", err)
			}
		})
	}

	if users := f.store.Snapshot("g").Users; len(users) != 0 {
		t.Errorf("disconnected connection re-added: %+v", users)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry has %d records", f.registry.Len())
	}
	if calls := f.out.snapshot(); len(calls) != 0 {
		t.Errorf("expected no broadcasts, got %+v", calls)
	}
}
