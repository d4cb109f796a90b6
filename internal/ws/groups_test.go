package ws

import (
	"sort"
	"testing"
)

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func TestGroups_JoinLeave(t *testing.T) {
	g := NewGroups()
	g.Join("c1", "general")
	g.Join("c2", "general")
	g.Join("c1", "general")
	g.Join("c3", "random")

	if got := sorted(g.Members("general")); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("unexpected general members: %v", got)
	}
	if g.Rooms() != 2 {
		t.Errorf("expected 2 rooms, got %d", g.Rooms())
	}

	g.Leave("c1", "general")
	if got := g.Members("general"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("expected only c2, got %v", got)
	}

	g.Leave("c3", "random")
	if g.Rooms() != 1 {
		t.Errorf("empty room should be dropped, got %d rooms", g.Rooms())
	}
	if got := g.Members("random"); len(got) != 0 {
		t.Errorf("expected no members, got %v", got)
	}
}

func TestGroups_RemoveConn(t *testing.T) {
	g := NewGroups()
	g.Join("c1", "a")
	g.Join("c1", "b")
	g.Join("c2", "b")

	g.RemoveConn("c1")

	if got := g.Members("a"); len(got) != 0 {
		t.Errorf("expected a empty, got %v", got)
	}
	if got := g.Members("b"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("expected only c2 in b, got %v", got)
	}
	if _, ok := g.byConn["c1"]; ok {
		t.Error("connection index should be cleared")
	}

	// Unknown connection is a no-op.
	g.RemoveConn("ghost")
	g.Leave("ghost", "b")
}
