package presence

import (
	"testing"
	"time"
)

func TestTombstones_Expire(t *testing.T) {
	now := time.Unix(1000, 0)
	ts := newTombstones(time.Minute)
	ts.now = func() time.Time { return now }
	ts.rotated = now

	ts.add("c1")
	if !ts.has("c1") {
		t.Fatal("c1 should be remembered")
	}

	now = now.Add(90 * time.Second)
	ts.add("c2")
	if !ts.has("c1") || !ts.has("c2") {
		t.Fatal("both ids should survive one rotation")
	}

	now = now.Add(90 * time.Second)
	if ts.has("c1") {
		t.Error("c1 should be forgotten after two rotations")
	}
	if !ts.has("c2") {
		t.Error("c2 should still be remembered")
	}

	now = now.Add(5 * time.Minute)
	if ts.has("c2") || ts.len() != 0 {
		t.Errorf("everything should be forgotten after a long idle period, len=%d", ts.len())
	}
}
