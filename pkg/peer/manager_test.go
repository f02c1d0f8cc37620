package peer

import (
	"errors"
	"reflect"
	"testing"
)

const testServer = "wss://signal.test"

func addr(id string) Address {
	return NewAddress(testServer, id)
}

func data(id string, status Status, x, y, z float64) Data {
	return Data{URL: addr(id), Status: status, Position: Position{X: x, Y: y, Z: z}}
}

// expect is "id:STATUS" pairs in order.
func checkChanges(t *testing.T, label string, got []Data, expect ...string) {
	t.Helper()
	var have []string
	for _, p := range got {
		have = append(have, p.URL.PeerID+":"+string(p.Status))
	}
	if len(have) != len(expect) {
		t.Fatalf("%s = %v, want %v", label, have, expect)
	}
	for i := range expect {
		if have[i] != expect[i] {
			t.Fatalf("%s = %v, want %v", label, have, expect)
		}
	}
}

func TestManagerSequence(t *testing.T) {
	m := NewManager()
	self := addr("6")
	origin := Position{}

	p0 := data("0", StatusAvailable, 0, 0, 0)
	p1 := data("1", StatusAvailable, 10, 0, 0)
	p2 := data("2", StatusAvailable, 20, 0, 0)
	p3 := data("3", StatusUnavailable, 30, 0, 0)
	p6 := data("6", StatusAvailable, -5, 0, 0)
	initial := []Data{p0, p1, p2, p3, p6}

	v1, err := m.PeekChangedPeers(self, origin, 10, initial)
	if err != nil {
		t.Fatalf("PeekChangedPeers: %v", err)
	}
	checkChanges(t, "peek", v1, "0:AVAILABLE", "1:AVAILABLE")

	c1, err := m.PeersChanged(self, initial)
	if err != nil {
		t.Fatalf("PeersChanged: %v", err)
	}
	checkChanges(t, "c1", c1, "0:AVAILABLE", "1:AVAILABLE", "2:AVAILABLE")

	f1 := m.FindPeersChanged(self, origin, 10, true)
	checkChanges(t, "f1", f1, "0:AVAILABLE", "1:AVAILABLE")

	gone := data("1", StatusUnavailable, 10, 0, 0)
	v2, err := m.PeekChangedPeers(self, origin, 10, []Data{gone})
	if err != nil {
		t.Fatalf("PeekChangedPeers: %v", err)
	}
	checkChanges(t, "v2", v2, "1:UNAVAILABLE")

	c2, _ := m.PeersChanged(self, []Data{gone})
	checkChanges(t, "c2", c2, "0:AVAILABLE", "1:UNAVAILABLE", "2:AVAILABLE")

	f2 := m.FindPeersChanged(self, origin, 10, true)
	checkChanges(t, "f2", f2, "1:UNAVAILABLE")

	c3, _ := m.PeersChanged(self, []Data{data("3", StatusAvailable, 0, 10, 0)})
	checkChanges(t, "c3", c3, "0:AVAILABLE", "2:AVAILABLE", "3:AVAILABLE")
	checkChanges(t, "f3", m.FindPeersChanged(self, origin, 10, true), "3:AVAILABLE")

	c4, _ := m.PeersChanged(self, []Data{data("4", StatusAvailable, 0, 0, 10)})
	checkChanges(t, "c4", c4, "0:AVAILABLE", "2:AVAILABLE", "3:AVAILABLE", "4:AVAILABLE")
	checkChanges(t, "f4", m.FindPeersChanged(self, origin, 10, true), "4:AVAILABLE")

	c5, _ := m.PeersChanged(self, []Data{data("5", StatusAvailable, 30, 0, 0)})
	checkChanges(t, "c5", c5, "0:AVAILABLE", "2:AVAILABLE", "3:AVAILABLE", "4:AVAILABLE", "5:AVAILABLE")
	checkChanges(t, "f5", m.FindPeersChanged(self, origin, 10, true))
}

func TestFindPeersChangedRepeatIsEmpty(t *testing.T) {
	m := NewManager()
	self := addr("6")
	if _, err := m.PeersChanged(self, []Data{
		data("0", StatusAvailable, 0, 0, 0),
		data("1", StatusAvailable, 10, 0, 0),
		data("2", StatusAvailable, 20, 0, 0),
	}); err != nil {
		t.Fatalf("PeersChanged: %v", err)
	}
	checkChanges(t, "first", m.FindPeersChanged(self, Position{}, 10, true), "0:AVAILABLE", "1:AVAILABLE")
	checkChanges(t, "second", m.FindPeersChanged(self, Position{}, 10, true))
}

func TestFindPeersChangedWithoutApply(t *testing.T) {
	m := NewManager()
	self := addr("self")
	m.PeersChanged(self, []Data{data("a", StatusAvailable, 1, 0, 0)})

	checkChanges(t, "dry", m.FindPeersChanged(self, Position{}, 5, false), "a:AVAILABLE")
	checkChanges(t, "dry again", m.FindPeersChanged(self, Position{}, 5, false), "a:AVAILABLE")
	if _, ok := m.Snapshot(self); ok {
		t.Fatal("snapshot stored without apply")
	}
}

func TestFindPeersChangedExcludesObserver(t *testing.T) {
	m := NewManager()
	self := addr("self")
	m.PeersChanged(self, []Data{
		data("self", StatusAvailable, 0, 0, 0),
		data("a", StatusAvailable, 1, 0, 0),
	})
	changes := m.FindPeersChanged(self, Position{}, 5, true)
	checkChanges(t, "changes", changes, "a:AVAILABLE")
	snap, _ := m.Snapshot(self)
	checkChanges(t, "snapshot", snap, "a:AVAILABLE")
}

func TestAsymmetricRange(t *testing.T) {
	m := NewManager()
	a := data("a", StatusAvailable, 0, 0, 0)
	b := data("b", StatusAvailable, 8, 0, 0)
	m.PeersChanged(a.URL, []Data{a, b})

	// a sees 10 units, b sees 5.
	checkChanges(t, "from a", m.FindPeersChanged(a.URL, a.Position, 10, true), "b:AVAILABLE")
	checkChanges(t, "from b", m.FindPeersChanged(b.URL, b.Position, 5, true))

	// Same range both ways is symmetric.
	checkChanges(t, "b at 10", m.FindPeersChanged(b.URL, b.Position, 10, true), "a:AVAILABLE")
}

func TestRangeBoundaryInclusive(t *testing.T) {
	m := NewManager()
	m.PeersChanged(addr("o"), []Data{data("edge", StatusAvailable, 3, 4, 0)})
	if got := m.FindPeersInRange(Position{}, 5); len(got) != 1 {
		t.Fatalf("FindPeersInRange at distance == range = %d peers, want 1", len(got))
	}
	if got := m.FindPeersInRange(Position{}, 4.99); len(got) != 0 {
		t.Fatalf("FindPeersInRange beyond range = %d peers, want 0", len(got))
	}
}

func TestPeersChangedIdempotent(t *testing.T) {
	once := NewManager()
	twice := NewManager()
	p := data("a", StatusAvailable, 1, 2, 3)

	once.PeersChanged(addr("o"), []Data{p})
	twice.PeersChanged(addr("o"), []Data{p})
	twice.PeersChanged(addr("o"), []Data{p})

	if !reflect.DeepEqual(once.Peers(), twice.Peers()) {
		t.Fatalf("registry after repeat = %v, want %v", twice.Peers(), once.Peers())
	}
}

func TestPeersChangedKeepsKnownPosition(t *testing.T) {
	m := NewManager()
	m.PeersChanged(addr("o"), []Data{data("a", StatusAvailable, 1, 0, 0)})
	m.PeersChanged(addr("o"), []Data{data("a", StatusAvailable, 50, 0, 0)})

	got, _ := m.Get(addr("a"))
	if got.Position.X != 1 {
		t.Fatalf("stale AVAILABLE update applied: position = %v", got.Position)
	}
}

func TestUnavailablePruning(t *testing.T) {
	m := NewManager()
	observer := addr("o")

	reported, _ := m.PeersChanged(observer, []Data{data("3", StatusUnavailable, 0, 0, 0)})
	if len(reported) != 0 || m.Has(addr("3")) {
		t.Fatalf("unknown UNAVAILABLE report changed registry: %v", reported)
	}

	m.PeersChanged(observer, []Data{data("3", StatusAvailable, 0, 0, 0)})
	reported, _ = m.PeersChanged(observer, []Data{data("3", StatusUnavailable, 0, 0, 0)})
	checkChanges(t, "reported", reported, "3:UNAVAILABLE")
	if m.Has(addr("3")) {
		t.Fatal("UNAVAILABLE peer still registered")
	}
}

func TestPeekDoesNotMutate(t *testing.T) {
	m := NewManager()
	self := addr("self")
	m.PeersChanged(self, []Data{
		data("a", StatusAvailable, 1, 0, 0),
		data("b", StatusAvailable, 2, 0, 0),
	})
	m.FindPeersChanged(self, Position{}, 10, true)

	peersBefore := m.Peers()
	snapBefore, _ := m.Snapshot(self)

	peeks := [][]Data{
		{data("a", StatusUnavailable, 1, 0, 0)},
		{data("c", StatusAvailable, 3, 0, 0)},
		{data("b", StatusUnavailable, 2, 0, 0), data("d", StatusAvailable, 4, 0, 0)},
	}
	for _, changed := range peeks {
		if _, err := m.PeekChangedPeers(self, Position{}, 10, changed); err != nil {
			t.Fatalf("PeekChangedPeers: %v", err)
		}
		if _, err := m.PeekChangedPeers(addr("other"), Position{}, 10, changed); err != nil {
			t.Fatalf("PeekChangedPeers: %v", err)
		}
	}

	if got := m.Peers(); !reflect.DeepEqual(got, peersBefore) {
		t.Fatalf("registry after peek = %v, want %v", got, peersBefore)
	}
	snapAfter, _ := m.Snapshot(self)
	if !reflect.DeepEqual(snapAfter, snapBefore) {
		t.Fatalf("snapshot after peek = %v, want %v", snapAfter, snapBefore)
	}
	if _, ok := m.Snapshot(addr("other")); ok {
		t.Fatal("peek stored a snapshot")
	}
}

func TestForget(t *testing.T) {
	m := NewManager()
	self := addr("self")
	m.PeersChanged(self, []Data{data("a", StatusAvailable, 1, 0, 0)})
	m.FindPeersChanged(self, Position{}, 10, true)
	m.Forget(self)
	checkChanges(t, "after forget", m.FindPeersChanged(self, Position{}, 10, true), "a:AVAILABLE")
}

func TestInvalidPeerData(t *testing.T) {
	m := NewManager()
	tests := []struct {
		name string
		in   Data
	}{
		{"missing url", Data{Status: StatusAvailable}},
		{"missing status", Data{URL: addr("a")}},
		{"bad status", Data{URL: addr("a"), Status: "GONE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.PeersChanged(addr("o"), []Data{tt.in}); !errors.Is(err, ErrInvalidPeerData) {
				t.Fatalf("PeersChanged error = %v, want ErrInvalidPeerData", err)
			}
			if _, err := m.PeekChangedPeers(addr("o"), Position{}, 1, []Data{tt.in}); !errors.Is(err, ErrInvalidPeerData) {
				t.Fatalf("PeekChangedPeers error = %v, want ErrInvalidPeerData", err)
			}
		})
	}
	if m.Len() != 0 {
		t.Fatalf("registry has %d peers after invalid input", m.Len())
	}
}
