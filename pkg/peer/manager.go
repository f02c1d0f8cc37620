package peer

import (
	"sort"
)

// registry maps addresses to presence. Operations that change a registry
// return a new one and leave the receiver untouched.
type registry map[Address]Data

func (r registry) clone() registry {
	out := make(registry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// merge applies changed on top of a copy of r. A known peer only accepts
// an UNAVAILABLE update; an unknown peer only accepts an AVAILABLE insert.
// The returned list is taken before UNAVAILABLE entries are pruned.
func (r registry) merge(observer Address, changed []Data) (registry, []Data) {
	next := r.clone()
	for _, p := range changed {
		if _, known := next[p.URL]; known {
			if p.Status == StatusUnavailable {
				next[p.URL] = p
			}
			continue
		}
		if p.Status == StatusAvailable {
			next[p.URL] = p
		}
	}

	reported := make([]Data, 0, len(next))
	for addr, p := range next {
		if addr != observer {
			reported = append(reported, p)
		}
	}
	sortData(reported)

	for addr, p := range next {
		if p.Status == StatusUnavailable {
			delete(next, addr)
		}
	}
	return next, reported
}

func (r registry) inRange(position Position, rng float64) registry {
	limit := rng * rng
	out := make(registry)
	for addr, p := range r {
		if p.Status != StatusAvailable {
			continue
		}
		if p.Position.DistanceSquared(position) <= limit {
			out[addr] = p
		}
	}
	return out
}

// diff compares what observer should see now against its last snapshot.
// A nil snapshot means the observer has never been told anything.
func diff(peers, snapshot registry, observer Address, position Position, rng float64) ([]Data, registry) {
	visible := peers.inRange(position, rng)
	delete(visible, observer)

	if snapshot == nil {
		added := make([]Data, 0, len(visible))
		for _, p := range visible {
			added = append(added, p)
		}
		sortData(added)
		return added, visible
	}

	next := snapshot.clone()
	var added, removed []Data
	for addr, p := range visible {
		if _, seen := snapshot[addr]; !seen {
			added = append(added, p)
			next[addr] = p
		}
	}
	for addr, p := range snapshot {
		if _, still := visible[addr]; !still {
			p.Status = StatusUnavailable
			removed = append(removed, p)
			delete(next, addr)
		}
	}
	sortData(added)
	sortData(removed)
	return append(added, removed...), next
}

func sortData(list []Data) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].URL.String() < list[j].URL.String()
	})
}

// Manager is the spatial interest registry. It tracks every known
// available peer and, per observer, the set of peers that observer was
// last told about. A Manager is not safe for concurrent use; the mesh
// adapter owns it from a single goroutine.
type Manager struct {
	peers    registry
	observed map[Address]registry
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{
		peers:    make(registry),
		observed: make(map[Address]registry),
	}
}

// FindPeersInRange returns every available peer within rng of position.
func (m *Manager) FindPeersInRange(position Position, rng float64) map[Address]Data {
	return m.peers.inRange(position, rng)
}

// PeersChanged merges changed into the registry and returns the registry
// contents excluding observer, including the UNAVAILABLE entries that the
// merge then pruned.
func (m *Manager) PeersChanged(observer Address, changed []Data) ([]Data, error) {
	if err := validateAll(changed); err != nil {
		return nil, err
	}
	next, reported := m.peers.merge(observer, changed)
	m.peers = next
	return reported, nil
}

// FindPeersChanged returns the peers that entered observer's range since
// its last snapshot, followed by the peers that left it (reported as
// UNAVAILABLE). The snapshot is only updated when apply is set.
func (m *Manager) FindPeersChanged(observer Address, position Position, rng float64, apply bool) []Data {
	changes, next := diff(m.peers, m.observed[observer], observer, position, rng)
	if apply {
		m.observed[observer] = next
	}
	return changes
}

// PeekChangedPeers reports what FindPeersChanged would return if changed
// were merged first, without modifying the registry or any snapshot.
func (m *Manager) PeekChangedPeers(observer Address, position Position, rng float64, changed []Data) ([]Data, error) {
	if err := validateAll(changed); err != nil {
		return nil, err
	}
	next, _ := m.peers.merge(observer, changed)
	changes, _ := diff(next, m.observed[observer], observer, position, rng)
	return changes, nil
}

// Get returns the registered presence for addr.
func (m *Manager) Get(addr Address) (Data, bool) {
	p, ok := m.peers[addr]
	return p, ok
}

// Has reports whether addr is registered.
func (m *Manager) Has(addr Address) bool {
	_, ok := m.peers[addr]
	return ok
}

// Len returns the number of registered peers.
func (m *Manager) Len() int {
	return len(m.peers)
}

// Peers returns every registered peer ordered by address.
func (m *Manager) Peers() []Data {
	out := make([]Data, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	sortData(out)
	return out
}

// Snapshot returns what observer was last told about, ordered by address.
// The second result is false if observer has no snapshot.
func (m *Manager) Snapshot(observer Address) ([]Data, bool) {
	snap, ok := m.observed[observer]
	if !ok {
		return nil, false
	}
	out := make([]Data, 0, len(snap))
	for _, p := range snap {
		out = append(out, p)
	}
	sortData(out)
	return out, true
}

// Forget drops observer's snapshot so its next diff is a full one.
func (m *Manager) Forget(observer Address) {
	delete(m.observed, observer)
}

func validateAll(list []Data) error {
	for _, p := range list {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
