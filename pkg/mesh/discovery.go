package mesh

import (
	"encoding/json"

	"github.com/tomaslejdung/peermesh/pkg/peer"
)

func (a *Adapter) selfData() peer.Data {
	return peer.Data{URL: a.self, Status: peer.StatusAvailable, Position: a.position}
}

// registerSelf puts this node into the registry at its current position
// so range queries never report it back to itself.
func (a *Adapter) registerSelf() {
	if a.self.IsZero() {
		return
	}
	self := a.selfData()
	if a.peers.Has(self.URL) {
		// Known entries only accept removal, so replace in two steps.
		gone := self
		gone.Status = peer.StatusUnavailable
		a.peers.PeersChanged(self.URL, []peer.Data{gone})
	}
	if _, err := a.peers.PeersChanged(self.URL, []peer.Data{self}); err != nil {
		log.Errorf("Registering %s failed: %v", self.URL, err)
		return
	}
	a.notifyPeersChanged(a.peers.FindPeersChanged(self.URL, a.position, a.rng, true))
}

func (a *Adapter) notifyPeersChanged(changed []peer.Data) {
	if len(changed) == 0 {
		return
	}
	if ls := a.getListeners(); ls.peersChanged != nil {
		ls.peersChanged(changed)
	}
}

// reportGone marks addr unavailable and forgets what it was told.
func (a *Adapter) reportGone(addr peer.Address) {
	last, _ := a.peers.Get(addr)
	gone := peer.Data{URL: addr, Status: peer.StatusUnavailable, Position: last.Position}
	if _, err := a.peers.PeersChanged(a.self, []peer.Data{gone}); err != nil {
		log.Errorf("Reporting %s unavailable failed: %v", addr, err)
		return
	}
	a.peers.Forget(addr)
	a.notifyPeersChanged(a.peers.FindPeersChanged(a.self, a.position, a.rng, true))
}

func (a *Adapter) send(l *link, dataType string, data any) {
	text, err := encodeDataMessage(dataType, data)
	if err != nil {
		log.Errorf("Encoding %s for %s failed: %v", dataType, l.address, err)
		return
	}
	a.mu.RLock()
	ch := l.channel
	a.mu.RUnlock()
	if ch == nil {
		return
	}
	if err := ch.SendText(text); err != nil {
		log.Debugf("Sending %s to %s failed: %v", dataType, l.address, err)
	}
}

// announce asks the peer on l which peers within range we should know.
func (a *Adapter) announce(l *link) {
	if a.self.IsZero() {
		return
	}
	a.send(l, DataTypeFindChangedPeers, FindChangedPeersMessage{Peer: a.selfData(), Range: a.rng})
}

func (a *Adapter) announceAll() {
	a.mu.RLock()
	var open []*link
	for _, l := range a.links {
		if l.state == linkOpen {
			open = append(open, l)
		}
	}
	a.mu.RUnlock()

	for _, l := range open {
		a.announce(l)
	}
}

func (a *Adapter) handleMessage(l *link, data []byte) {
	if !a.current(l) {
		return
	}
	msg, err := decodeDataMessage(data)
	if err != nil {
		log.Warnf("Invalid message from %s: %v", l.address, err)
		return
	}

	switch msg.DataType {
	case DataTypeFindChangedPeers:
		a.handleFindChangedPeers(l, msg.Data)
	case DataTypeChangedPeers:
		a.handleChangedPeers(l, msg.Data)
	default:
		if ls := a.getListeners(); ls.message != nil {
			ls.message(l.address, msg.DataType, msg.Data)
		}
	}
}

// handleFindChangedPeers records the sender and replies with the changes
// in what it should see from its own position and range.
func (a *Adapter) handleFindChangedPeers(l *link, raw json.RawMessage) {
	var msg FindChangedPeersMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warnf("Invalid %s from %s: %v", DataTypeFindChangedPeers, l.address, err)
		return
	}
	sender := msg.Peer
	if sender.Status != peer.StatusAvailable {
		log.Warnf("Ignoring %s from unavailable peer %s", DataTypeFindChangedPeers, sender.URL)
		return
	}
	if a.isSelf(sender.URL) {
		log.Errorf("Peer %s announced itself with our address %s", l.address, sender.URL)
		return
	}

	known, ok := a.peers.Get(sender.URL)
	if !ok || known.Position != sender.Position {
		if ok {
			// A peer that moved is replaced, as in registerSelf.
			gone := known
			gone.Status = peer.StatusUnavailable
			a.peers.PeersChanged(a.self, []peer.Data{gone})
		}
		if _, err := a.peers.PeersChanged(a.self, []peer.Data{sender}); err != nil {
			log.Errorf("Recording %s failed: %v", sender.URL, err)
			return
		}
		a.notifyPeersChanged(a.peers.FindPeersChanged(a.self, a.position, a.rng, true))
	}
	l.canonical = sender.URL

	changed := a.peers.FindPeersChanged(sender.URL, sender.Position, msg.Range, true)
	a.send(l, DataTypeChangedPeers, ChangedPeersMessage{Peers: changed})
}

// handleChangedPeers links to every newly visible peer and drops links to
// peers that left range.
func (a *Adapter) handleChangedPeers(l *link, raw json.RawMessage) {
	var msg ChangedPeersMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warnf("Invalid %s from %s: %v", DataTypeChangedPeers, l.address, err)
		return
	}

	reported := make([]peer.Data, 0, len(msg.Peers))
	for _, p := range msg.Peers {
		if a.isSelf(p.URL) {
			if p.Status == peer.StatusUnavailable {
				log.Errorf("Peer %s reported this node unavailable", l.address)
			}
			continue
		}
		reported = append(reported, p)
	}

	changes, err := a.peers.PeekChangedPeers(a.self, a.position, a.rng, reported)
	if err != nil {
		log.Errorf("Invalid %s from %s: %v", DataTypeChangedPeers, l.address, err)
		return
	}
	for _, p := range changes {
		switch p.Status {
		case peer.StatusAvailable:
			if !a.linkedTo(p.URL) {
				log.Infof("Discovered %s through %s", p.URL, l.address)
				a.startConnection(p.URL, false)
			}
		case peer.StatusUnavailable:
			if gone := a.openLinkTo(p.URL); gone != nil {
				log.Infof("Peer %s left range", p.URL)
				a.closeLink(gone)
			}
		}
	}
}
