package mesh

import (
	"fmt"

	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/rtc"
)

// Everything in this file runs on the event loop.

func (a *Adapter) link(addr peer.Address) *link {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.links[addr]
}

// current reports whether l is still the table entry for its address.
func (a *Adapter) current(l *link) bool {
	return a.link(l.address) == l
}

// linkedTo reports whether any link reaches addr, either directly or
// through the address its peer announced.
func (a *Adapter) linkedTo(addr peer.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.links[addr]; ok {
		return true
	}
	for _, l := range a.links {
		if l.identifies(addr) {
			return true
		}
	}
	return false
}

func (a *Adapter) openLinkTo(addr peer.Address) *link {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, l := range a.links {
		if l.state == linkOpen && l.identifies(addr) {
			return l
		}
	}
	return nil
}

func (a *Adapter) addLink(l *link) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateClosed {
		return false
	}
	a.links[l.address] = l
	return true
}

func (a *Adapter) isSelf(addr peer.Address) bool {
	id, ok := a.selfIDs[addr.SignalingServerURL]
	return ok && id == addr.PeerID
}

// startConnection opens a link to addr. With replace, an existing link is
// closed and no new one is opened; without it, an existing link is kept.
func (a *Adapter) startConnection(addr peer.Address, replace bool) {
	if a.isSelf(addr) {
		return
	}
	if !replace && a.linkedTo(addr) {
		return
	}
	if _, joined := a.selfIDs[addr.SignalingServerURL]; joined {
		a.sendOffer(addr, replace)
		return
	}

	if a.pendingStarts[addr] {
		return
	}
	a.pendingStarts[addr] = true
	server := addr.SignalingServerURL
	log.Infof("Joining %s to reach %s", server, addr)
	err := a.channel.AddServer(server, a.credentials(),
		func(url, selfID string) {
			a.post(func() {
				delete(a.pendingStarts, addr)
				a.sendOffer(addr, replace)
			})
		},
		func(err error) {
			a.post(func() {
				delete(a.pendingStarts, addr)
				log.Warnf("Cannot reach %s: %v", addr, err)
			})
		})
	if err != nil {
		delete(a.pendingStarts, addr)
		log.Warnf("Joining %s failed: %v", server, err)
	}
}

func (a *Adapter) sendOffer(addr peer.Address, replace bool) {
	if l := a.link(addr); l != nil {
		if replace {
			log.Infof("Link to %s already exists, closing it", addr)
			a.closeLink(l)
		}
		return
	}
	if !replace && a.linkedTo(addr) {
		return
	}
	server := addr.SignalingServerURL
	selfID, ok := a.selfIDs[server]
	if !ok {
		log.Warnf("Not joined to %s, cannot offer to %s", server, addr)
		return
	}

	conn, err := a.engine.NewPeerConnection()
	if err != nil {
		log.Errorf("Creating connection to %s failed: %v", addr, err)
		return
	}
	label := peer.NewAddress(server, selfID).String() + " -> " + addr.String()
	ch, err := conn.CreateDataChannel(label)
	if err != nil {
		log.Errorf("Creating data channel to %s failed: %v", addr, err)
		conn.Close()
		return
	}

	l := newLink(addr, conn, true)
	if !a.addLink(l) {
		conn.Close()
		return
	}
	a.watch(l)
	a.wireChannel(l, ch)

	go func() {
		if err := a.channel.Offer(a.ctx, server, addr.PeerID, conn); err != nil {
			a.post(func() { a.handleOfferFailed(l, err) })
			return
		}
		log.Debugf("Offer sent to %s", addr)
	}()
}

// acceptOffer returns the connection that answers an offer from peerID
// on server. Of two peers offering to each other at the same time, the
// one with the smaller address keeps its own offer.
func (a *Adapter) acceptOffer(server, peerID string) (rtc.PeerConnection, error) {
	addr := peer.NewAddress(server, peerID)
	if l := a.link(addr); l != nil {
		if l.state == linkOffering {
			self := peer.NewAddress(server, a.selfIDs[server])
			if self.String() < addr.String() {
				return nil, fmt.Errorf("%w: keeping our offer to %s", ErrOfferCollision, addr)
			}
			log.Infof("Offers to and from %s crossed, answering theirs", addr)
		} else {
			log.Infof("New offer from %s replaces its %s link", addr, l.state)
		}
		a.closeLink(l)
	}

	conn, err := a.engine.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create connection for %s: %w", addr, err)
	}
	l := newLink(addr, conn, false)
	if !a.addLink(l) {
		conn.Close()
		return nil, ErrClosed
	}
	a.watch(l)
	conn.OnDataChannel(func(ch rtc.DataChannel) {
		a.wireChannel(l, ch)
	})
	log.Debugf("Answering offer from %s", addr)
	return conn, nil
}

func (a *Adapter) watch(l *link) {
	l.conn.OnICEConnectionStateChange(func(state rtc.ICEConnectionState) {
		if !state.Terminal() {
			return
		}
		a.post(func() {
			if a.current(l) {
				log.Infof("Connection to %s is %s", l.address, state)
				a.closeLink(l)
			}
		})
	})
}

// wireChannel registers the channel callbacks. It runs on transport
// goroutines so every event is posted to the loop.
func (a *Adapter) wireChannel(l *link, ch rtc.DataChannel) {
	ch.OnOpen(func() {
		a.post(func() { a.handleOpen(l, ch) })
	})
	ch.OnClose(func() {
		a.post(func() {
			if a.current(l) {
				log.Infof("Data channel %q closed", ch.Label())
				a.closeLink(l)
			}
		})
	})
	ch.OnMessage(func(data []byte) {
		a.post(func() { a.handleMessage(l, data) })
	})
}

func (a *Adapter) handleOpen(l *link, ch rtc.DataChannel) {
	a.mu.Lock()
	if a.links[l.address] != l {
		a.mu.Unlock()
		ch.Close()
		return
	}
	l.state = linkOpen
	l.channel = ch
	a.occupants[l.address] = true
	occupants := a.occupantsLocked()
	a.mu.Unlock()

	log.Infof("Data channel %q open", ch.Label())
	ls := a.getListeners()
	if ls.open != nil {
		ls.open(l.address)
	}
	if ls.occupants != nil {
		ls.occupants(occupants)
	}
	a.announce(l)
}

func (a *Adapter) handleOfferFailed(l *link, err error) {
	if !a.current(l) {
		return
	}
	log.Warnf("Offer to %s failed: %v", l.address, err)
	a.closeLink(l)
}

func (a *Adapter) handleServerConnected(server, selfID string) {
	previous, known := a.selfIDs[server]
	a.selfIDs[server] = selfID
	if !known || previous == selfID {
		return
	}

	a.mu.Lock()
	primary := a.state == stateConnected && a.self.SignalingServerURL == server
	old := a.self
	if primary {
		a.self = peer.NewAddress(server, selfID)
	}
	a.mu.Unlock()

	if primary {
		log.Infof("Rejoined %s as %s", server, selfID)
		a.peers.PeersChanged(old, []peer.Data{{URL: old, Status: peer.StatusUnavailable}})
		a.peers.Forget(old)
		a.registerSelf()
	}
}

func (a *Adapter) handleTargetNotFound(server, peerID string) {
	addr := peer.NewAddress(server, peerID)
	if l := a.link(addr); l != nil {
		log.Infof("Peer %s is gone from its server", addr)
		a.closeLink(l)
	}
}

// closeLink tears l down and, if the peer had announced itself, reports
// it unavailable.
func (a *Adapter) closeLink(l *link) {
	a.mu.Lock()
	if l.state == linkClosed {
		a.mu.Unlock()
		return
	}
	if a.links[l.address] == l {
		delete(a.links, l.address)
	}
	wasOpen := l.state == linkOpen
	l.state = linkClosed
	if wasOpen {
		a.occupants[l.address] = false
	}
	occupants := a.occupantsLocked()
	ch := l.channel
	a.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	a.channel.RemoveConnection(l.conn)
	l.conn.Close()
	log.Debugf("Link to %s closed", l.address)

	if wasOpen {
		ls := a.getListeners()
		if ls.closed != nil {
			ls.closed(l.address)
		}
		if ls.occupants != nil {
			ls.occupants(occupants)
		}
	}

	if !l.canonical.IsZero() && !a.isSelf(l.canonical) {
		a.reportGone(l.canonical)
	}
}
