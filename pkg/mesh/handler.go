package mesh

import (
	"github.com/tomaslejdung/peermesh/pkg/rtc"
)

// signalHandler receives the signaling channel's events on client read
// goroutines and hands them to the adapter's event loop.
type signalHandler struct {
	a *Adapter
}

func (h signalHandler) OnOffer(serverURL, peerID string, _ rtc.SessionDescription) (rtc.PeerConnection, error) {
	type result struct {
		conn rtc.PeerConnection
		err  error
	}
	reply := make(chan result, 1)
	h.a.post(func() {
		conn, err := h.a.acceptOffer(serverURL, peerID)
		reply <- result{conn, err}
	})

	select {
	case r := <-reply:
		return r.conn, r.err
	case <-h.a.done:
		return nil, ErrClosed
	}
}

func (h signalHandler) OnServerConnected(serverURL, selfID string) {
	h.a.post(func() { h.a.handleServerConnected(serverURL, selfID) })
}

func (h signalHandler) OnServerDisconnect(serverURL string) {
	log.Warnf("Lost signaling server %s", serverURL)
}

func (h signalHandler) OnTargetNotFound(serverURL, peerID string) {
	h.a.post(func() { h.a.handleTargetNotFound(serverURL, peerID) })
}
