package mesh

import (
	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/rtc"
)

type linkState int

const (
	linkOffering linkState = iota
	linkAnswering
	linkOpen
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkOffering:
		return "offering"
	case linkAnswering:
		return "answering"
	case linkOpen:
		return "open"
	case linkClosed:
		return "closed"
	}
	return "unknown"
}

// link is the connection to one remote address. Events from a link that
// is no longer the table entry for its address are stale and ignored.
type link struct {
	address peer.Address
	// canonical is the address the peer announced for itself, which
	// differs from address when we reached it through a foreign server.
	canonical peer.Address
	conn      rtc.PeerConnection
	channel   rtc.DataChannel
	state     linkState
	outbound  bool
}

func newLink(address peer.Address, conn rtc.PeerConnection, outbound bool) *link {
	state := linkAnswering
	if outbound {
		state = linkOffering
	}
	return &link{address: address, conn: conn, state: state, outbound: outbound}
}

// identifies reports whether addr names the peer on the other end.
func (l *link) identifies(addr peer.Address) bool {
	return l.address == addr || (!l.canonical.IsZero() && l.canonical == addr)
}
