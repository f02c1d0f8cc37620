// Package rtc is the boundary between the mesh and the point-to-point
// transport. The mesh only needs offer/answer, ICE candidates and text
// data channels; PionEngine provides them over WebRTC and MemoryEngine
// provides them in-process.
package rtc

import "errors"

// ErrChannelClosed is returned when sending on a data channel that is
// not open.
var ErrChannelClosed = errors.New("data channel closed")

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription uses the browser JSON shape so descriptions can be
// relayed to non-Go peers unchanged.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate uses the browser RTCIceCandidateInit JSON shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICEConnectionState mirrors the W3C connection states.
type ICEConnectionState string

const (
	ICEConnectionStateNew          ICEConnectionState = "new"
	ICEConnectionStateChecking     ICEConnectionState = "checking"
	ICEConnectionStateConnected    ICEConnectionState = "connected"
	ICEConnectionStateCompleted    ICEConnectionState = "completed"
	ICEConnectionStateDisconnected ICEConnectionState = "disconnected"
	ICEConnectionStateFailed       ICEConnectionState = "failed"
	ICEConnectionStateClosed       ICEConnectionState = "closed"
)

// Terminal reports whether the state means the connection is gone.
func (s ICEConnectionState) Terminal() bool {
	switch s {
	case ICEConnectionStateDisconnected, ICEConnectionStateFailed, ICEConnectionStateClosed:
		return true
	}
	return false
}

// Engine creates peer connections.
type Engine interface {
	NewPeerConnection() (PeerConnection, error)
}

// PeerConnection is one side of a point-to-point connection. Callbacks
// run on transport goroutines and must not block.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	LocalDescription() *SessionDescription
	AddICECandidate(candidate ICECandidate) error

	// OnICECandidate is called for every gathered candidate and once with
	// nil when gathering is complete.
	OnICECandidate(f func(*ICECandidate))
	OnICEConnectionStateChange(f func(ICEConnectionState))
	// OnDataChannel is called when the remote side opens a channel.
	// Handlers registered on the channel inside f see its open event.
	OnDataChannel(f func(DataChannel))

	Close() error
}

// DataChannel carries text messages between two peers.
type DataChannel interface {
	Label() string
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte))
	SendText(s string) error
	Close() error
}
