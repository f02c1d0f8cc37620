package rtc

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v3"
)

var log = logging.Logger("peermesh/rtc")

// ICE servers for NAT traversal
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// PionEngine creates WebRTC peer connections.
type PionEngine struct {
	config webrtc.Configuration
}

// NewPionEngine builds the WebRTC configuration from iceConfig.
func NewPionEngine(iceConfig ICEConfig) *PionEngine {
	iceServers := make([]webrtc.ICEServer, 0)

	if !iceConfig.ForceRelay {
		iceServers = append(iceServers, defaultICEServers...)
	}

	if iceConfig.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{iceConfig.TURNServer},
		}
		if iceConfig.TURNUser != "" {
			turnServer.Username = iceConfig.TURNUser
			turnServer.Credential = iceConfig.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if iceConfig.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return &PionEngine{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: iceTransportPolicy,
		},
	}
}

// Configuration returns the configuration new connections are created with.
func (e *PionEngine) Configuration() webrtc.Configuration {
	return e.config
}

func (e *PionEngine) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionConnection{pc: pc}, nil
}

type pionConnection struct {
	pc *webrtc.PeerConnection
}

func (c *pionConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConnection) CreateOffer() (SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (c *pionConnection) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (c *pionConnection) SetLocalDescription(desc SessionDescription) error {
	return c.pc.SetLocalDescription(toPionDescription(desc))
}

func (c *pionConnection) SetRemoteDescription(desc SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDescription(desc))
}

func (c *pionConnection) LocalDescription() *SessionDescription {
	desc := c.pc.LocalDescription()
	if desc == nil {
		return nil
	}
	out := fromPionDescription(*desc)
	return &out
}

func (c *pionConnection) AddICECandidate(candidate ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *pionConnection) OnICECandidate(f func(*ICECandidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f(nil)
			return
		}
		cand := candidate.ToJSON()
		f(&ICECandidate{
			Candidate:        cand.Candidate,
			SDPMid:           cand.SDPMid,
			SDPMLineIndex:    cand.SDPMLineIndex,
			UsernameFragment: cand.UsernameFragment,
		})
	})
}

func (c *pionConnection) OnICEConnectionStateChange(f func(ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debugf("ICE connection state: %s", state.String())
		f(ICEConnectionState(state.String()))
	})
}

func (c *pionConnection) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionChannel{dc: dc})
	})
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) OnOpen(f func()) { c.dc.OnOpen(f) }

func (c *pionChannel) OnClose(f func()) { c.dc.OnClose(f) }

func (c *pionChannel) OnMessage(f func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (c *pionChannel) SendText(s string) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}
	return c.dc.SendText(s)
}

func (c *pionChannel) Close() error { return c.dc.Close() }

func toPionDescription(desc SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}

func fromPionDescription(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: SDPType(desc.Type.String()),
		SDP:  desc.SDP,
	}
}
