package rtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	_ Engine         = (*PionEngine)(nil)
	_ Engine         = (*MemoryEngine)(nil)
	_ PeerConnection = (*memoryConnection)(nil)
	_ DataChannel    = (*memoryChannel)(nil)
)

const memorySDPPrefix = "v=0 memory "

// MemoryEngine connects peer connections created from the same engine
// inside one process. An offer carries the offerer's id; applying the
// matching answer on the offerer links the two connections, reports them
// connected and opens every data channel the offerer created. Closing a
// connection closes its channels on both sides and reports the remote
// connection disconnected.
type MemoryEngine struct {
	mu      sync.Mutex
	next    int
	offers  map[string]*memoryConnection
	answers map[string]*memoryConnection
}

// NewMemoryEngine returns an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		offers:  make(map[string]*memoryConnection),
		answers: make(map[string]*memoryConnection),
	}
}

func (e *MemoryEngine) NewPeerConnection() (PeerConnection, error) {
	e.mu.Lock()
	e.next++
	id := fmt.Sprintf("mem-%d", e.next)
	e.mu.Unlock()
	return &memoryConnection{engine: e, id: id, state: ICEConnectionStateNew}, nil
}

func (e *MemoryEngine) register(kind SDPType, c *memoryConnection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == SDPTypeAnswer {
		e.answers[c.id] = c
	} else {
		e.offers[c.id] = c
	}
}

func (e *MemoryEngine) unregister(c *memoryConnection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.offers, c.id)
	delete(e.answers, c.id)
}

func (e *MemoryEngine) lookup(kind SDPType, id string) *memoryConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == SDPTypeAnswer {
		return e.answers[id]
	}
	return e.offers[id]
}

func (e *MemoryEngine) establish(offerer, answerer *memoryConnection, channels []*memoryChannel) {
	offerer.setState(ICEConnectionStateConnected)
	answerer.setState(ICEConnectionStateConnected)
	for _, ch := range channels {
		pairChannel(ch, answerer)
	}
}

// pairChannel creates ch's remote end on remote, hands it to remote's
// data channel handler and then opens both ends.
func pairChannel(ch *memoryChannel, remote *memoryConnection) {
	twin := newMemoryChannel(ch.label)
	twin.peer = ch
	ch.mu.Lock()
	ch.peer = twin
	ch.mu.Unlock()

	remote.mu.Lock()
	if remote.closed {
		remote.mu.Unlock()
		ch.Close()
		return
	}
	remote.channels = append(remote.channels, twin)
	handler := remote.onDataChannel
	remote.mu.Unlock()

	if handler != nil {
		handler(twin)
	}
	twin.open()
	ch.open()
}

type memoryConnection struct {
	engine *MemoryEngine
	id     string

	mu            sync.Mutex
	local         *SessionDescription
	remoteDesc    *SessionDescription
	remote        *memoryConnection
	channels      []*memoryChannel
	linked        bool
	closed        bool
	state         ICEConnectionState
	onCandidate   func(*ICECandidate)
	onState       func(ICEConnectionState)
	onDataChannel func(DataChannel)
}

func (c *memoryConnection) CreateDataChannel(label string) (DataChannel, error) {
	ch := newMemoryChannel(label)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	c.channels = append(c.channels, ch)
	linked, remote := c.linked, c.remote
	c.mu.Unlock()

	if linked {
		go pairChannel(ch, remote)
	}
	return ch, nil
}

func (c *memoryConnection) CreateOffer() (SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SessionDescription{}, errors.New("connection closed")
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: memorySDPPrefix + c.id}, nil
}

func (c *memoryConnection) CreateAnswer() (SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SessionDescription{}, errors.New("connection closed")
	}
	if c.remoteDesc == nil || c.remoteDesc.Type != SDPTypeOffer {
		return SessionDescription{}, errors.New("no remote offer")
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: memorySDPPrefix + c.id}, nil
}

func (c *memoryConnection) SetLocalDescription(desc SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.local = &desc
	c.mu.Unlock()

	c.engine.register(desc.Type, c)
	go c.gather()
	return nil
}

// gather reports one host candidate followed by end-of-candidates.
func (c *memoryConnection) gather() {
	c.mu.Lock()
	handler := c.onCandidate
	c.mu.Unlock()
	if handler == nil {
		return
	}
	mid := "0"
	handler(&ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host",
		SDPMid:    &mid,
	})
	handler(nil)
}

func (c *memoryConnection) SetRemoteDescription(desc SessionDescription) error {
	id, ok := strings.CutPrefix(desc.SDP, memorySDPPrefix)
	if !ok {
		return fmt.Errorf("unrecognized session description %q", desc.SDP)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.mu.Unlock()

	switch desc.Type {
	case SDPTypeOffer:
		offerer := c.engine.lookup(SDPTypeOffer, id)
		if offerer == nil {
			return fmt.Errorf("no pending offer %s", id)
		}
		c.mu.Lock()
		c.remoteDesc = &desc
		c.remote = offerer
		c.mu.Unlock()
		return nil
	case SDPTypeAnswer:
		answerer := c.engine.lookup(SDPTypeAnswer, id)
		if answerer == nil {
			return fmt.Errorf("no pending answer %s", id)
		}
		answerer.mu.Lock()
		answerer.remote = c
		answerer.linked = true
		answerer.mu.Unlock()

		c.mu.Lock()
		c.remoteDesc = &desc
		c.remote = answerer
		c.linked = true
		channels := append([]*memoryChannel(nil), c.channels...)
		c.mu.Unlock()

		go c.engine.establish(c, answerer, channels)
		return nil
	default:
		return fmt.Errorf("unsupported description type %q", desc.Type)
	}
}

func (c *memoryConnection) LocalDescription() *SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	desc := *c.local
	return &desc
}

func (c *memoryConnection) AddICECandidate(candidate ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	if candidate.Candidate == "" {
		return errors.New("empty candidate")
	}
	return nil
}

func (c *memoryConnection) OnICECandidate(f func(*ICECandidate)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *memoryConnection) OnICEConnectionStateChange(f func(ICEConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *memoryConnection) OnDataChannel(f func(DataChannel)) {
	c.mu.Lock()
	c.onDataChannel = f
	c.mu.Unlock()
}

func (c *memoryConnection) setState(s ICEConnectionState) {
	c.mu.Lock()
	if c.state == s || (c.closed && s != ICEConnectionStateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(s)
	}
}

func (c *memoryConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := append([]*memoryChannel(nil), c.channels...)
	remote := c.remote
	c.mu.Unlock()

	c.engine.unregister(c)
	for _, ch := range channels {
		ch.Close()
	}
	go func() {
		c.setState(ICEConnectionStateClosed)
		if remote != nil {
			remote.setState(ICEConnectionStateDisconnected)
		}
	}()
	return nil
}

type memoryChannel struct {
	label string
	inbox chan []byte
	done  chan struct{}

	mu        sync.Mutex
	peer      *memoryChannel
	opened    bool
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func newMemoryChannel(label string) *memoryChannel {
	return &memoryChannel{
		label: label,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
}

func (c *memoryChannel) Label() string { return c.label }

func (c *memoryChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	open := c.opened && !c.closed
	c.mu.Unlock()
	if open {
		go f()
	}
}

func (c *memoryChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *memoryChannel) OnMessage(f func(data []byte)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

func (c *memoryChannel) open() {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return
	}
	c.opened = true
	handler := c.onOpen
	c.mu.Unlock()

	if handler != nil {
		handler()
	}
	go c.deliver()
}

func (c *memoryChannel) deliver() {
	for {
		select {
		case data := <-c.inbox:
			c.mu.Lock()
			handler := c.onMessage
			c.mu.Unlock()
			if handler != nil {
				handler(data)
			}
		case <-c.done:
			return
		}
	}
}

func (c *memoryChannel) SendText(s string) error {
	c.mu.Lock()
	ok := c.opened && !c.closed
	peer := c.peer
	c.mu.Unlock()
	if !ok || peer == nil {
		return ErrChannelClosed
	}
	select {
	case <-peer.done:
		return ErrChannelClosed
	case peer.inbox <- []byte(s):
		return nil
	}
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	handler := c.onClose
	peer := c.peer
	c.mu.Unlock()

	if handler != nil {
		go handler()
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}
