// Package mesh builds a self-expanding mesh of peer connections. Each
// node joins a signaling server, connects to its bootstrap peers and then
// discovers further peers within range through the peers it is linked to.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/rtc"
	"github.com/tomaslejdung/peermesh/pkg/signal"
)

var log = logging.Logger("peermesh/mesh")

var (
	// ErrAlreadyConnected is returned by Connect on an adapter that is
	// connecting or connected.
	ErrAlreadyConnected = errors.New("mesh adapter already connected")
	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("mesh adapter closed")
	// ErrOfferCollision refuses an inbound offer while our own offer to
	// the same peer takes precedence.
	ErrOfferCollision = errors.New("concurrent offer collision")
)

// Connect status strings reported by GetConnectStatus.
const (
	StatusConnected    = "IS_CONNECTED"
	StatusNotConnected = "NOT_CONNECTED"
)

// DefaultSignalServerURL is used when no signaling server is configured.
const DefaultSignalServerURL = "ws://localhost:8080/ws"

// DefaultRange is the discovery range of a node that sets none.
const DefaultRange = 100

// Config holds the adapter settings. Addresses, credentials and the
// server URL may also be changed with setters until Connect.
type Config struct {
	SignalServerURL string
	BootstrapPeers  []peer.Address
	Credentials     signal.Credentials
	Position        peer.Position
	Range           float64
	Reconnect       signal.ReconnectPolicy

	// ConnectPollInterval and ConnectPollAttempts bound how long an offer
	// waits for its signaling server. Zero keeps the channel defaults.
	ConnectPollInterval time.Duration
	ConnectPollAttempts int
}

// DefaultConfig returns a configuration with generated credentials.
func DefaultConfig() Config {
	return Config{
		SignalServerURL: DefaultSignalServerURL,
		Credentials:     signal.NewCredentials(),
		Range:           DefaultRange,
		Reconnect:       signal.DefaultReconnectPolicy(),
	}
}

type adapterState int

const (
	stateNotConnected adapterState = iota
	stateConnecting
	stateConnected
	stateClosed
)

type listeners struct {
	connectSuccess func(peer.Address)
	connectFailure func(error)
	occupants      func(map[peer.Address]bool)
	open           func(peer.Address)
	closed         func(peer.Address)
	message        func(peer.Address, string, json.RawMessage)
	peersChanged   func([]peer.Data)
}

// Adapter is one mesh node. Transport callbacks and public calls post
// tasks to a single event loop that owns the link table and the peer
// registry; status and send queries read the link table directly.
type Adapter struct {
	engine  rtc.Engine
	channel *signal.Channel
	queue   *taskQueue
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.RWMutex
	cfg       Config
	state     adapterState
	self      peer.Address
	links     map[peer.Address]*link
	occupants map[peer.Address]bool
	listeners listeners

	// Owned by the event loop.
	peers         *peer.Manager
	selfIDs       map[string]string
	pendingStarts map[peer.Address]bool
	position      peer.Position
	rng           float64
}

// New creates an adapter that opens its connections with engine.
func New(engine rtc.Engine, cfg Config) *Adapter {
	if cfg.SignalServerURL == "" {
		cfg.SignalServerURL = DefaultSignalServerURL
	}
	if cfg.Credentials.Email == "" {
		cfg.Credentials = signal.NewCredentials()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		engine:        engine,
		queue:         newTaskQueue(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		cfg:           cfg,
		links:         make(map[peer.Address]*link),
		occupants:     make(map[peer.Address]bool),
		peers:         peer.NewManager(),
		selfIDs:       make(map[string]string),
		pendingStarts: make(map[peer.Address]bool),
		position:      cfg.Position,
		rng:           cfg.Range,
	}
	a.channel = signal.NewChannel(signalHandler{a},
		signal.WithReconnectPolicy(cfg.Reconnect),
		signal.WithConnectWait(cfg.ConnectPollInterval, cfg.ConnectPollAttempts))

	go a.loop()
	return a
}

func (a *Adapter) loop() {
	for {
		select {
		case <-a.done:
			return
		case <-a.queue.wake:
		}
		for _, task := range a.queue.drain() {
			if a.isClosed() {
				return
			}
			task()
		}
	}
}

func (a *Adapter) post(task func()) {
	a.queue.push(task)
}

// SetSignalServerURL sets the primary signaling server.
func (a *Adapter) SetSignalServerURL(url string) {
	a.mu.Lock()
	a.cfg.SignalServerURL = url
	a.mu.Unlock()
}

// SetServerPeerURLs sets the bootstrap peers from a comma separated list
// of peer addresses.
func (a *Adapter) SetServerPeerURLs(csv string) error {
	addrs, err := peer.ParseAddressList(csv)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg.BootstrapPeers = addrs
	a.mu.Unlock()
	return nil
}

// SetCredentials sets the identity and secret used for every server.
func (a *Adapter) SetCredentials(creds signal.Credentials) {
	a.mu.Lock()
	a.cfg.Credentials = creds
	a.mu.Unlock()
}

func (a *Adapter) credentials() signal.Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Credentials
}

// SetServerConnectListeners registers the callbacks for the primary
// server handshake.
func (a *Adapter) SetServerConnectListeners(onSuccess func(self peer.Address), onFailure func(error)) {
	a.mu.Lock()
	a.listeners.connectSuccess = onSuccess
	a.listeners.connectFailure = onFailure
	a.mu.Unlock()
}

// SetRoomOccupantListener registers a callback receiving every known
// peer and whether its data channel is open.
func (a *Adapter) SetRoomOccupantListener(onChange func(map[peer.Address]bool)) {
	a.mu.Lock()
	a.listeners.occupants = onChange
	a.mu.Unlock()
}

// SetDataChannelListeners registers the data channel callbacks. The
// message callback receives every data type not used for discovery.
func (a *Adapter) SetDataChannelListeners(onOpen, onClose func(peer.Address), onMessage func(from peer.Address, dataType string, data json.RawMessage)) {
	a.mu.Lock()
	a.listeners.open = onOpen
	a.listeners.closed = onClose
	a.listeners.message = onMessage
	a.mu.Unlock()
}

// SetPeersChangedListener registers a callback receiving the changes in
// the set of peers within range of this node.
func (a *Adapter) SetPeersChangedListener(onChange func([]peer.Data)) {
	a.mu.Lock()
	a.listeners.peersChanged = onChange
	a.mu.Unlock()
}

func (a *Adapter) getListeners() listeners {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.listeners
}

// Connect joins the primary signaling server. Completion is reported
// through the server connect listeners. A failed handshake leaves the
// adapter ready for another Connect.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	switch a.state {
	case stateConnecting, stateConnected:
		a.mu.Unlock()
		return ErrAlreadyConnected
	case stateClosed:
		a.mu.Unlock()
		return ErrClosed
	}
	a.state = stateConnecting
	url, creds := a.cfg.SignalServerURL, a.cfg.Credentials
	a.mu.Unlock()

	err := a.channel.AddServer(url, creds,
		func(url, selfID string) {
			a.post(func() { a.handleConnected(url, selfID) })
		},
		func(err error) {
			a.post(func() { a.handleConnectFailed(err) })
		})
	if err != nil {
		a.mu.Lock()
		if a.state == stateConnecting {
			a.state = stateNotConnected
		}
		a.mu.Unlock()
		return fmt.Errorf("join %s: %w", url, err)
	}
	return nil
}

func (a *Adapter) handleConnected(url, selfID string) {
	self := peer.NewAddress(url, selfID)

	a.mu.Lock()
	a.state = stateConnected
	a.self = self
	bootstrap := append([]peer.Address(nil), a.cfg.BootstrapPeers...)
	a.mu.Unlock()

	a.selfIDs[url] = selfID
	a.registerSelf()
	log.Infof("Joined mesh as %s", self)

	for _, addr := range bootstrap {
		a.startConnection(addr, false)
	}

	if l := a.getListeners(); l.connectSuccess != nil {
		l.connectSuccess(self)
	}
}

func (a *Adapter) handleConnectFailed(err error) {
	a.mu.Lock()
	if a.state == stateConnecting {
		a.state = stateNotConnected
	}
	url := a.cfg.SignalServerURL
	a.mu.Unlock()

	log.Warnf("Connecting to %s failed: %v", url, err)
	if l := a.getListeners(); l.connectFailure != nil {
		l.connectFailure(err)
	}
}

// Disconnect closes every link and the signaling servers. The adapter
// cannot be reused.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.state == stateClosed {
		a.mu.Unlock()
		return
	}
	a.state = stateClosed
	links := a.links
	a.links = make(map[peer.Address]*link)
	var opened []peer.Address
	var channels []rtc.DataChannel
	var conns []rtc.PeerConnection
	for addr, l := range links {
		if l.state == linkOpen {
			opened = append(opened, addr)
			a.occupants[addr] = false
		}
		if l.channel != nil {
			channels = append(channels, l.channel)
		}
		conns = append(conns, l.conn)
		l.state = linkClosed
	}
	occupants := a.occupantsLocked()
	a.mu.Unlock()

	a.cancel()
	close(a.done)

	for _, ch := range channels {
		ch.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	a.channel.Close()
	log.Infof("Disconnected, closed %d links", len(links))

	ls := a.getListeners()
	for _, addr := range opened {
		if ls.closed != nil {
			ls.closed(addr)
		}
	}
	if len(opened) > 0 && ls.occupants != nil {
		ls.occupants(occupants)
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state == stateClosed
}

// SelfAddress returns this node's address on its primary server, or the
// zero address before the handshake.
func (a *Adapter) SelfAddress() peer.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

// Occupants returns every peer this node has linked to and whether its
// data channel is currently open.
func (a *Adapter) Occupants() map[peer.Address]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.occupantsLocked()
}

func (a *Adapter) occupantsLocked() map[peer.Address]bool {
	out := make(map[peer.Address]bool, len(a.occupants))
	for addr, open := range a.occupants {
		out[addr] = open
	}
	return out
}

// ShouldStartConnectionTo reports whether no link to addr exists yet.
func (a *Adapter) ShouldStartConnectionTo(addr peer.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state == stateClosed || addr == a.self {
		return false
	}
	_, exists := a.links[addr]
	return !exists
}

// StartStreamConnection opens a link to addr, joining its signaling
// server first if needed. An existing link to addr is closed instead.
func (a *Adapter) StartStreamConnection(addr peer.Address) {
	a.post(func() { a.startConnection(addr, true) })
}

// CloseStreamConnection closes the link to addr, if any.
func (a *Adapter) CloseStreamConnection(addr peer.Address) {
	a.post(func() {
		if l := a.link(addr); l != nil {
			log.Infof("Closing link to %s", addr)
			a.closeLink(l)
		}
	})
}

// GetConnectStatus returns StatusConnected while the data channel to
// addr is open.
func (a *Adapter) GetConnectStatus(addr peer.Address) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if l, ok := a.links[addr]; ok && l.state == linkOpen {
		return StatusConnected
	}
	return StatusNotConnected
}

// SendData sends data to addr as JSON. It is dropped when no data
// channel to addr is open; only encoding errors are returned.
func (a *Adapter) SendData(addr peer.Address, dataType string, data any) error {
	text, err := encodeDataMessage(dataType, data)
	if err != nil {
		return err
	}

	a.mu.RLock()
	var ch rtc.DataChannel
	if l, ok := a.links[addr]; ok && l.state == linkOpen {
		ch = l.channel
	}
	a.mu.RUnlock()

	if ch == nil {
		log.Debugf("Dropping %s for %s: not connected", dataType, addr)
		return nil
	}
	if err := ch.SendText(text); err != nil {
		log.Debugf("Sending %s to %s failed: %v", dataType, addr, err)
	}
	return nil
}

// SendDataGuaranteed is SendData; data channels are already reliable.
func (a *Adapter) SendDataGuaranteed(addr peer.Address, dataType string, data any) error {
	return a.SendData(addr, dataType, data)
}

// BroadcastData sends data to every open data channel.
func (a *Adapter) BroadcastData(dataType string, data any) error {
	text, err := encodeDataMessage(dataType, data)
	if err != nil {
		return err
	}

	a.mu.RLock()
	targets := make(map[peer.Address]rtc.DataChannel, len(a.links))
	for addr, l := range a.links {
		if l.state == linkOpen {
			targets[addr] = l.channel
		}
	}
	a.mu.RUnlock()

	for addr, ch := range targets {
		if err := ch.SendText(text); err != nil {
			log.Debugf("Broadcasting %s to %s failed: %v", dataType, addr, err)
		}
	}
	return nil
}

// BroadcastDataGuaranteed is BroadcastData.
func (a *Adapter) BroadcastDataGuaranteed(dataType string, data any) error {
	return a.BroadcastData(dataType, data)
}

// SetPosition moves this node and re-announces it to every linked peer.
func (a *Adapter) SetPosition(p peer.Position) {
	a.post(func() {
		a.position = p
		a.registerSelf()
		a.announceAll()
	})
}

// SetRange changes the discovery range and re-announces this node.
func (a *Adapter) SetRange(r float64) {
	a.post(func() {
		a.rng = r
		a.registerSelf()
		a.announceAll()
	})
}
