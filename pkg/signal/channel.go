package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomaslejdung/peermesh/pkg/rtc"
)

var (
	// ErrConnectTimeout is returned by Offer when the server's client does
	// not reach CONNECTED in time.
	ErrConnectTimeout = errors.New("timed out waiting for signaling server")
	// ErrNoPendingExchange is returned for an ANSWER or ICE_CANDIDATE that
	// matches no offer in flight.
	ErrNoPendingExchange = errors.New("no pending exchange")
	// ErrChannelClosed is returned after Close.
	ErrChannelClosed = errors.New("signaling channel closed")
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultPollAttempts = 50
)

// Handler receives the events a Channel cannot handle on its own. Methods
// are called from client read goroutines and must not call back into
// Offer while blocking.
type Handler interface {
	// OnOffer returns the connection that will answer an offer from
	// peerID on serverURL.
	OnOffer(serverURL, peerID string, offer rtc.SessionDescription) (rtc.PeerConnection, error)
	// OnServerConnected fires on every successful handshake, reconnects
	// included.
	OnServerConnected(serverURL, selfID string)
	OnServerDisconnect(serverURL string)
	// OnTargetNotFound fires when the server could not deliver to peerID.
	OnTargetNotFound(serverURL, peerID string)
}

// exchangeKey identifies one offer/answer exchange.
type exchangeKey struct {
	ServerURL string
	LocalID   string
	RemoteID  string
}

func (k exchangeKey) String() string {
	return k.ServerURL + "/" + k.LocalID + "-" + k.RemoteID
}

// exchange is a connection waiting for its answer or remote candidates.
// Local candidates are held until our description has gone out so the
// remote never sees a candidate before the offer or answer.
type exchange struct {
	conn     rtc.PeerConnection
	client   *Client
	remoteID string

	mu        sync.Mutex
	described bool
	queued    []*rtc.ICECandidate
}

func (x *exchange) forwardCandidate(c *rtc.ICECandidate) {
	x.mu.Lock()
	if !x.described {
		x.queued = append(x.queued, c)
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()
	x.sendCandidate(c)
}

func (x *exchange) markDescribed() {
	x.mu.Lock()
	x.described = true
	queued := x.queued
	x.queued = nil
	x.mu.Unlock()

	for _, c := range queued {
		x.sendCandidate(c)
	}
}

func (x *exchange) sendCandidate(c *rtc.ICECandidate) {
	if err := x.client.Send(x.remoteID, ContentICECandidate, c); err != nil {
		log.Debugf("Forwarding ICE candidate to %s failed: %v", x.remoteID, err)
	}
}

// serverEntry is the Channel's bookkeeping for one signaling server.
type serverEntry struct {
	client      *Client
	onConnected []func(url, selfID string)
	onFailed    []func(error)
	backoff     backoff.BackOff
	timer       *time.Timer
	retrying    bool
}

// Channel coordinates one Client per signaling server and carries the
// offer/answer/candidate traffic for peer connections.
type Channel struct {
	handler      Handler
	policy       ReconnectPolicy
	pollInterval time.Duration
	pollAttempts int

	mu        sync.Mutex
	servers   map[string]*serverEntry
	exchanges map[exchangeKey]*exchange
	closed    bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithReconnectPolicy replaces the default reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) ChannelOption {
	return func(c *Channel) { c.policy = p }
}

// WithConnectWait sets how Offer polls for a server to become connected.
func WithConnectWait(interval time.Duration, attempts int) ChannelOption {
	return func(c *Channel) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if attempts > 0 {
			c.pollAttempts = attempts
		}
	}
}

// NewChannel creates a Channel reporting to handler.
func NewChannel(handler Handler, opts ...ChannelOption) *Channel {
	c := &Channel{
		handler:      handler,
		policy:       DefaultReconnectPolicy(),
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
		servers:      make(map[string]*serverEntry),
		exchanges:    make(map[exchangeKey]*exchange),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddServer joins the server at url, reusing an existing client. The
// onConnected callback fires once, when that client is next CONNECTED
// (immediately if it already is); onFailed fires instead if that connect
// attempt fails. Either may be nil.
func (c *Channel) AddServer(url string, credentials Credentials, onConnected func(url, selfID string), onFailed func(error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	entry := c.servers[url]
	if entry == nil {
		entry = &serverEntry{backoff: c.policy.NewBackOff()}
		entry.client = NewClient(url, credentials, c.clientCallbacks(url, entry))
		c.servers[url] = entry
	}

	state := entry.client.State()
	if state == StateConnected {
		id := entry.client.ID()
		c.mu.Unlock()
		if onConnected != nil {
			go onConnected(url, id)
		}
		return nil
	}
	if onConnected != nil {
		entry.onConnected = append(entry.onConnected, onConnected)
	}
	if onFailed != nil {
		entry.onFailed = append(entry.onFailed, onFailed)
	}
	c.mu.Unlock()

	if state == StateConnecting {
		return nil
	}
	if err := entry.client.Connect(); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	return nil
}

func (c *Channel) clientCallbacks(url string, entry *serverEntry) ClientCallbacks {
	return ClientCallbacks{
		OnConnected: func(id string) {
			c.mu.Lock()
			entry.backoff.Reset()
			entry.retrying = false
			callbacks := entry.onConnected
			entry.onConnected = nil
			entry.onFailed = nil
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}

			c.handler.OnServerConnected(url, id)
			for _, cb := range callbacks {
				cb(url, id)
			}
		},
		OnConnectFailed: func(err error) {
			c.mu.Lock()
			callbacks := entry.onFailed
			entry.onFailed = nil
			entry.onConnected = nil
			retrying := entry.retrying
			c.mu.Unlock()

			for _, cb := range callbacks {
				cb(err)
			}
			if retrying {
				c.scheduleReconnect(url, entry)
			}
		},
		OnConnectionError: func(err error) {
			log.Warnf("Signaling server %s connection error: %v", url, err)
		},
		OnDisconnect: func() {
			if c.isClosed() {
				return
			}
			c.handler.OnServerDisconnect(url)
			c.scheduleReconnect(url, entry)
		},
		OnReceive: func(sourceID string, contentType ContentType, content json.RawMessage) error {
			return c.receive(url, entry.client, sourceID, contentType, content)
		},
	}
}

// scheduleReconnect arms the next reconnect attempt for entry according
// to the policy.
func (c *Channel) scheduleReconnect(url string, entry *serverEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.servers[url] != entry || c.policy.Disabled() {
		return
	}
	delay := entry.backoff.NextBackOff()
	if delay == backoff.Stop {
		log.Warnf("Giving up reconnecting to %s", url)
		entry.retrying = false
		return
	}
	entry.retrying = true
	log.Infof("Reconnecting to %s in %s", url, delay)
	entry.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.closed || c.servers[url] != entry
		c.mu.Unlock()
		if stale {
			return
		}
		if err := entry.client.Connect(); err != nil {
			log.Debugf("Reconnect to %s skipped: %v", url, err)
		}
	})
}

// Offer waits for the client of serverURL to be connected, then sends an
// offer for conn to peerID and forwards conn's ICE candidates to it.
func (c *Channel) Offer(ctx context.Context, serverURL, peerID string, conn rtc.PeerConnection) error {
	c.mu.Lock()
	entry, closed := c.servers[serverURL], c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, serverURL)
	}
	if err := c.waitConnected(ctx, entry.client); err != nil {
		return err
	}

	key := exchangeKey{ServerURL: serverURL, LocalID: entry.client.ID(), RemoteID: peerID}
	x := &exchange{conn: conn, client: entry.client, remoteID: peerID}
	c.mu.Lock()
	c.exchanges[key] = x
	c.mu.Unlock()

	conn.OnICECandidate(x.forwardCandidate)

	offer, err := conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", key, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", key, err)
	}
	desc := conn.LocalDescription()
	if desc == nil {
		desc = &offer
	}
	if err := entry.client.Send(peerID, ContentOffer, desc); err != nil {
		return fmt.Errorf("send offer for %s: %w", key, err)
	}
	x.markDescribed()
	log.Debugf("Offer sent for %s", key)
	return nil
}

func (c *Channel) waitConnected(ctx context.Context, client *Client) error {
	if client.State() == StateConnected {
		return nil
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if client.State() == StateConnected {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not connected after %s", ErrConnectTimeout,
		client.URL(), time.Duration(c.pollAttempts)*c.pollInterval)
}

func (c *Channel) receive(url string, client *Client, sourceID string, contentType ContentType, content json.RawMessage) error {
	switch contentType {
	case ContentOffer:
		return c.handleOffer(url, client, sourceID, content)
	case ContentAnswer:
		return c.handleAnswer(url, client, sourceID, content)
	case ContentICECandidate:
		return c.handleCandidate(url, client, sourceID, content)
	case ContentTargetNotFound:
		log.Infof("Peer %s not found on %s", sourceID, url)
		c.handler.OnTargetNotFound(url, sourceID)
		return nil
	default:
		return fmt.Errorf("unknown content type %q from %s", contentType, sourceID)
	}
}

func (c *Channel) handleOffer(url string, client *Client, sourceID string, content json.RawMessage) error {
	var offer rtc.SessionDescription
	if err := json.Unmarshal(content, &offer); err != nil {
		return fmt.Errorf("decode offer from %s: %w", sourceID, err)
	}
	if c.isClosed() {
		return ErrChannelClosed
	}

	conn, err := c.handler.OnOffer(url, sourceID, offer)
	if err != nil {
		return fmt.Errorf("offer from %s refused: %w", sourceID, err)
	}

	key := exchangeKey{ServerURL: url, LocalID: client.ID(), RemoteID: sourceID}
	x := &exchange{conn: conn, client: client, remoteID: sourceID}
	c.mu.Lock()
	c.exchanges[key] = x
	c.mu.Unlock()

	conn.OnICECandidate(x.forwardCandidate)

	answer, err := c.answer(conn, offer)
	if err != nil {
		c.abandon(key, x)
		return fmt.Errorf("answer %s: %w", key, err)
	}
	if err := client.Send(sourceID, ContentAnswer, answer); err != nil {
		c.abandon(key, x)
		return fmt.Errorf("send answer for %s: %w", key, err)
	}
	x.markDescribed()
	log.Debugf("Answer sent for %s", key)
	return nil
}

func (c *Channel) answer(conn rtc.PeerConnection, offer rtc.SessionDescription) (*rtc.SessionDescription, error) {
	if err := conn.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		return nil, err
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	if desc := conn.LocalDescription(); desc != nil {
		return desc, nil
	}
	return &answer, nil
}

// abandon drops an exchange that failed half way and closes its
// connection, which the connection's owner observes as a closed state.
func (c *Channel) abandon(key exchangeKey, x *exchange) {
	c.mu.Lock()
	if c.exchanges[key] == x {
		delete(c.exchanges, key)
	}
	c.mu.Unlock()
	x.conn.Close()
}

func (c *Channel) handleAnswer(url string, client *Client, sourceID string, content json.RawMessage) error {
	var answer rtc.SessionDescription
	if err := json.Unmarshal(content, &answer); err != nil {
		return fmt.Errorf("decode answer from %s: %w", sourceID, err)
	}
	x, key := c.lookup(url, client, sourceID)
	if x == nil {
		return fmt.Errorf("%w: answer for %s", ErrNoPendingExchange, key)
	}
	return x.conn.SetRemoteDescription(answer)
}

func (c *Channel) handleCandidate(url string, client *Client, sourceID string, content json.RawMessage) error {
	if bytes.Equal(bytes.TrimSpace(content), []byte("null")) {
		return nil
	}
	var candidate rtc.ICECandidate
	if err := json.Unmarshal(content, &candidate); err != nil {
		return fmt.Errorf("decode ICE candidate from %s: %w", sourceID, err)
	}
	x, key := c.lookup(url, client, sourceID)
	if x == nil {
		return fmt.Errorf("%w: ICE candidate for %s", ErrNoPendingExchange, key)
	}
	return x.conn.AddICECandidate(candidate)
}

func (c *Channel) lookup(url string, client *Client, sourceID string) (*exchange, exchangeKey) {
	key := exchangeKey{ServerURL: url, LocalID: client.ID(), RemoteID: sourceID}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges[key], key
}

// RemoveConnection forgets every exchange that refers to conn.
func (c *Channel) RemoveConnection(conn rtc.PeerConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, x := range c.exchanges {
		if x.conn == conn {
			delete(c.exchanges, key)
		}
	}
}

// RemoveServer disconnects from url and forgets its exchanges.
func (c *Channel) RemoveServer(url string) {
	c.mu.Lock()
	entry := c.servers[url]
	delete(c.servers, url)
	for key := range c.exchanges {
		if key.ServerURL == url {
			delete(c.exchanges, key)
		}
	}
	if entry != nil && entry.timer != nil {
		entry.timer.Stop()
	}
	c.mu.Unlock()

	if entry != nil {
		entry.client.Disconnect()
	}
}

// HasServer reports whether url has been added.
func (c *Channel) HasServer(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.servers[url]
	return ok
}

// ServerState returns the client state for url.
func (c *Channel) ServerState(url string) (State, bool) {
	c.mu.Lock()
	entry := c.servers[url]
	c.mu.Unlock()
	if entry == nil {
		return StateDisconnected, false
	}
	return entry.client.State(), true
}

// PendingExchanges returns the number of exchanges in flight.
func (c *Channel) PendingExchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exchanges)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close disconnects every server and stops reconnecting.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*serverEntry, 0, len(c.servers))
	for _, entry := range c.servers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entries = append(entries, entry)
	}
	c.servers = make(map[string]*serverEntry)
	c.exchanges = make(map[exchangeKey]*exchange)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.client.Disconnect()
	}
}
