package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidState is returned by Connect while connecting or connected.
	ErrInvalidState = errors.New("invalid client state")
	// ErrNotConnected is returned when sending without a live session.
	ErrNotConnected = errors.New("not connected to signaling server")
	// ErrHandshakeRejected wraps the error text returned by the server.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

const (
	writeTimeout = 10 * time.Second
)

// State is the lifecycle of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConnectionFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateConnectionFailed:
		return "CONNECTION_FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ClientCallbacks receive Client events. All callbacks run on the client's
// read goroutine, one at a time. Any of them may be nil.
type ClientCallbacks struct {
	OnConnected func(id string)
	// OnConnectFailed fires when a Connect ends before an id was assigned.
	OnConnectFailed func(err error)
	// OnConnectionError fires when an established session drops without
	// Disconnect having been called. OnDisconnect follows it.
	OnConnectionError func(err error)
	OnDisconnect      func()
	// OnReceive handles one relayed message. A returned error is logged.
	OnReceive func(sourceID string, contentType ContentType, content json.RawMessage) error
}

// Client holds one connection to one signaling server. Each Connect
// results in exactly one of OnConnected or OnConnectFailed.
type Client struct {
	url         string
	credentials Credentials
	callbacks   ClientCallbacks
	dialer      *websocket.Dialer

	// handshakeTimeout bounds the wait for the HandshakeResponse
	handshakeTimeout time.Duration

	mu      sync.Mutex
	state   State
	id      string
	conn    *websocket.Conn
	closing bool

	connMu sync.Mutex // serializes writes
}

// NewClient creates a disconnected client for the server at url.
func NewClient(url string, credentials Credentials, callbacks ClientCallbacks) *Client {
	return &Client{
		url:              url,
		credentials:      credentials,
		callbacks:        callbacks,
		handshakeTimeout: handshakeTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
	}
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// ID returns the id assigned by the server, or "" when not connected.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts dialing and the handshake in the background. It fails
// with ErrInvalidState while connecting or connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	c.state = StateConnecting
	c.id = ""
	c.closing = false
	c.mu.Unlock()

	go c.run()
	return nil
}

func (c *Client) run() {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.fail(fmt.Errorf("dial %s: %w", c.url, err))
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		c.fail(fmt.Errorf("disconnected before handshake with %s", c.url))
		return
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	req := HandshakeRequest{
		TypeName: TypeHandshakeRequest,
		Email:    c.credentials.Email,
		Secret:   c.credentials.Secret,
	}
	if err := c.write(conn, req); err != nil {
		conn.Close()
		c.fail(fmt.Errorf("send handshake to %s: %w", c.url, err))
		return
	}

	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.dropped(err)
			return
		}

		typeName, err := peekTypeName(frame)
		if err != nil {
			log.Warnf("Invalid frame from %s: %v", c.url, err)
			continue
		}

		switch typeName {
		case TypeHandshakeResponse:
			if !c.handleHandshake(conn, frame) {
				return
			}
		case TypeMessage:
			c.handleMessage(frame)
		default:
			log.Warnf("Unknown frame type %q from %s", typeName, c.url)
		}
	}
}

// handleHandshake returns false if the connection was rejected.
func (c *Client) handleHandshake(conn *websocket.Conn, frame []byte) bool {
	var resp HandshakeResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		conn.Close()
		c.fail(fmt.Errorf("malformed handshake response from %s: %w", c.url, err))
		return false
	}
	if resp.Error != "" || resp.ID == "" {
		conn.Close()
		c.fail(fmt.Errorf("%w by %s: %s", ErrHandshakeRejected, c.url, resp.Error))
		return false
	}

	c.mu.Lock()
	if state := c.state; state != StateConnecting {
		c.mu.Unlock()
		log.Warnf("Unexpected handshake response from %s in state %s", c.url, state)
		return true
	}
	c.state = StateConnected
	c.id = resp.ID
	c.mu.Unlock()
	conn.SetReadDeadline(time.Time{})

	log.Infof("Connected to %s as %s", c.url, resp.ID)
	if c.callbacks.OnConnected != nil {
		c.callbacks.OnConnected(resp.ID)
	}
	return true
}

func (c *Client) handleMessage(frame []byte) {
	if c.State() != StateConnected {
		log.Warnf("Message from %s before handshake ignored", c.url)
		return
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Warnf("Invalid message from %s: %v", c.url, err)
		return
	}
	if c.callbacks.OnReceive == nil {
		return
	}
	content := json.RawMessage(msg.ContentJSON)
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	if err := c.callbacks.OnReceive(msg.SourceID, msg.ContentType, content); err != nil {
		log.Errorf("Processing %s from %s via %s failed: %v", msg.ContentType, msg.SourceID, c.url, err)
	}
}

// fail moves a connecting client to CONNECTION_FAILED.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnectionFailed
	c.conn = nil
	c.mu.Unlock()

	log.Warnf("Connection to %s failed: %v", c.url, err)
	if c.callbacks.OnConnectFailed != nil {
		c.callbacks.OnConnectFailed(err)
	}
}

// dropped handles the end of the read loop.
func (c *Client) dropped(err error) {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		c.fail(fmt.Errorf("connection to %s closed during handshake: %w", c.url, err))
		return
	case StateConnected:
		requested := c.closing
		c.state = StateDisconnected
		c.id = ""
		c.conn = nil
		c.mu.Unlock()

		if !requested {
			log.Warnf("Connection to %s lost: %v", c.url, err)
			if c.callbacks.OnConnectionError != nil {
				c.callbacks.OnConnectionError(err)
			}
		}
		if c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect()
		}
	default:
		c.mu.Unlock()
	}
}

// Send relays content to targetID. It fails unless the client is
// CONNECTED.
func (c *Client) Send(targetID string, contentType ContentType, content any) error {
	c.mu.Lock()
	state, id, conn := c.state, c.id, c.conn
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, c.url, state)
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode %s: %w", contentType, err)
	}
	return c.write(conn, Message{
		TypeName:    TypeMessage,
		SourceID:    id,
		TargetID:    targetID,
		ContentType: contentType,
		ContentJSON: string(contentJSON),
	})
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// Disconnect closes the transport. A connected client moves to
// DISCONNECTED and fires OnDisconnect; a connecting one fails.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.connMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.connMu.Unlock()
	conn.Close()
}

// NormalizeServerURL maps http(s) URLs and bare hosts to websocket URLs.
func NormalizeServerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	default:
		return "wss://" + raw
	}
}
