package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomaslejdung/peermesh/internal/testutil"
	"github.com/tomaslejdung/peermesh/pkg/rtc"
)

var _ Handler = (*recordingHandler)(nil)

// recordingHandler answers every offer with a memory connection and
// records channel events.
type recordingHandler struct {
	engine       rtc.Engine
	refuse       error
	offers       chan string
	remote       chan rtc.DataChannel
	connected    chan string
	disconnected chan string
	notFound     chan string
}

func newRecordingHandler(engine rtc.Engine) *recordingHandler {
	return &recordingHandler{
		engine:       engine,
		offers:       make(chan string, 8),
		remote:       make(chan rtc.DataChannel, 8),
		connected:    make(chan string, 8),
		disconnected: make(chan string, 8),
		notFound:     make(chan string, 8),
	}
}

func (h *recordingHandler) OnOffer(serverURL, peerID string, offer rtc.SessionDescription) (rtc.PeerConnection, error) {
	h.offers <- peerID
	if h.refuse != nil {
		return nil, h.refuse
	}
	conn, err := h.engine.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	conn.OnDataChannel(func(dc rtc.DataChannel) { h.remote <- dc })
	return conn, nil
}

func (h *recordingHandler) OnServerConnected(serverURL, selfID string) { h.connected <- selfID }

func (h *recordingHandler) OnServerDisconnect(serverURL string) { h.disconnected <- serverURL }

func (h *recordingHandler) OnTargetNotFound(serverURL, peerID string) { h.notFound <- peerID }

// joinChannel creates a Channel on url and waits for its id.
func joinChannel(t *testing.T, url string, h Handler, opts ...ChannelOption) (*Channel, string) {
	t.Helper()
	ch := NewChannel(h, opts...)
	t.Cleanup(ch.Close)
	ids := make(chan string, 1)
	if err := ch.AddServer(url, NewCredentials(), func(_, id string) { ids <- id }, nil); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	return ch, testutil.RequireReceive(t, ids, testTimeout, "channel connected")
}

func TestChannelOfferAnswer(t *testing.T) {
	_, url := startServer(t)
	engine := rtc.NewMemoryEngine()

	handlerA := newRecordingHandler(engine)
	handlerB := newRecordingHandler(engine)
	chA, idA := joinChannel(t, url, handlerA)
	_, idB := joinChannel(t, url, handlerB)

	if got := testutil.RequireReceive(t, handlerA.connected, testTimeout, "OnServerConnected"); got != idA {
		t.Fatalf("OnServerConnected id = %q, want %q", got, idA)
	}

	conn, _ := engine.NewPeerConnection()
	local, _ := conn.CreateDataChannel("a -> b")
	opened := make(chan struct{})
	local.OnOpen(func() { close(opened) })

	if err := chA.Offer(context.Background(), url, idB, conn); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if got := testutil.RequireReceive(t, handlerB.offers, testTimeout, "offer at B"); got != idA {
		t.Fatalf("offer source = %q, want %q", got, idA)
	}
	remote := testutil.RequireReceive(t, handlerB.remote, testTimeout, "data channel at B")
	if remote.Label() != "a -> b" {
		t.Fatalf("remote label = %q", remote.Label())
	}
	testutil.RequireClosed(t, opened, testTimeout, "local channel open")

	if chA.PendingExchanges() != 1 {
		t.Fatalf("pending exchanges = %d, want 1", chA.PendingExchanges())
	}
	chA.RemoveConnection(conn)
	if chA.PendingExchanges() != 0 {
		t.Fatalf("pending exchanges after RemoveConnection = %d, want 0", chA.PendingExchanges())
	}
}

func TestChannelOfferRefused(t *testing.T) {
	_, url := startServer(t)
	engine := rtc.NewMemoryEngine()

	handlerB := newRecordingHandler(engine)
	handlerB.refuse = errors.New("busy")
	chA, _ := joinChannel(t, url, newRecordingHandler(engine))
	chB, idB := joinChannel(t, url, handlerB)

	conn, _ := engine.NewPeerConnection()
	conn.CreateDataChannel("a -> b")
	if err := chA.Offer(context.Background(), url, idB, conn); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	testutil.RequireReceive(t, handlerB.offers, testTimeout, "offer at B")
	testutil.RequireNoReceive(t, handlerB.remote, 100*time.Millisecond, "data channel after refusal")
	if chB.PendingExchanges() != 0 {
		t.Fatalf("refused offer left %d exchanges", chB.PendingExchanges())
	}
}

func TestChannelOfferUnknownServer(t *testing.T) {
	ch := NewChannel(newRecordingHandler(rtc.NewMemoryEngine()))
	defer ch.Close()
	conn, _ := rtc.NewMemoryEngine().NewPeerConnection()
	err := ch.Offer(context.Background(), "ws://unknown.test/ws", "peer", conn)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Offer error = %v, want ErrNotConnected", err)
	}
}

func TestChannelOfferTimeout(t *testing.T) {
	ts := httptest.NewServer(NewServer().Handler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	failed := make(chan error, 1)
	ch := NewChannel(newRecordingHandler(rtc.NewMemoryEngine()), WithConnectWait(10*time.Millisecond, 3))
	defer ch.Close()
	if err := ch.AddServer(url, NewCredentials(), nil, func(err error) { failed <- err }); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	testutil.RequireReceive(t, failed, testTimeout, "connect failure callback")

	conn, _ := rtc.NewMemoryEngine().NewPeerConnection()
	start := time.Now()
	err := ch.Offer(context.Background(), url, "peer", conn)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Offer error = %v, want ErrConnectTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("Offer gave up after %v, want at least 3 polls", elapsed)
	}
}

func TestChannelOfferContextCanceled(t *testing.T) {
	ts := httptest.NewServer(NewServer().Handler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	ch := NewChannel(newRecordingHandler(rtc.NewMemoryEngine()))
	defer ch.Close()
	ch.AddServer(url, NewCredentials(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn, _ := rtc.NewMemoryEngine().NewPeerConnection()
	if err := ch.Offer(ctx, url, "peer", conn); !errors.Is(err, context.Canceled) {
		t.Fatalf("Offer error = %v, want context.Canceled", err)
	}
}

func TestChannelTargetNotFound(t *testing.T) {
	_, url := startServer(t)
	engine := rtc.NewMemoryEngine()
	handler := newRecordingHandler(engine)
	ch, _ := joinChannel(t, url, handler)

	conn, _ := engine.NewPeerConnection()
	conn.CreateDataChannel("x")
	if err := ch.Offer(context.Background(), url, "missing-peer", conn); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if got := testutil.RequireReceive(t, handler.notFound, testTimeout, "target not found"); got != "missing-peer" {
		t.Fatalf("OnTargetNotFound peer = %q, want missing-peer", got)
	}
}

func TestChannelAddServerReuse(t *testing.T) {
	_, url := startServer(t)
	ch, id := joinChannel(t, url, newRecordingHandler(rtc.NewMemoryEngine()))

	again := make(chan string, 1)
	if err := ch.AddServer(url, NewCredentials(), func(_, selfID string) { again <- selfID }, nil); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if got := testutil.RequireReceive(t, again, testTimeout, "callback on connected client"); got != id {
		t.Fatalf("reused client id = %q, want %q", got, id)
	}
}

func TestChannelReconnect(t *testing.T) {
	srv, url := startServer(t)
	handler := newRecordingHandler(rtc.NewMemoryEngine())
	_, id := joinChannel(t, url, handler, WithReconnectPolicy(ReconnectPolicy{Delay: 20 * time.Millisecond}))
	testutil.RequireReceive(t, handler.connected, testTimeout, "first connect")

	srv.Disconnect(id)
	if got := testutil.RequireReceive(t, handler.disconnected, testTimeout, "disconnect"); got != url {
		t.Fatalf("OnServerDisconnect url = %q, want %q", got, url)
	}
	newID := testutil.RequireReceive(t, handler.connected, testTimeout, "reconnect")
	if newID == id {
		t.Fatal("reconnect kept the old id")
	}
}

func TestChannelNoReconnectAfterRemoveServer(t *testing.T) {
	_, url := startServer(t)
	handler := newRecordingHandler(rtc.NewMemoryEngine())
	ch, _ := joinChannel(t, url, handler, WithReconnectPolicy(ReconnectPolicy{Delay: 10 * time.Millisecond}))
	testutil.RequireReceive(t, handler.connected, testTimeout, "first connect")

	ch.RemoveServer(url)
	testutil.RequireNoReceive(t, handler.connected, 100*time.Millisecond, "reconnect after RemoveServer")
	if ch.HasServer(url) {
		t.Fatal("server still registered")
	}
}

func TestChannelProtocolErrors(t *testing.T) {
	_, url := startServer(t)
	ch := NewChannel(newRecordingHandler(rtc.NewMemoryEngine()))
	defer ch.Close()
	client := NewClient(url, NewCredentials(), ClientCallbacks{})

	answer, _ := json.Marshal(rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: "v=0"})
	if err := ch.receive(url, client, "peer", ContentAnswer, answer); !errors.Is(err, ErrNoPendingExchange) {
		t.Fatalf("stray answer error = %v, want ErrNoPendingExchange", err)
	}
	candidate, _ := json.Marshal(rtc.ICECandidate{Candidate: "candidate:1"})
	if err := ch.receive(url, client, "peer", ContentICECandidate, candidate); !errors.Is(err, ErrNoPendingExchange) {
		t.Fatalf("stray candidate error = %v, want ErrNoPendingExchange", err)
	}
	if err := ch.receive(url, client, "peer", ContentICECandidate, json.RawMessage("null")); err != nil {
		t.Fatalf("end-of-candidates error = %v, want nil", err)
	}
	if err := ch.receive(url, client, "peer", "BOGUS", json.RawMessage("{}")); err == nil {
		t.Fatal("unknown content type accepted")
	}
	if err := ch.receive(url, client, "peer", ContentOffer, json.RawMessage("not json")); err == nil {
		t.Fatal("malformed offer accepted")
	}
}

func TestChannelClosed(t *testing.T) {
	ch := NewChannel(newRecordingHandler(rtc.NewMemoryEngine()))
	ch.Close()
	if err := ch.AddServer("ws://x/ws", NewCredentials(), nil, nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("AddServer after Close = %v, want ErrChannelClosed", err)
	}
	conn, _ := rtc.NewMemoryEngine().NewPeerConnection()
	if err := ch.Offer(context.Background(), "ws://x/ws", "p", conn); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Offer after Close = %v, want ErrChannelClosed", err)
	}
}

func TestExchangeKeyString(t *testing.T) {
	key := exchangeKey{ServerURL: "wss://s.test/ws", LocalID: "a", RemoteID: "b"}
	if got, want := key.String(), "wss://s.test/ws/a-b"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestReconnectPolicy(t *testing.T) {
	t.Run("default is fixed and unlimited", func(t *testing.T) {
		b := DefaultReconnectPolicy().NewBackOff()
		for i := 0; i < 20; i++ {
			if d := b.NextBackOff(); d != 10*time.Second {
				t.Fatalf("attempt %d delay = %v, want 10s", i, d)
			}
		}
	})
	t.Run("attempt limit", func(t *testing.T) {
		b := ReconnectPolicy{Delay: time.Second, MaxAttempts: 2}.NewBackOff()
		b.NextBackOff()
		b.NextBackOff()
		if d := b.NextBackOff(); d != backoff.Stop {
			t.Fatalf("third delay = %v, want Stop", d)
		}
		b.Reset()
		if d := b.NextBackOff(); d != time.Second {
			t.Fatalf("delay after Reset = %v, want 1s", d)
		}
	})
	t.Run("exponential capped", func(t *testing.T) {
		b := ReconnectPolicy{Delay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}.NewBackOff()
		want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
		for i, w := range want {
			if d := b.NextBackOff(); d != w {
				t.Fatalf("attempt %d delay = %v, want %v", i, d, w)
			}
		}
	})
	t.Run("disabled", func(t *testing.T) {
		if !(ReconnectPolicy{}).Disabled() {
			t.Fatal("zero policy should be disabled")
		}
	})
}
