package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peermesh/internal/testutil"
)

func TestServerHealthAndPeers(t *testing.T) {
	srv, url := startServer(t)
	c, _ := connectClient(t, url)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d", rec.Code)
	}
	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("/health body: %v", err)
	}
	if health.Status != "ok" || health.Sessions != 1 {
		t.Fatalf("/health = %+v, want ok with 1 session", health)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	var peers struct {
		Peers []string `json:"peers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &peers); err != nil {
		t.Fatalf("/peers body: %v", err)
	}
	if len(peers.Peers) != 1 || peers.Peers[0] != c.ID() {
		t.Fatalf("/peers = %v, want [%s]", peers.Peers, c.ID())
	}
}

func TestServerNegotiatesSubprotocol(t *testing.T) {
	_, url := startServer(t)
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if conn.Subprotocol() != Subprotocol {
		t.Fatalf("Subprotocol() = %q, want %q", conn.Subprotocol(), Subprotocol)
	}
}

func TestServerRejectsMessageBeforeHandshake(t *testing.T) {
	srv, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Message{TypeName: TypeMessage, TargetID: "x", ContentType: ContentOffer}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after unauthenticated message")
	}
	if srv.SessionCount() != 0 {
		t.Fatalf("SessionCount() = %d, want 0", srv.SessionCount())
	}
}

func TestServerStampsSourceID(t *testing.T) {
	_, url := startServer(t)
	b, eventsB := connectClient(t, url)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	creds := NewCredentials()
	if err := conn.WriteJSON(HandshakeRequest{TypeName: TypeHandshakeRequest, Email: creds.Email, Secret: creds.Secret}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp HandshakeResponse
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if err := conn.ReadJSON(&resp); err != nil || resp.ID == "" {
		t.Fatalf("handshake response = %+v, %v", resp, err)
	}

	// A frame claiming another source is relayed with the real one.
	err = conn.WriteJSON(Message{
		TypeName:    TypeMessage,
		SourceID:    "spoofed",
		TargetID:    b.ID(),
		ContentType: ContentAnswer,
		ContentJSON: `{"type":"answer","sdp":"v=0"}`,
	})
	if err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := testutil.RequireReceive(t, eventsB.messages, testTimeout, "relayed message")
	if msg.sourceID != resp.ID {
		t.Fatalf("sourceID = %q, want %q", msg.sourceID, resp.ID)
	}
}

func TestSessionLeavesReleaseIdentity(t *testing.T) {
	srv, url := startServer(t)
	creds := NewCredentials()

	events := newEvents()
	c := NewClient(url, creds, events.callbacks())
	c.Connect()
	testutil.RequireReceive(t, events.connected, testTimeout, "handshake")
	c.Disconnect()
	testutil.Eventually(t, testTimeout, func() bool { return srv.SessionCount() == 0 }, "session removed")

	// Once no session holds the identity, a new secret may claim it.
	other := newEvents()
	c2 := NewClient(url, Credentials{Email: creds.Email, Secret: "another"}, other.callbacks())
	c2.Connect()
	testutil.RequireReceive(t, other.connected, testTimeout, "handshake with new secret")
	c2.Disconnect()
}

var identityPattern = regexp.MustCompile(`^[A-Z]+-[A-Z]+-[0-9]{2}-[0-9A-F]{6}$`)

func TestGenerateIdentity(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		id := GenerateIdentity()
		if !identityPattern.MatchString(id) {
			t.Fatalf("GenerateIdentity() = %q, want ADJECTIVE-NOUN-NN-XXXXXX", id)
		}
		if !ValidateIdentity(id) || NormalizeIdentity(id) != id {
			t.Fatalf("generated identity %q does not validate", id)
		}
		if seen[id] {
			t.Fatalf("GenerateIdentity() repeated %q after %d calls", id, i)
		}
		seen[id] = true
	}
	if GenerateSecret() == GenerateSecret() {
		t.Fatal("GenerateSecret returned the same value twice")
	}
	if ValidateIdentity("") || ValidateIdentity("bad\x00id") {
		t.Fatal("ValidateIdentity accepted an invalid identity")
	}
}
