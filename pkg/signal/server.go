package signal

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("peermesh/signal")

// session is one websocket connection to the relay server.
type session struct {
	conn   *websocket.Conn
	id     string // assigned on a successful handshake
	email  string
	send   chan []byte
	server *Server

	sendMu sync.Mutex
	closed bool
}

// Server relays addressed messages between handshaken sessions. It never
// looks inside the relayed content.
type Server struct {
	sessions map[string]*session
	// secrets binds an identity to the secret of its live sessions.
	secrets  map[string]string
	mu       sync.RWMutex
	upgrader websocket.Upgrader
}

// NewServer creates a new signaling server
func NewServer() *Server {
	return &Server{
		sessions: make(map[string]*session),
		secrets:  make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true // Peers connect from any origin
			},
		},
	}
}

// authenticate registers sess under a fresh id if its credentials are
// acceptable.
func (s *Server) authenticate(sess *session, req HandshakeRequest) (string, string) {
	email := NormalizeIdentity(req.Email)
	if !ValidateIdentity(email) || req.Secret == "" {
		return "", "missing credentials"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bound, ok := s.secrets[email]; ok && bound != req.Secret {
		return "", "invalid secret"
	}
	s.secrets[email] = req.Secret

	id := uuid.New().String()
	sess.id = id
	sess.email = email
	s.sessions[id] = sess
	return id, ""
}

// removeSession forgets sess and stops its write pump.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	if sess.id != "" && s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
		stillBound := false
		for _, other := range s.sessions {
			if other.email == sess.email {
				stillBound = true
				break
			}
		}
		if !stillBound {
			delete(s.secrets, sess.email)
		}
		log.Infof("Peer %s left (sessions: %d)", sess.id, len(s.sessions))
	}
	s.mu.Unlock()

	sess.close()
}

// route forwards msg to its target, or tells the sender the target is gone.
func (s *Server) route(from *session, msg Message) {
	msg.TypeName = TypeMessage
	msg.SourceID = from.id

	s.mu.RLock()
	target, exists := s.sessions[msg.TargetID]
	s.mu.RUnlock()

	if !exists {
		log.Debugf("Target peer %s not found", msg.TargetID)
		from.enqueue(Message{
			TypeName:    TypeMessage,
			SourceID:    msg.TargetID,
			TargetID:    from.id,
			ContentType: ContentTargetNotFound,
			ContentJSON: "null",
		})
		return
	}
	target.enqueue(msg)
}

// HandleWebSocket upgrades the request and starts the session pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	sess := &session{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	go sess.writePump()
	go sess.readPump()
}

// Handler returns the HTTP routes of the relay: the websocket endpoint at
// /ws plus /health and /peers.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.SessionCount()})
	})

	router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.PeerIDs()})
	})

	router.GET("/ws", func(c *gin.Context) {
		s.HandleWebSocket(c.Writer, c.Request)
	})

	return router
}

// StartServer starts the signaling HTTP server
func (s *Server) StartServer(addr string) error {
	log.Infof("Signal server starting on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// SessionCount returns the number of handshaken sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// PeerIDs returns the ids of all handshaken sessions, sorted.
func (s *Server) PeerIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Disconnect closes the session with the given id, as if the peer had
// dropped. It reports whether such a session existed.
func (s *Server) Disconnect(id string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	sess.conn.Close()
	return true
}

func (sess *session) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Encoding frame for %s failed: %v", sess.id, err)
		return
	}
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if sess.closed {
		return
	}
	select {
	case sess.send <- data:
	default:
		log.Warnf("Send buffer full for peer %s, dropping frame", sess.id)
	}
}

func (sess *session) close() {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if !sess.closed {
		sess.closed = true
		close(sess.send)
	}
}
