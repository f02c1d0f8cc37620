package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds how long a new connection may stay silent
// before sending its HandshakeRequest.
const handshakeTimeout = 10 * time.Second

// readPump reads frames from the WebSocket. The write pump owns closing
// the connection so pending frames are flushed first.
func (sess *session) readPump() {
	defer sess.server.removeSession(sess)

	sess.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	for {
		_, frame, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("WebSocket error: %v", err)
			}
			break
		}

		if !sess.handleFrame(frame) {
			break
		}
	}
}

// writePump sends frames to the WebSocket
func (sess *session) writePump() {
	defer sess.conn.Close()

	for frame := range sess.send {
		if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warnf("WebSocket write error: %v", err)
			return
		}
	}
	sess.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleFrame processes one incoming frame. It returns false when the
// session must be closed.
func (sess *session) handleFrame(frame []byte) bool {
	typeName, err := peekTypeName(frame)
	if err != nil {
		log.Warnf("Invalid frame format: %v", err)
		return true
	}

	switch typeName {
	case TypeHandshakeRequest:
		return sess.handleHandshake(frame)
	case TypeMessage:
		if sess.id == "" {
			log.Warnf("Message before handshake, closing connection")
			return false
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Warnf("Invalid message from %s: %v", sess.id, err)
			return true
		}
		sess.server.route(sess, msg)
	default:
		log.Warnf("Unknown frame type: %q", typeName)
	}
	return true
}

func (sess *session) handleHandshake(frame []byte) bool {
	if sess.id != "" {
		log.Warnf("Repeated handshake from %s ignored", sess.id)
		return true
	}

	var req HandshakeRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		sess.enqueue(HandshakeResponse{TypeName: TypeHandshakeResponse, Error: "malformed handshake"})
		sess.close()
		return false
	}

	id, reason := sess.server.authenticate(sess, req)
	if reason != "" {
		log.Infof("Handshake from %q rejected: %s", req.Email, reason)
		sess.enqueue(HandshakeResponse{TypeName: TypeHandshakeResponse, Error: reason})
		sess.close()
		return false
	}

	sess.conn.SetReadDeadline(time.Time{})
	sess.enqueue(HandshakeResponse{TypeName: TypeHandshakeResponse, ID: id})
	log.Infof("Peer %s joined as %s", id, sess.email)
	return true
}
