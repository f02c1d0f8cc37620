package signal

import "encoding/json"

// Envelope type names.
const (
	TypeHandshakeRequest  = "HandshakeRequest"
	TypeHandshakeResponse = "HandshakeResponse"
	TypeMessage           = "Message"
)

// Subprotocol is the websocket subprotocol both ends negotiate.
const Subprotocol = "webrtc-signaling"

// ContentType says what a relayed Message carries.
type ContentType string

const (
	ContentOffer        ContentType = "OFFER"
	ContentAnswer       ContentType = "ANSWER"
	ContentICECandidate ContentType = "ICE_CANDIDATE"
	// ContentTargetNotFound is sent by the server back to a sender whose
	// target id has no live session. SourceID names the missing target.
	ContentTargetNotFound ContentType = "TARGET_NOT_FOUND"
)

// HandshakeRequest is the first frame a client sends.
type HandshakeRequest struct {
	TypeName string `json:"typeName"`
	Email    string `json:"email"`
	Secret   string `json:"secret"`
}

// HandshakeResponse assigns the client its id, or carries an error.
type HandshakeResponse struct {
	TypeName string `json:"typeName"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Message is an addressed relay envelope. ContentJSON is the serialized
// session description or ICE candidate; the server does not inspect it.
type Message struct {
	TypeName    string      `json:"typeName"`
	SourceID    string      `json:"sourceId"`
	TargetID    string      `json:"targetId"`
	ContentType ContentType `json:"contentType"`
	ContentJSON string      `json:"contentJson"`
}

// envelope is decoded first to find out which type a frame holds.
type envelope struct {
	TypeName string `json:"typeName"`
}

func peekTypeName(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.TypeName, nil
}
