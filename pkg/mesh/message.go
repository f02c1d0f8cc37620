package mesh

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tomaslejdung/peermesh/pkg/peer"
)

// Data types reserved for discovery. Any other data type is handed to
// the message listener.
const (
	DataTypeFindChangedPeers = "FIND_CHANGED_PEERS"
	DataTypeChangedPeers     = "CHANGED_PEERS"
)

// DataMessage is the envelope of every data channel message.
type DataMessage struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// FindChangedPeersMessage announces the sender and asks for the peers it
// should know about within Range of its position.
type FindChangedPeersMessage struct {
	Peer  peer.Data `json:"peer"`
	Range float64   `json:"range"`
}

// ChangedPeersMessage answers FindChangedPeersMessage with the peers that
// became visible or invisible to the asker since its last request.
type ChangedPeersMessage struct {
	Peers []peer.Data `json:"peers"`
}

func encodeDataMessage(dataType string, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", dataType, err)
	}
	b, err := json.Marshal(DataMessage{DataType: dataType, Data: raw})
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", dataType, err)
	}
	return string(b), nil
}

func decodeDataMessage(b []byte) (DataMessage, error) {
	var msg DataMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return DataMessage{}, err
	}
	if msg.DataType == "" {
		return DataMessage{}, errors.New("missing dataType")
	}
	return msg, nil
}
