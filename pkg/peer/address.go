// Package peer holds mesh presence data and the spatial peer registry.
package peer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned when a peer address string cannot be parsed.
var ErrInvalidAddress = errors.New("invalid peer address")

// Address identifies a mesh participant: the signaling server it is
// reachable on and the id that server assigned to it.
type Address struct {
	SignalingServerURL string
	PeerID             string
}

// NewAddress builds an address from its two parts.
func NewAddress(serverURL, peerID string) Address {
	return Address{SignalingServerURL: serverURL, PeerID: peerID}
}

// ParseAddress splits s at its last "/" into server URL and peer id.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{SignalingServerURL: s[:i], PeerID: s[i+1:]}, nil
}

// ParseAddressList parses a comma separated list of addresses. Empty
// entries are skipped.
func ParseAddressList(csv string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.SignalingServerURL + "/" + a.PeerID
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.SignalingServerURL == "" && a.PeerID == ""
}

// MarshalText encodes the address in its "server/id" form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an address from its "server/id" form.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
