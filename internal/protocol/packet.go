// Package protocol implements the Source RCON wire codec: encoding and
// decoding of the framed packets exchanged with a game-server console.
// All integers are little-endian signed 32-bit. Every packet carries a
// size field, an id, a type code and an optional text body, closed by
// two zero terminator bytes (one ends the body string, one ends the
// packet).
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// BaseSize is the value of the size field for a bodyless packet:
	// 4 id bytes + 4 type bytes + 2 terminator bytes. The size field
	// does not count its own 4 bytes.
	BaseSize = 10

	// HeaderSize is the minimum number of bytes a decodable buffer must
	// hold: the size, id and type fields.
	HeaderSize = 12

	// MaxPacketSize is the fixed receive buffer size, matching the
	// protocol's documented fragmentation threshold. Servers split
	// larger responses across multiple packets rather than exceed it;
	// a true packet beyond this size is out of scope for the codec.
	MaxPacketSize = 4096
)

// Wire type codes (int32 at offset 8). Exec and AuthResponse share a
// code: the protocol reuses the value, so a receiver cannot separate
// them by code alone. Decode resolves the collision in favor of
// AuthResponse because a well-behaved server never sends Exec.
const (
	CodeResponse     int32 = 0 // Server->client: command output fragment
	CodeExec         int32 = 2 // Client->server: console command
	CodeAuthResponse int32 = 2 // Server->client: auth acknowledgement
	CodeAuth         int32 = 3 // Client->server: password
)

// PacketType identifies the role of a packet in an RCON exchange. The
// values are in-memory tags, not wire codes; see Code for the mapping.
type PacketType int

const (
	Auth PacketType = iota
	AuthResponse
	Exec
	Response
)

var packetTypeNames = map[PacketType]string{
	Auth:         "Auth",
	AuthResponse: "AuthResponse",
	Exec:         "Exec",
	Response:     "Response",
}

// String returns a human-readable name for logging.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", int(t))
}

// MarshalJSON emits the name so event payloads stay readable.
func (t PacketType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Code returns the wire code for t.
func (t PacketType) Code() int32 {
	switch t {
	case Auth:
		return CodeAuth
	case Exec:
		return CodeExec
	case AuthResponse:
		return CodeAuthResponse
	default:
		return CodeResponse
	}
}

// Packet is a single framed RCON message. An empty Body encodes as a
// bodyless packet (size field == BaseSize); the wire does not
// distinguish absent from empty.
type Packet struct {
	ID   int32      `json:"id"`
	Type PacketType `json:"type"`
	Body string     `json:"body,omitempty"`
}
