// Package transport implements the Engine.IO-style transport session:
// one persistent WebSocket connection's framing, heartbeat, and open/close
// lifecycle, sitting below the application-packet codec in package parser.
// Wired to gorilla/websocket for the wire and labstack/echo/v4 for the
// upgrade listener.
package transport

import "fmt"

// PacketType discriminates the transport-level (Engine.IO) packet, one
// layer below the application packets package parser encodes/decodes.
type PacketType byte

const (
	Open PacketType = iota
	Close
	Ping
	Pong
	Message
	Upgrade
	Noop
)

func (t PacketType) String() string {
	switch t {
	case Open:
		return "open"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Message:
		return "message"
	case Upgrade:
		return "upgrade"
	case Noop:
		return "noop"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// Packet is a single transport-level frame. Payload is nil for control
// frames (ping/pong/close/noop/upgrade) or the open handshake, text for an
// application text frame, or []byte for an application binary frame.
type Packet struct {
	Type    PacketType
	Payload any
}

// HandshakeData is the synthetic payload of the open packet sent
// immediately after a connection is accepted.
type HandshakeData struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}
