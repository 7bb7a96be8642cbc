package parser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/phederal/sioserver/internal/logger"
)

var encLog = logger.NewLog("socket.io:parser:encoder")

// Encoder turns a Packet into one or more wire frames. A frame is either a
// string (the head frame, always first) or []byte (an attachment frame,
// following in placeholder order).
type Encoder interface {
	Encode(*Packet) []any
}

type encoder struct{}

func NewEncoder() Encoder {
	return &encoder{}
}

func (e *encoder) Encode(packet *Packet) []any {
	encLog.Debug("encoding packet type=%s nsp=%s", packet.Type, packet.Nsp)
	if (packet.Type == EVENT || packet.Type == ACK) && HasBinary(packet.Data) {
		if packet.Type == EVENT {
			packet.Type = BINARY_EVENT
		} else {
			packet.Type = BINARY_ACK
		}
	}
	if packet.Type == BINARY_EVENT || packet.Type == BINARY_ACK {
		// Also covers packets promoted up front by the binary broadcast
		// flag, whose buffers still need detaching.
		return e.encodeAsBinary(packet)
	}
	return []any{e.encodeAsString(packet)}
}

func (e *encoder) encodeAsString(packet *Packet) string {
	var b strings.Builder
	b.WriteByte(byte(packet.Type))

	if packet.Type == BINARY_EVENT || packet.Type == BINARY_ACK {
		if packet.Attachments != nil {
			b.WriteString(strconv.FormatUint(*packet.Attachments, 10))
		} else {
			b.WriteByte('0')
		}
		b.WriteByte('-')
	}

	if packet.Nsp != "" && packet.Nsp != "/" {
		b.WriteString(packet.Nsp)
		b.WriteByte(',')
	}

	if packet.Id != nil {
		b.WriteString(strconv.FormatUint(*packet.Id, 10))
	}

	if packet.Data != nil {
		if raw, err := json.Marshal(packet.Data); err == nil {
			b.Write(raw)
		}
	}

	out := b.String()
	encLog.Debug("encoded frame %s", out)
	return out
}

func (e *encoder) encodeAsBinary(packet *Packet) []any {
	packet, buffers := DeconstructPacket(packet)
	frames := make([]any, 0, len(buffers)+1)
	frames = append(frames, e.encodeAsString(packet))
	for _, buf := range buffers {
		frames = append(frames, buf)
	}
	return frames
}
