package parser

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/phederal/sioserver/internal/events"
	"github.com/phederal/sioserver/internal/logger"
)

var decLog = logger.NewLog("socket.io:parser:decoder")

// reservedEventNames mirrors the protocol-level reserved names a decoded
// EVENT/BINARY_EVENT head element must never be; package socket's
// own SOCKET_RESERVED_EVENTS governs the separate local-emit rule for
// outbound Emit calls.
var reservedEventNames = map[string]bool{
	"connect":        true,
	"connect_error":  true,
	"disconnect":     true,
	"disconnecting":  true,
	"newListener":    true,
	"removeListener": true,
}

// Decoder turns wire frames back into Packets, emitting "decoded" once per
// complete application packet (immediately for non-binary types, or once
// the declared attachment count of binary frames has arrived).
type Decoder interface {
	events.EventEmitter
	Add(data any) error
	Destroy()
}

type decoder struct {
	events.EventEmitter

	mu            sync.Mutex
	reconstructor *reconstructor
}

func NewDecoder() Decoder {
	return &decoder{EventEmitter: events.New()}
}

// reconstructor buffers attachment frames for one in-flight BINARY_EVENT
// or BINARY_ACK packet until its declared count has arrived.
type reconstructor struct {
	packet  *Packet
	buffers [][]byte
}

func (d *decoder) Add(data any) error {
	switch v := data.(type) {
	case string:
		return d.addString(v)
	case []byte:
		return d.addBinary(v)
	default:
		return newProtocolError("unsupported frame type %T", data)
	}
}

func (d *decoder) addString(frame string) error {
	d.mu.Lock()
	reconstructing := d.reconstructor != nil
	d.mu.Unlock()
	if reconstructing {
		return newProtocolError("got text frame while reassembling binary attachments")
	}

	packet, err := decodeString(frame)
	if err != nil {
		decLog.Debug("decode error: %v", err)
		return err
	}

	if packet.Type == BINARY_EVENT || packet.Type == BINARY_ACK {
		if packet.Attachments != nil && *packet.Attachments == 0 {
			packet, err := ReconstructPacket(packet, nil)
			if err != nil {
				return err
			}
			d.Emit("decoded", packet)
			return nil
		}
		d.mu.Lock()
		d.reconstructor = &reconstructor{packet: packet}
		d.mu.Unlock()
		return nil
	}

	d.Emit("decoded", packet)
	return nil
}

func (d *decoder) addBinary(buf []byte) error {
	d.mu.Lock()
	if d.reconstructor == nil {
		d.mu.Unlock()
		return newProtocolError("got binary frame with no reassembly in progress")
	}
	d.reconstructor.buffers = append(d.reconstructor.buffers, buf)
	recon := d.reconstructor
	done := recon.packet.Attachments != nil && uint64(len(recon.buffers)) == *recon.packet.Attachments
	if done {
		d.reconstructor = nil
	}
	d.mu.Unlock()

	if !done {
		return nil
	}
	packet, err := ReconstructPacket(recon.packet, recon.buffers)
	if err != nil {
		return err
	}
	d.Emit("decoded", packet)
	return nil
}

// Destroy abandons any in-flight reassembly.
func (d *decoder) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconstructor = nil
}

// scanner is a minimal ReadByte/UnreadByte/ReadUntil cursor over a
// decoded frame, enough to hand-parse the fixed head-frame grammar without
// pulling in a buffered-reader dependency for one-shot use.
type scanner struct {
	s   string
	pos int
}

func (sc *scanner) ReadByte() (byte, bool) {
	if sc.pos >= len(sc.s) {
		return 0, false
	}
	b := sc.s[sc.pos]
	sc.pos++
	return b, true
}

func (sc *scanner) UnreadByte() {
	if sc.pos > 0 {
		sc.pos--
	}
}

// ReadUntil consumes up to and including delim, returning the prefix
// (without delim) and whether delim was found before the string ended.
func (sc *scanner) ReadUntil(delim byte) (string, bool) {
	idx := strings.IndexByte(sc.s[sc.pos:], delim)
	if idx < 0 {
		return "", false
	}
	out := sc.s[sc.pos : sc.pos+idx]
	sc.pos += idx + 1
	return out, true
}

func (sc *scanner) Remaining() string {
	return sc.s[sc.pos:]
}

func decodeString(frame string) (packet *Packet, err error) {
	defer func() {
		if err == nil {
			decLog.Debug("decoded %s as type=%s", frame, packet.Type)
		}
	}()

	sc := &scanner{s: frame}
	packet = &Packet{}

	msgType, ok := sc.ReadByte()
	if !ok {
		return nil, newProtocolError("empty payload")
	}
	packet.Type = PacketType(msgType)
	if !packet.Type.Valid() {
		return nil, newProtocolError("unknown packet type %d", msgType)
	}

	if packet.Type == BINARY_EVENT || packet.Type == BINARY_ACK {
		digits, ok := sc.ReadUntil('-')
		if !ok || len(digits) == 0 {
			return nil, newProtocolError("illegal attachment count")
		}
		if len(digits) > 1 && digits[0] == '0' {
			return nil, newProtocolError("illegal attachment count %q", digits)
		}
		n, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return nil, newProtocolError("illegal attachment count %q", digits)
		}
		packet.Attachments = &n
	}

	if b, ok := sc.ReadByte(); ok {
		if b == '/' {
			rest, found := sc.ReadUntil(',')
			if found {
				packet.Nsp = "/" + rest
			} else {
				packet.Nsp = "/" + sc.Remaining()
				sc.pos = len(sc.s)
			}
		} else {
			sc.UnreadByte()
			packet.Nsp = "/"
		}
	} else {
		packet.Nsp = "/"
	}

	var idDigits strings.Builder
	for {
		b, ok := sc.ReadByte()
		if !ok {
			break
		}
		if b >= '0' && b <= '9' {
			idDigits.WriteByte(b)
		} else {
			sc.UnreadByte()
			break
		}
	}
	if idDigits.Len() > 0 {
		id, err := strconv.ParseUint(idDigits.String(), 10, 64)
		if err != nil {
			return nil, newProtocolError("illegal ack id %q", idDigits.String())
		}
		packet.Id = &id
	}

	if rest := sc.Remaining(); rest != "" {
		var payload any
		if err := json.Unmarshal([]byte(rest), &payload); err != nil {
			return nil, newProtocolError("invalid json payload")
		}
		if !isPayloadValid(packet.Type, payload) {
			return nil, newProtocolError("payload shape does not match packet type %s", packet.Type)
		}
		packet.Data = payload
	} else if requiresPayload(packet.Type) {
		return nil, newProtocolError("packet type %s requires a payload", packet.Type)
	}

	return packet, nil
}

func requiresPayload(t PacketType) bool {
	return t == EVENT || t == BINARY_EVENT
}

func isPayloadValid(t PacketType, payload any) bool {
	switch t {
	case CONNECT:
		_, ok := payload.(map[string]any)
		return ok || payload == nil
	case DISCONNECT:
		return payload == nil
	case CONNECT_ERROR:
		if _, ok := payload.(map[string]any); ok {
			return true
		}
		_, ok := payload.(string)
		return ok
	case EVENT, BINARY_EVENT:
		data, ok := payload.([]any)
		if !ok || len(data) == 0 {
			return false
		}
		name, ok := data[0].(string)
		return ok && !reservedEventNames[name]
	case ACK, BINARY_ACK:
		_, ok := payload.([]any)
		return ok
	}
	return false
}
