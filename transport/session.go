package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phederal/sioserver/internal/events"
	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtime"
)

var sessionLog = logger.NewLog("socket.io:transport:session")

// Options configures the heartbeat and payload limits of a Session, taken
// from the server-wide ServerOptions at Accept time.
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int64
}

// ErrClosed is returned by Send once the session has closed.
var ErrClosed = errors.New("transport: session closed")

// Session owns one client's WebSocket connection: framing, heartbeat, and
// the open/close lifecycle. It knows nothing about
// namespaces or application packets; the multiplex client consumes
// its "message"/"close"/"error" events and feeds bytes to the codec.
type Session struct {
	events.EventEmitter

	id   string
	conn *websocket.Conn
	opts Options

	// Request carries the handful of upgrade-request details a Socket
	// Session's Handshake (application layer, package socket) needs;
	// populated once at Accept time, read-only afterward.
	Request RequestInfo

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	pingTimer *xtime.Timer
	pongTimer *xtime.Timer
}

// RequestInfo is the subset of the HTTP upgrade request worth keeping
// after the handshake completes.
type RequestInfo struct {
	Header     http.Header
	RemoteAddr string
	RequestURI string
	Secure     bool
}

// NewSession wraps an already-upgraded WebSocket connection.
func NewSession(id string, conn *websocket.Conn, opts Options) *Session {
	if opts.MaxPayload > 0 {
		conn.SetReadLimit(opts.MaxPayload)
	}
	s := &Session{
		EventEmitter: events.New(),
		id:           id,
		conn:         conn,
		opts:         opts,
	}
	conn.SetPongHandler(func(string) error {
		s.onPong()
		return nil
	})
	return s
}

func (s *Session) Id() string { return s.id }

// ReadyState reports "open" until the session has finished closing, then
// "closed"; MultiplexClient and Socket gate writes and the connect-timeout
// check on this.
func (s *Session) ReadyState() string {
	if s.closed.Load() {
		return "closed"
	}
	return "open"
}

// Handshake sends the synthetic open packet: {sid, upgrades, pingInterval,
// pingTimeout, maxPayload}.
func (s *Session) Handshake() error {
	hs := HandshakeData{
		Sid:          s.id,
		Upgrades:     []string{},
		PingInterval: s.opts.PingInterval.Milliseconds(),
		PingTimeout:  s.opts.PingTimeout.Milliseconds(),
		MaxPayload:   s.opts.MaxPayload,
	}
	raw, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	if err := s.writeText(string(raw)); err != nil {
		return err
	}
	s.Emit("open")
	return nil
}

// Serve runs the read pump and heartbeat loop until the connection closes.
// Blocks; callers run it in its own goroutine per connection.
func (s *Session) Serve() {
	s.armPing()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			sessionLog.Debug("session %s read error: %v", s.id, err)
			s.handleReadError(err)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.Emit("message", Packet{Type: Message, Payload: string(data)})
		case websocket.BinaryMessage:
			s.Emit("message", Packet{Type: Message, Payload: data})
		}
	}
}

func (s *Session) handleReadError(err error) {
	code := websocket.CloseNoStatusReceived
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}
	s.finish(reasonForCloseCode(code), err)
}

// reasonForCloseCode maps a WebSocket close code to a disconnect reason.
func reasonForCloseCode(code int) string {
	switch {
	case code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway:
		return "transport close"
	case code == websocket.ClosePolicyViolation:
		return "ping timeout"
	case code == websocket.CloseAbnormalClosure || code == websocket.CloseInternalServerErr || code >= 4000:
		return "transport error"
	default:
		return "transport close"
	}
}

func (s *Session) armPing() {
	if s.opts.PingInterval <= 0 {
		return
	}
	s.pingTimer = xtime.SetInterval(func() {
		if s.closed.Load() {
			return
		}
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		s.armPongTimeout()
	}, s.opts.PingInterval)
}

func (s *Session) armPongTimeout() {
	if s.opts.PingTimeout <= 0 {
		return
	}
	if s.pongTimer != nil {
		s.pongTimer.Refresh(s.opts.PingTimeout)
		return
	}
	s.pongTimer = xtime.SetTimeOut(func() {
		s.finish("ping timeout", nil)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "ping timeout"),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	}, s.opts.PingTimeout)
}

func (s *Session) onPong() {
	xtime.ClearTimeout(s.pongTimer)
}

// Send writes an application-level frame (string or []byte, as produced by
// the codec) as a single WebSocket message.
func (s *Session) Send(payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	switch v := payload.(type) {
	case string:
		return s.writeText(v)
	case []byte:
		return s.writeBinary(v)
	default:
		return errors.New("transport: unsupported payload type")
	}
}

func (s *Session) writeText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *Session) writeBinary(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Close initiates a locally-triggered shutdown. reason should be "forced
// close" (client-directed) or "forced server close" (whole-server
// shutdown); anything else is carried through verbatim for diagnostics.
func (s *Session) Close(reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
	s.writeMu.Unlock()
	s.finish(reason, nil)
}

func (s *Session) finish(reason string, err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		xtime.ClearInterval(s.pingTimer)
		xtime.ClearTimeout(s.pongTimer)
		if err != nil {
			s.Emit("error", err)
		}
		s.Emit("close", reason)
	})
}
