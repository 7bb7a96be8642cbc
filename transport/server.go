package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/phederal/sioserver/internal/logger"
)

var listenerLog = logger.NewLog("socket.io:transport:listener")

// Server accepts WebSocket upgrades on an echo router and hands each
// freshly-handshaken Session to OnConnection.
type Server struct {
	Path         string
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int64

	// CheckOrigin controls whether a cross-origin upgrade is permitted; nil
	// means allow all origins.
	CheckOrigin func(r *http.Request) bool

	// OnConnection is invoked once per accepted connection, after the open
	// handshake packet has been written and before Session.Serve starts; the
	// upgrade handler then blocks in Serve until the connection closes.
	OnConnection func(*Session)

	upgrader websocket.Upgrader
}

func NewServer(path string) *Server {
	if path == "" {
		path = "/socket.io"
	}
	return &Server{
		Path:         strings.TrimSuffix(path, "/"),
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		MaxPayload:   1_000_000,
	}
}

// Register binds the upgrade route onto an existing echo.Echo instance.
func (l *Server) Register(e *echo.Echo) {
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     l.CheckOrigin,
	}
	if l.upgrader.CheckOrigin == nil {
		l.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	e.GET(l.Path, l.handleUpgrade)
}

func (l *Server) handleUpgrade(c echo.Context) error {
	conn, err := l.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		listenerLog.Debug("upgrade failed remote=%s err=%v", c.RealIP(), err)
		return err
	}

	sess := NewSession(uuid.NewString(), conn, Options{
		PingInterval: l.PingInterval,
		PingTimeout:  l.PingTimeout,
		MaxPayload:   l.MaxPayload,
	})
	sess.Request = RequestInfo{
		Header:     c.Request().Header,
		RemoteAddr: c.Request().RemoteAddr,
		RequestURI: c.Request().RequestURI,
		Secure:     c.Request().TLS != nil,
	}
	if err := sess.Handshake(); err != nil {
		listenerLog.Debug("handshake write failed sid=%s err=%v", sess.Id(), err)
		conn.Close()
		return nil
	}

	if l.OnConnection != nil {
		l.OnConnection(sess)
	}
	sess.Serve()
	return nil
}
