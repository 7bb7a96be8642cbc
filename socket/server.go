package socket

import (
	"regexp"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
	"github.com/phederal/sioserver/transport"
)

var serverLog = logger.NewLog("socket.io:server")

// NamespaceMatcher is the asynchronous function-matcher form Of accepts:
// given a candidate name, it must eventually call cb(err, allowed). The
// registry always passes nil as auth (the client's auth payload is not
// forwarded) and ignores err; only allowed decides admission.
type NamespaceMatcher func(name string, auth any, cb func(error, bool))

// Server is the Namespace Registry: it owns every Namespace,
// accepts transport connections and hands each to a fresh MultiplexClient,
// and offers the root namespace's broadcast surface as a convenience. Wired
// directly to package transport's WebSocket-only session instead of a
// multi-transport engine, since this module fixes WebSocket as the sole
// transport.
type Server struct {
	*StrictEventEmitter

	opts      *ServerOptions
	parser    parser.Parser
	encoder   parser.Encoder
	transport *transport.Server

	nsps *xtypes.Map[string, *Namespace]

	parentMu sync.RWMutex
	parents  []*ParentNamespace
}

// NewServer builds a Server from opts (nil for all defaults) with its root
// namespace "/" already registered.
func NewServer(opts *ServerOptions) *Server {
	opts = opts.withDefaults()

	s := &Server{
		StrictEventEmitter: NewStrictEventEmitter(),
		opts:               opts,
		parser:             opts.Parser,
		encoder:            opts.Parser.Encoder(),
		nsps:               &xtypes.Map[string, *Namespace]{},
	}

	s.transport = transport.NewServer(opts.Path)
	s.transport.PingInterval = opts.PingInterval
	s.transport.PingTimeout = opts.PingTimeout
	s.transport.MaxPayload = opts.MaxPayload
	s.transport.OnConnection = func(sess *transport.Session) {
		NewMultiplexClient(s, sess)
	}

	s.Of("/", nil)
	return s
}

// Attach registers the upgrade route on e; the caller still owns starting
// the HTTP listener itself.
func (s *Server) Attach(e *echo.Echo) {
	s.transport.Register(e)
}

func (s *Server) Opts() *ServerOptions { return s.opts }

func (s *Server) root() *Namespace {
	nsp, _ := s.nsps.Load("/")
	return nsp
}

// Of implements the three matcher forms: a string name (normalized to a
// leading "/", created on first use), a *regexp.Regexp or NamespaceMatcher
// function that produces a Parent Namespace, or nil/anything else falling
// back to the root namespace. fn, when non-nil, is attached as a "connect"
// listener on whichever namespace is returned.
func (s *Server) Of(name any, fn func(*Socket)) *Namespace {
	switch v := name.(type) {
	case string:
		if !strings.HasPrefix(v, "/") {
			v = "/" + v
		}
		return s.ofName(v, fn)
	case *regexp.Regexp:
		return s.ofMatcher(func(name string, _ any, cb func(error, bool)) {
			cb(nil, v.MatchString(name))
		}, fn)
	case NamespaceMatcher:
		return s.ofMatcher(v, fn)
	case func(string, any, func(error, bool)):
		return s.ofMatcher(v, fn)
	default:
		return s.ofName("/", fn)
	}
}

func (s *Server) ofName(name string, fn func(*Socket)) *Namespace {
	if nsp, ok := s.nsps.Load(name); ok {
		attachConnectListener(nsp, fn)
		return nsp
	}

	serverLog.Debug("initializing namespace %s", name)
	nsp := NewNamespace(s, name)
	s.nsps.Store(name, nsp)
	if name != "/" {
		if root := s.root(); root != nil {
			root.EmitReserved("new_namespace", nsp)
		}
	}
	attachConnectListener(nsp, fn)
	return nsp
}

func (s *Server) ofMatcher(matcher NamespaceMatcher, fn func(*Socket)) *Namespace {
	parent := NewParentNamespace(s)
	parent.Matcher = func(name string) bool {
		allowed := false
		done := make(chan struct{})
		matcher(name, nil, func(_ error, ok bool) {
			allowed = ok
			close(done)
		})
		<-done
		return allowed
	}

	s.parentMu.Lock()
	s.parents = append(s.parents, parent)
	s.parentMu.Unlock()

	attachConnectListener(parent.Namespace, fn)
	return parent.Namespace
}

func attachConnectListener(nsp *Namespace, fn func(*Socket)) {
	if fn == nil {
		return
	}
	nsp.On("connect", func(args ...any) {
		if sock, ok := firstOrNil(args).(*Socket); ok {
			fn(sock)
		}
	})
}

// checkNamespace implements the lookup for an unknown namespace name:
// walk the registered matchers in insertion order, materializing a child
// under the first one that admits the name.
func (s *Server) checkNamespace(name string, auth any, fn func(*Namespace)) {
	s.parentMu.RLock()
	parents := append([]*ParentNamespace{}, s.parents...)
	s.parentMu.RUnlock()

	for _, p := range parents {
		if p.Matcher != nil && p.Matcher(name) {
			fn(p.CreateChild(name))
			return
		}
	}
	fn(nil)
}

// Use registers root-namespace middleware, the common case for a handler
// that applies to every connection regardless of namespace.
func (s *Server) Use(fn func(*Socket, func(*ExtendedError))) *Server {
	s.root().Use(fn)
	return s
}

func (s *Server) To(rooms ...Room) *BroadcastOperator     { return s.root().To(rooms...) }
func (s *Server) In(rooms ...Room) *BroadcastOperator     { return s.root().In(rooms...) }
func (s *Server) Except(rooms ...Room) *BroadcastOperator { return s.root().Except(rooms...) }
func (s *Server) Emit(ev string, args ...any) error       { return s.root().Emit(ev, args...) }
func (s *Server) Send(args ...any) *Server                { s.root().Send(args...); return s }
func (s *Server) Write(args ...any) *Server               { s.root().Write(args...); return s }
func (s *Server) FetchSockets() []SocketDetails           { return s.root().FetchSockets() }
func (s *Server) SocketsJoin(rooms ...Room)               { s.root().SocketsJoin(rooms...) }
func (s *Server) SocketsLeave(rooms ...Room)              { s.root().SocketsLeave(rooms...) }
func (s *Server) DisconnectSockets(status bool)           { s.root().DisconnectSockets(status) }

// Close tears every namespace's adapter down and force-disconnects every
// session; fn, when non-nil, runs once that completes.
func (s *Server) Close(fn func()) {
	s.nsps.Range(func(_ string, nsp *Namespace) bool {
		nsp.DisconnectSockets(true)
		nsp.adapter.Close()
		return true
	})
	if fn != nil {
		fn()
	}
}
