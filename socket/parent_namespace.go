package socket

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

var parentNamespaceLog = logger.NewLog("socket.io:parent-namespace")

var parentNamespaceCount uint64

// ParentNamespace lazily produces concrete child namespaces whose names are
// admitted by a regexp or function matcher. It is itself a
// Namespace (so `io.Of(re)` can be used the same way as a static one for
// registering middleware/listeners) but its own adapter fans broadcasts out
// to every child rather than holding sessions directly.
type ParentNamespace struct {
	*Namespace

	// Matcher decides whether a namespace name this parent hasn't seen
	// before should be admitted; Server.Of installs it from the
	// regexp or function the caller passed in.
	Matcher func(name string) bool

	children *xtypes.Set[*Namespace]
}

func NewParentNamespace(server *Server) *ParentNamespace {
	name := "/_" + strconv.FormatUint(atomic.AddUint64(&parentNamespaceCount, 1), 10)
	p := &ParentNamespace{
		Namespace: NewNamespace(server, name),
		children:  xtypes.NewSet[*Namespace](),
	}
	p.initAdapter()
	return p
}

// initAdapter installs the fan-out-to-children broadcast: the parent never
// holds sessions itself, so To(...)/Emit on the parent must reach every
// concrete child instead of the parent's own (always empty) room index.
func (p *ParentNamespace) initAdapter() {
	p.adapter.SetBroadcast(func(packet *parser.Packet, opts *BroadcastOptions) {
		for _, child := range p.children.Keys() {
			child.adapter.Broadcast(packet, opts)
		}
	})
}

func (p *ParentNamespace) Emit(ev string, args ...any) error {
	for _, child := range p.children.Keys() {
		child.Emit(ev, args...)
	}
	return nil
}

// CreateChild materializes a concrete namespace for a name this parent's
// matcher admitted, inheriting both the parent's middleware and its
// connect/connection listeners.
func (p *ParentNamespace) CreateChild(name string) *Namespace {
	parentNamespaceLog.Debug("creating child namespace %s", name)
	child := NewNamespace(p.server, name)

	p.fnsMu.RLock()
	child.fns = append(child.fns, p.fns...)
	p.fnsMu.RUnlock()

	child.On("connect", p.Listeners("connect")...)
	child.On("connection", p.Listeners("connection")...)
	p.children.Add(child)

	if p.server.opts.CleanupEmptyChildNamespaces {
		child.remove = func(socket *Socket) {
			child.namespaceRemove(socket)
			if child.sockets.Len() == 0 {
				parentNamespaceLog.Debug("closing child namespace %s", name)
				child.adapter.Close()
				p.server.nsps.Delete(child.name)
				p.children.Delete(child)
			}
		}
	}

	p.server.nsps.Store(name, child)
	return child
}

// FetchSockets is unsupported on parent namespaces: with multiple
// Socket.IO servers a given dynamic namespace may exist on one node and not
// another, since it's created lazily on client connection (a documented
// limitation, not a bug).
func (p *ParentNamespace) FetchSockets() ([]SocketDetails, error) {
	return nil, errors.New("FetchSockets() is not supported on parent namespaces")
}
