package socket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtypes"
)

var namespaceLog = logger.NewLog("socket.io:namespace")

// NAMESPACE_RESERVED_EVENTS are fired locally on a Namespace; routing one of
// these through Emit dispatches to local observers only, never to peers
//.
var NAMESPACE_RESERVED_EVENTS = xtypes.NewSet("connect", "connection", "new_namespace")

// Namespace is a logical communication channel: its own
// Socket Session pool, Room Index, middleware chain, and outbound-ack-id
// counter.
type Namespace struct {
	// _ids must stay the first field: atomic.AddUint64 requires 8-byte
	// alignment on 32-bit platforms, guaranteed only for a struct's first
	// word.
	_ids uint64

	*StrictEventEmitter

	name    string
	sockets *xtypes.Map[SocketId, *Socket]
	adapter Adapter
	server  *Server

	fnsMu sync.RWMutex
	fns   []func(*Socket, func(*ExtendedError))

	remove func(*Socket)
}

func NewNamespace(server *Server, name string) *Namespace {
	n := &Namespace{
		StrictEventEmitter: NewStrictEventEmitter(),
		name:               name,
		sockets:            &xtypes.Map[SocketId, *Socket]{},
		server:             server,
	}
	n.remove = n.namespaceRemove
	n.initAdapter()
	return n
}

// initAdapter installs a SessionAwareAdapter instead of a bare RoomIndex
// when connection state recovery is configured, so Namespace.Add's recovery
// lookup and broadcast's offset-stamping have somewhere to live.
func (n *Namespace) initAdapter() {
	switch {
	case n.server.opts.Adapter != nil:
		n.adapter = n.server.opts.Adapter(n)
	case n.server.opts.ConnectionStateRecovery != nil:
		n.adapter = NewSessionAwareAdapter(n, n.server.opts.ConnectionStateRecovery)
	default:
		n.adapter = NewRoomIndex(n)
	}
	n.adapter.Init()
}

func (n *Namespace) Name() string                            { return n.name }
func (n *Namespace) Server() *Server                         { return n.server }
func (n *Namespace) Adapter() Adapter                        { return n.adapter }
func (n *Namespace) Sockets() *xtypes.Map[SocketId, *Socket] { return n.sockets }

func (n *Namespace) nextAckId() uint64 {
	return atomic.AddUint64(&n._ids, 1)
}

// Use registers namespace-level middleware, run once per joining session in
// registration order.
func (n *Namespace) Use(fn func(*Socket, func(*ExtendedError))) *Namespace {
	n.fnsMu.Lock()
	n.fns = append(n.fns, fn)
	n.fnsMu.Unlock()
	return n
}

// run folds the middleware chain over socket, invoking fn once it resolves
// or short-circuits on the first error.
func (n *Namespace) run(socket *Socket, fn func(*ExtendedError)) {
	n.fnsMu.RLock()
	fns := append([]func(*Socket, func(*ExtendedError)){}, n.fns...)
	n.fnsMu.RUnlock()

	if len(fns) == 0 {
		go fn(nil)
		return
	}

	var step func(i int)
	step = func(i int) {
		fns[i](socket, func(err *ExtendedError) {
			if err != nil {
				go fn(err)
				return
			}
			if i >= len(fns)-1 {
				go fn(nil)
				return
			}
			step(i + 1)
		})
	}
	step(0)
}

func (n *Namespace) To(rooms ...Room) *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).To(rooms...)
}
func (n *Namespace) In(rooms ...Room) *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).In(rooms...)
}
func (n *Namespace) Except(rooms ...Room) *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Except(rooms...)
}
func (n *Namespace) Compress(compress bool) *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Compress(compress)
}
func (n *Namespace) Volatile() *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Volatile()
}
func (n *Namespace) Local() *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Local()
}
func (n *Namespace) Binary() *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Binary()
}
func (n *Namespace) Timeout(d time.Duration) *BroadcastOperator {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Timeout(d)
}

// Add runs the middleware chain for a joining client, honoring the
// skipMiddlewares short circuit: when connection
// state recovery resolves a recovered session and the transport is still
// open, the whole chain is bypassed rather than just auth-specific steps.
func (n *Namespace) Add(client *MultiplexClient, auth any, fn func(*Socket)) *Socket {
	namespaceLog.Debug("adding socket to namespace %s", n.name)

	socket := n.createSocket(client, auth)

	if n.server.opts.ConnectionStateRecovery != nil &&
		n.server.opts.ConnectionStateRecovery.SkipMiddlewares &&
		socket.Recovered() && client.conn.ReadyState() == "open" {
		n.doConnect(socket, fn)
		return socket
	}

	n.run(socket, func(err *ExtendedError) {
		if client.conn.ReadyState() != "open" {
			namespaceLog.Debug("next called after client was closed - ignoring socket")
			socket.cleanup()
			return
		}
		if err != nil {
			namespaceLog.Debug("middleware error, sending CONNECT_ERROR to socket %s", socket.Id())
			socket.cleanup()
			socket.error(err)
			return
		}
		n.doConnect(socket, fn)
	})

	return socket
}

func (n *Namespace) createSocket(client *MultiplexClient, auth any) *Socket {
	var sd SessionData
	if mapstructure.Decode(auth, &sd) == nil {
		if pid, ok := sd.GetPid(); ok {
			if offset, ok := sd.GetOffset(); ok && n.server.opts.ConnectionStateRecovery != nil {
				session, err := n.adapter.RestoreSession(PrivateSessionId(pid), offset)
				if err != nil {
					namespaceLog.Debug("error while restoring session: %v", err)
				} else if session != nil {
					namespaceLog.Debug("connection state recovered for sid %s", session.Sid)
					return NewSocket(n, client, auth, session)
				}
			}
		}
	}
	return NewSocket(n, client, auth, nil)
}

// doConnect finishes joining: internal bookkeeping (onconnect) always
// completes strictly before the caller's fn and the reserved
// connect/connection observer events fire.
func (n *Namespace) doConnect(socket *Socket, fn func(*Socket)) {
	n.sockets.Store(socket.Id(), socket)
	socket.onconnect()
	if fn != nil {
		fn(socket)
	}
	n.EmitReserved("connect", socket)
	n.EmitReserved("connection", socket)
}

func (n *Namespace) namespaceRemove(socket *Socket) {
	if _, ok := n.sockets.LoadAndDelete(socket.Id()); !ok {
		namespaceLog.Debug("ignoring remove for %s", socket.Id())
	}
}

func (n *Namespace) Emit(ev string, args ...any) error {
	if NAMESPACE_RESERVED_EVENTS.Has(ev) {
		n.EmitReserved(ev, args...)
		return nil
	}
	return NewBroadcastOperator(n.adapter, nil, nil, nil).Emit(ev, args...)
}

func (n *Namespace) EmitWithAck(ev string, args ...any) func(func([]any, error)) {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).EmitWithAck(ev, args...)
}

func (n *Namespace) Send(args ...any) *Namespace  { n.Emit("message", args...); return n }
func (n *Namespace) Write(args ...any) *Namespace { n.Emit("message", args...); return n }

func (n *Namespace) ServerSideEmit(ev string, args ...any) error {
	if NAMESPACE_RESERVED_EVENTS.Has(ev) {
		return NewProtocolError("%q is a reserved event name", ev)
	}
	return n.adapter.ServerSideEmit(ev, args...)
}

func (n *Namespace) onServerSideEmit(ev string, args ...any) {
	n.EmitUntyped(ev, args...)
}

// AllSockets is deprecated in favor of FetchSockets/BroadcastOperator but
// kept for callers that only need the raw id set.
func (n *Namespace) AllSockets() *xtypes.Set[SocketId] {
	return n.adapter.Sockets(xtypes.NewSet[Room]())
}

func (n *Namespace) FetchSockets() []SocketDetails {
	return NewBroadcastOperator(n.adapter, nil, nil, nil).FetchSockets()
}
func (n *Namespace) SocketsJoin(rooms ...Room) {
	NewBroadcastOperator(n.adapter, nil, nil, nil).SocketsJoin(rooms...)
}
func (n *Namespace) SocketsLeave(rooms ...Room) {
	NewBroadcastOperator(n.adapter, nil, nil, nil).SocketsLeave(rooms...)
}
func (n *Namespace) DisconnectSockets(status bool) {
	NewBroadcastOperator(n.adapter, nil, nil, nil).DisconnectSockets(status)
}
