package socket

import (
	"bytes"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtime"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
	"github.com/phederal/sioserver/transport"
)

var clientLog = logger.NewLog("socket.io:client")

// MultiplexClient is the Multiplex Client: one per transport
// connection, it owns the pending decoder, routes decoded application
// packets to the right Socket Session by namespace, and arms the
// connect-timeout that closes a connection which never joins any
// namespace.
type MultiplexClient struct {
	conn   *transport.Session
	id     string
	server *Server

	encoder parser.Encoder
	decoder parser.Decoder

	sockets *xtypes.Map[SocketId, *Socket]
	nsps    *xtypes.Map[string, *Socket]

	connectTimeout *xtime.Timer
}

// NewMultiplexClient wires a freshly accepted transport.Session to a
// Server: subscribes to its message/error/close events and arms the
// connect-timeout.
func NewMultiplexClient(server *Server, conn *transport.Session) *MultiplexClient {
	c := &MultiplexClient{
		conn:    conn,
		id:      conn.Id(),
		server:  server,
		encoder: server.encoder,
		decoder: server.parser.Decoder(),
		sockets: &xtypes.Map[SocketId, *Socket]{},
		nsps:    &xtypes.Map[string, *Socket]{},
	}
	c.setup()
	return c
}

func (c *MultiplexClient) setup() {
	c.decoder.On("decoded", c.ondecoded)
	c.conn.On("message", c.onmessage)
	c.conn.On("error", c.onerror)
	c.conn.On("close", c.onclose)

	c.connectTimeout = xtime.SetTimeOut(func() {
		empty := true
		c.nsps.Range(func(string, *Socket) bool {
			empty = false
			return false
		})
		if empty {
			clientLog.Debug("no namespace joined yet, closing client %s", c.id)
			c.close()
		}
	}, c.server.opts.ConnectTimeout)
}

// onmessage feeds a raw transport frame into the streaming decoder; a
// decode error is a protocol violation and closes the connection.
func (c *MultiplexClient) onmessage(args ...any) {
	pkt, ok := args[0].(transport.Packet)
	if !ok {
		return
	}
	if err := c.decoder.Add(pkt.Payload); err != nil {
		clientLog.Debug("client %s protocol error: %v", c.id, err)
		c.onerror(err)
	}
}

// connect admits a CONNECT for a namespace that doesn't exist yet by
// consulting the registry's parent matchers before refusing.
func (c *MultiplexClient) connect(name string, auth any) {
	if _, ok := c.server.nsps.Load(name); ok {
		clientLog.Debug("connecting to namespace %s", name)
		c.doConnect(name, auth)
		return
	}
	c.server.checkNamespace(name, auth, func(nsp *Namespace) {
		if nsp != nil {
			c.doConnect(name, auth)
			return
		}
		clientLog.Debug("creation of namespace %s was denied", name)
		c.packet(&parser.Packet{
			Type: parser.CONNECT_ERROR,
			Nsp:  name,
			Data: map[string]string{"message": "Invalid namespace"},
		}, nil)
	})
}

func (c *MultiplexClient) doConnect(name string, auth any) {
	nsp := c.server.Of(name, nil)
	nsp.Add(c, auth, func(socket *Socket) {
		c.sockets.Store(socket.Id(), socket)
		c.nsps.Store(nsp.Name(), socket)
		if c.connectTimeout != nil {
			xtime.ClearTimeout(c.connectTimeout)
			c.connectTimeout = nil
		}
	})
}

// disconnect force-disconnects every socket this client owns, then closes
// the transport.
func (c *MultiplexClient) disconnect() {
	c.sockets.Range(func(id SocketId, sock *Socket) bool {
		sock.Disconnect(false)
		c.sockets.Delete(id)
		return true
	})
	c.close()
}

// remove drops the bookkeeping for one socket; called by Socket once it
// has fully cleaned up.
func (c *MultiplexClient) remove(socket *Socket) {
	if _, ok := c.sockets.Load(socket.Id()); ok {
		c.sockets.Delete(socket.Id())
		c.nsps.Delete(socket.Nsp().Name())
	} else {
		clientLog.Debug("ignoring remove for %s", socket.Id())
	}
}

func (c *MultiplexClient) close() {
	if c.conn.ReadyState() == "open" {
		clientLog.Debug("forcing transport close for client %s", c.id)
		c.conn.Close("forced server close")
	}
}

// packet encodes and writes a single application packet to this
// connection's transport (used for packets not yet bound to a Socket,
// e.g. CONNECT_ERROR for a denied dynamic namespace).
func (c *MultiplexClient) packet(packet *parser.Packet, opts *WriteOptions) {
	if c.conn.ReadyState() != "open" {
		clientLog.Debug("ignoring packet write for closed client %s", c.id)
		return
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	c.writeToEngine(c.encoder.Encode(packet), *opts)
}

// writeToEngine writes already-encoded frames directly to the transport,
// honoring the volatile drop hint (SendError on an ordinary
// write failure, silently suppressed for volatile ones).
func (c *MultiplexClient) writeToEngine(frames []any, opts WriteOptions) error {
	if opts.Volatile && c.conn.ReadyState() != "open" {
		clientLog.Debug("volatile packet discarded for client %s", c.id)
		return nil
	}
	for _, frame := range frames {
		if opts.Compress {
			frame = compressFrame(frame)
		}
		if err := c.conn.Send(frame); err != nil {
			if opts.Volatile {
				return nil
			}
			return &SendError{Err: err}
		}
	}
	return nil
}

// compressFrame brotli-compresses an attachment frame when the caller
// requested it via the Compress flag; the head text frame is always left
// as plain JSON so every encoded packet stays parseable without first
// knowing whether compression was requested.
func compressFrame(frame any) any {
	b, ok := frame.([]byte)
	if !ok {
		return frame
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(b); err != nil {
		clientLog.Debug("brotli compress failed, sending raw frame: %v", err)
		return frame
	}
	if err := w.Close(); err != nil {
		clientLog.Debug("brotli compress flush failed, sending raw frame: %v", err)
		return frame
	}
	return buf.Bytes()
}

// ondecoded is invoked once per fully reassembled application packet.
func (c *MultiplexClient) ondecoded(args ...any) {
	packet, ok := args[0].(*parser.Packet)
	if !ok {
		return
	}
	namespace := packet.Nsp
	if namespace == "" {
		namespace = "/"
	}

	socket, ok := c.nsps.Load(namespace)
	switch {
	case !ok && packet.Type == parser.CONNECT:
		c.connect(namespace, packet.Data)
	case packet.Type == parser.CONNECT_ERROR:
		// Routed if a session exists; otherwise logged and ignored,
		// never treated as a protocol violation.
		if ok {
			socket.onpacket(packet)
		} else {
			clientLog.Debug("client %s: CONNECT_ERROR for unknown namespace %s ignored", c.id, namespace)
		}
	case ok && packet.Type != parser.CONNECT:
		// Dispatched synchronously on this connection's own read-loop
		// goroutine (not spawned) so packet processing stays serialized
		// and ordered; this still runs after decode of this frame
		// has fully completed, never interleaved with it.
		socket.onpacket(packet)
	case !ok:
		clientLog.Debug("client %s: packet for unknown namespace %s", c.id, namespace)
		c.onerror(nil)
	default:
		clientLog.Debug("client %s: duplicate CONNECT for namespace %s", c.id, namespace)
		c.onerror(nil)
	}
}

func (c *MultiplexClient) onerror(args ...any) {
	c.sockets.Range(func(_ SocketId, sock *Socket) bool {
		sock.onerror(firstOrNil(args))
		return true
	})
	c.conn.Close("forced server close")
}

func (c *MultiplexClient) onclose(args ...any) {
	reason, _ := firstOrNil(args).(string)
	clientLog.Debug("client %s closed: %s", c.id, reason)
	c.destroy()
	c.sockets.Range(func(id SocketId, sock *Socket) bool {
		sock.onclose(reason)
		c.sockets.Delete(id)
		return true
	})
	c.decoder.Destroy()
}

func (c *MultiplexClient) destroy() {
	if c.connectTimeout != nil {
		xtime.ClearTimeout(c.connectTimeout)
		c.connectTimeout = nil
	}
}

func firstOrNil(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// newSocketId mints a fresh public sid, an opaque URL-safe identifier
//; this module never reuses the transport-level id since that
// would leak the connection identity across namespaces.
func newSocketId() SocketId {
	return SocketId(uuid.NewString())
}

func newPrivateSessionId() PrivateSessionId {
	return PrivateSessionId(uuid.NewString())
}
