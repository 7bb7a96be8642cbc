package socket

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phederal/sioserver/internal/events"
	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtime"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

var socketLog = logger.NewLog("socket.io:socket")

// Handshake is the record a Socket is built from: everything captured off the underlying transport connection plus
// whatever the client sent as its `auth` payload.
type Handshake struct {
	Time    string
	Address string
	Xdomain bool
	Secure  bool
	Issued  int64
	Url     string
	Headers http.Header
	Auth    any
}

// Socket is a Socket Session: one joined client inside one
// namespace, multiplexed over a single MultiplexClient connection.
type Socket struct {
	// _ids must stay the first field for atomic.AddUint64 alignment, same
	// constraint as Namespace._ids.
	_ids uint64

	*StrictEventEmitter

	id      SocketId
	pid     PrivateSessionId
	nsp     *Namespace
	client  *MultiplexClient
	adapter Adapter

	handshake *Handshake
	recovered bool

	dataMu sync.RWMutex
	data   any

	connected atomic.Bool
	canJoin   atomic.Bool

	acks *xtypes.Map[uint64, func(...any)]

	flagsMu sync.Mutex
	flags   *BroadcastFlags

	anyMu        sync.RWMutex
	anyListeners []events.Listener

	anyOutMu             sync.RWMutex
	anyOutgoingListeners []events.Listener

	recoveredRooms *xtypes.Set[Room]
	missedPackets  []any
}

// NewSocket builds a joining session; recovered, when non-nil, carries the
// persisted sid/pid/rooms/data and missed packets a RestoreSession lookup
// resolved for this client.
func NewSocket(nsp *Namespace, client *MultiplexClient, auth any, recovered *RecoveredSession) *Socket {
	s := &Socket{
		StrictEventEmitter: NewStrictEventEmitter(),
		nsp:                nsp,
		client:             client,
		adapter:            nsp.Adapter(),
		acks:               &xtypes.Map[uint64, func(...any)]{},
		flags:              &BroadcastFlags{},
	}
	s.canJoin.Store(true)

	if recovered != nil {
		s.id = recovered.Sid
		s.pid = recovered.Pid
		s.data = recovered.Data
		s.recovered = true
		s.recoveredRooms = recovered.Rooms
		s.missedPackets = recovered.MissedPackets
	} else {
		s.id = newSocketId()
		s.pid = newPrivateSessionId()
	}

	s.handshake = s.buildHandshake(auth)
	return s
}

func (s *Socket) buildHandshake(auth any) *Handshake {
	info := s.client.conn.Request
	return &Handshake{
		Time:    time.Now().Format(time.RFC1123),
		Address: info.RemoteAddr,
		Xdomain: info.Header.Get("Origin") != "",
		Secure:  info.Secure,
		Issued:  time.Now().UnixMilli(),
		Url:     info.RequestURI,
		Headers: info.Header,
		Auth:    auth,
	}
}

func (s *Socket) Id() SocketId          { return s.id }
func (s *Socket) Pid() PrivateSessionId { return s.pid }
func (s *Socket) Nsp() *Namespace       { return s.nsp }
func (s *Socket) Handshake() *Handshake { return s.handshake }
func (s *Socket) Recovered() bool       { return s.recovered }
func (s *Socket) Connected() bool       { return s.connected.Load() }

func (s *Socket) Data() any {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data
}

func (s *Socket) SetData(v any) {
	s.dataMu.Lock()
	s.data = v
	s.dataMu.Unlock()
}

func (s *Socket) Rooms() *xtypes.Set[Room] {
	if rooms := s.adapter.SocketRooms(s.id); rooms != nil {
		return rooms
	}
	return xtypes.NewSet[Room]()
}

func (s *Socket) nextAckId() uint64 { return atomic.AddUint64(&s._ids, 1) }

// onconnect finishes joining: rejoin recovered rooms (or just this
// session's own sid room for a fresh connection), send the CONNECT ack,
// then replay whatever was missed while disconnected. Always
// runs to completion before Namespace.doConnect fires connect/connection.
func (s *Socket) onconnect() {
	socketLog.Debug("socket %s connected to namespace %s", s.id, s.nsp.Name())
	s.connected.Store(true)

	if s.recoveredRooms != nil {
		s.adapter.AddAll(s.id, s.recoveredRooms)
	} else {
		s.Join(Room(s.id))
	}

	s.packet(&parser.Packet{
		Type: parser.CONNECT,
		Data: map[string]any{"sid": s.id, "pid": s.pid},
	}, nil)

	for _, mp := range s.missedPackets {
		pkt, ok := mp.(*parser.Packet)
		if !ok {
			continue
		}
		frames := s.client.encoder.Encode(pkt)
		if err := s.client.writeToEngine(frames, WriteOptions{}); err != nil {
			socketLog.Debug("socket %s: replay write failed: %v", s.id, err)
		}
	}
	s.missedPackets = nil
}

// Join adds this session to rooms; ignored once the session has started
// tearing down (canJoin is cleared by cleanup).
func (s *Socket) Join(rooms ...Room) {
	if !s.canJoin.Load() {
		return
	}
	s.adapter.AddAll(s.id, xtypes.NewSet(rooms...))
}

func (s *Socket) Leave(room Room) {
	s.adapter.Del(s.id, room)
}

func (s *Socket) leaveAll() {
	s.adapter.DelAll(s.id)
}

func (s *Socket) To(rooms ...Room) *BroadcastOperator {
	return NewBroadcastOperator(s.adapter, nil, nil, nil).To(rooms...).Except(Room(s.id))
}
func (s *Socket) In(rooms ...Room) *BroadcastOperator { return s.To(rooms...) }
func (s *Socket) Except(rooms ...Room) *BroadcastOperator {
	return NewBroadcastOperator(s.adapter, nil, nil, nil).Except(append(rooms, Room(s.id))...)
}
// Compress marks the next direct emit's write; consumed by the following
// Emit/Send call.
func (s *Socket) Compress(compress bool) *Socket {
	s.flagsMu.Lock()
	s.flags.Compress = compress
	s.flagsMu.Unlock()
	return s
}

// Volatile marks the next direct emit droppable when the transport is not
// writable, instead of surfacing a SendError.
func (s *Socket) Volatile() *Socket {
	s.flagsMu.Lock()
	s.flags.Volatile = true
	s.flagsMu.Unlock()
	return s
}

// Timeout sets the ack deadline for the next direct emit that carries a
// callback; without it an ack waits until a response or disconnection.
func (s *Socket) Timeout(d time.Duration) *Socket {
	s.flagsMu.Lock()
	s.flags.Timeout = &d
	s.flagsMu.Unlock()
	return s
}

func (s *Socket) Local() *BroadcastOperator {
	return NewBroadcastOperator(s.adapter, nil, nil, nil).Except(Room(s.id)).Local()
}
func (s *Socket) Binary() *BroadcastOperator {
	return NewBroadcastOperator(s.adapter, nil, nil, nil).Except(Room(s.id)).Binary()
}

// Broadcast returns an operator on the whole namespace with this session
// excluded.
func (s *Socket) Broadcast() *BroadcastOperator {
	return NewBroadcastOperator(s.adapter, nil, nil, nil).Except(Room(s.id))
}

func (s *Socket) consumeFlags() *BroadcastFlags {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	flags := *s.flags
	s.flags = &BroadcastFlags{}
	return &flags
}

// Emit sends an EVENT to this one session, registering the trailing
// argument as an ack callback when it matches one of the supported
// signatures.
func (s *Socket) Emit(ev string, args ...any) error {
	if SOCKET_RESERVED_EVENTS.Has(ev) {
		return NewProtocolError("%q is a reserved event name", ev)
	}

	data := append([]any{ev}, args...)
	packet := &parser.Packet{Type: parser.EVENT, Data: data}

	if n := len(data); n > 0 {
		if ackCb, ok := asAckCallback(data[n-1]); ok {
			packet.Data = data[:n-1]
			id := s.nextAckId()
			s.registerAckCallback(id, ackCb)
			packet.Id = &id
		}
	}

	flags := s.consumeFlags()
	s.notifyOutgoingListeners(packet)
	return s.packet(packet, flags)
}

func (s *Socket) Send(args ...any) error  { return s.Emit("message", args...) }
func (s *Socket) Write(args ...any) error { return s.Emit("message", args...) }

// registerAckCallback stores ackCb under id, arming a timeout timer when the
// currently accumulated flags carry one.
func (s *Socket) registerAckCallback(id uint64, ack func(...any)) {
	s.flagsMu.Lock()
	timeout := s.flags.Timeout
	s.flagsMu.Unlock()

	if timeout == nil {
		s.acks.Store(id, ack)
		return
	}

	// The map arbitrates exactly-once between a timeout, a late response,
	// and a session close: whoever removes the id delivers the signal.
	var timer *xtime.Timer
	timer = xtime.SetTimeOut(func() {
		if _, ok := s.acks.LoadAndDelete(id); ok {
			socketLog.Debug("socket %s: ack %d timed out", s.id, id)
			ack(NewTimeoutError())
		}
	}, *timeout)

	s.acks.Store(id, func(args ...any) {
		xtime.ClearTimeout(timer)
		ack(args...)
	})
}

// packet stamps the namespace onto packet and writes it through the owning
// client's transport connection.
func (s *Socket) packet(packet *parser.Packet, opts *BroadcastFlags) error {
	packet.Nsp = s.nsp.Name()
	if opts == nil {
		opts = &BroadcastFlags{}
	}
	return s.client.writeToEngine(s.client.encoder.Encode(packet), opts.WriteOptions)
}

// notifyOutgoingListeners mirrors onAnyOutgoing observers before a packet
// leaves this session, whether it was addressed directly or reached through
// a broadcast fan-out.
func (s *Socket) notifyOutgoingListeners(packet *parser.Packet) {
	s.anyOutMu.RLock()
	listeners := append([]events.Listener{}, s.anyOutgoingListeners...)
	s.anyOutMu.RUnlock()

	if len(listeners) == 0 {
		return
	}
	data, _ := packet.Data.([]any)
	for _, l := range listeners {
		l(data...)
	}
}

func (s *Socket) OnAny(l events.Listener) {
	s.anyMu.Lock()
	s.anyListeners = append(s.anyListeners, l)
	s.anyMu.Unlock()
}
func (s *Socket) PrependAny(l events.Listener) {
	s.anyMu.Lock()
	s.anyListeners = append([]events.Listener{l}, s.anyListeners...)
	s.anyMu.Unlock()
}
func (s *Socket) OffAny() { s.anyMu.Lock(); s.anyListeners = nil; s.anyMu.Unlock() }

func (s *Socket) OnAnyOutgoing(l events.Listener) {
	s.anyOutMu.Lock()
	s.anyOutgoingListeners = append(s.anyOutgoingListeners, l)
	s.anyOutMu.Unlock()
}
func (s *Socket) PrependAnyOutgoing(l events.Listener) {
	s.anyOutMu.Lock()
	s.anyOutgoingListeners = append([]events.Listener{l}, s.anyOutgoingListeners...)
	s.anyOutMu.Unlock()
}
func (s *Socket) OffAnyOutgoing() { s.anyOutMu.Lock(); s.anyOutgoingListeners = nil; s.anyOutMu.Unlock() }

// onpacket dispatches a reassembled application packet addressed to this
// session's namespace.
func (s *Socket) onpacket(packet *parser.Packet) {
	if !s.Connected() {
		return
	}
	switch packet.Type {
	case parser.EVENT, parser.BINARY_EVENT:
		s.onevent(packet)
	case parser.ACK, parser.BINARY_ACK:
		s.onack(packet)
	case parser.DISCONNECT:
		s.ondisconnect()
	case parser.CONNECT_ERROR:
		s.onerror(packet.Data)
	}
}

func (s *Socket) onevent(packet *parser.Packet) {
	args, _ := packet.Data.([]any)
	if packet.Id != nil {
		args = append(args, s.ackCallback(*packet.Id))
	}

	s.anyMu.RLock()
	listeners := append([]events.Listener{}, s.anyListeners...)
	s.anyMu.RUnlock()
	for _, l := range listeners {
		l(args...)
	}

	if len(args) == 0 {
		return
	}
	ev, ok := args[0].(string)
	if !ok {
		return
	}
	s.EmitUntyped(ev, args[1:]...)
}

// ackCallback hands the handler a function it can invoke at most once to
// send the ACK packet a client-initiated EVENT requested.
func (s *Socket) ackCallback(id uint64) func(...any) {
	var sent atomic.Bool
	return func(args ...any) {
		if !sent.CompareAndSwap(false, true) {
			socketLog.Debug("socket %s: ack %d already sent", s.id, id)
			return
		}
		s.packet(&parser.Packet{Id: &id, Type: parser.ACK, Data: args}, nil)
	}
}

func (s *Socket) onack(packet *parser.Packet) {
	if packet.Id == nil {
		return
	}
	if ack, ok := s.acks.LoadAndDelete(*packet.Id); ok {
		data, _ := packet.Data.([]any)
		ack(data...)
	}
}

func (s *Socket) ondisconnect() {
	s.onclose("client namespace disconnect")
}

// Disconnect tears this session down locally; status true additionally
// closes the underlying transport connection.
func (s *Socket) Disconnect(status bool) *Socket {
	if !s.Connected() {
		return s
	}
	if status {
		s.client.disconnect()
	} else {
		s.packet(&parser.Packet{Type: parser.DISCONNECT, Nsp: s.nsp.Name()}, nil)
		s.onclose("server namespace disconnect")
	}
	return s
}

func (s *Socket) onerror(err any) {
	if s.ListenerCount("error") > 0 {
		s.EmitReserved("error", err)
		return
	}
	socketLog.Error("socket %s error: %v", s.id, err)
}

// onclose runs the single-run cleanup sequence: flush ack handlers,
// leave every room, remove from the namespace and client, persist a
// recovery snapshot unless the disconnect was forced, then fire the
// disconnecting/disconnect observer events. Rooms and data are snapshotted
// before cleanup clears them so the recovery record reflects the session as
// it was, not the empty shell left behind.
func (s *Socket) onclose(reason any) {
	if !s.Connected() {
		return
	}

	snapshotRooms := s.Rooms()
	snapshotData := s.Data()

	s.cleanup()

	s.nsp.remove(s)
	s.client.remove(s)

	if rec := s.nsp.server.opts.ConnectionStateRecovery; rec != nil && !isForcedClose(reason) {
		s.nsp.adapter.PersistSession(&SessionToPersist{
			Sid:   s.id,
			Pid:   s.pid,
			Rooms: snapshotRooms,
			Data:  snapshotData,
		})
	}

	s.EmitReserved("disconnecting", reason)
	s.connected.Store(false)
	s.EmitReserved("disconnect", reason)

	for _, ev := range s.EventNames() {
		s.OffAll(ev)
	}
}

// cleanup flushes pending acks with a synthetic error and leaves every
// room; shared between a mid-middleware abort (no acks, no rooms yet) and
// the full teardown in onclose.
func (s *Socket) cleanup() {
	s.acks.Range(func(id uint64, _ func(...any)) bool {
		if ack, ok := s.acks.LoadAndDelete(id); ok {
			ack(&DisconnectedError{})
		}
		return true
	})
	s.leaveAll()
	s.canJoin.Store(false)
}

// error sends a CONNECT_ERROR to reject this session's join, used by
// Namespace.Add when middleware declines the connection.
func (s *Socket) error(err *ExtendedError) {
	s.packet(&parser.Packet{Type: parser.CONNECT_ERROR, Data: err}, nil)
}

func isForcedClose(reason any) bool {
	r, ok := reason.(string)
	if !ok {
		return false
	}
	return r == "forced close" || r == "forced server close"
}
