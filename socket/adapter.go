// Package socket implements the dispatch engine layered over package
// transport and package parser: namespaces, rooms, sockets, broadcast
// operators and connection-state recovery, built on the
// internal/events, internal/xtime, internal/xtypes, internal/logger
// substrate.
package socket

import (
	"errors"

	"github.com/phederal/sioserver/internal/events"
	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

var adapterLog = logger.NewLog("socket.io:adapter")

// SocketDetails is the read-only view FetchSockets hands back per match;
// *Socket satisfies it directly.
type SocketDetails interface {
	Id() SocketId
	Handshake() *Handshake
	Rooms() *xtypes.Set[Room]
	Data() any
}

// Adapter is the room index extension point: the in-memory RoomIndex is the only
// implementation this module ships, but a Redis/Postgres-backed adapter
// implements the same interface to extend broadcast across nodes.
type Adapter interface {
	Rooms() *xtypes.Map[Room, *xtypes.Set[SocketId]]
	Sids() *xtypes.Map[SocketId, *xtypes.Set[Room]]
	Nsp() *Namespace

	Init()
	Close()

	// ServerCount returns the number of Socket.IO servers in the cluster;
	// 1 in single-node mode.
	ServerCount() int64

	AddAll(SocketId, *xtypes.Set[Room])
	Del(SocketId, Room)
	DelAll(SocketId)

	// SetBroadcast lets a composite owner (ParentNamespace) redirect fan-out
	// to a different target than this adapter's own room index, since a
	// parent namespace shares its base adapter with every lazily-created
	// child rather than being subclassed itself.
	SetBroadcast(func(*parser.Packet, *BroadcastOptions))
	Broadcast(*parser.Packet, *BroadcastOptions)
	BroadcastWithAck(*parser.Packet, *BroadcastOptions, func(uint64), func(...any))

	Sockets(*xtypes.Set[Room]) *xtypes.Set[SocketId]
	SocketRooms(SocketId) *xtypes.Set[Room]

	FetchSockets(*BroadcastOptions) []SocketDetails
	AddSockets(*BroadcastOptions, []Room)
	DelSockets(*BroadcastOptions, []Room)
	DisconnectSockets(*BroadcastOptions, bool)

	ServerSideEmit(string, ...any) error

	PersistSession(*SessionToPersist)
	RestoreSession(pid PrivateSessionId, offset string) (*RecoveredSession, error)
}

// RoomIndex is the single-node Adapter: the bidirectional room<->member map
// plus the broadcast planner that turns a BroadcastOptions into
// a set of recipients and writes the already-encoded frames to each.
type RoomIndex struct {
	events.EventEmitter

	nsp   *Namespace
	rooms *xtypes.Map[Room, *xtypes.Set[SocketId]]
	sids  *xtypes.Map[SocketId, *xtypes.Set[Room]]

	broadcastImpl func(*parser.Packet, *BroadcastOptions)
}

func NewRoomIndex(nsp *Namespace) *RoomIndex {
	ri := &RoomIndex{
		EventEmitter: events.New(),
		nsp:          nsp,
		rooms:        &xtypes.Map[Room, *xtypes.Set[SocketId]]{},
		sids:         &xtypes.Map[SocketId, *xtypes.Set[Room]]{},
	}
	ri.broadcastImpl = ri.broadcast
	return ri
}

func (a *RoomIndex) Rooms() *xtypes.Map[Room, *xtypes.Set[SocketId]] { return a.rooms }
func (a *RoomIndex) Sids() *xtypes.Map[SocketId, *xtypes.Set[Room]]  { return a.sids }
func (a *RoomIndex) Nsp() *Namespace                                 { return a.nsp }

func (a *RoomIndex) Init()  {}
func (a *RoomIndex) Close() {}

func (a *RoomIndex) ServerCount() int64 { return 1 }

// AddAll joins sid to every room in rooms, emitting create-room/join-room
// domain events for rooms or memberships that didn't already exist.
func (a *RoomIndex) AddAll(sid SocketId, rooms *xtypes.Set[Room]) {
	sidRooms, ok := a.sids.Load(sid)
	if !ok {
		sidRooms = xtypes.NewSet[Room]()
		a.sids.Store(sid, sidRooms)
	}
	for _, room := range rooms.Keys() {
		members, ok := a.rooms.Load(room)
		if !ok {
			members = xtypes.NewSet[SocketId]()
			a.rooms.Store(room, members)
			a.Emit("create-room", room)
		}
		if !members.Has(sid) {
			members.Add(sid)
			a.Emit("join-room", room, sid)
		}
		sidRooms.Add(room)
	}
}

// Del removes sid from room, deleting the room and firing delete-room once
// it has no members left.
func (a *RoomIndex) Del(sid SocketId, room Room) {
	if sidRooms, ok := a.sids.Load(sid); ok {
		sidRooms.Delete(room)
	}
	a.delFromRoom(sid, room)
}

func (a *RoomIndex) delFromRoom(sid SocketId, room Room) {
	members, ok := a.rooms.Load(room)
	if !ok {
		return
	}
	if members.Delete(sid) {
		a.Emit("leave-room", room, sid)
	}
	if members.Len() == 0 {
		a.rooms.Delete(room)
		a.Emit("delete-room", room)
	}
}

// DelAll removes sid from every room it has joined.
func (a *RoomIndex) DelAll(sid SocketId) {
	sidRooms, ok := a.sids.LoadAndDelete(sid)
	if !ok {
		return
	}
	for _, room := range sidRooms.Keys() {
		a.delFromRoom(sid, room)
	}
}

func (a *RoomIndex) SetBroadcast(fn func(*parser.Packet, *BroadcastOptions)) {
	a.broadcastImpl = fn
}

func (a *RoomIndex) Broadcast(packet *parser.Packet, opts *BroadcastOptions) {
	a.broadcastImpl(packet, opts)
}

// broadcast is the single-node fan-out: encode once, compute the recipient
// set with at-most-once semantics across rooms, write the frames directly
// to each matching session. This module has no native pub/sub transport,
// so there is no single-topic publish shortcut and every broadcast goes
// through per-recipient send.
func (a *RoomIndex) broadcast(packet *parser.Packet, opts *BroadcastOptions) {
	flags := opts.Flags
	if flags == nil {
		flags = &BroadcastFlags{}
	}
	packet.Nsp = a.nsp.Name()
	frames := a.nsp.server.encoder.Encode(packet)

	a.apply(opts, func(id SocketId) {
		sockVal, ok := a.nsp.sockets.Load(id)
		if !ok {
			return
		}
		sockVal.notifyOutgoingListeners(packet)
		if err := sockVal.client.writeToEngine(frames, WriteOptions{Compress: flags.Compress, Volatile: flags.Volatile}); err != nil {
			adapterLog.Debug("broadcast write to %s failed: %v", id, err)
		}
	})
}

// BroadcastWithAck assigns a single fresh ack id from the namespace's
// monotonic counter, registers ackCb in every target's ack map under that
// id, sends as Broadcast does, then reports the target count so the caller
// knows how many responses to expect. The target set is
// resolved first: an empty target set never burns an ack id, since nothing
// will ever respond to it.
func (a *RoomIndex) BroadcastWithAck(packet *parser.Packet, opts *BroadcastOptions, clientCountCb func(uint64), ackCb func(...any)) {
	var targets []SocketId
	a.apply(opts, func(sid SocketId) {
		if _, ok := a.nsp.sockets.Load(sid); ok {
			targets = append(targets, sid)
		}
	})
	if len(targets) == 0 {
		clientCountCb(0)
		return
	}

	id := a.nsp.nextAckId()
	packet.Id = &id
	packet.Nsp = a.nsp.Name()

	flags := opts.Flags
	if flags == nil {
		flags = &BroadcastFlags{}
	}
	frames := a.nsp.server.encoder.Encode(packet)

	for _, sid := range targets {
		sockVal, ok := a.nsp.sockets.Load(sid)
		if !ok {
			continue
		}
		// Stored directly: the broadcast operator owns the aggregate
		// deadline, so no per-socket ack timer is armed here.
		sockVal.acks.Store(id, ackCb)
		sockVal.notifyOutgoingListeners(packet)
		if err := sockVal.client.writeToEngine(frames, WriteOptions{Compress: flags.Compress, Volatile: flags.Volatile}); err != nil {
			adapterLog.Debug("broadcastWithAck write to %s failed: %v", sid, err)
		}
	}
	clientCountCb(uint64(len(targets)))
}

// apply walks the target set for opts, calling fn exactly once per
// recipient even when it belongs to several of opts.Rooms.
func (a *RoomIndex) apply(opts *BroadcastOptions, fn func(SocketId)) {
	if opts == nil {
		opts = &BroadcastOptions{Rooms: xtypes.NewSet[Room](), Except: xtypes.NewSet[Room]()}
	}
	except := a.computeExceptSids(opts.Except)

	if opts.Rooms == nil || opts.Rooms.Len() == 0 {
		a.sids.Range(func(sid SocketId, _ *xtypes.Set[Room]) bool {
			if !except.Has(sid) {
				fn(sid)
			}
			return true
		})
		return
	}

	visited := xtypes.NewSet[SocketId]()
	for _, room := range opts.Rooms.Keys() {
		members, ok := a.rooms.Load(room)
		if !ok {
			continue
		}
		for _, sid := range members.Keys() {
			if except.Has(sid) || visited.Has(sid) {
				continue
			}
			visited.Add(sid)
			fn(sid)
		}
	}
}

func (a *RoomIndex) computeExceptSids(exceptRooms *xtypes.Set[Room]) *xtypes.Set[SocketId] {
	except := xtypes.NewSet[SocketId]()
	if exceptRooms == nil {
		return except
	}
	for _, room := range exceptRooms.Keys() {
		if members, ok := a.rooms.Load(room); ok {
			except.Add(members.Keys()...)
		}
	}
	return except
}

func (a *RoomIndex) Sockets(rooms *xtypes.Set[Room]) *xtypes.Set[SocketId] {
	out := xtypes.NewSet[SocketId]()
	a.apply(&BroadcastOptions{Rooms: rooms, Except: xtypes.NewSet[Room]()}, func(sid SocketId) {
		out.Add(sid)
	})
	return out
}

func (a *RoomIndex) SocketRooms(sid SocketId) *xtypes.Set[Room] {
	rooms, ok := a.sids.Load(sid)
	if !ok {
		return nil
	}
	return rooms
}

func (a *RoomIndex) FetchSockets(opts *BroadcastOptions) []SocketDetails {
	var out []SocketDetails
	a.apply(opts, func(sid SocketId) {
		if sockVal, ok := a.nsp.sockets.Load(sid); ok {
			out = append(out, sockVal)
		}
	})
	return out
}

func (a *RoomIndex) AddSockets(opts *BroadcastOptions, rooms []Room) {
	a.apply(opts, func(sid SocketId) {
		if sockVal, ok := a.nsp.sockets.Load(sid); ok {
			sockVal.Join(rooms...)
		}
	})
}

func (a *RoomIndex) DelSockets(opts *BroadcastOptions, rooms []Room) {
	a.apply(opts, func(sid SocketId) {
		if sockVal, ok := a.nsp.sockets.Load(sid); ok {
			for _, r := range rooms {
				sockVal.Leave(r)
			}
		}
	})
}

func (a *RoomIndex) DisconnectSockets(opts *BroadcastOptions, status bool) {
	a.apply(opts, func(sid SocketId) {
		if sockVal, ok := a.nsp.sockets.Load(sid); ok {
			sockVal.Disconnect(status)
		}
	})
}

// ServerSideEmit is unsupported: the in-memory RoomIndex runs single-node,
// and server-side emission across the cluster is the extension point a
// real clustered adapter would implement.
func (a *RoomIndex) ServerSideEmit(string, ...any) error {
	return errors.New("this adapter does not support the ServerSideEmit() method")
}

// PersistSession/RestoreSession are no-ops on the base adapter; connection
// state recovery is implemented by SessionAwareAdapter, which wraps a
// RoomIndex and is installed instead of it when recovery is enabled.
func (a *RoomIndex) PersistSession(*SessionToPersist) {}
func (a *RoomIndex) RestoreSession(PrivateSessionId, string) (*RecoveredSession, error) {
	return nil, errors.New("session not found")
}
