package socket

import (
	"reflect"
	"sync"
	"time"

	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtime"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

var broadcastOperatorLog = logger.NewLog("socket.io:broadcast-operator")

// SOCKET_RESERVED_EVENTS names MUST NOT be emitted through a
// BroadcastOperator.
var SOCKET_RESERVED_EVENTS = xtypes.NewSet(
	"connect", "connect_error", "disconnect", "disconnecting",
	"newListener", "removeListener",
)

// BroadcastOperator is the Broadcast Operator: an immutable value built
// by chaining To/In/Except/Compress/Volatile/Local/Timeout, each returning
// a fresh operator so intermediate references stay valid.
type BroadcastOperator struct {
	adapter     Adapter
	rooms       *xtypes.Set[Room]
	exceptRooms *xtypes.Set[Room]
	flags       *BroadcastFlags
}

func NewBroadcastOperator(adapter Adapter, rooms, except *xtypes.Set[Room], flags *BroadcastFlags) *BroadcastOperator {
	if rooms == nil {
		rooms = xtypes.NewSet[Room]()
	}
	if except == nil {
		except = xtypes.NewSet[Room]()
	}
	if flags == nil {
		flags = &BroadcastFlags{}
	}
	return &BroadcastOperator{adapter: adapter, rooms: rooms, exceptRooms: except, flags: flags}
}

func (b *BroadcastOperator) copyFlags() *BroadcastFlags {
	f := *b.flags
	return &f
}

func (b *BroadcastOperator) To(rooms ...Room) *BroadcastOperator {
	next := xtypes.NewSet(b.rooms.Keys()...)
	next.Add(rooms...)
	return NewBroadcastOperator(b.adapter, next, b.exceptRooms, b.copyFlags())
}

func (b *BroadcastOperator) In(rooms ...Room) *BroadcastOperator { return b.To(rooms...) }

func (b *BroadcastOperator) Except(rooms ...Room) *BroadcastOperator {
	next := xtypes.NewSet(b.exceptRooms.Keys()...)
	next.Add(rooms...)
	return NewBroadcastOperator(b.adapter, b.rooms, next, b.copyFlags())
}

func (b *BroadcastOperator) Compress(compress bool) *BroadcastOperator {
	flags := b.copyFlags()
	flags.Compress = compress
	return NewBroadcastOperator(b.adapter, b.rooms, b.exceptRooms, flags)
}

func (b *BroadcastOperator) Volatile() *BroadcastOperator {
	flags := b.copyFlags()
	flags.Volatile = true
	return NewBroadcastOperator(b.adapter, b.rooms, b.exceptRooms, flags)
}

func (b *BroadcastOperator) Local() *BroadcastOperator {
	flags := b.copyFlags()
	flags.Local = true
	return NewBroadcastOperator(b.adapter, b.rooms, b.exceptRooms, flags)
}

// Binary declares up front that the payload carries attachment buffers,
// promoting the packet straight to BINARY_EVENT and skipping the encoder's
// recursive binary scan.
func (b *BroadcastOperator) Binary() *BroadcastOperator {
	flags := b.copyFlags()
	flags.Binary = true
	return NewBroadcastOperator(b.adapter, b.rooms, b.exceptRooms, flags)
}

func (b *BroadcastOperator) Timeout(d time.Duration) *BroadcastOperator {
	flags := b.copyFlags()
	flags.Timeout = &d
	return NewBroadcastOperator(b.adapter, b.rooms, b.exceptRooms, flags)
}

func (b *BroadcastOperator) options() *BroadcastOptions {
	return &BroadcastOptions{Rooms: b.rooms, Except: b.exceptRooms, Flags: b.flags}
}

// Emit builds an EVENT packet and either fires it directly (no ack) or
// enters the acknowledged broadcast path. A trailing argument of
// type func(error, []any) is the aggregation callback: invoked exactly once
// with either (nil, responses) when every expected client answered, or
// (*TimeoutError, responses-so-far) when the deadline fired first.
func (b *BroadcastOperator) Emit(ev string, args ...any) error {
	if SOCKET_RESERVED_EVENTS.Has(ev) {
		return NewProtocolError("%q is a reserved event name", ev)
	}

	data := append([]any{ev}, args...)
	var ackCb func(error, []any)
	if n := len(data); n > 0 {
		if cb, ok := data[n-1].(func(error, []any)); ok {
			ackCb = cb
			data = data[:n-1]
		}
	}

	packet := &parser.Packet{Type: parser.EVENT, Data: data}
	if b.flags.Binary {
		packet.Type = parser.BINARY_EVENT
	}

	if ackCb == nil {
		b.adapter.Broadcast(packet, b.options())
		return nil
	}

	st := &broadcastAckState{
		expectedServerCount: -1,
		cb:                  ackCb,
	}

	if b.flags.Timeout != nil {
		st.timer = xtime.SetTimeOut(func() {
			st.mu.Lock()
			st.finishLocked(NewTimeoutError())
			st.mu.Unlock()
		}, *b.flags.Timeout)
	}

	b.adapter.BroadcastWithAck(packet, b.options(), func(clientCount uint64) {
		st.mu.Lock()
		st.expectedClientCount = clientCount
		st.actualServerCount++
		st.checkLocked()
		st.mu.Unlock()
	}, func(args ...any) {
		st.mu.Lock()
		st.responses = append(st.responses, args)
		st.checkLocked()
		st.mu.Unlock()
	})

	st.mu.Lock()
	st.expectedServerCount = b.adapter.ServerCount()
	st.checkLocked()
	st.mu.Unlock()

	return nil
}

// broadcastAckState is the fan-in side of one acknowledged broadcast: per-recipient responses accumulate until both the expected
// server count and the expected client count are accounted for, or the
// deadline fires with whatever arrived so far.
type broadcastAckState struct {
	mu                  sync.Mutex
	responses           []any
	expectedServerCount int64
	actualServerCount   int64
	expectedClientCount uint64
	timer               *xtime.Timer
	done                bool
	cb                  func(error, []any)
}

func (st *broadcastAckState) checkLocked() {
	if st.expectedServerCount == st.actualServerCount && uint64(len(st.responses)) == st.expectedClientCount {
		st.finishLocked(nil)
	}
}

func (st *broadcastAckState) finishLocked(err error) {
	if st.done {
		return
	}
	st.done = true
	xtime.ClearTimeout(st.timer)
	st.cb(err, st.responses)
}

// EmitWithAck mirrors Emit's acknowledged path but hands the caller a
// lazy handle instead of taking a trailing callback argument.
func (b *BroadcastOperator) EmitWithAck(ev string, args ...any) func(func([]any, error)) {
	return func(cb func([]any, error)) {
		b.Emit(ev, append(args, func(err error, responses []any) {
			cb(responses, err)
		})...)
	}
}

func asAckCallback(v any) (func(...any), bool) {
	switch fn := v.(type) {
	case func(error, []any):
		return func(args ...any) {
			if len(args) == 1 {
				if err, ok := args[0].(error); ok {
					fn(err, nil)
					return
				}
			}
			fn(nil, args)
		}, true
	case func(...any):
		return fn, true
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Func {
			broadcastOperatorLog.Debug("ignoring trailing function argument with unsupported ack signature")
		}
		return nil, false
	}
}

func (b *BroadcastOperator) Send(args ...any) error  { return b.Emit("message", args...) }
func (b *BroadcastOperator) Write(args ...any) error { return b.Emit("message", args...) }

func (b *BroadcastOperator) AllSockets() *xtypes.Set[SocketId] {
	return b.adapter.Sockets(b.rooms)
}

func (b *BroadcastOperator) FetchSockets() []SocketDetails {
	return b.adapter.FetchSockets(b.options())
}

func (b *BroadcastOperator) SocketsJoin(rooms ...Room) {
	b.adapter.AddSockets(b.options(), rooms)
}

func (b *BroadcastOperator) SocketsLeave(rooms ...Room) {
	b.adapter.DelSockets(b.options(), rooms)
}

func (b *BroadcastOperator) DisconnectSockets(status bool) {
	b.adapter.DisconnectSockets(b.options(), status)
}
