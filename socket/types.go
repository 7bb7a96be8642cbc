package socket

import (
	"time"

	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

// SocketId is a socket session's public, freshly generated join-time id.
type SocketId string

// Room is a named subset of sessions inside a namespace.
type Room string

// PrivateSessionId is the session-private id stable across a reconnection
// window, used to correlate connection state recovery (the wire-level pid).
type PrivateSessionId string

// WriteOptions controls a single outbound write through the adapter.
type WriteOptions struct {
	Compress bool

	// Volatile means: on a non-writable transport, drop instead of queue.
	Volatile bool
}

// BroadcastFlags accumulates the per-call modifiers a BroadcastOperator
// chain builds up.
type BroadcastFlags struct {
	WriteOptions

	// Local restricts the broadcast to this process (always true in a
	// single-node runtime; kept for parity with the clustering extension
	// point in ServerCount).
	Local bool

	// Binary declares the payload carries attachment buffers, letting the
	// encoder skip its recursive binary scan.
	Binary bool

	Timeout *time.Duration
}

// BroadcastOptions is the immutable broadcast intent: the target room set,
// the except set, and the flags governing delivery.
type BroadcastOptions struct {
	Rooms  *xtypes.Set[Room]
	Except *xtypes.Set[Room]
	Flags  *BroadcastFlags
}

// SessionToPersist is the Socket Session snapshot a Recovery Store keeps
// for a disconnected session: enough to resurrect rooms and user data
// without re-running middleware.
type SessionToPersist struct {
	Sid   SocketId
	Pid   PrivateSessionId
	Rooms *xtypes.Set[Room]
	Data  any
}

// RecoveredSession is handed back to a reconnecting client: the persisted
// session plus every packet it missed while disconnected, in order.
type RecoveredSession struct {
	*SessionToPersist
	MissedPackets []any
}

// SessionWithTimestamp records when a session disconnected, so the sweeper
// can evict it once maxDisconnectionDuration has elapsed.
type SessionWithTimestamp struct {
	*SessionToPersist
	DisconnectedAt int64
}

// PersistedPacket is a Recovery Record: an opaque monotonic offset, the
// packet as broadcast, the intent it was broadcast under, and the instant
// it was emitted, all needed to decide whether a reconnecting session
// should have seen it.
type PersistedPacket struct {
	Id        string
	EmittedAt int64
	Packet    *parser.Packet
	Opts      *BroadcastOptions
}

// SessionData decodes the loosely-typed `auth` payload's recovery fields.
// Pid/Offset are `any` because query-string-style transports can hand back
// either a bare string or a []string (repeated key) for the same field;
// GetPid/GetOffset normalize both shapes.
type SessionData struct {
	Pid    any `mapstructure:"pid"`
	Offset any `mapstructure:"offset"`
}

func (s *SessionData) GetPid() (pid string, ok bool) {
	if s == nil || s.Pid == nil {
		return "", false
	}
	switch v := s.Pid.(type) {
	case []string:
		if l := len(v); l > 0 {
			pid = v[l-1]
			ok = len(pid) > 0
		}
	case string:
		pid = v
		ok = len(pid) > 0
	}
	return pid, ok
}

func (s *SessionData) GetOffset() (offset string, ok bool) {
	if s == nil || s.Offset == nil {
		return "", false
	}
	switch v := s.Offset.(type) {
	case []string:
		if l := len(v); l > 0 {
			offset = v[l-1]
			ok = len(offset) > 0
		}
	case string:
		offset = v
		ok = len(offset) > 0
	}
	return offset, ok
}
