package socket

import (
	"sync"
	"time"

	"github.com/phederal/sioserver/internal/logger"
	"github.com/phederal/sioserver/internal/xtime"
	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

var sessionAwareLog = logger.NewLog("socket.io:session-aware-adapter")

// SessionAwareAdapter wraps a RoomIndex with the recovery store: every
// non-volatile EVENT broadcast that carries no ack id is
// persisted, and a reconnecting client presenting (pid, offset) can be
// handed everything it missed. Installed by Namespace.initAdapter instead
// of a bare RoomIndex whenever ServerOptions.ConnectionStateRecovery is
// set.
type SessionAwareAdapter struct {
	*RoomIndex

	maxDisconnectionDuration int64

	sessions *xtypes.Map[PrivateSessionId, *SessionWithTimestamp]

	packetsMu sync.RWMutex
	packets   []*PersistedPacket

	sweeper *xtime.Timer
}

func NewSessionAwareAdapter(nsp *Namespace, opts *ConnectionStateRecoveryOptions) Adapter {
	s := &SessionAwareAdapter{
		RoomIndex:                NewRoomIndex(nsp),
		maxDisconnectionDuration: opts.MaxDisconnectionDuration.Milliseconds(),
		sessions:                 &xtypes.Map[PrivateSessionId, *SessionWithTimestamp]{},
	}
	s.RoomIndex.SetBroadcast(s.broadcast)

	s.sweeper = xtime.SetInterval(func() {
		threshold := time.Now().UnixMilli() - s.maxDisconnectionDuration
		s.sessions.Range(func(pid PrivateSessionId, session *SessionWithTimestamp) bool {
			if session.DisconnectedAt < threshold {
				s.sessions.Delete(pid)
			}
			return true
		})

		s.packetsMu.Lock()
		defer s.packetsMu.Unlock()
		cut := 0
		for _, packet := range s.packets {
			if packet.EmittedAt < threshold {
				cut++
				continue
			}
			break
		}
		if cut > 0 {
			s.packets = append([]*PersistedPacket{}, s.packets[cut:]...)
		}
	}, 60*time.Second)

	return s
}

// Close stops the sweeper; embedding RoomIndex.Close is a no-op so this
// doesn't need to call through.
func (s *SessionAwareAdapter) Close() {
	xtime.ClearInterval(s.sweeper)
}

func (s *SessionAwareAdapter) PersistSession(session *SessionToPersist) {
	sessionAwareLog.Debug("persisting session %s (pid=%s)", session.Sid, session.Pid)
	s.sessions.Store(session.Pid, &SessionWithTimestamp{
		SessionToPersist: session,
		DisconnectedAt:   time.Now().UnixMilli(),
	})
}

func (s *SessionAwareAdapter) RestoreSession(pid PrivateSessionId, offset string) (*RecoveredSession, error) {
	session, ok := s.sessions.Load(pid)
	if !ok {
		return nil, nil
	}

	if session.DisconnectedAt+s.maxDisconnectionDuration < time.Now().UnixMilli() {
		s.sessions.Delete(pid)
		return nil, nil
	}

	s.packetsMu.RLock()
	defer s.packetsMu.RUnlock()

	index := -1
	for i, packet := range s.packets {
		if packet.Id == offset {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, nil
	}

	missed := make([]any, 0, len(s.packets)-index-1)
	for i := index + 1; i < len(s.packets); i++ {
		packet := s.packets[i]
		if shouldIncludePacket(session.Rooms, packet.Opts) {
			missed = append(missed, packet.Packet)
		}
	}

	return &RecoveredSession{
		SessionToPersist: session.SessionToPersist,
		MissedPackets:    missed,
	}, nil
}

// broadcast intercepts every fan-out to persist a Recovery Record before
// delegating to the embedded RoomIndex's own broadcast (not its Broadcast,
// which would re-enter this hook through broadcastImpl).
func (s *SessionAwareAdapter) broadcast(packet *parser.Packet, opts *BroadcastOptions) {
	isEvent := packet.Type == parser.EVENT
	withoutAck := packet.Id == nil
	notVolatile := opts.Flags == nil || !opts.Flags.Volatile

	if isEvent && withoutAck && notVolatile {
		id := xtime.Yeast(time.Now().UnixMilli())
		if data, ok := packet.Data.([]any); ok {
			packet.Data = append(data, id)
		}

		s.packetsMu.Lock()
		s.packets = append(s.packets, &PersistedPacket{
			Id:        id,
			EmittedAt: time.Now().UnixMilli(),
			Packet:    packet,
			Opts:      opts,
		})
		s.packetsMu.Unlock()
	}

	s.RoomIndex.broadcast(packet, opts)
}

// shouldIncludePacket reports whether a recovered session would have
// received packet, given the rooms it was in before disconnecting: at
// least one targeted room and none of the excepted ones.
func shouldIncludePacket(sessionRooms *xtypes.Set[Room], opts *BroadcastOptions) bool {
	included := opts.Rooms == nil || opts.Rooms.Len() == 0
	notExcluded := true
	for _, room := range sessionRooms.Keys() {
		if !included && opts.Rooms != nil && opts.Rooms.Has(room) {
			included = true
		}
		if notExcluded && opts.Except != nil && opts.Except.Has(room) {
			notExcluded = false
		}
	}
	return included && notExcluded
}
