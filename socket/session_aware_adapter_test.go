package socket

import (
	"testing"

	"github.com/phederal/sioserver/internal/xtypes"
	"github.com/phederal/sioserver/parser"
)

func newTestRecoveryAdapter(t *testing.T) *SessionAwareAdapter {
	t.Helper()
	opts := DefaultServerOptions()
	opts.ConnectionStateRecovery = DefaultConnectionStateRecovery()
	srv := NewServer(opts)
	nsp := srv.Of("/", nil)
	sa, ok := nsp.Adapter().(*SessionAwareAdapter)
	if !ok {
		t.Fatalf("expected SessionAwareAdapter when recovery is enabled, got %T", nsp.Adapter())
	}
	t.Cleanup(sa.Close)
	return sa
}

func persistedOffset(t *testing.T, pkt *parser.Packet) string {
	t.Helper()
	data, ok := pkt.Data.([]any)
	if !ok || len(data) == 0 {
		t.Fatalf("expected a data array with an appended offset, got %+v", pkt.Data)
	}
	offset, ok := data[len(data)-1].(string)
	if !ok || offset == "" {
		t.Fatalf("expected a string offset as the last data element, got %v", data[len(data)-1])
	}
	return offset
}

func TestRestoreSessionUnknownPid(t *testing.T) {
	sa := newTestRecoveryAdapter(t)
	session, err := sa.RestoreSession("nobody", "0")
	if err != nil || session != nil {
		t.Fatalf("expected no recovery for an unknown pid, got session=%v err=%v", session, err)
	}
}

func TestRestoreSessionUnknownOffset(t *testing.T) {
	sa := newTestRecoveryAdapter(t)
	sa.PersistSession(&SessionToPersist{
		Sid:   "s1",
		Pid:   "p1",
		Rooms: xtypes.NewSet[Room]("r"),
	})
	session, err := sa.RestoreSession("p1", "never-minted")
	if err != nil || session != nil {
		t.Fatalf("expected no recovery for an offset that never existed, got session=%v err=%v", session, err)
	}
}

func TestBroadcastPersistsOnlyRecoverablePackets(t *testing.T) {
	sa := newTestRecoveryAdapter(t)
	opts := &BroadcastOptions{Rooms: xtypes.NewSet[Room]("r"), Except: xtypes.NewSet[Room]()}

	sa.Broadcast(&parser.Packet{Type: parser.EVENT, Data: []any{"e1"}}, opts)

	id := uint64(7)
	sa.Broadcast(&parser.Packet{Type: parser.EVENT, Id: &id, Data: []any{"with-ack"}}, opts)

	sa.Broadcast(&parser.Packet{Type: parser.EVENT, Data: []any{"vol"}}, &BroadcastOptions{
		Rooms:  xtypes.NewSet[Room]("r"),
		Except: xtypes.NewSet[Room](),
		Flags:  &BroadcastFlags{WriteOptions: WriteOptions{Volatile: true}},
	})

	sa.packetsMu.RLock()
	defer sa.packetsMu.RUnlock()
	if len(sa.packets) != 1 {
		t.Fatalf("expected only the plain EVENT persisted, got %d records", len(sa.packets))
	}
	if ev := sa.packets[0].Packet.Data.([]any)[0]; ev != "e1" {
		t.Fatalf("expected the persisted record to be e1, got %v", ev)
	}
}

func TestRestoreSessionReplaysInOrderFilteredByRooms(t *testing.T) {
	sa := newTestRecoveryAdapter(t)
	inRoom := &BroadcastOptions{Rooms: xtypes.NewSet[Room]("r"), Except: xtypes.NewSet[Room]()}
	otherRoom := &BroadcastOptions{Rooms: xtypes.NewSet[Room]("other"), Except: xtypes.NewSet[Room]()}

	p1 := &parser.Packet{Type: parser.EVENT, Data: []any{"e1"}}
	sa.Broadcast(p1, inRoom)
	offset1 := persistedOffset(t, p1)

	sa.Broadcast(&parser.Packet{Type: parser.EVENT, Data: []any{"e2"}}, inRoom)
	sa.Broadcast(&parser.Packet{Type: parser.EVENT, Data: []any{"skipped"}}, otherRoom)
	sa.Broadcast(&parser.Packet{Type: parser.EVENT, Data: []any{"e3"}}, inRoom)

	sa.PersistSession(&SessionToPersist{
		Sid:   "s1",
		Pid:   "p1",
		Rooms: xtypes.NewSet[Room]("r", Room("s1")),
	})

	session, err := sa.RestoreSession("p1", offset1)
	if err != nil || session == nil {
		t.Fatalf("expected recovery to succeed, got session=%v err=%v", session, err)
	}
	if len(session.MissedPackets) != 2 {
		t.Fatalf("expected e2 and e3 replayed, got %d packets", len(session.MissedPackets))
	}
	for i, want := range []string{"e2", "e3"} {
		pkt := session.MissedPackets[i].(*parser.Packet)
		if ev := pkt.Data.([]any)[0]; ev != want {
			t.Fatalf("missed packet %d: expected %s, got %v", i, want, ev)
		}
	}
}

func TestRecoveryOffsetsStrictlyIncrease(t *testing.T) {
	sa := newTestRecoveryAdapter(t)
	opts := &BroadcastOptions{Rooms: xtypes.NewSet[Room](), Except: xtypes.NewSet[Room]()}

	var prev string
	for i := 0; i < 5; i++ {
		p := &parser.Packet{Type: parser.EVENT, Data: []any{"tick"}}
		sa.Broadcast(p, opts)
		offset := persistedOffset(t, p)
		if prev != "" && offset <= prev {
			t.Fatalf("expected offsets to strictly increase, got %q after %q", offset, prev)
		}
		prev = offset
	}
}
