package socket

import (
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/phederal/sioserver/parser"
)

// The tests in this file exercise the concrete end-to-end scenarios spelled
// out alongside the packet codec's invariants: a real Server accepting real
// WebSocket connections over httptest, read and written with the same
// parser.Encoder/Decoder production code uses, never a mock transport.

func startTestServer(t *testing.T, opts *ServerOptions) (*Server, string) {
	t.Helper()
	srv := NewServer(opts)
	e := echo.New()
	srv.Attach(e)
	hs := httptest.NewServer(e)
	t.Cleanup(hs.Close)
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + srv.opts.Path
	return srv, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read engine.io handshake: %v", err)
	}
	return conn
}

// packetReader decodes every frame a connection receives through the real
// application-packet Decoder, handing complete packets back over a channel.
func packetReader(conn *websocket.Conn) <-chan *parser.Packet {
	ch := make(chan *parser.Packet, 16)
	dec := parser.NewDecoder()
	dec.On("decoded", func(args ...any) {
		if pkt, ok := args[0].(*parser.Packet); ok {
			ch <- pkt
		}
	})
	go func() {
		defer close(ch)
		for {
			mt, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var payload any
			if mt == websocket.BinaryMessage {
				payload = raw
			} else {
				payload = string(raw)
			}
			if dec.Add(payload) != nil {
				return
			}
		}
	}()
	return ch
}

func writePacket(t *testing.T, conn *websocket.Conn, pkt *parser.Packet) {
	t.Helper()
	for _, frame := range parser.NewEncoder().Encode(pkt) {
		switch v := frame.(type) {
		case string:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
				t.Fatalf("write frame: %v", err)
			}
		case []byte:
			if err := conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
				t.Fatalf("write frame: %v", err)
			}
		}
	}
}

func recvPacket(t *testing.T, ch <-chan *parser.Packet) *parser.Packet {
	t.Helper()
	select {
	case pkt, ok := <-ch:
		if !ok {
			t.Fatal("connection closed before expected packet arrived")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func connectIds(t *testing.T, ack *parser.Packet) (sid, pid string) {
	t.Helper()
	if ack.Type != parser.CONNECT {
		t.Fatalf("expected CONNECT ack, got %s", ack.Type)
	}
	data, ok := ack.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected CONNECT ack data to be an object, got %T", ack.Data)
	}
	sid, _ = data["sid"].(string)
	pid, _ = data["pid"].(string)
	return sid, pid
}

// assertEventPrefix checks that pkt is an EVENT named ev whose data starts
// with args, tolerating extra trailing elements (the recovery offset
// appended to every persisted packet).
func assertEventPrefix(t *testing.T, pkt *parser.Packet, ev string, args ...any) {
	t.Helper()
	if pkt.Type != parser.EVENT {
		t.Fatalf("expected EVENT, got %s", pkt.Type)
	}
	data, ok := pkt.Data.([]any)
	if !ok || len(data) < 1+len(args) {
		t.Fatalf("unexpected EVENT data shape: %+v", pkt.Data)
	}
	if data[0] != ev {
		t.Fatalf("expected event name %q, got %v", ev, data[0])
	}
	for i, want := range args {
		if data[1+i] != want {
			t.Fatalf("arg %d: expected %v, got %v", i, want, data[1+i])
		}
	}
}

func TestEchoWithAck(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)
	srv.Of("/", func(s *Socket) {
		s.On("ping", func(args ...any) {
			if cb, ok := args[len(args)-1].(func(...any)); ok {
				cb("pong")
			}
		})
	})

	conn := dial(t, wsURL)
	pkts := packetReader(conn)

	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT})
	recvPacket(t, pkts) // CONNECT ack

	id := uint64(1)
	writePacket(t, conn, &parser.Packet{Type: parser.EVENT, Id: &id, Data: []any{"ping"}})

	ack := recvPacket(t, pkts)
	if ack.Type != parser.ACK {
		t.Fatalf("expected ACK, got %s", ack.Type)
	}
	if ack.Id == nil || *ack.Id != 1 {
		t.Fatalf("expected ack id 1, got %v", ack.Id)
	}
	data, ok := ack.Data.([]any)
	if !ok || len(data) != 1 || data[0] != "pong" {
		t.Fatalf("expected ack data [\"pong\"], got %+v", ack.Data)
	}
}

func connectClient(t *testing.T, wsURL string) (*websocket.Conn, SocketId, <-chan *parser.Packet) {
	t.Helper()
	conn := dial(t, wsURL)
	pkts := packetReader(conn)
	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT})
	sid, _ := connectIds(t, recvPacket(t, pkts))
	return conn, SocketId(sid), pkts
}

func TestRoomFanoutAndExcept(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)

	var mu sync.Mutex
	byID := map[SocketId]*Socket{}
	srv.Of("/", func(s *Socket) {
		mu.Lock()
		byID[s.Id()] = s
		mu.Unlock()
	})

	_, sidA, pktsA := connectClient(t, wsURL)
	_, sidB, pktsB := connectClient(t, wsURL)
	_, _, pktsC := connectClient(t, wsURL)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	byID[sidA].Join("r")
	byID[sidB].Join("r")
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	if err := srv.To("r").Emit("x", float64(42)); err != nil {
		t.Fatalf("emit: %v", err)
	}

	assertEventPrefix(t, recvPacket(t, pktsA), "x", float64(42))
	assertEventPrefix(t, recvPacket(t, pktsB), "x", float64(42))

	select {
	case pkt, ok := <-pktsC:
		if ok {
			t.Fatalf("socket C should not be a room member, got %+v", pkt)
		}
	case <-time.After(50 * time.Millisecond):
	}

	if err := srv.To("r").Except(Room(sidA)).Emit("y"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	assertEventPrefix(t, recvPacket(t, pktsB), "y")

	select {
	case pkt, ok := <-pktsA:
		if ok {
			t.Fatalf("socket A was excepted, should not have received %+v", pkt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)
	srv.Of("/", func(s *Socket) {
		s.On("upload", func(args ...any) {
			buf, _ := args[0].([]byte)
			if cb, ok := args[len(args)-1].(func(...any)); ok {
				cb(buf)
			}
		})
	})

	conn := dial(t, wsURL)
	pkts := packetReader(conn)
	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT})
	recvPacket(t, pkts)

	id := uint64(9)
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	writePacket(t, conn, &parser.Packet{Type: parser.EVENT, Id: &id, Data: []any{"upload", payload}})

	ack := recvPacket(t, pkts)
	if ack.Type != parser.BINARY_ACK {
		t.Fatalf("expected BINARY_ACK, got %s", ack.Type)
	}
	data, ok := ack.Data.([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("unexpected ack data: %+v", ack.Data)
	}
	got, ok := data[0].([]byte)
	if !ok || len(got) != len(payload) {
		t.Fatalf("expected byte-equal buffer back, got %+v", data[0])
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("buffer mismatch at %d: want %x got %x", i, payload[i], got[i])
		}
	}
}

func TestMiddlewareRejection(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)
	admin := srv.Of("/admin", nil)
	admin.Use(func(s *Socket, next func(*ExtendedError)) {
		next(NewExtendedError("nope", nil))
	})

	conn := dial(t, wsURL)
	pkts := packetReader(conn)

	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT})
	if ack := recvPacket(t, pkts); ack.Type != parser.CONNECT {
		t.Fatalf("expected CONNECT ack for /, got %s", ack.Type)
	}

	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT, Nsp: "/admin"})
	errPkt := recvPacket(t, pkts)
	if errPkt.Type != parser.CONNECT_ERROR {
		t.Fatalf("expected CONNECT_ERROR, got %s", errPkt.Type)
	}
	if errPkt.Nsp != "/admin" {
		t.Fatalf("expected rejection for /admin, got nsp %q", errPkt.Nsp)
	}

	// "/" must remain usable: a ping control frame should still go through
	// without the connection having been torn down.
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		t.Fatalf("expected / connection to remain open, ping failed: %v", err)
	}
}

func TestConnectionStateRecovery(t *testing.T) {
	opts := DefaultServerOptions()
	opts.ConnectionStateRecovery = &ConnectionStateRecoveryOptions{
		MaxDisconnectionDuration: 60 * time.Second,
		SkipMiddlewares:          true,
	}
	srv, wsURL := startTestServer(t, opts)

	var mu sync.Mutex
	var current *Socket
	srv.Of("/", func(s *Socket) {
		mu.Lock()
		current = s
		mu.Unlock()
	})

	conn1 := dial(t, wsURL)
	pkts1 := packetReader(conn1)
	writePacket(t, conn1, &parser.Packet{Type: parser.CONNECT})
	sid1, pid1 := connectIds(t, recvPacket(t, pkts1))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	s := current
	mu.Unlock()
	if s == nil {
		t.Fatal("expected connect listener to capture the joining socket")
	}
	s.Join("r")
	time.Sleep(10 * time.Millisecond)

	srv.To("r").Emit("e", "one")
	e1 := recvPacket(t, pkts1)
	data1 := e1.Data.([]any)
	offset1, _ := data1[len(data1)-1].(string)
	if offset1 == "" {
		t.Fatal("expected a recovery offset appended to the persisted packet")
	}

	srv.To("r").Emit("e", "two")
	recvPacket(t, pkts1)
	srv.To("r").Emit("e", "three")
	recvPacket(t, pkts1)

	conn1.Close()
	time.Sleep(30 * time.Millisecond)

	conn2 := dial(t, wsURL)
	pkts2 := packetReader(conn2)
	writePacket(t, conn2, &parser.Packet{
		Type: parser.CONNECT,
		Data: map[string]any{"pid": pid1, "offset": offset1},
	})
	sid2, _ := connectIds(t, recvPacket(t, pkts2))
	if sid2 != sid1 {
		t.Fatalf("expected recovered session to keep sid %s, got %s", sid1, sid2)
	}

	assertEventPrefix(t, recvPacket(t, pkts2), "e", "two")
	assertEventPrefix(t, recvPacket(t, pkts2), "e", "three")
}

// ackResponder answers every incoming EVENT carrying an ack id with an ACK
// echoing reply, mimicking a well-behaved client.
func ackResponder(t *testing.T, conn *websocket.Conn, pkts <-chan *parser.Packet, reply string) {
	t.Helper()
	go func() {
		for pkt := range pkts {
			if (pkt.Type == parser.EVENT || pkt.Type == parser.BINARY_EVENT) && pkt.Id != nil {
				ack := &parser.Packet{Type: parser.ACK, Id: pkt.Id, Data: []any{reply}}
				for _, frame := range parser.NewEncoder().Encode(ack) {
					if s, ok := frame.(string); ok {
						conn.WriteMessage(websocket.TextMessage, []byte(s))
					}
				}
			}
		}
	}()
}

func TestBroadcastWithAckAggregation(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)

	connA, _, pktsA := connectClient(t, wsURL)
	connB, _, pktsB := connectClient(t, wsURL)
	ackResponder(t, connA, pktsA, "a")
	ackResponder(t, connB, pktsB, "b")

	done := make(chan struct{})
	var gotErr error
	var gotResponses []any
	err := srv.Of("/", nil).Timeout(2*time.Second).Emit("q", func(err error, responses []any) {
		gotErr = err
		gotResponses = responses
		close(done)
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("aggregate ack callback never fired")
	}
	if gotErr != nil {
		t.Fatalf("expected all responses in time, got error %v", gotErr)
	}
	if len(gotResponses) != 2 {
		t.Fatalf("expected 2 responses, got %d: %+v", len(gotResponses), gotResponses)
	}
	replies := map[any]bool{}
	for _, r := range gotResponses {
		args, ok := r.([]any)
		if !ok || len(args) != 1 {
			t.Fatalf("unexpected response shape: %+v", r)
		}
		replies[args[0]] = true
	}
	if !replies["a"] || !replies["b"] {
		t.Fatalf("expected replies from both clients, got %v", replies)
	}
}

func TestBroadcastWithAckTimeoutDeliversPartial(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)

	connA, _, pktsA := connectClient(t, wsURL)
	ackResponder(t, connA, pktsA, "a")
	_, _, pktsB := connectClient(t, wsURL)
	go func() { // drain B without ever acking
		for range pktsB {
		}
	}()

	done := make(chan struct{})
	var gotErr error
	var gotResponses []any
	srv.Of("/", nil).Timeout(150*time.Millisecond).Emit("q", func(err error, responses []any) {
		gotErr = err
		gotResponses = responses
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregate ack callback never fired")
	}
	if _, ok := gotErr.(*TimeoutError); !ok {
		t.Fatalf("expected TimeoutError, got %v", gotErr)
	}
	if len(gotResponses) != 1 {
		t.Fatalf("expected the one response collected before the deadline, got %+v", gotResponses)
	}
}

func TestEmptyTargetBroadcastWithAckFiresImmediately(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	done := make(chan struct{})
	srv.To("nobody-here").Emit("x", func(err error, responses []any) {
		if err != nil {
			t.Errorf("expected nil error for empty target set, got %v", err)
		}
		if len(responses) != 0 {
			t.Errorf("expected empty responses, got %+v", responses)
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected immediate callback for an empty target set")
	}
}

func TestBroadcastAtMostOnceAcrossRooms(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)

	var mu sync.Mutex
	byID := map[SocketId]*Socket{}
	srv.Of("/", func(s *Socket) {
		mu.Lock()
		byID[s.Id()] = s
		mu.Unlock()
	})

	_, sid, pkts := connectClient(t, wsURL)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	byID[sid].Join("r1", "r2")
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	if err := srv.To("r1", "r2").Emit("m"); err != nil {
		t.Fatalf("emit: %v", err)
	}

	assertEventPrefix(t, recvPacket(t, pkts), "m")
	select {
	case pkt, ok := <-pkts:
		if ok {
			t.Fatalf("expected at most one delivery across matching rooms, got extra %+v", pkt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDynamicNamespaceByRegexp(t *testing.T) {
	srv, wsURL := startTestServer(t, nil)
	srv.Of(regexp.MustCompile(`^/dynamic-\d+$`), nil)

	conn := dial(t, wsURL)
	pkts := packetReader(conn)
	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT, Nsp: "/dynamic-101"})

	ack := recvPacket(t, pkts)
	if ack.Type != parser.CONNECT {
		t.Fatalf("expected CONNECT ack for admitted dynamic namespace, got %s", ack.Type)
	}
	if ack.Nsp != "/dynamic-101" {
		t.Fatalf("expected ack on /dynamic-101, got %q", ack.Nsp)
	}
	if _, ok := srv.nsps.Load("/dynamic-101"); !ok {
		t.Fatal("expected the child namespace to be registered")
	}
}

func TestUnknownNamespaceConnectRefused(t *testing.T) {
	_, wsURL := startTestServer(t, nil)

	conn := dial(t, wsURL)
	pkts := packetReader(conn)
	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT, Nsp: "/nope"})

	errPkt := recvPacket(t, pkts)
	if errPkt.Type != parser.CONNECT_ERROR {
		t.Fatalf("expected CONNECT_ERROR for an unmatched namespace, got %s", errPkt.Type)
	}
	data, _ := errPkt.Data.(map[string]any)
	if data["message"] != "Invalid namespace" {
		t.Fatalf("unexpected refusal payload: %+v", errPkt.Data)
	}
}

func TestDuplicateConnectClosesConnection(t *testing.T) {
	_, wsURL := startTestServer(t, nil)

	conn := dial(t, wsURL)
	pkts := packetReader(conn)
	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT})
	recvPacket(t, pkts)

	writePacket(t, conn, &parser.Packet{Type: parser.CONNECT})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-pkts:
			if !ok {
				return // connection torn down, as required
			}
		case <-deadline:
			t.Fatal("expected the server to close the connection on duplicate CONNECT")
		}
	}
}
