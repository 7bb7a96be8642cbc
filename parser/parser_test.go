package parser

import "testing"

func TestEncodeDecodeEventRoundTrip(t *testing.T) {
	id := uint64(12)
	packet := &Packet{
		Type: EVENT,
		Nsp:  "/chat",
		Id:   &id,
		Data: []any{"message", "hello"},
	}
	frames := NewEncoder().Encode(packet)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame for non-binary event, got %d", len(frames))
	}
	frame, ok := frames[0].(string)
	if !ok {
		t.Fatalf("expected string frame, got %T", frames[0])
	}

	var decoded *Packet
	dec := NewDecoder()
	dec.On("decoded", func(args ...any) {
		decoded = args[0].(*Packet)
	})
	if err := dec.Add(frame); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil {
		t.Fatal("expected decoded event to fire")
	}
	if decoded.Type != EVENT || decoded.Nsp != "/chat" || decoded.Id == nil || *decoded.Id != 12 {
		t.Fatalf("unexpected decoded packet: %+v", decoded)
	}
}

func TestEncodeDecodeBinaryEventRoundTrip(t *testing.T) {
	packet := &Packet{
		Type: EVENT,
		Nsp:  "/",
		Data: []any{"upload", []byte("hello-bytes"), map[string]any{"nested": []byte("nested-bytes")}},
	}
	frames := NewEncoder().Encode(packet)
	if len(frames) != 3 {
		t.Fatalf("expected head frame + 2 attachments, got %d frames", len(frames))
	}
	if packet.Type != BINARY_EVENT {
		t.Fatalf("expected promotion to BINARY_EVENT, got %s", packet.Type)
	}

	var decoded *Packet
	dec := NewDecoder()
	dec.On("decoded", func(args ...any) {
		decoded = args[0].(*Packet)
	})
	for _, f := range frames {
		if err := dec.Add(f); err != nil {
			t.Fatalf("decode frame failed: %v", err)
		}
	}
	if decoded == nil {
		t.Fatal("expected decoded event after all attachments arrived")
	}
	data, ok := decoded.Data.([]any)
	if !ok || len(data) != 3 {
		t.Fatalf("unexpected reconstructed data: %+v", decoded.Data)
	}
	if string(data[1].([]byte)) != "hello-bytes" {
		t.Fatalf("attachment 0 not restored, got %v", data[1])
	}
	nested := data[2].(map[string]any)
	if string(nested["nested"].([]byte)) != "nested-bytes" {
		t.Fatalf("nested attachment not restored, got %v", nested["nested"])
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	dec := NewDecoder()
	if err := dec.Add("9"); err == nil {
		t.Fatal("expected ProtocolError for unknown packet type")
	}
}

func TestDecodeRejectsReservedlessEventWithEmptyArray(t *testing.T) {
	dec := NewDecoder()
	if err := dec.Add("2[]"); err == nil {
		t.Fatal("expected ProtocolError for empty EVENT payload array")
	}
}

func TestDecodeBinaryFrameWithoutReassemblyInProgress(t *testing.T) {
	dec := NewDecoder()
	if err := dec.Add([]byte("stray")); err == nil {
		t.Fatal("expected ProtocolError for binary frame with no pending reassembly")
	}
}

func TestDecodeRejectsReservedEventName(t *testing.T) {
	dec := NewDecoder()
	if err := dec.Add(`2["connect"]`); err == nil {
		t.Fatal("expected ProtocolError for a reserved event name as the EVENT head")
	}
	if err := dec.Add(`2["disconnecting",1]`); err == nil {
		t.Fatal("expected ProtocolError for a reserved event name as the EVENT head")
	}
}

func TestDecodeRejectsNonStringEventHead(t *testing.T) {
	dec := NewDecoder()
	if err := dec.Add("2[42]"); err == nil {
		t.Fatal("expected ProtocolError for an EVENT whose head is not a string")
	}
}

func TestDecodeRejectsLeadingZeroAttachmentCount(t *testing.T) {
	dec := NewDecoder()
	if err := dec.Add(`501-["x"]`); err == nil {
		t.Fatal("expected ProtocolError for an attachment count with leading zeros")
	}
}

func TestDecodeZeroAttachmentBinaryEvent(t *testing.T) {
	var decoded *Packet
	dec := NewDecoder()
	dec.On("decoded", func(args ...any) { decoded = args[0].(*Packet) })
	if err := dec.Add(`50-["x",1]`); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil {
		t.Fatal("expected a zero-attachment binary event to decode immediately")
	}
	if decoded.Attachments != nil {
		t.Fatalf("expected attachments cleared after reconstruction, got %v", *decoded.Attachments)
	}

	// The decoder must not be left mid-reassembly: a following text frame
	// is legal.
	if err := dec.Add(`2["y"]`); err != nil {
		t.Fatalf("expected decoder ready for next frame, got %v", err)
	}
}

func TestDecodeNamespaceAndAckId(t *testing.T) {
	var decoded *Packet
	dec := NewDecoder()
	dec.On("decoded", func(args ...any) { decoded = args[0].(*Packet) })
	if err := dec.Add(`2/admin,7["ping"]`); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Nsp != "/admin" {
		t.Fatalf("expected nsp /admin, got %q", decoded.Nsp)
	}
	if decoded.Id == nil || *decoded.Id != 7 {
		t.Fatalf("expected ack id 7, got %v", decoded.Id)
	}
}
