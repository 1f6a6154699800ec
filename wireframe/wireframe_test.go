package wireframe

import (
	"testing"

	"github.com/dtn7/relstack/ackstore"
	"github.com/dtn7/relstack/packet"
	"github.com/dtn7/relstack/reliable"
)

func newHooks(t *testing.T) *Hooks {
	t.Helper()
	key, err := DeriveTagKey([]byte("shared secret"), []byte("session-id"))
	if err != nil {
		t.Fatalf("DeriveTagKey: %v", err)
	}
	return New(key, func(packet.Packet) error { return nil })
}

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	h := newHooks(t)
	tracker := ackstore.New(8)
	tracker.Add(reliable.SeqID(1))
	tracker.Add(reliable.SeqID(2))

	pkt := packet.Wrap(packet.NewBuffer([]byte("hello")), false)
	if err := h.Encapsulate(reliable.SeqID(42), tracker, &pkt); err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if !tracker.Empty() {
		t.Fatalf("expected Encapsulate to drain the peeked acks, tracker still holds %d", tracker.Len())
	}

	result, err := h.Decapsulate(pkt)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !result.HasPayload {
		t.Fatalf("expected HasPayload true for an opData frame")
	}
	if result.SeqID != 42 {
		t.Fatalf("expected seq id 42, got %d", result.SeqID)
	}
	if string(result.Payload.Bytes()) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", result.Payload.Bytes())
	}
	if len(result.PeerAcks) != 2 || result.PeerAcks[0] != 1 || result.PeerAcks[1] != 2 {
		t.Fatalf("expected piggybacked acks [1 2], got %v", result.PeerAcks)
	}
}

func TestEncapsulateRawFlagSurvivesRoundTrip(t *testing.T) {
	h := newHooks(t)
	tracker := ackstore.New(8)

	pkt := packet.Wrap(packet.NewBuffer([]byte("ctrl")), true)
	if err := h.Encapsulate(reliable.SeqID(1), tracker, &pkt); err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	result, err := h.Decapsulate(pkt)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !result.Payload.IsRaw() {
		t.Fatalf("expected the raw flag to survive encapsulate/decapsulate")
	}
}

func TestGenerateAckRoundTrip(t *testing.T) {
	h := newHooks(t)
	tracker := ackstore.New(8)
	tracker.Add(reliable.SeqID(5))
	tracker.Add(reliable.SeqID(6))
	tracker.Add(reliable.SeqID(7))

	var pkt packet.Packet
	if err := h.GenerateAck(tracker, &pkt); err != nil {
		t.Fatalf("GenerateAck: %v", err)
	}
	if !tracker.Empty() {
		t.Fatalf("expected GenerateAck to fully drain the tracker")
	}

	result, err := h.Decapsulate(pkt)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if result.HasPayload {
		t.Fatalf("expected a standalone ack frame to carry no payload")
	}
	if len(result.PeerAcks) != 3 {
		t.Fatalf("expected 3 acked ids, got %d: %v", len(result.PeerAcks), result.PeerAcks)
	}
}

func TestDecapsulateRejectsTamperedTag(t *testing.T) {
	h := newHooks(t)
	tracker := ackstore.New(8)

	pkt := packet.Wrap(packet.NewBuffer([]byte("hello")), false)
	if err := h.Encapsulate(reliable.SeqID(1), tracker, &pkt); err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	tampered := append([]byte(nil), pkt.Bytes()...)
	tampered[0] ^= 0xff
	tamperedPkt := packet.Wrap(packet.NewBuffer(tampered), false)

	if _, err := h.Decapsulate(tamperedPkt); err != ErrTagMismatch {
		t.Fatalf("expected ErrTagMismatch for a tampered frame, got %v", err)
	}
}

func TestDecapsulateRejectsShortFrame(t *testing.T) {
	h := newHooks(t)
	short := packet.Wrap(packet.NewBuffer([]byte{1, 2, 3}), false)
	if _, err := h.Decapsulate(short); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame for a too-short frame, got %v", err)
	}
}

func TestDifferentTagKeysRejectEachOther(t *testing.T) {
	keyA, err := DeriveTagKey([]byte("secret-a"), []byte("session"))
	if err != nil {
		t.Fatalf("DeriveTagKey: %v", err)
	}
	keyB, err := DeriveTagKey([]byte("secret-b"), []byte("session"))
	if err != nil {
		t.Fatalf("DeriveTagKey: %v", err)
	}

	sender := New(keyA, func(packet.Packet) error { return nil })
	receiver := New(keyB, func(packet.Packet) error { return nil })

	tracker := ackstore.New(8)
	pkt := packet.Wrap(packet.NewBuffer([]byte("hello")), false)
	if err := sender.Encapsulate(reliable.SeqID(1), tracker, &pkt); err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if _, err := receiver.Decapsulate(pkt); err != ErrTagMismatch {
		t.Fatalf("expected ErrTagMismatch across mismatched keys, got %v", err)
	}
}
