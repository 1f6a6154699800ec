package stack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dtn7/relstack/ackstore"
	"github.com/dtn7/relstack/clock"
	"github.com/dtn7/relstack/framedesc"
	"github.com/dtn7/relstack/packet"
	"github.com/dtn7/relstack/reliable"
	"github.com/dtn7/relstack/ssladapter"
	"github.com/dtn7/relstack/stats"
)

// fakeSSL is a loopback SSL adapter for tests: "ciphertext" is cleartext
// prefixed by a one-byte tag distinguishing handshake flights from app
// data, so two fakeSSL instances can shuttle bytes through a real
// stack.Engine pair without a real TLS/Noise handshake.
const (
	tagHandshake byte = 0
	tagAppData   byte = 1
)

type fakeSSL struct {
	out       [][]byte
	inbox     [][]byte
	cleartext [][]byte

	failNextReadCleartext bool
}

func (s *fakeSSL) StartHandshake() error {
	s.out = append(s.out, []byte{tagHandshake})
	return nil
}

func (s *fakeSSL) WriteCleartext(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	s.out = append(s.out, append([]byte{tagAppData}, cp...))
	return len(p), nil
}

func (s *fakeSSL) ReadCiphertextReady() bool { return len(s.out) > 0 }

func (s *fakeSSL) ReadCiphertext() ([]byte, error) {
	ct := s.out[0]
	s.out = s.out[1:]
	return ct, nil
}

func (s *fakeSSL) WriteCiphertext(p []byte) error {
	if len(p) == 0 {
		return errors.New("fakeSSL: empty ciphertext")
	}
	switch p[0] {
	case tagHandshake:
		// consumed silently, as a real handshake flight would be
	case tagAppData:
		s.cleartext = append(s.cleartext, append([]byte(nil), p[1:]...))
	default:
		return fmt.Errorf("fakeSSL: unknown tag %d", p[0])
	}
	return nil
}

func (s *fakeSSL) WriteCiphertextReady() bool { return len(s.cleartext) > 0 }

func (s *fakeSSL) ReadCleartext(buf []byte) (int, error) {
	if s.failNextReadCleartext {
		s.failNextReadCleartext = false
		return 0, errors.New("fakeSSL: injected failure")
	}
	if len(s.cleartext) == 0 {
		return 0, ssladapter.ErrShouldRetry
	}
	ct := s.cleartext[0]
	s.cleartext = s.cleartext[1:]
	n := copy(buf, ct)
	return n, nil
}

var _ ssladapter.Adapter = (*fakeSSL)(nil)

// wireHooks is a minimal encapsulate/decapsulate/generate_ack/net_send
// implementation for tests: a fixed binary header carrying the sequence
// id, the raw flag, and piggybacked ACK ids, with no integrity check
// (integrity/HMAC framing is package wireframe's concern, exercised
// separately).
type wireHooks struct {
	sendFn func(packet.Packet)
}

const (
	opData    byte = 1
	opAckOnly byte = 2
)

func (h *wireHooks) Encapsulate(id reliable.SeqID, tracker *ackstore.Tracker, pkt *packet.Packet) error {
	acks := tracker.Peek(4)
	tracker.Drain(len(acks))

	buf := make([]byte, 0, 10+len(acks)*4+pkt.Buffer().Len())
	buf = append(buf, opData)
	buf = binary.BigEndian.AppendUint32(buf, uint32(id))
	if pkt.IsRaw() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(len(acks)))
	for _, a := range acks {
		buf = binary.BigEndian.AppendUint32(buf, uint32(a))
	}
	buf = append(buf, pkt.Bytes()...)

	isRaw := pkt.IsRaw()
	*pkt = packet.Wrap(packet.NewBuffer(buf), isRaw)
	return nil
}

func (h *wireHooks) Decapsulate(pkt packet.Packet) (DecapResult, error) {
	b := pkt.Bytes()
	if len(b) < 1 {
		return DecapResult{}, errors.New("wireHooks: empty packet")
	}
	op := b[0]
	b = b[1:]

	switch op {
	case opAckOnly:
		if len(b) < 1 {
			return DecapResult{}, errors.New("wireHooks: short ack-only header")
		}
		n := int(b[0])
		b = b[1:]
		if len(b) < 4*n {
			return DecapResult{}, errors.New("wireHooks: truncated ack list")
		}
		acks := make([]reliable.SeqID, n)
		for i := 0; i < n; i++ {
			acks[i] = reliable.SeqID(binary.BigEndian.Uint32(b[:4]))
			b = b[4:]
		}
		return DecapResult{PeerAcks: acks}, nil

	case opData:
		if len(b) < 6 {
			return DecapResult{}, errors.New("wireHooks: short data header")
		}
		id := reliable.SeqID(binary.BigEndian.Uint32(b[:4]))
		b = b[4:]
		isRaw := b[0] == 1
		b = b[1:]
		n := int(b[0])
		b = b[1:]
		if len(b) < 4*n {
			return DecapResult{}, errors.New("wireHooks: truncated piggyback list")
		}
		acks := make([]reliable.SeqID, n)
		for i := 0; i < n; i++ {
			acks[i] = reliable.SeqID(binary.BigEndian.Uint32(b[:4]))
			b = b[4:]
		}
		payload := append([]byte(nil), b...)
		return DecapResult{
			HasPayload: true,
			SeqID:      id,
			Payload:    packet.Wrap(packet.NewBuffer(payload), isRaw),
			PeerAcks:   acks,
		}, nil

	default:
		return DecapResult{}, fmt.Errorf("wireHooks: unknown opcode %d", op)
	}
}

func (h *wireHooks) GenerateAck(tracker *ackstore.Tracker, pkt *packet.Packet) error {
	ids := tracker.Drain(0)
	buf := make([]byte, 0, 2+4*len(ids))
	buf = append(buf, opAckOnly, byte(len(ids)))
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint32(buf, uint32(id))
	}
	*pkt = packet.Wrap(packet.NewBuffer(buf), false)
	return nil
}

func (h *wireHooks) NetSend(pkt packet.Packet) error {
	h.sendFn(pkt)
	return nil
}

var _ Hooks = (*wireHooks)(nil)

// recordingDelivery captures everything delivered to app_recv/raw_recv,
// in order, for assertions.
type recordingDelivery struct {
	app [][]byte
	raw []packet.Packet
}

func (d *recordingDelivery) AppRecv(data []byte) error {
	d.app = append(d.app, append([]byte(nil), data...))
	return nil
}

func (d *recordingDelivery) RawRecv(pkt packet.Packet) error {
	d.raw = append(d.raw, pkt)
	return nil
}

var _ Delivery = (*recordingDelivery)(nil)

var testFrameDesc = framedesc.Fixed{
	framedesc.WriteAckStandalone: {Payload: 0},
	framedesc.ReadSSLCleartext:   {Payload: 4096},
}

// peer bundles an Engine with the plumbing a test needs to drive it: a
// fake SSL adapter, a captured outbox of packets NetSend produced, and
// the recording delivery sink.
type peer struct {
	engine   *Engine
	ssl      *fakeSSL
	delivery *recordingDelivery
	stats    *stats.Counters
	outbox   []packet.Packet
	fake     *clock.Fake
}

func newPeer(span, maxAckList int) *peer {
	p := &peer{
		ssl:      &fakeSSL{},
		delivery: &recordingDelivery{},
		stats:    stats.NewCounters(),
		fake:     clock.NewFake(time.Unix(0, 0)),
	}
	hooks := &wireHooks{sendFn: func(pkt packet.Packet) {
		p.outbox = append(p.outbox, pkt)
	}}
	p.engine = New(Config{
		SSL:        p.ssl,
		Clock:      p.fake,
		FrameDesc:  testFrameDesc,
		Stats:      p.stats,
		Hooks:      hooks,
		Delivery:   p.delivery,
		Span:       span,
		MaxAckList: maxAckList,
	})
	return p
}

// deliverAll feeds a's captured outbox into b and clears it.
func deliverAll(t *testing.T, a, b *peer) {
	t.Helper()
	for _, pkt := range a.outbox {
		if err := b.engine.NetRecv(pkt); err != nil {
			t.Fatalf("net_recv: %v", err)
		}
	}
	a.outbox = nil
}

func TestHandshakeThenOneMessageLossless(t *testing.T) {
	a := newPeer(8, 8)
	b := newPeer(8, 8)

	if err := a.engine.StartHandshake(); err != nil {
		t.Fatalf("a.StartHandshake: %v", err)
	}
	if err := a.engine.Flush(); err != nil {
		t.Fatalf("a.Flush: %v", err)
	}
	deliverAll(t, a, b)

	if err := b.engine.StartHandshake(); err != nil {
		t.Fatalf("b.StartHandshake: %v", err)
	}
	if err := b.engine.Flush(); err != nil {
		t.Fatalf("b.Flush: %v", err)
	}
	deliverAll(t, b, a)

	if !a.engine.SSLStarted() || !b.engine.SSLStarted() {
		t.Fatalf("expected both peers ssl_started")
	}

	if err := a.engine.AppSend([]byte("hello")); err != nil {
		t.Fatalf("app_send: %v", err)
	}
	if err := a.engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	deliverAll(t, a, b)
	if err := b.engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(b.delivery.app) != 1 || string(b.delivery.app[0]) != "hello" {
		t.Fatalf("expected b to receive [hello], got %q", b.delivery.app)
	}
}

func handshakeBothWays(t *testing.T, a, b *peer) {
	t.Helper()
	if err := a.engine.StartHandshake(); err != nil {
		t.Fatal(err)
	}
	a.engine.Flush()
	deliverAll(t, a, b)
	if err := b.engine.StartHandshake(); err != nil {
		t.Fatal(err)
	}
	b.engine.Flush()
	deliverAll(t, b, a)
}

func TestSingleDropAndRetransmit(t *testing.T) {
	a := newPeer(8, 8)
	b := newPeer(8, 8)
	handshakeBothWays(t, a, b)

	a.engine.AppSend([]byte("hello"))
	a.engine.Flush()

	// Drop the first data packet.
	if len(a.outbox) != 1 {
		t.Fatalf("expected exactly one outgoing packet, got %d", len(a.outbox))
	}
	a.outbox = nil

	a.fake.Advance(3 * time.Second)
	if err := a.engine.Retransmit(); err != nil {
		t.Fatalf("retransmit: %v", err)
	}
	deliverAll(t, a, b)
	b.engine.Flush()

	if len(b.delivery.app) != 1 || string(b.delivery.app[0]) != "hello" {
		t.Fatalf("expected exactly one delivery of hello, got %q", b.delivery.app)
	}
}

func TestReorderDeliversInOrder(t *testing.T) {
	a := newPeer(8, 8)
	b := newPeer(8, 8)
	handshakeBothWays(t, a, b)

	a.engine.AppSend([]byte("p1"))
	a.engine.AppSend([]byte("p2"))
	a.engine.AppSend([]byte("p3"))
	a.engine.Flush()

	if len(a.outbox) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(a.outbox))
	}
	p1, p2, p3 := a.outbox[0], a.outbox[1], a.outbox[2]
	a.outbox = nil

	for _, pkt := range []packet.Packet{p2, p3, p1} {
		if err := b.engine.NetRecv(pkt); err != nil {
			t.Fatalf("net_recv: %v", err)
		}
	}
	b.engine.Flush()

	got := make([]string, len(b.delivery.app))
	for i, d := range b.delivery.app {
		got[i] = string(d)
	}
	want := []string{"p1", "p2", "p3"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestReplayIsDropped(t *testing.T) {
	a := newPeer(8, 8)
	b := newPeer(8, 8)
	handshakeBothWays(t, a, b)

	a.engine.AppSend([]byte("hello"))
	a.engine.Flush()
	p1 := a.outbox[0]
	a.outbox = nil

	if err := b.engine.NetRecv(p1); err != nil {
		t.Fatalf("net_recv (first): %v", err)
	}
	if err := b.engine.NetRecv(p1); err != nil {
		t.Fatalf("net_recv (replay): %v", err)
	}
	b.engine.Flush()

	if len(b.delivery.app) != 1 {
		t.Fatalf("expected exactly one delivery despite replay, got %d", len(b.delivery.app))
	}
}

func TestAckPiggybackBoundsForceStandaloneAcks(t *testing.T) {
	a := newPeer(8, 2) // max_ack_list = 2
	b := newPeer(8, 2)
	handshakeBothWays(t, a, b)

	for i := 0; i < 5; i++ {
		a.engine.AppSend([]byte(fmt.Sprintf("m%d", i)))
	}
	a.engine.Flush()
	if len(a.outbox) != 5 {
		t.Fatalf("expected 5 outgoing packets, got %d", len(a.outbox))
	}

	seen := map[reliable.SeqID]bool{}
	for _, pkt := range a.outbox {
		if err := b.engine.NetRecv(pkt); err != nil {
			t.Fatalf("net_recv: %v", err)
		}
	}
	a.outbox = nil

	if err := b.engine.SendPendingAcks(); err != nil {
		t.Fatalf("send_pending_acks: %v", err)
	}

	for _, pkt := range b.outbox {
		res, err := (&wireHooks{}).Decapsulate(pkt)
		if err != nil {
			t.Fatalf("decapsulate ack packet: %v", err)
		}
		for _, id := range res.PeerAcks {
			seen[id] = true
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected all 5 ids acked across standalone ACKs, got %d: %v", len(seen), seen)
	}
}

func TestSSLFailureInvalidates(t *testing.T) {
	a := newPeer(8, 8)
	b := newPeer(8, 8)
	handshakeBothWays(t, a, b)

	a.engine.AppSend([]byte("hello"))
	a.engine.Flush()
	if len(a.outbox) != 1 {
		t.Fatalf("expected exactly one outgoing packet, got %d", len(a.outbox))
	}
	pkt := a.outbox[0]
	a.outbox = nil

	// up_sequenced runs cleartext extraction synchronously inside
	// net_recv, so the injected failure must be armed before delivery.
	b.ssl.failNextReadCleartext = true
	err := b.engine.NetRecv(pkt)
	if err == nil {
		t.Fatalf("expected net_recv to return the ssl error")
	}
	if !b.engine.Invalidated() {
		t.Fatalf("expected engine to be invalidated after ssl error")
	}
	if b.stats.SSLErrors() != 1 {
		t.Fatalf("expected exactly one ssl error counted, got %d", b.stats.SSLErrors())
	}

	if err := b.engine.AppSend([]byte("ignored")); err != nil {
		t.Fatalf("app_send after invalidation should be a no-op, got error: %v", err)
	}
}
