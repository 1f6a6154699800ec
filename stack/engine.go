// Package stack implements the protocol stack engine: it orchestrates
// application cleartext, an SSL adapter, the reliability layer, and the
// network in both directions, behind four protocol-specific hooks
// (Encapsulate, Decapsulate, GenerateAck, NetSend) and a delivery pair
// (AppRecv, RawRecv). The engine never parses packet contents itself.
package stack

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/relstack/ackstore"
	"github.com/dtn7/relstack/clock"
	"github.com/dtn7/relstack/framedesc"
	"github.com/dtn7/relstack/packet"
	"github.com/dtn7/relstack/reliable"
	"github.com/dtn7/relstack/ssladapter"
	"github.com/dtn7/relstack/stats"
)

// DecapResult is what Hooks.Decapsulate reports back to the engine after
// verifying and unwrapping one received packet. The engine, not the
// hook, applies the result to the send/recv windows and ACK tracker —
// the hook only ever parses bytes.
type DecapResult struct {
	// HasPayload is false for a standalone-ACK-only packet: it carries
	// no sequenced payload of its own and is not placed in the recv
	// window or recorded in the ACK tracker.
	HasPayload bool
	// SeqID is this packet's own sequence id. Valid iff HasPayload.
	SeqID reliable.SeqID
	// Payload is the unwrapped packet to place in the recv window.
	// Valid iff HasPayload.
	Payload packet.Packet
	// PeerAcks lists ids the peer is acknowledging from our send
	// window, piggybacked on this packet.
	PeerAcks []reliable.SeqID
}

// Hooks are the four protocol-specific behaviors spec.md assigns to the
// outer protocol. Encapsulate and GenerateAck errors are fatal (they
// invalidate the session); Decapsulate errors are per-packet transient
// and never invalidate.
type Hooks interface {
	// Encapsulate wraps pkt with framing that includes id and,
	// opportunistically, as many pending ACKs from tracker as fit
	// (tracker is the same ACK tracker GenerateAck drains; Encapsulate
	// may Peek/Remove from it but is not required to). Errors are
	// fatal.
	Encapsulate(id reliable.SeqID, tracker *ackstore.Tracker, pkt *packet.Packet) error

	// Decapsulate verifies integrity and unwraps pkt. Errors are
	// per-packet transient: they propagate to the caller of NetRecv but
	// do not invalidate the session — a malformed or replayed packet is
	// a per-packet error, not a session error.
	Decapsulate(pkt packet.Packet) (DecapResult, error)

	// GenerateAck drains tracker (at least one id, ideally as many as
	// fit) and encodes them into pkt as a standalone ACK. Errors are
	// fatal.
	GenerateAck(tracker *ackstore.Tracker, pkt *packet.Packet) error

	// NetSend transmits pkt to the peer. It must not mutate or retain
	// pkt unless it copies it. NetSend errors are transport-level and
	// outside the three error kinds spec.md defines; the engine logs
	// them and continues.
	NetSend(pkt packet.Packet) error
}

// Delivery is the outward pair the engine delivers decoded payloads to.
type Delivery interface {
	// AppRecv delivers cleartext decrypted by the SSL adapter, in the
	// exact order the peer's AppSend supplied it.
	AppRecv(data []byte) error

	// RawRecv delivers a raw control packet in sender order. The
	// callee takes ownership of pkt's buffer.
	RawRecv(pkt packet.Packet) error
}

// Config are the Engine constructor inputs.
type Config struct {
	SSL          ssladapter.Adapter
	Clock        clock.Source
	FrameDesc    framedesc.Descriptor
	Stats        stats.Sink
	Hooks        Hooks
	Delivery     Delivery
	Span         int
	MaxAckList   int
	OnInvalidate func()
}

// Engine is the protocol stack orchestrator (§4.3). All entry points are
// no-ops once Invalidated() is true. It is not internally synchronized:
// callers must serialize access, typically from a single I/O event loop.
type Engine struct {
	ssl       ssladapter.Adapter
	clock     clock.Source
	frameDesc framedesc.Descriptor
	statsSink stats.Sink
	hooks     Hooks
	delivery  Delivery
	onInvalidate func()

	sendWindow *reliable.SendWindow
	recvWindow *reliable.RecvWindow
	ackTracker *ackstore.Tracker

	sslStarted  bool
	invalidated bool
	reentry     int

	nextRetransmit time.Time

	appQueue [][]byte
	rawQueue []packet.Packet

	ackScratch packet.Packet
	toAppBuf   []byte

	log *log.Entry
}

// New constructs an Engine around the already-built SSL adapter cfg.SSL
// and initializes both reliability windows and the ACK tracker. It does
// not call the adapter; the handshake begins with StartHandshake.
func New(cfg Config) *Engine {
	e := &Engine{
		ssl:            cfg.SSL,
		clock:          cfg.Clock,
		frameDesc:      cfg.FrameDesc,
		statsSink:      cfg.Stats,
		hooks:          cfg.Hooks,
		delivery:       cfg.Delivery,
		onInvalidate:   cfg.OnInvalidate,
		sendWindow:     reliable.NewSendWindow(cfg.Span),
		recvWindow:     reliable.NewRecvWindow(cfg.Span),
		ackTracker:     ackstore.New(cfg.MaxAckList),
		nextRetransmit: timeInfinite,
		log:            log.WithField("component", "stack"),
	}
	return e
}

// timeInfinite stands in for spec.md's Time::infinite(): a time so far
// in the future that no retransmit deadline legitimately exceeds it.
var timeInfinite = time.Unix(1<<62, 0)

// SSLStarted reports whether StartHandshake has been called.
func (e *Engine) SSLStarted() bool {
	return e.sslStarted
}

// Invalidated reports the sticky terminal error state.
func (e *Engine) Invalidated() bool {
	return e.invalidated
}

// StartHandshake begins the SSL handshake, then runs the up-path so that
// ciphertext already buffered in the recv window (held back while the
// handshake had not started) is fed to the adapter and any resulting
// cleartext is delivered.
func (e *Engine) StartHandshake() error {
	if e.invalidated {
		return nil
	}
	e.sslStarted = true
	if err := e.ssl.StartHandshake(); err != nil {
		e.statsSink.Error(stats.SSLError)
		e.invalidate()
		return errors.Wrap(err, "relstack: ssl handshake start failed")
	}
	return e.upSequenced()
}

// NetRecv pushes one received packet through the up-path. It takes
// ownership of pkt.
func (e *Engine) NetRecv(pkt packet.Packet) error {
	if e.invalidated {
		return nil
	}
	return e.upStack(pkt)
}

// AppSend enqueues cleartext for later SSL ingestion by Flush.
func (e *Engine) AppSend(buf []byte) error {
	if e.invalidated {
		return nil
	}
	e.appQueue = append(e.appQueue, buf)
	return nil
}

// RawSend enqueues a raw packet for later sequencing by Flush.
func (e *Engine) RawSend(pkt packet.Packet) error {
	if e.invalidated {
		return nil
	}
	e.rawQueue = append(e.rawQueue, pkt)
	return nil
}

// Flush drains the raw queue, then the app queue through SSL, then
// updates the retransmit timer. It is a no-op while the engine is
// invalidated or reentered from within the up-path, and idempotent
// when there is nothing to do.
func (e *Engine) Flush() error {
	if e.invalidated || e.reentry > 0 {
		return nil
	}
	if err := e.downStackRaw(); err != nil {
		return err
	}
	if err := e.downStackApp(); err != nil {
		return err
	}
	e.updateRetransmit()
	return nil
}

// SendPendingAcks emits standalone ACK packets until the ACK tracker is
// drained.
func (e *Engine) SendPendingAcks() error {
	if e.invalidated {
		return nil
	}
	for !e.ackTracker.Empty() {
		e.ackScratch.PrepareFrame(e.frameDesc, framedesc.WriteAckStandalone)
		if err := e.hooks.GenerateAck(e.ackTracker, &e.ackScratch); err != nil {
			e.statsSink.Error(stats.EncapsulationError)
			e.invalidate()
			return errors.Wrap(err, "relstack: generate_ack failed")
		}
		if err := e.hooks.NetSend(e.ackScratch); err != nil {
			e.log.WithError(err).Debug("net_send failed for standalone ack")
		}
	}
	return nil
}

// Retransmit resends every send-window message whose retransmit timer
// has expired (in id order) and arms the next one, then recomputes
// NextRetransmit. Precondition: now >= NextRetransmit().
func (e *Engine) Retransmit() error {
	if e.invalidated {
		return nil
	}
	now := e.clock.Now()
	for _, m := range e.sendWindow.Messages() {
		if m.ReadyRetransmit(now) {
			if err := e.hooks.NetSend(m.Packet); err != nil {
				e.log.WithError(err).WithField("seq", m.ID()).Debug("net_send failed on retransmit")
			}
			m.ResetRetransmit(now)
		}
	}
	e.updateRetransmit()
	return nil
}

// NextRetransmit returns the time Retransmit should next be called, or
// an effectively-infinite time if invalidated or nothing is in flight.
func (e *Engine) NextRetransmit() time.Time {
	if e.invalidated || e.sendWindow.Len() == 0 {
		return timeInfinite
	}
	return e.nextRetransmit
}

// Invalidate sets the sticky terminal flag and fires the invalidate
// callback. It is idempotent.
func (e *Engine) Invalidate() {
	e.invalidate()
}

// Close invalidates the engine if not already invalidated, then
// releases every buffered packet and queued buffer. Go has no
// destructors, so Close is the explicit equivalent of the drain that
// happens implicitly when the original C++ engine's queues are
// destructed.
func (e *Engine) Close() error {
	e.invalidate()
	e.sendWindow.Discard()
	e.recvWindow.Discard()
	for i := range e.rawQueue {
		e.rawQueue[i].Reset()
	}
	e.rawQueue = nil
	e.appQueue = nil
	e.ackScratch.Reset()
	return nil
}

func (e *Engine) invalidate() {
	if e.invalidated {
		return
	}
	e.invalidated = true
	if e.onInvalidate != nil {
		e.onInvalidate()
	}
}

// downStackRaw drains the raw queue into the send window and the
// network, ahead of app traffic, so control packets cannot be
// head-of-line blocked by bulk app data pending SSL acceptance.
func (e *Engine) downStackRaw() error {
	for len(e.rawQueue) > 0 && e.sendWindow.Ready() {
		pkt := e.rawQueue[0]
		e.rawQueue = e.rawQueue[1:]

		m := e.sendWindow.Send(e.clock.Now())
		m.Packet = pkt
		if err := e.hooks.Encapsulate(m.ID(), e.ackTracker, &m.Packet); err != nil {
			e.statsSink.Error(stats.EncapsulationError)
			e.invalidate()
			return errors.Wrap(err, "relstack: encapsulate (raw) failed")
		}
		if err := e.hooks.NetSend(m.Packet); err != nil {
			e.log.WithError(err).WithField("seq", m.ID()).Debug("net_send failed for raw packet")
		}
	}
	return nil
}

// downStackApp pushes queued cleartext into the SSL adapter, then pulls
// any ciphertext the adapter produced and sequences it. It only runs
// once the handshake has started.
func (e *Engine) downStackApp() error {
	if !e.sslStarted {
		return nil
	}

	for len(e.appQueue) > 0 {
		buf := e.appQueue[0]
		n, err := e.ssl.WriteCleartext(buf)
		if err == ssladapter.ErrShouldRetry {
			break
		}
		if err != nil {
			e.statsSink.Error(stats.SSLError)
			e.invalidate()
			return errors.Wrap(err, "relstack: ssl write_cleartext failed")
		}
		_ = n
		e.appQueue = e.appQueue[1:]
	}

	for e.ssl.ReadCiphertextReady() && e.sendWindow.Ready() {
		ct, err := e.ssl.ReadCiphertext()
		if err != nil {
			e.statsSink.Error(stats.SSLError)
			e.invalidate()
			return errors.Wrap(err, "relstack: ssl read_ciphertext failed")
		}

		m := e.sendWindow.Send(e.clock.Now())
		m.Packet = packet.Wrap(packet.NewBuffer(ct), false)

		if err := e.hooks.Encapsulate(m.ID(), e.ackTracker, &m.Packet); err != nil {
			e.statsSink.Error(stats.EncapsulationError)
			e.invalidate()
			return errors.Wrap(err, "relstack: encapsulate (ssl) failed")
		}
		if err := e.hooks.NetSend(m.Packet); err != nil {
			e.log.WithError(err).WithField("seq", m.ID()).Debug("net_send failed for ssl packet")
		}
	}
	return nil
}

// upStack decapsulates pkt and, if accepted, drains the recv window and
// SSL cleartext side. It is reentry-guarded: Flush observes a non-zero
// reentry level and refuses to run the down-path, so a synchronous
// NetSend inside the down-path cannot recursively trigger unbounded
// down-path work via NetRecv.
func (e *Engine) upStack(pkt packet.Packet) error {
	e.reentry++
	defer func() { e.reentry-- }()

	result, err := e.hooks.Decapsulate(pkt)
	if err != nil {
		// Per-packet transient: propagate, do not invalidate.
		return err
	}

	for _, id := range result.PeerAcks {
		e.sendWindow.Ack(id)
	}

	accepted := false
	if result.HasPayload {
		overflowed := e.ackTracker.Add(result.SeqID)
		accepted = e.recvWindow.Accept(result.SeqID, result.Payload)
		if overflowed {
			// The tracker grew past max_ack_list: force a standalone
			// ACK drain now instead of waiting for the host to call
			// SendPendingAcks, keeping the tracker's size bounded.
			if err := e.SendPendingAcks(); err != nil {
				return err
			}
		}
	}

	if accepted {
		return e.upSequenced()
	}
	return nil
}

// upSequenced drains the recv window (delivering raw packets directly,
// feeding SSL-ciphertext packets into the adapter) and then drains any
// cleartext the adapter has produced, delivering it to AppRecv.
func (e *Engine) upSequenced() error {
	for e.recvWindow.Ready() {
		m := e.recvWindow.NextSequenced()
		if m.Packet.IsRaw() {
			if err := e.delivery.RawRecv(m.Packet); err != nil {
				e.log.WithError(err).WithField("seq", m.ID()).Debug("raw_recv returned error")
			}
		} else {
			if !e.sslStarted {
				// Preserve order: cannot hand a later ciphertext
				// packet to SSL before the handshake has started.
				break
			}
			if err := e.ssl.WriteCiphertext(m.Packet.Bytes()); err != nil {
				e.statsSink.Error(stats.SSLError)
				e.invalidate()
				return errors.Wrap(err, "relstack: ssl write_ciphertext failed")
			}
		}
		e.recvWindow.Advance()
	}

	if !e.sslStarted {
		return nil
	}

	for e.ssl.WriteCiphertextReady() {
		sizing := e.frameDesc.Prepare(framedesc.ReadSSLCleartext)
		if cap(e.toAppBuf) < sizing.Payload {
			e.toAppBuf = make([]byte, sizing.Payload)
		}
		buf := e.toAppBuf[:sizing.Payload]

		n, err := e.ssl.ReadCleartext(buf)
		if err == ssladapter.ErrShouldRetry {
			break
		}
		if err != nil {
			e.statsSink.Error(stats.SSLError)
			e.invalidate()
			return errors.Wrap(err, "relstack: ssl read_cleartext failed")
		}

		if err := e.delivery.AppRecv(buf[:n]); err != nil {
			e.log.WithError(err).Debug("app_recv returned error")
		}
	}
	return nil
}

// updateRetransmit recomputes NextRetransmit from the send window's
// minimum per-message retransmit deadline. A window holding a message
// already past its deadline yields a negative duration, which is clamped
// to now rather than treated as "infinite" — only a truly empty window
// (no message ok) gets timeInfinite, so an overdue retransmit is never
// starved by a caller polling NextRetransmit().
func (e *Engine) updateRetransmit() {
	now := e.clock.Now()
	d, ok := e.sendWindow.UntilRetransmit(now)
	if !ok {
		e.nextRetransmit = timeInfinite
		return
	}
	if d < 0 {
		d = 0
	}
	e.nextRetransmit = now.Add(d)
}
