package reliable

import (
	"math/rand/v2"
	"time"

	"github.com/dtn7/relstack/packet"
)

// retransmitBase is the initial retransmit interval for a freshly sent
// message. Subsequent retries back off from this value.
const retransmitBase = 1 * time.Second

// retransmitCapMultiplier bounds the exponential backoff: the backoff
// never grows past capMultiplier*base (up to 20% jitter is added on top),
// keeping retransmission lively even after a long stretch of loss.
const retransmitCapMultiplier = 16

// Message is a single outstanding, sent-but-not-yet-acknowledged entry
// in a SendWindow. It sits in the window until Ack'd or the owning
// engine is invalidated.
type Message struct {
	id       SeqID
	Packet   packet.Packet
	sentAt   time.Time
	dueAt    time.Time
	attempts int
}

// ID returns the message's sequence id.
func (m *Message) ID() SeqID {
	return m.id
}

// ReadyRetransmit reports whether now has reached this message's
// retransmit deadline.
func (m *Message) ReadyRetransmit(now time.Time) bool {
	return !now.Before(m.dueAt)
}

// ResetRetransmit arms the next retransmit deadline after a
// retransmission at now, applying a capped exponential backoff with up
// to 20% jitter so simultaneous timers across many messages don't all
// fire in lockstep.
func (m *Message) ResetRetransmit(now time.Time) {
	backoff := retransmitBase
	for i := 0; i < m.attempts && backoff < retransmitBase*retransmitCapMultiplier; i++ {
		backoff *= 2
	}
	m.attempts++
	if backoff > retransmitBase*retransmitCapMultiplier {
		backoff = retransmitBase * retransmitCapMultiplier
	}
	jitter := time.Duration(rand.Int64N(int64(backoff) / 5))
	m.dueAt = now.Add(backoff + jitter)
}

// SendWindow is an ordered sequence of up to span outstanding Messages
// whose ids form a contiguous range [headID, tailID). It only slides
// forward when the head id is acknowledged; out-of-order ACKs remove
// their message but do not otherwise compact the window.
type SendWindow struct {
	span    int
	headID  SeqID
	tailID  SeqID
	entries map[SeqID]*Message
}

// NewSendWindow returns an empty SendWindow beginning at sequence id 0
// with room for up to span in-flight messages.
func NewSendWindow(span int) *SendWindow {
	return &SendWindow{
		span:    span,
		entries: make(map[SeqID]*Message, span),
	}
}

// Ready reports whether the window has room for another message.
func (w *SendWindow) Ready() bool {
	return len(w.entries) < w.span
}

// Send allocates the next sequence id and returns a mutable Message the
// caller fills in with the packet to transmit. Precondition: Ready().
func (w *SendWindow) Send(now time.Time) *Message {
	id := w.tailID
	w.tailID++
	m := &Message{id: id, sentAt: now}
	m.ResetRetransmit(now)
	w.entries[id] = m
	return m
}

// Ack removes the message for id, if present, possibly out of order.
// The window's head only advances once id == headID is itself removed
// (and any now-missing ids immediately following it are skipped, since
// they were already removed by an earlier out-of-order Ack).
func (w *SendWindow) Ack(id SeqID) {
	if _, ok := w.entries[id]; !ok {
		return
	}
	delete(w.entries, id)
	for w.headID < w.tailID {
		if _, present := w.entries[w.headID]; present {
			break
		}
		w.headID++
	}
}

// HeadID returns the lowest outstanding sequence id (or tailID if the
// window is empty).
func (w *SendWindow) HeadID() SeqID {
	return w.headID
}

// TailID returns the next sequence id that Send will allocate.
func (w *SendWindow) TailID() SeqID {
	return w.tailID
}

// Len returns the number of outstanding (unacknowledged) messages.
func (w *SendWindow) Len() int {
	return len(w.entries)
}

// Messages returns every outstanding message in ascending id order, for
// the retransmit scan (§4.7: simultaneously-due messages retransmit in
// id order).
func (w *SendWindow) Messages() []*Message {
	out := make([]*Message, 0, len(w.entries))
	for id := w.headID; id < w.tailID; id++ {
		if m, ok := w.entries[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// UntilRetransmit returns the minimum duration until any outstanding
// message's retransmit timer fires, and true, or false if the window is
// empty (the caller treats that as "infinite"). A message already past
// its deadline yields a negative duration, distinct from the empty-window
// case, so a caller clamps it toward "now" rather than toward infinity.
func (w *SendWindow) UntilRetransmit(now time.Time) (time.Duration, bool) {
	if len(w.entries) == 0 {
		return 0, false
	}
	min := time.Duration(1<<63 - 1)
	for _, m := range w.entries {
		if d := m.dueAt.Sub(now); d < min {
			min = d
		}
	}
	return min, true
}

// Discard releases every outstanding message's packet buffer, for use
// when the engine is closed or invalidated.
func (w *SendWindow) Discard() {
	for id, m := range w.entries {
		m.Packet.Reset()
		delete(w.entries, id)
	}
}
