// Package packet is the opaque byte-carrier the reliability and stack
// layers pass around. The engine never parses a Packet's contents;
// framing is entirely delegated to the outer protocol's encapsulate and
// decapsulate callbacks (see package stack).
package packet

import (
	"sync/atomic"

	"github.com/dtn7/relstack/framedesc"
)

// Buffer is a reference-counted byte buffer. Packets crossing ownership
// boundaries between queues, windows, and callbacks share the same
// Buffer rather than copying; Release drops a reference, and the
// backing array is left for the garbage collector once the count hits
// zero, since Go has no manual free.
type Buffer struct {
	data []byte
	refs int32
}

// NewBuffer wraps data in a new Buffer with one reference.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, refs: 1}
}

// Retain increments the reference count and returns the same Buffer, so
// callers can chain it into a second owner.
func (b *Buffer) Retain() *Buffer {
	if b != nil {
		atomic.AddInt32(&b.refs, 1)
	}
	return b
}

// Release decrements the reference count. Callers that stole a Buffer
// (app_recv, raw_recv) must call Release exactly once when done.
func (b *Buffer) Release() {
	if b != nil {
		atomic.AddInt32(&b.refs, -1)
	}
}

// Bytes returns the underlying slice. Mutating it is only safe for the
// current sole owner; shared buffers must treat it as immutable.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns len(Bytes()).
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Packet is a semantic value: a Buffer reference plus a flag saying
// whether it is a raw control packet or SSL ciphertext. The zero value
// is the empty packet.
type Packet struct {
	buf   *Buffer
	isRaw bool
}

// Empty returns a Packet with no backing buffer.
func Empty() Packet {
	return Packet{}
}

// Wrap returns a Packet over buf, retaining a reference to it.
func Wrap(buf *Buffer, isRaw bool) Packet {
	return Packet{buf: buf.Retain(), isRaw: isRaw}
}

// Defined reports whether the packet carries a buffer. Empty and
// defined states are distinct; Reset always returns to empty.
func (p Packet) Defined() bool {
	return p.buf != nil
}

// IsRaw reports whether the packet is a raw control packet (true) or SSL
// ciphertext (false). The receive side treats this as authoritative for
// routing.
func (p Packet) IsRaw() bool {
	return p.isRaw
}

// Buffer returns the underlying Buffer, or nil if the packet is empty.
func (p Packet) Buffer() *Buffer {
	return p.buf
}

// Bytes is a convenience accessor equivalent to p.Buffer().Bytes().
func (p Packet) Bytes() []byte {
	return p.buf.Bytes()
}

// Reset releases the held buffer reference and returns the packet to
// its empty, post-construction state.
func (p *Packet) Reset() {
	p.buf.Release()
	p.buf = nil
	p.isRaw = false
}

// PrepareFrame allocates a fresh backing buffer with the headroom,
// payload, and tailroom the descriptor prescribes for ctx, discarding
// any buffer the packet previously held.
func (p *Packet) PrepareFrame(fd framedesc.Descriptor, ctx framedesc.Context) {
	sizing := fd.Prepare(ctx)
	p.buf.Release()
	p.buf = NewBuffer(make([]byte, sizing.Headroom, sizing.Total()))
	p.isRaw = false
}
