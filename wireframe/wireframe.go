// Package wireframe is a concrete stack.Hooks implementation: it defines
// the on-the-wire layout the engine's Encapsulate/Decapsulate/GenerateAck
// callbacks produce and parse, and the net_send transport hookup.
//
// Frame layout (all multi-byte integers big-endian):
//
//	byte 0:        opcode (opData or opAckOnly)
//	byte 1:        raw flag (1 = raw control packet, 0 = SSL ciphertext)   [opData only]
//	bytes 2-5:     sequence id                                            [opData only]
//	byte next:     piggybacked ack count n
//	next n*4:      piggybacked ack ids
//	remainder:     payload                                                [opData only]
//	bytes -32..-1: HMAC-SHA256 tag over everything preceding it
//
// The tag key is derived via HKDF-SHA256 from a secret and a salt (see
// DeriveTagKey); two peers' frames verify only if both derived their key
// from the same secret and salt.
package wireframe

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dtn7/relstack/ackstore"
	"github.com/dtn7/relstack/packet"
	"github.com/dtn7/relstack/reliable"
	"github.com/dtn7/relstack/stack"
)

const (
	opData    byte = 1
	opAckOnly byte = 2

	tagSize = sha256.Size

	// maxPiggybackAcks bounds how many ids an opData frame embeds in one
	// wire frame, independent of the ACK tracker's own capacity.
	// GenerateAck's standalone frames are not bounded by it.
	maxPiggybackAcks = 4
)

// ErrTagMismatch is returned by Decapsulate when the HMAC tag over a
// received frame does not match, which is always treated as a
// per-packet transient error per spec.md's decapsulate discipline.
var ErrTagMismatch = errors.New("wireframe: tag mismatch")

// ErrShortFrame is returned when a received frame is too small to carry
// even a valid header and tag.
var ErrShortFrame = errors.New("wireframe: frame too short")

// DeriveTagKey derives a 32-byte HMAC key for a session from a shared
// secret and salt via HKDF-SHA256.
func DeriveTagKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, salt, []byte("relstack wireframe tag"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("wireframe: deriving tag key: %w", err)
	}
	return key, nil
}

// NetSender transmits one finished wire frame, e.g. a transport.Conn's
// Send method.
type NetSender func(pkt packet.Packet) error

// Hooks is the stack.Hooks implementation that speaks the frame layout
// documented above over a caller-supplied NetSender.
type Hooks struct {
	tagKey []byte
	send   NetSender
}

var _ stack.Hooks = (*Hooks)(nil)

// New returns a Hooks authenticating frames with tagKey and handing
// finished frames to send.
func New(tagKey []byte, send NetSender) *Hooks {
	return &Hooks{tagKey: tagKey, send: send}
}

func (h *Hooks) tag(b []byte) []byte {
	mac := hmac.New(sha256.New, h.tagKey)
	mac.Write(b)
	return mac.Sum(nil)
}

// Encapsulate writes the opData header and piggybacked acks ahead of
// the payload packet already sized to fit, then appends the tag.
func (h *Hooks) Encapsulate(id reliable.SeqID, tracker *ackstore.Tracker, pkt *packet.Packet) error {
	acks := tracker.Peek(maxPiggybackAcks)
	tracker.Drain(len(acks))

	payload := pkt.Bytes()
	header := make([]byte, 0, 6+len(acks)*4)
	header = append(header, opData, boolByte(pkt.IsRaw()))
	header = binary.BigEndian.AppendUint32(header, uint32(id))
	header = append(header, byte(len(acks)))
	for _, a := range acks {
		header = binary.BigEndian.AppendUint32(header, uint32(a))
	}

	frame := make([]byte, 0, len(header)+len(payload)+tagSize)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	frame = append(frame, h.tag(frame)...)

	isRaw := pkt.IsRaw()
	buf := packet.NewBuffer(frame)
	pkt.Reset()
	*pkt = packet.Wrap(buf, isRaw)
	return nil
}

// Decapsulate verifies the tag, then parses the opcode-specific header.
func (h *Hooks) Decapsulate(pkt packet.Packet) (stack.DecapResult, error) {
	b := pkt.Bytes()
	if len(b) < 1+tagSize {
		return stack.DecapResult{}, ErrShortFrame
	}

	body, tag := b[:len(b)-tagSize], b[len(b)-tagSize:]
	if subtle.ConstantTimeCompare(h.tag(body), tag) != 1 {
		return stack.DecapResult{}, ErrTagMismatch
	}

	switch body[0] {
	case opAckOnly:
		acks, err := parseAcks(body[1:])
		if err != nil {
			return stack.DecapResult{}, err
		}
		return stack.DecapResult{PeerAcks: acks}, nil

	case opData:
		if len(body) < 6 {
			return stack.DecapResult{}, ErrShortFrame
		}
		isRaw := body[1] != 0
		id := reliable.SeqID(binary.BigEndian.Uint32(body[2:6]))
		rest := body[6:]
		if len(rest) < 1 {
			return stack.DecapResult{}, ErrShortFrame
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n*4 {
			return stack.DecapResult{}, ErrShortFrame
		}
		acks := make([]reliable.SeqID, n)
		for i := 0; i < n; i++ {
			acks[i] = reliable.SeqID(binary.BigEndian.Uint32(rest[i*4:]))
		}
		payload := rest[n*4:]

		buf := packet.NewBuffer(append([]byte(nil), payload...))
		return stack.DecapResult{
			HasPayload: true,
			SeqID:      id,
			Payload:    packet.Wrap(buf, isRaw),
			PeerAcks:   acks,
		}, nil

	default:
		return stack.DecapResult{}, fmt.Errorf("wireframe: unknown opcode %d", body[0])
	}
}

// GenerateAck drains every pending id from tracker into a standalone
// opAckOnly frame.
func (h *Hooks) GenerateAck(tracker *ackstore.Tracker, pkt *packet.Packet) error {
	acks := tracker.Drain(0)

	frame := make([]byte, 0, 2+len(acks)*4+tagSize)
	frame = append(frame, opAckOnly, byte(len(acks)))
	for _, a := range acks {
		frame = binary.BigEndian.AppendUint32(frame, uint32(a))
	}
	frame = append(frame, h.tag(frame)...)

	buf := packet.NewBuffer(frame)
	pkt.Reset()
	*pkt = packet.Wrap(buf, false)
	return nil
}

// NetSend hands the finished frame to the configured NetSender.
func (h *Hooks) NetSend(pkt packet.Packet) error {
	return h.send(pkt)
}

func parseAcks(b []byte) ([]reliable.SeqID, error) {
	if len(b) < 1 {
		return nil, ErrShortFrame
	}
	n := int(b[0])
	b = b[1:]
	if len(b) < n*4 {
		return nil, ErrShortFrame
	}
	acks := make([]reliable.SeqID, n)
	for i := 0; i < n; i++ {
		acks[i] = reliable.SeqID(binary.BigEndian.Uint32(b[i*4:]))
	}
	return acks, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
