// Package noiseref is a second ssladapter.Adapter reference binding,
// this one over github.com/flynn/noise rather than crypto/tls. Unlike
// sslref's TLSAdapter it needs no background goroutines: Noise is
// message-oriented, so each handshake flight or transport message maps
// directly onto one of the adapter's ciphertext packets, driven
// synchronously the same way package stack's test fake is.
//
// The handshake-completion bookkeeping (which of the two returned
// cipher states is for encryption and which for decryption, depending
// on whether this side wrote or read the final handshake message) is
// grounded on the same convention skywire-testnet's internal/noise
// package uses.
package noiseref

import (
	"crypto/rand"

	"github.com/flynn/noise"

	"github.com/dtn7/relstack/ssladapter"
)

// Config selects the static keypair and role for one Noise session.
type Config struct {
	// Pattern is the handshake pattern, e.g. noise.HandshakeXX for a
	// mutually-authenticating handshake with no prior key knowledge, or
	// noise.HandshakeKK when both sides already know each other's
	// static public key.
	Pattern noise.HandshakePattern
	// Initiator is true for the side that sends the first handshake
	// message.
	Initiator bool
	// LocalStatic is this side's static Curve25519 keypair.
	LocalStatic noise.DHKey
	// RemoteStatic is the peer's static public key, required up front
	// by patterns like KK and optional for patterns like XX.
	RemoteStatic []byte
}

// Adapter is an ssladapter.Adapter backed by a Noise handshake and
// transport cipher pair.
type Adapter struct {
	hs        *noise.HandshakeState
	pattern   noise.HandshakePattern
	initiator bool

	handshakeDone bool
	send, recv    *noise.CipherState

	outCiphertext [][]byte
	outCleartext  [][]byte

	err error
}

var _ ssladapter.Adapter = (*Adapter)(nil)

// New builds an Adapter from cfg. The handshake itself only begins once
// StartHandshake is called.
func New(cfg Config) (*Adapter, error) {
	nc := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       cfg.Pattern,
		Initiator:     cfg.Initiator,
		StaticKeypair: cfg.LocalStatic,
	}
	if len(cfg.RemoteStatic) > 0 {
		nc.PeerStatic = cfg.RemoteStatic
	}

	hs, err := noise.NewHandshakeState(nc)
	if err != nil {
		return nil, err
	}
	return &Adapter{hs: hs, pattern: cfg.Pattern, initiator: cfg.Initiator}, nil
}

// myWriteTurn reports whether this side writes (rather than reads) the
// next handshake message.
func (a *Adapter) myWriteTurn() bool {
	return (a.hs.MessageIndex()%2 == 0) == a.initiator
}

// StartHandshake sends this side's first handshake flight if it is the
// initiator; a responder instead waits for WriteCiphertext to deliver
// the peer's opening message.
func (a *Adapter) StartHandshake() error {
	if a.myWriteTurn() {
		return a.writeHandshakeMessage()
	}
	return nil
}

// writeHandshakeMessage produces this side's next handshake flight and
// queues it as a ciphertext packet. On the pattern's final message it
// records the split transport cipher states, following WriteMessage's
// convention.
func (a *Adapter) writeHandshakeMessage() error {
	out, c1, c2, err := a.hs.WriteMessage(nil, nil)
	if err != nil {
		a.err = err
		return err
	}
	a.outCiphertext = append(a.outCiphertext, out)
	if c1 != nil && c2 != nil {
		a.recv, a.send = c1, c2
		a.handshakeDone = true
	}
	return nil
}

// readHandshakeMessage processes one incoming handshake flight. On the
// pattern's final message it records the split transport cipher
// states, the mirror image of writeHandshakeMessage's convention.
func (a *Adapter) readHandshakeMessage(msg []byte) error {
	_, c1, c2, err := a.hs.ReadMessage(nil, msg)
	if err != nil {
		a.err = err
		return err
	}
	if c1 != nil && c2 != nil {
		a.send, a.recv = c1, c2
		a.handshakeDone = true
	}
	return nil
}

// WriteCleartext encrypts p as one transport message and queues it as
// ciphertext. It returns ErrShouldRetry until the handshake has
// completed.
func (a *Adapter) WriteCleartext(p []byte) (int, error) {
	if a.err != nil {
		return 0, a.err
	}
	if !a.handshakeDone {
		return 0, ssladapter.ErrShouldRetry
	}
	ct := a.send.Encrypt(nil, nil, p)
	a.outCiphertext = append(a.outCiphertext, ct)
	return len(p), nil
}

// ReadCiphertextReady reports whether a handshake flight or encrypted
// transport message is queued to send.
func (a *Adapter) ReadCiphertextReady() bool {
	return len(a.outCiphertext) > 0
}

// ReadCiphertext pulls the next queued ciphertext packet.
func (a *Adapter) ReadCiphertext() ([]byte, error) {
	if len(a.outCiphertext) == 0 {
		if a.err != nil {
			return nil, a.err
		}
		return nil, ssladapter.ErrShouldRetry
	}
	out := a.outCiphertext[0]
	a.outCiphertext = a.outCiphertext[1:]
	return out, nil
}

// WriteCiphertext processes one received packet: a handshake flight
// while the handshake is in progress, otherwise a transport message to
// decrypt and queue for ReadCleartext. If the handshake is still in
// progress after reading a handshake flight and this side writes the
// next message, that next flight is produced automatically.
func (a *Adapter) WriteCiphertext(p []byte) error {
	if a.err != nil {
		return a.err
	}
	if !a.handshakeDone {
		if err := a.readHandshakeMessage(p); err != nil {
			return err
		}
		if !a.handshakeDone && a.myWriteTurn() {
			return a.writeHandshakeMessage()
		}
		return nil
	}

	pt, err := a.recv.Decrypt(nil, nil, p)
	if err != nil {
		a.err = err
		return err
	}
	a.outCleartext = append(a.outCleartext, pt)
	return nil
}

// WriteCiphertextReady reports whether decrypted transport data is
// ready for ReadCleartext.
func (a *Adapter) WriteCiphertextReady() bool {
	return len(a.outCleartext) > 0
}

// ReadCleartext pulls the next decrypted transport message into buf.
func (a *Adapter) ReadCleartext(buf []byte) (int, error) {
	if len(a.outCleartext) == 0 {
		if a.err != nil {
			return 0, a.err
		}
		return 0, ssladapter.ErrShouldRetry
	}
	pt := a.outCleartext[0]
	a.outCleartext = a.outCleartext[1:]
	n := copy(buf, pt)
	return n, nil
}
