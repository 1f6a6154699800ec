// Package ssladapter defines the contract the stack engine uses to drive
// an opaque streaming SSL/TLS engine. The engine treats an Adapter purely
// as a byte pump with four directional queues; it never inspects
// handshake state or certificates itself. Concrete bindings to a real
// SSL/TLS/Noise library live in package sslref and its subpackages, kept
// separate from the engine per spec.md's "concrete SSL library bindings
// are out of scope" boundary.
package ssladapter

import "errors"

// ErrShouldRetry is the sentinel an Adapter returns from WriteCleartext
// or ReadCleartext to mean "no progress possible right now, try again
// later" — it is not an error condition and must never be wrapped or
// treated as fatal.
var ErrShouldRetry = errors.New("ssladapter: should retry")

// Adapter is a streaming SSL/TLS engine exposing four directional byte
// streams. Any error other than ErrShouldRetry is fatal: the stack
// engine invalidates the session and rethrows.
type Adapter interface {
	// StartHandshake begins the handshake. Subsequent calls to the
	// ciphertext side drive it forward.
	StartHandshake() error

	// WriteCleartext offers cleartext bytes for encryption. It returns
	// the number of bytes accepted, or ErrShouldRetry if backpressured.
	// Partial writes are not expected: the adapter accepts the whole
	// buffer or signals retry.
	WriteCleartext(p []byte) (n int, err error)

	// ReadCiphertextReady reports whether a ciphertext packet produced
	// by the engine (e.g. handshake flight or encrypted app data) is
	// ready to be pulled.
	ReadCiphertextReady() bool

	// ReadCiphertext pulls the next ciphertext packet. Each call
	// returns one outgoing packet's worth of bytes, regardless of
	// whether the underlying engine operates in packet or stream mode.
	ReadCiphertext() ([]byte, error)

	// WriteCiphertext feeds one received ciphertext packet into the
	// engine.
	WriteCiphertext(p []byte) error

	// WriteCiphertextReady reports whether decrypted cleartext is ready
	// to be pulled via ReadCleartext.
	WriteCiphertextReady() bool

	// ReadCleartext decrypts into buf and returns the number of bytes
	// written, or ErrShouldRetry if no cleartext is ready yet.
	ReadCleartext(buf []byte) (n int, err error)
}
