// Package sslref is a reference binding of ssladapter.Adapter onto
// crypto/tls, the way package stack's tests bind it onto an in-memory
// loopback: a pair of goroutines drive a real *tls.Conn over an
// in-process pipe, translating its blocking Read/Write/Handshake calls
// into the engine's non-blocking, queue-based adapter contract.
//
// Concrete SSL/TLS bindings are explicitly out of stack.Engine's scope;
// this package exists so a caller has a real, usable one rather than
// only the test fake.
package sslref

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/relstack/ssladapter"
)

const (
	cleartextQueueDepth  = 16
	ciphertextQueueDepth = 16
)

// pipeConn is the in-process net.Conn the *tls.Conn transports its
// ciphertext records over: writes hand a record to TLSAdapter's
// outgoing ciphertext queue, reads pull one off the incoming queue.
type pipeConn struct {
	adapter *TLSAdapter
}

func (p *pipeConn) Read(b []byte) (int, error) {
	buf, ok := <-p.adapter.ciphertextIn
	if !ok {
		return 0, io.EOF
	}
	n := copy(b, buf)
	return n, nil
}

func (p *pipeConn) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case p.adapter.ciphertextOut <- cp:
		return len(b), nil
	case <-p.adapter.closed:
		return 0, net.ErrClosed
	}
}

func (p *pipeConn) Close() error                       { return nil }
func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) SetDeadline(time.Time) error         { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error     { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error    { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// TLSConn is the subset of *tls.Conn TLSAdapter drives; satisfied by
// *tls.Conn itself, constructed via tls.Server or tls.Client.
type TLSConn interface {
	Handshake() error
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// TLSConnFactory builds the TLSConn over the ciphertext transport conn,
// e.g. func(c net.Conn) TLSConn { return tls.Server(c, cfg) }.
type TLSConnFactory func(transport net.Conn) TLSConn

// TLSAdapter is an ssladapter.Adapter backed by a real TLSConn.
type TLSAdapter struct {
	conn TLSConn

	ciphertextIn  chan []byte
	ciphertextOut chan []byte
	cleartextIn   chan []byte
	cleartextOut  chan []byte

	closed   chan struct{}
	closeSet sync.Once

	errMu sync.Mutex
	err   error

	// pending holds the tail of a decrypted chunk ReadCleartext could not
	// fit into the caller's buffer on a previous call, to be drained
	// before pulling the next chunk off cleartextOut so chunks are never
	// reordered.
	pending []byte

	log *log.Entry
}

var _ ssladapter.Adapter = (*TLSAdapter)(nil)

// NewTLSAdapter builds a TLSAdapter, constructing the underlying
// TLSConn over an in-process pipe via factory.
func NewTLSAdapter(factory TLSConnFactory) *TLSAdapter {
	a := &TLSAdapter{
		ciphertextIn:  make(chan []byte, ciphertextQueueDepth),
		ciphertextOut: make(chan []byte, ciphertextQueueDepth),
		cleartextIn:   make(chan []byte, cleartextQueueDepth),
		cleartextOut:  make(chan []byte, cleartextQueueDepth),
		closed:        make(chan struct{}),
		log:           log.WithField("component", "sslref"),
	}
	a.conn = factory(&pipeConn{adapter: a})
	return a
}

func (a *TLSAdapter) setErr(err error) {
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
	a.closeSet.Do(func() { close(a.closed) })
}

func (a *TLSAdapter) getErr() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// StartHandshake begins the handshake on a background goroutine, then
// spawns the reader loop that keeps draining decrypted application
// data into cleartextOut for the lifetime of the session.
func (a *TLSAdapter) StartHandshake() error {
	go a.writerLoop()
	go func() {
		if err := a.conn.Handshake(); err != nil {
			a.log.WithError(err).Warn("tls handshake failed")
			a.setErr(err)
			return
		}
		a.readerLoop()
	}()
	return nil
}

// writerLoop serializes cleartextIn onto the TLSConn, which in turn
// produces ciphertext records on the pipeConn write side.
func (a *TLSAdapter) writerLoop() {
	for buf := range a.cleartextIn {
		if _, err := a.conn.Write(buf); err != nil {
			a.log.WithError(err).Warn("tls write failed")
			a.setErr(err)
			return
		}
	}
}

// readerLoop blocks on TLSConn.Read, handing each chunk of decrypted
// application data to cleartextOut.
func (a *TLSAdapter) readerLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case a.cleartextOut <- chunk:
			case <-a.closed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.log.WithError(err).Warn("tls read failed")
			}
			a.setErr(err)
			return
		}
	}
}

// WriteCleartext enqueues buf for the writer loop to feed into the
// TLSConn. It never blocks: a full queue is reported as ErrShouldRetry.
func (a *TLSAdapter) WriteCleartext(p []byte) (int, error) {
	if err := a.getErr(); err != nil {
		return 0, err
	}
	cp := append([]byte(nil), p...)
	select {
	case a.cleartextIn <- cp:
		return len(p), nil
	default:
		return 0, ssladapter.ErrShouldRetry
	}
}

// ReadCiphertextReady reports whether the TLSConn has produced a
// ciphertext record ready to transmit.
func (a *TLSAdapter) ReadCiphertextReady() bool {
	return len(a.ciphertextOut) > 0
}

// ReadCiphertext pulls the next ciphertext record.
func (a *TLSAdapter) ReadCiphertext() ([]byte, error) {
	select {
	case buf := <-a.ciphertextOut:
		return buf, nil
	default:
		if err := a.getErr(); err != nil {
			return nil, err
		}
		return nil, ssladapter.ErrShouldRetry
	}
}

// WriteCiphertext feeds one received ciphertext record into the
// TLSConn's read side.
func (a *TLSAdapter) WriteCiphertext(p []byte) error {
	if err := a.getErr(); err != nil {
		return err
	}
	cp := append([]byte(nil), p...)
	select {
	case a.ciphertextIn <- cp:
		return nil
	case <-a.closed:
		return a.getErr()
	}
}

// WriteCiphertextReady reports whether decrypted application data is
// ready to be pulled via ReadCleartext.
func (a *TLSAdapter) WriteCiphertextReady() bool {
	return len(a.cleartextOut) > 0
}

// ReadCleartext pulls the next chunk of decrypted application data,
// draining any leftover from a previous short buf first so chunks are
// never reordered.
func (a *TLSAdapter) ReadCleartext(buf []byte) (int, error) {
	if len(a.pending) > 0 {
		n := copy(buf, a.pending)
		a.pending = a.pending[n:]
		return n, nil
	}

	select {
	case chunk := <-a.cleartextOut:
		n := copy(buf, chunk)
		if n < len(chunk) {
			// buf was smaller than the decrypted chunk; rare given
			// framedesc sizing but handled by holding the remainder for
			// the next call instead of requeuing it behind newer chunks.
			a.pending = append([]byte(nil), chunk[n:]...)
		}
		return n, nil
	default:
		if err := a.getErr(); err != nil {
			return 0, err
		}
		return 0, ssladapter.ErrShouldRetry
	}
}
