// Package stats defines the statistics sink the stack engine reports
// fatal-error counters to, and a default in-process implementation.
package stats

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Kind names a countable event the engine reports.
type Kind int

const (
	// SSLError is incremented whenever the SSL adapter raises a fatal
	// error on either the cleartext or ciphertext side.
	SSLError Kind = iota
	// EncapsulationError is incremented whenever the outer protocol's
	// encapsulate callback raises a fatal error.
	EncapsulationError
)

// String names the Kind for logging.
func (k Kind) String() string {
	switch k {
	case SSLError:
		return "ssl_error"
	case EncapsulationError:
		return "encapsulation_error"
	default:
		return "unknown"
	}
}

// Sink is the injected statistics collaborator. Implementations must be
// safe for concurrent use only insofar as the engine itself is driven
// from a single goroutine; Error may still be called concurrently by an
// application that shares one Sink across several engines.
type Sink interface {
	Error(kind Kind)
}

// Counters is a default Sink that tallies each Kind in memory and logs
// every occurrence at Warn, mirroring the teacher's log.WithFields
// structured-error style.
type Counters struct {
	sslErrors   int64
	encapErrors int64
}

// NewCounters returns an empty Counters sink.
func NewCounters() *Counters {
	return &Counters{}
}

// Error records one occurrence of kind.
func (c *Counters) Error(kind Kind) {
	switch kind {
	case SSLError:
		atomic.AddInt64(&c.sslErrors, 1)
	case EncapsulationError:
		atomic.AddInt64(&c.encapErrors, 1)
	}
	log.WithFields(log.Fields{
		"kind": kind,
	}).Warn("relstack: fatal error reported to statistics sink")
}

// SSLErrors returns the number of SSLError occurrences seen so far.
func (c *Counters) SSLErrors() int64 {
	return atomic.LoadInt64(&c.sslErrors)
}

// EncapsulationErrors returns the number of EncapsulationError
// occurrences seen so far.
func (c *Counters) EncapsulationErrors() int64 {
	return atomic.LoadInt64(&c.encapErrors)
}
