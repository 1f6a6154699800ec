// Package ackstore implements the ACK tracker: a bounded, ordered set of
// received sequence ids awaiting acknowledgement back to the peer. It is
// backed by an ordered btree rather than a plain ring buffer so draining
// ids in ascending order (the FIFO discipline spec.md requires) and
// checking membership are both cheap regardless of arrival order.
package ackstore

import (
	"github.com/google/btree"

	"github.com/dtn7/relstack/reliable"
)

// Tracker is a bounded FIFO of recv ids awaiting transmission back to
// the peer. Capacity is maxAckList; Add reports when the tracker has
// grown past capacity so the caller can force a standalone ACK drain.
type Tracker struct {
	tree *btree.BTreeG[reliable.SeqID]
	cap  int
}

// New returns an empty Tracker with the given capacity.
func New(capacity int) *Tracker {
	return &Tracker{
		tree: btree.NewG(32, func(a, b reliable.SeqID) bool { return a < b }),
		cap:  capacity,
	}
}

// Add records id as awaiting acknowledgement. It reports true if, after
// adding, the tracker holds more than its capacity — the caller should
// respond by forcing standalone ACK emission to drain it back down
// (§4.6's overflow handling).
func (t *Tracker) Add(id reliable.SeqID) (overflowed bool) {
	t.tree.ReplaceOrInsert(id)
	return t.tree.Len() > t.cap
}

// Len returns the number of ids currently awaiting acknowledgement.
func (t *Tracker) Len() int {
	return t.tree.Len()
}

// Empty reports whether the tracker holds no ids.
func (t *Tracker) Empty() bool {
	return t.tree.Len() == 0
}

// Drain removes and returns up to n ids in ascending (oldest-first)
// order. Passing a non-positive n drains every id.
func (t *Tracker) Drain(n int) []reliable.SeqID {
	if n <= 0 {
		n = t.tree.Len()
	}
	out := make([]reliable.SeqID, 0, n)
	for len(out) < n && t.tree.Len() > 0 {
		min, ok := t.tree.Min()
		if !ok {
			break
		}
		t.tree.Delete(min)
		out = append(out, min)
	}
	return out
}

// Peek returns up to n ids in ascending order without removing them,
// for encapsulate's opportunistic ACK piggybacking.
func (t *Tracker) Peek(n int) []reliable.SeqID {
	if n <= 0 || n > t.tree.Len() {
		n = t.tree.Len()
	}
	out := make([]reliable.SeqID, 0, n)
	t.tree.Ascend(func(id reliable.SeqID) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, id)
		return true
	})
	return out
}

// Remove drops id from the tracker without requiring it be the
// minimum, used once a piggybacked ACK for id is known to have been
// transmitted.
func (t *Tracker) Remove(id reliable.SeqID) {
	t.tree.Delete(id)
}
