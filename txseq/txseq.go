// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package txseq implements monsoon's TxSequencer: the structure that lets a
// transaction started before another transaction's commit still observe the
// bytes as they were at the older transaction's start, by keeping each
// commit's undo map reachable from every reader that predates it.
package txseq

import (
	"container/list"
	"sync"

	"github.com/monsoon-db/txfile/replacemap"
)

// record is one entry in the sequencer's list: either an active (uncommitted)
// transaction holding its place in start order, or a committed transaction
// carrying the undo map of bytes it overwrote.
type record struct {
	committed bool
	undo      *replacemap.Map
}

// Sequencer tracks the relative order of transactions so that read_at calls
// made through a Tx can discover, for every transaction committed after the
// Tx started, the bytes as they existed immediately before that commit.
type Sequencer struct {
	mu sync.RWMutex
	c  *list.List // of *record
}

// New returns an empty Sequencer.
func New() *Sequencer {
	return &Sequencer{c: list.New()}
}

// Tx is a handle into the sequencer held for the lifetime of one
// transaction. It must be finalised exactly once, via Commit or Drop.
type Tx struct {
	seq  *Sequencer
	elem *list.Element // nil once finalised
}

// Begin registers a new transaction at the tail of the sequence. cb, if
// non-nil, runs while the sequencer lock is held, so the caller can
// atomically pair "note my start position" with another sequenced action
// (e.g. reading the current commit counter).
func (s *Sequencer) Begin(cb func()) *Tx {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb != nil {
		cb()
	}

	elem := s.c.PushBack(&record{})
	return &Tx{seq: s, elem: elem}
}

// ReadAt searches every transaction committed after this Tx began, in the
// order they committed, for a replacement at off. It returns the first
// non-zero result, or (0, window) with window clamped to the narrowest gap
// reported by any of the undo maps it consulted, so a caller chaining this
// onto a further fallback never reads past a replacement it hasn't checked
// yet.
func (tx *Tx) ReadAt(off uint64, buf []byte) (n int, window int) {
	tx.seq.mu.RLock()
	defer tx.seq.mu.RUnlock()

	if tx.elem == nil {
		return 0, len(buf)
	}

	window = len(buf)
	for e := tx.elem; e != nil; e = e.Next() {
		rec := e.Value.(*record)
		if !rec.committed {
			continue
		}
		n, w := rec.undo.ReadAt(off, buf[:window])
		if n > 0 {
			return n, w
		}
		if w < window {
			window = w
		}
	}
	return 0, window
}

// Commit marks this transaction committed, attaches its undo map (the bytes
// it overwrote, as they stood immediately before the commit), and moves its
// record to the tail of the sequence so it is visible to every transaction
// that started before it committed.
func (tx *Tx) Commit(undo *replacemap.Map) {
	tx.seq.mu.Lock()
	defer tx.seq.mu.Unlock()

	if tx.elem == nil {
		return
	}
	tx.seq.c.Remove(tx.elem)

	rec := &record{committed: true, undo: undo}
	tx.elem = tx.seq.c.PushBack(rec)
	tx.elem.Value = rec

	tx.seq.doMaintenanceLocked()
	tx.elem = nil
}

// Drop abandons this transaction (rollback, or a read-only transaction that
// never wrote anything) without exposing any change to other readers.
func (tx *Tx) Drop() {
	tx.seq.mu.Lock()
	defer tx.seq.mu.Unlock()

	if tx.elem == nil {
		return
	}
	tx.seq.c.Remove(tx.elem)
	tx.elem = nil
	tx.seq.doMaintenanceLocked()
}

// doMaintenanceLocked reclaims committed records sitting at the front of the
// sequence: once every still-uncommitted (active) transaction that might
// consult them has either committed past them or dropped out, nothing can
// ever iterate back far enough to reach them again. s.mu must be held for
// writing.
func (s *Sequencer) doMaintenanceLocked() {
	for {
		front := s.c.Front()
		if front == nil {
			return
		}
		rec := front.Value.(*record)
		if !rec.committed {
			return
		}
		s.c.Remove(front)
	}
}

// Len reports the number of tracked records (active plus retained
// committed), for tests and diagnostics.
func (s *Sequencer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.Len()
}
