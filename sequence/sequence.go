// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package sequence implements monsoon's Sequence: a monotone ID allocator
// durable across restarts, with a batched in-memory cache that amortises
// the cost of a WAL commit over many allocations.
package sequence

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/monsoon-db/txfile/internal/bserr"
)

// magic identifies a valid sequence header on disk. It is distinct from the
// txfile front header's magic so the two can never be mistaken for one
// another if an offset is passed incorrectly.
var magic = [8]byte{0x53, 0x45, 0x51, 0x31, 'm', 'o', 'n', 0x00}

const headerLen = 16 // 8-byte magic + 8-byte big-endian counter

// Tx is the minimal transaction surface Sequence needs from its caller's
// transaction type; both TxFile's Transaction and any test stub satisfy it
// directly, avoiding an import cycle back into the txfile package.
type Tx interface {
	ReadAt(off uint64, buf []byte) (int, error)
	WriteAt(off uint64, buf []byte) (int, error)
	Commit() error
}

// Begin opens a new writable Tx. Sequence calls this once in Open to check
// the header magic, and once per on-disk refill.
type Begin func() (Tx, error)

// Sequence is a durable monotone counter with a batched cache.
type Sequence struct {
	begin     Begin
	off       uint64
	cacheSize uint64

	mu         sync.Mutex
	cacheVal   uint64
	cacheAvail uint64
}

// Init writes a fresh sequence header through tx: the magic and an initial
// counter value. cacheSize must be at least 1 and is validated by Open, not
// here, since Init may run before a Sequence has even been constructed.
func Init(tx Tx, off uint64, initial uint64) error {
	var buf [headerLen]byte
	copy(buf[:8], magic[:])
	binary.BigEndian.PutUint64(buf[8:], initial)
	n, err := tx.WriteAt(off, buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("sequence: short write initialising header: %w", bserr.Io)
	}
	return nil
}

// Open validates the on-disk header at off and returns a Sequence that
// allocates IDs in batches of cacheSize.
func Open(begin Begin, off uint64, cacheSize uint64) (*Sequence, error) {
	if cacheSize < 1 {
		return nil, fmt.Errorf("sequence: cache size must be at least 1")
	}

	tx, err := begin()
	if err != nil {
		return nil, err
	}

	var buf [8]byte
	if err := readFull(tx, off, buf[:]); err != nil {
		return nil, err
	}
	if string(buf[:]) != string(magic[:]) {
		return nil, fmt.Errorf("sequence: header magic mismatch: %w", bserr.InvalidMagic)
	}

	return &Sequence{begin: begin, off: off, cacheSize: cacheSize}, nil
}

// Next returns the next value in the sequence, refilling the on-disk
// counter in a batch of cacheSize whenever the in-memory cache runs dry.
// After a crash, any cached-but-unused IDs are simply never handed out
// again: gaps are permitted, strict monotonicity is not broken.
func (s *Sequence) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cacheAvail == 0 {
		tx, err := s.begin()
		if err != nil {
			return 0, err
		}

		var buf [8]byte
		if err := readFull(tx, s.off+8, buf[:]); err != nil {
			return 0, err
		}
		counter := binary.BigEndian.Uint64(buf[:])

		var writeBack [8]byte
		binary.BigEndian.PutUint64(writeBack[:], counter+s.cacheSize)
		n, err := tx.WriteAt(s.off+8, writeBack[:])
		if err != nil {
			return 0, err
		}
		if n != len(writeBack) {
			return 0, fmt.Errorf("sequence: short write refilling counter: %w", bserr.Io)
		}

		if err := tx.Commit(); err != nil {
			return 0, err
		}

		s.cacheVal = counter
		s.cacheAvail = s.cacheSize
	}

	v := s.cacheVal
	s.cacheVal++
	s.cacheAvail--
	return v, nil
}

func readFull(tx Tx, off uint64, buf []byte) error {
	for filled := 0; filled < len(buf); {
		n, err := tx.ReadAt(off+uint64(filled), buf[filled:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("sequence: short read at offset %d: %w", off, bserr.Io)
		}
		filled += n
	}
	return nil
}
