// Package bserr declares the sentinel error kinds shared by every package in
// this module, following the convention of keeping a small set of
// re-exported error vars at the root of a storage package (ErrNotFound,
// ErrCorrupt, ErrSealed, ErrClosed and similar).
package bserr

import "errors"

var (
	// Io wraps an underlying PositionalFile error. Never returned bare; always
	// wrapped (by fmt.Errorf with %w, or by posfile's own error type) so that
	// errors.Is(err, Io) holds.
	Io = errors.New("txfile: io error")

	// BadTransaction is returned for any operation on a terminal Transaction.
	BadTransaction = errors.New("txfile: transaction is no longer active")

	// ReadOnlyTx is returned for a mutating op on a read-only Transaction.
	ReadOnlyTx = errors.New("txfile: transaction is read-only")

	// WalCorrupt is returned when recovery finds a malformed record before a
	// recognisable End, with no later authoritative page to fall back to.
	WalCorrupt = errors.New("txfile: wal is corrupt")

	// WalFull is returned when a pending transaction does not fit in the WAL
	// page even after rotation.
	WalFull = errors.New("txfile: wal page is full")

	// Overflow is returned when an offset+length computation overflows.
	Overflow = errors.New("txfile: offset+length overflow")

	// InvalidMagic is returned when a front header or sequence header fails
	// its magic check.
	InvalidMagic = errors.New("txfile: invalid magic")

	// Gone is returned by a Transaction whose owning TxFile has been closed.
	Gone = errors.New("txfile: owning txfile is gone")

	// OutOfMemory names a ReplacementMap write that can't allocate its
	// backing segment. No code path in this module returns it: a failed Go
	// allocation panics instead of reporting an error.
	OutOfMemory = errors.New("txfile: out of memory")
)
