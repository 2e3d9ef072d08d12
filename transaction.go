// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package txfile

import (
	"fmt"

	"github.com/monsoon-db/txfile/internal/bserr"
	"github.com/monsoon-db/txfile/replacemap"
	"github.com/monsoon-db/txfile/txseq"
	"github.com/monsoon-db/txfile/walregion"
)

type txState int

const (
	stateActive txState = iota
	stateCommitted
	stateRolledback
)

// Transaction borrows its owning TxFile for its lifetime. It is not safe
// for concurrent use by multiple goroutines.
//
// committedSnapshot is taken once, at Begin, and frozen for the
// transaction's whole lifetime: ReplacementMap segment slices never mutate
// in place (WalRegion.Commit always installs a brand new slice), so this
// snapshot keeps reading the committed state exactly as it stood when the
// transaction began, regardless of what commits after it. The TxSequencer
// overlay chained behind it (seqTx.ReadAt) covers the one case a frozen
// snapshot can't: a WAL rotation that happened after Begin materializes
// committed bytes into the underlying file and can overwrite ranges this
// transaction's snapshot still expects to read as pre-rotation bytes; the
// undo maps recorded at each later commit restore those bytes instead.
type Transaction struct {
	owner             *TxFile
	txID              uint32
	readOnly          bool
	seqTx             *txseq.Tx
	state             txState
	committedSnapshot walregion.Snapshot
}

func (tx *Transaction) checkActive() error {
	tx.owner.mu.RLock()
	closed := tx.owner.closed
	tx.owner.mu.RUnlock()
	if closed {
		if tx.state == stateActive {
			tx.state = stateRolledback
		}
		return bserr.Gone
	}
	if tx.state != stateActive {
		return bserr.BadTransaction
	}
	return nil
}

// ReadAt composes, in order: this transaction's own pending (uncommitted)
// writes, the WalRegion committed overlay, the TxSequencer undo overlays,
// and the underlying file. Reads never cross an overlay boundary.
func (tx *Transaction) ReadAt(off uint64, buf []byte) (int, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}

	n, window := tx.owner.wal.ReadPending(tx.txID, off, buf)
	if n > 0 {
		return n, nil
	}

	sub := buf[:window]
	return tx.owner.wal.ReadAtSnapshot(tx.committedSnapshot, off, sub, tx.seqTx.ReadAt)
}

// WriteAt appends to the transaction's staging overlay and emits a pending
// WAL Write record.
func (tx *Transaction) WriteAt(off uint64, bytes []byte) (int, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	if tx.readOnly {
		return 0, bserr.ReadOnlyTx
	}
	if err := tx.owner.wal.StageWrite(tx.txID, off, bytes); err != nil {
		return 0, err
	}
	return len(bytes), nil
}

// WriteAtMany writes the same bytes to every offset in offs, as a single
// logical operation spanning multiple WAL records.
func (tx *Transaction) WriteAtMany(offs []uint64, bytes []byte) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.readOnly {
		return bserr.ReadOnlyTx
	}
	for _, off := range offs {
		if err := tx.owner.wal.StageWrite(tx.txID, off, bytes); err != nil {
			return err
		}
	}
	return nil
}

// Copy stages an in-file copy of length bytes from src to dst. It is
// recorded on the wire as an equivalent Write rather than a literal Copy
// record (see walregion.Region.StageCopy).
func (tx *Transaction) Copy(dst, src, length uint64) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.readOnly {
		return bserr.ReadOnlyTx
	}
	return tx.owner.wal.StageCopy(tx.txID, src, dst, length, tx.ReadAt)
}

// Resize records a pending logical file size change.
func (tx *Transaction) Resize(newSize uint64) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.readOnly {
		return bserr.ReadOnlyTx
	}
	return tx.owner.wal.StageResize(tx.txID, newSize)
}

// Size returns the transaction-visible file size: this transaction's own
// pending Resize overrides the size frozen in its committedSnapshot. Size
// is read from the snapshot, not the WalRegion's live FileSize, so it
// agrees with ReadAt's own clamp for the whole life of the transaction.
func (tx *Transaction) Size() (uint64, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	if sz, ok := tx.owner.wal.PendingSize(tx.txID); ok {
		return sz, nil
	}
	return tx.committedSnapshot.FileSize(), nil
}

// Commit folds this transaction's pending writes into the WalRegion and
// records the resulting undo map with the TxSequencer so older readers keep
// seeing pre-commit bytes. A read-only transaction commits as a no-op.
//
// The TxSequencer reattach happens inside the WalRegion's own commit
// callback, still under the region's write lock, so it is atomic with
// respect to any concurrent Begin (see TxFile.Begin and Region.Commit).
func (tx *Transaction) Commit() error {
	if err := tx.checkActive(); err != nil {
		return err
	}

	if tx.readOnly {
		tx.seqTx.Drop()
		tx.state = stateCommitted
		return nil
	}

	_, err := tx.owner.wal.Commit(tx.txID, tx.seqTx.ReadAt, func(undo *replacemap.Map) {
		tx.seqTx.Commit(undo)
	})
	if err != nil {
		return fmt.Errorf("txfile: commit failed: %w", err)
	}
	tx.state = stateCommitted
	return nil
}

// Rollback discards this transaction's pending WAL records and staging
// overlay. Dropping a Transaction without calling Commit or Rollback does
// not roll it back: its staged writes stay pending in the WalRegion and are
// carried forward into each new page on rotation, and its TxSequencer
// record stays in place, keeping every later commit's undo map alive. Its
// records never gain a Commit, so recovery on Open discards them.
func (tx *Transaction) Rollback() {
	if tx.state != stateActive {
		return
	}
	tx.owner.wal.Rollback(tx.txID)
	tx.seqTx.Drop()
	tx.state = stateRolledback
}
