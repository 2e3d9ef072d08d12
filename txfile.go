// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package txfile is monsoon's transactional storage substrate: a
// crash-safe, MVCC-capable, byte-addressable file composed from a
// write-ahead log (walregion.Region) and a per-transaction sequencer
// (txseq.Sequencer).
package txfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	atomicfile "github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/monsoon-db/txfile/internal/bserr"
	"github.com/monsoon-db/txfile/posfile"
	"github.com/monsoon-db/txfile/txseq"
	"github.com/monsoon-db/txfile/walregion"
)

var headerMagic = [15]byte{
	0x17, 0x19, 0x07, 0x0B,
	'M', 'O', 'N', '-', 's', 'o', 'o', 'n', '-', 'd', 'b',
}

const headerLen = 24 // 15-byte magic + 8-byte WAL length + 1 reserved byte

// Option configures a TxFile at Create/Open time.
type Option func(*TxFile)

// WithLogger sets the logger passed through to the underlying WalRegion.
func WithLogger(logger log.Logger) Option {
	return func(f *TxFile) { f.logger = logger }
}

// WithRegisterer sets the Prometheus registerer the WalRegion's metrics
// register against. Defaults to a fresh, private prometheus.Registry so
// that opening several TxFiles in the same process (as tests routinely do)
// never collides on duplicate metric registration.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *TxFile) { f.reg = reg }
}

// TxFile is the public façade composing a WalRegion and a TxSequencer over
// one byte range of one file.
type TxFile struct {
	name    string
	pf      *posfile.File
	off     uint64
	walLen  uint64
	logger  log.Logger
	reg     prometheus.Registerer

	wal *walregion.Region
	seq *txseq.Sequencer

	nextTxID uint32 // atomic; WAL-local transaction ids, distinct from any caller Sequence

	mu     sync.RWMutex
	closed bool
}

func encodeHeader(walLen uint64) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:15], headerMagic[:])
	binary.BigEndian.PutUint64(buf[15:23], walLen)
	return buf
}

func decodeHeader(buf []byte) (walLen uint64, err error) {
	if string(buf[0:15]) != string(headerMagic[:]) {
		return 0, fmt.Errorf("txfile: front header magic mismatch: %w", bserr.InvalidMagic)
	}
	return binary.BigEndian.Uint64(buf[15:23]), nil
}

// Create initialises a brand-new TxFile at name, with a WAL region of walLen
// bytes starting immediately after the 24-byte front header. When off is 0
// (the common case: the TxFile owns the whole of name), the header and both
// empty WAL pages are written via a temp-file-then-rename so a crash during
// creation never leaves a half-written magic or WAL-length behind. For a
// non-zero off (the TxFile is embedded inside a larger, already-existing
// file), atomic whole-file replacement isn't applicable and the region is
// initialised with ordinary positional writes instead.
func Create(name string, off uint64, walLen uint64, opts ...Option) (*TxFile, error) {
	if off == 0 {
		initial := make([]byte, headerLen+walLen)
		copy(initial, encodeHeader(walLen))
		if err := atomicfile.WriteFile(name, bytes.NewReader(initial)); err != nil {
			return nil, err
		}
	}

	pf, err := posfile.Open(name)
	if err != nil {
		return nil, err
	}

	if off != 0 {
		if _, err := pf.WriteAt(int64(off), encodeHeader(walLen)); err != nil {
			pf.Close()
			return nil, err
		}
	}

	f := newTxFile(name, pf, off, walLen, opts)

	wal, err := walregion.Create(pf, off+headerLen, walLen, walOpts(f)...)
	if err != nil {
		pf.Close()
		return nil, err
	}
	f.wal = wal
	f.seq = txseq.New()
	return f, nil
}

// Open recovers an existing TxFile at name, validating the front header and
// replaying the WAL region.
func Open(name string, off uint64, opts ...Option) (*TxFile, error) {
	pf, err := posfile.Open(name)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, headerLen)
	if _, err := pf.ReadAt(int64(off), hdr); err != nil {
		pf.Close()
		return nil, err
	}
	walLen, err := decodeHeader(hdr)
	if err != nil {
		pf.Close()
		return nil, err
	}

	f := newTxFile(name, pf, off, walLen, opts)

	wal, err := walregion.Open(pf, off+headerLen, walLen, walOpts(f)...)
	if err != nil {
		pf.Close()
		return nil, err
	}
	f.wal = wal
	f.seq = txseq.New()
	return f, nil
}

func newTxFile(name string, pf *posfile.File, off, walLen uint64, opts []Option) *TxFile {
	f := &TxFile{
		name:   name,
		pf:     pf,
		off:    off,
		walLen: walLen,
		logger: log.NewNopLogger(),
		reg:    prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func walOpts(f *TxFile) []walregion.Option {
	return []walregion.Option{
		walregion.WithLogger(f.logger),
		walregion.WithRegisterer(f.reg),
	}
}

// Close releases the underlying file handle. Any Transaction still open on
// this TxFile becomes terminal, failing future operations with Gone.
func (f *TxFile) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.pf.Close()
}

// Begin allocates a Transaction that borrows this TxFile for its lifetime.
// If readOnly, write/resize operations on the returned Transaction fail
// with ReadOnlyTx.
func (f *TxFile) Begin(readOnly bool) (*Transaction, error) {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, bserr.Gone
	}

	txID := atomic.AddUint32(&f.nextTxID, 1) & walregion.MaxTxID

	// snap freezes the committed overlay this transaction will read through
	// for its whole lifetime (see the Transaction doc comment). Registering
	// with the sequencer happens inside Snapshot's callback, still under the
	// region's read lock, so no Commit (which folds and reattaches under the
	// region's write lock) can complete in the gap between the two: this tx
	// either predates that commit entirely (snapshot and sequencer position
	// both exclude it) or postdates it entirely (both include it, or the
	// sequencer position lands after its reattached undo record).
	var stx *txseq.Tx
	snap := f.wal.Snapshot(func() {
		stx = f.seq.Begin(nil)
	})

	return &Transaction{
		owner:             f,
		txID:              txID,
		readOnly:          readOnly,
		seqTx:             stx,
		state:             stateActive,
		committedSnapshot: snap,
	}, nil
}
