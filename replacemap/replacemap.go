// Package replacemap implements the in-memory sparse overlay described by
// monsoon's ReplacementMap: an ordered collection of disjoint byte runs
// (offset, bytes) that masks an underlying PositionalFile. Lookups are
// O(log N) on segment count via binary search over a sorted slice; writes go
// through a one-at-a-time WriteTx so uncommitted writes stay invisible to
// reads, matching the "at most one WriteTx may exist per map at a time"
// contract.
//
// Grounded on the replacement_map used by monsoon's txfile implementation.
// The segment-splitting shape mirrors how a WAL keeps its own sorted,
// disjoint run of segment metadata, specialised here to interval overlap
// rather than point lookups; see DESIGN.md for why a plain sorted slice was
// chosen over an ordered tree map for this package.
package replacemap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/monsoon-db/txfile/internal/bserr"
)

// ErrTxInProgress is returned by WriteAt when another WriteTx on the same
// Map has not yet been committed or dropped.
var ErrTxInProgress = errors.New("replacemap: a write transaction is already in progress")

// ErrTxFinalized is returned by Commit when the same WriteTx has already
// been committed or dropped. A repeated Drop is a silent no-op.
var ErrTxFinalized = errors.New("replacemap: write transaction already finalized")

// Segment is a contiguous run of bytes starting at Offset. Within one Map,
// segments are always disjoint and stored in strict ascending offset order.
type Segment struct {
	Offset uint64
	Bytes  []byte
}

// End returns the offset one past the last byte of the segment.
func (s Segment) End() uint64 { return s.Offset + uint64(len(s.Bytes)) }

// Map is a sparse, transactional overlay of byte runs.
type Map struct {
	mu   sync.RWMutex
	segs []Segment // sorted ascending, pairwise disjoint
	inTx bool
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// FromSegments returns a read-only Map wrapping segs directly, without
// copying. The caller must not retain any other reference capable of
// mutating segs afterwards. This is how a point-in-time snapshot of a live
// Map is built: WriteTx.Commit always replaces a Map's segment slice
// wholesale rather than mutating it in place, so a slice obtained from
// Segments (or taken under the Map's own lock) stays valid and immutable
// forever after, even once the live Map has moved on.
func FromSegments(segs []Segment) *Map {
	return &Map{segs: segs}
}

// ReadAt implements the map's read semantics:
//  1. find the first segment whose end is strictly greater than off.
//  2. if none, return 0 and leave the window as the full buffer length.
//  3. if that segment starts at or before off, copy min(len(buf), seg.End()-off)
//     bytes and return that count as both n and window.
//  4. otherwise clamp the window to seg.Offset-off and return n=0: the
//     caller now knows the next `window` bytes are absent from this map and
//     may limit any fallback read to that span so composite reads never
//     cross an overlay boundary.
func (m *Map) ReadAt(off uint64, buf []byte) (n int, window int) {
	segs := m.snapshot()

	idx := sort.Search(len(segs), func(i int) bool { return segs[i].End() > off })
	if idx == len(segs) {
		return 0, len(buf)
	}

	seg := segs[idx]
	if seg.Offset <= off {
		rel := off - seg.Offset
		avail := uint64(len(seg.Bytes)) - rel
		n = len(buf)
		if uint64(n) > avail {
			n = int(avail)
		}
		copy(buf[:n], seg.Bytes[rel:rel+uint64(n)])
		return n, n
	}

	gap := seg.Offset - off
	window = len(buf)
	if uint64(window) > gap {
		window = int(gap)
	}
	return 0, window
}

// Segments returns a snapshot of all segments in ascending offset order.
// The returned slice must not be mutated.
func (m *Map) Segments() []Segment {
	return m.snapshot()
}

// Snapshot returns a frozen, read-only Map holding m's current segments.
// Later writes to m (via WriteAt/Commit) never affect the returned Map.
func (m *Map) Snapshot() *Map {
	return FromSegments(m.snapshot())
}

// Len returns the number of segments currently stored.
func (m *Map) Len() int {
	return len(m.snapshot())
}

func (m *Map) snapshot() []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segs
}

// WriteTx is the pending result of a WriteAt call. Commit applies it
// atomically; Drop discards it. At most one WriteTx may exist per Map
// between a WriteAt call and the matching Commit/Drop.
type WriteTx struct {
	m      *Map
	result []Segment
	done   bool
}

// WriteAt prepares a WriteTx that, on Commit, makes [off, off+len(bytes))
// read as bytes.
//
// If mayReplace is true, any pre-existing segments overlapping the range
// are split at the range's endpoints so that strictly-outside bytes survive,
// and the range itself is fully replaced.
//
// If mayReplace is false, only gaps in the range not already covered by a
// segment are filled; pre-existing bytes inside the range are left alone.
func (m *Map) WriteAt(off uint64, bytes []byte, mayReplace bool) (*WriteTx, error) {
	end := off + uint64(len(bytes))
	if end < off {
		return nil, fmt.Errorf("replacemap: write_at(%d, len=%d): %w", off, len(bytes), bserr.Overflow)
	}

	m.mu.Lock()
	if m.inTx {
		m.mu.Unlock()
		return nil, ErrTxInProgress
	}
	m.inTx = true
	base := m.segs
	m.mu.Unlock()

	owned := make([]byte, len(bytes))
	copy(owned, bytes)

	var result []Segment
	if mayReplace {
		result = computeReplacingWrite(base, off, owned)
	} else {
		result = computeGapFillingWrite(base, off, owned)
	}

	return &WriteTx{m: m, result: result}, nil
}

// Commit atomically installs the transaction's segments, making them
// visible to subsequent reads.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return ErrTxFinalized
	}
	tx.m.mu.Lock()
	tx.m.segs = tx.result
	tx.m.inTx = false
	tx.m.mu.Unlock()
	tx.done = true
	return nil
}

// Drop discards the transaction without applying it.
func (tx *WriteTx) Drop() {
	if tx.done {
		return
	}
	tx.m.mu.Lock()
	tx.m.inTx = false
	tx.m.mu.Unlock()
	tx.done = true
}

func computeReplacingWrite(base []Segment, off uint64, bytes []byte) []Segment {
	end := off + uint64(len(bytes))
	newSeg := Segment{Offset: off, Bytes: bytes}

	result := make([]Segment, 0, len(base)+2)
	i := 0
	for i < len(base) && base[i].End() <= off {
		result = append(result, base[i])
		i++
	}

	var rightTail *Segment
	for i < len(base) && base[i].Offset < end {
		s := base[i]
		if s.Offset < off {
			result = append(result, Segment{Offset: s.Offset, Bytes: s.Bytes[:off-s.Offset]})
		}
		if s.End() > end {
			rightTail = &Segment{Offset: end, Bytes: s.Bytes[end-s.Offset:]}
		}
		i++
	}

	result = append(result, newSeg)
	if rightTail != nil {
		result = append(result, *rightTail)
	}
	result = append(result, base[i:]...)
	return result
}

func computeGapFillingWrite(base []Segment, off uint64, bytes []byte) []Segment {
	end := off + uint64(len(bytes))

	result := make([]Segment, 0, len(base)+2)
	cursor := off
	i := 0
	for i < len(base) && cursor < end {
		s := base[i]
		if s.End() <= cursor {
			result = append(result, s)
			i++
			continue
		}
		if s.Offset > cursor {
			gapEnd := s.Offset
			if gapEnd > end {
				gapEnd = end
			}
			result = append(result, Segment{Offset: cursor, Bytes: bytes[cursor-off : gapEnd-off]})
			cursor = gapEnd
			if cursor >= end {
				result = append(result, s)
				i++
				continue
			}
		}
		// s now overlaps [cursor, end) starting at or before cursor; keep it as-is.
		result = append(result, s)
		if s.End() > cursor {
			cursor = s.End()
		}
		i++
	}
	if cursor < end {
		result = append(result, Segment{Offset: cursor, Bytes: bytes[cursor-off : end-off]})
	}
	result = append(result, base[i:]...)

	sort.Slice(result, func(a, b int) bool { return result[a].Offset < result[b].Offset })
	return result
}
