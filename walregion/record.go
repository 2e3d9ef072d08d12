// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walregion

import (
	"encoding/binary"
	"fmt"

	"github.com/monsoon-db/txfile/internal/bserr"
)

// Kind tags a WalRecord variant, matching the on-disk wire table exactly.
type Kind byte

const (
	KindEnd                   Kind = 0
	KindCommit                Kind = 1
	KindInvalidatePreviousWal Kind = 2
	KindWrite                 Kind = 10
	KindResize                Kind = 11
	KindCopy                  Kind = 20
)

// txIDMask keeps tx_id within its 24-bit wire width, packed into the low
// bits of a 32-bit field.
const txIDMask = 0x00FFFFFF

// MaxTxID is the largest transaction id representable on the wire.
const MaxTxID = txIDMask

// maxRecordPayload bounds a single Write record's byte payload so a
// corrupt length field can't cause an unbounded allocation during replay.
const maxRecordPayload = 64 << 20

// Record is the WalRecord tagged union. Only the fields relevant to Kind
// are meaningful.
type Record struct {
	Kind    Kind
	TxID    uint32 // low 24 bits significant
	Offset  uint64 // Write.offset, Copy.src
	Dst     uint64 // Copy.dst
	NewSize uint64 // Resize.new_size
	Length  uint64 // Copy.len (Write's length is len(Bytes))
	Bytes   []byte // Write.bytes
}

// headerLen is the 1-byte kind tag every record starts with.
const headerLen = 1

// Encode appends the wire encoding of r to dst and returns the extended
// slice.
func Encode(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Kind))
	switch r.Kind {
	case KindEnd, KindInvalidatePreviousWal:
		// no payload
	case KindCommit:
		dst = appendU32(dst, r.TxID&txIDMask)
	case KindWrite:
		dst = appendU32(dst, r.TxID&txIDMask)
		dst = appendU64(dst, r.Offset)
		dst = appendU32(dst, uint32(len(r.Bytes)))
		dst = append(dst, r.Bytes...)
	case KindResize:
		dst = appendU32(dst, r.TxID&txIDMask)
		dst = appendU64(dst, r.NewSize)
	case KindCopy:
		dst = appendU32(dst, r.TxID&txIDMask)
		dst = appendU64(dst, r.Offset)
		dst = appendU64(dst, r.Dst)
		dst = appendU64(dst, r.Length)
	default:
		panic(fmt.Sprintf("walregion: unknown record kind %d", r.Kind))
	}
	return dst
}

// EncodedLen returns the exact number of bytes Encode would append for r,
// used to check available page space before committing to a write.
func EncodedLen(r Record) int {
	switch r.Kind {
	case KindEnd, KindInvalidatePreviousWal:
		return headerLen
	case KindCommit:
		return headerLen + 4
	case KindWrite:
		return headerLen + 4 + 8 + 4 + len(r.Bytes)
	case KindResize:
		return headerLen + 4 + 8
	case KindCopy:
		return headerLen + 4 + 8 + 8 + 8
	default:
		panic(fmt.Sprintf("walregion: unknown record kind %d", r.Kind))
	}
}

// Decode reads one record from buf starting at 0, returning the record and
// the number of bytes consumed. ErrShortBuffer-like behaviour is signalled
// by returning (Record{}, 0, false, nil): callers should stop parsing and
// treat the page as ending there without error (ran out of buffered bytes,
// not necessarily corruption, since pages are fixed-size and the tail past
// the logical end is unused space).
func Decode(buf []byte) (rec Record, n int, ok bool, err error) {
	if len(buf) < headerLen {
		return Record{}, 0, false, nil
	}
	kind := Kind(buf[0])
	switch kind {
	case KindEnd, KindInvalidatePreviousWal:
		return Record{Kind: kind}, headerLen, true, nil
	case KindCommit:
		if len(buf) < headerLen+4 {
			return Record{}, 0, false, nil
		}
		txID := readU32(buf[headerLen:])
		return Record{Kind: kind, TxID: txID}, headerLen + 4, true, nil
	case KindWrite:
		if len(buf) < headerLen+4+8+4 {
			return Record{}, 0, false, nil
		}
		off := headerLen
		txID := readU32(buf[off:])
		off += 4
		woff := readU64(buf[off:])
		off += 8
		length := readU32(buf[off:])
		off += 4
		if length > maxRecordPayload {
			return Record{}, 0, false, fmt.Errorf("walregion: write record length %d exceeds limit: %w", length, bserr.WalCorrupt)
		}
		if len(buf) < off+int(length) {
			return Record{}, 0, false, nil
		}
		bytes := make([]byte, length)
		copy(bytes, buf[off:off+int(length)])
		off += int(length)
		return Record{Kind: kind, TxID: txID, Offset: woff, Bytes: bytes}, off, true, nil
	case KindResize:
		if len(buf) < headerLen+4+8 {
			return Record{}, 0, false, nil
		}
		off := headerLen
		txID := readU32(buf[off:])
		off += 4
		newSize := readU64(buf[off:])
		off += 8
		return Record{Kind: kind, TxID: txID, NewSize: newSize}, off, true, nil
	case KindCopy:
		if len(buf) < headerLen+4+8+8+8 {
			return Record{}, 0, false, nil
		}
		off := headerLen
		txID := readU32(buf[off:])
		off += 4
		src := readU64(buf[off:])
		off += 8
		dst := readU64(buf[off:])
		off += 8
		length := readU64(buf[off:])
		off += 8
		return Record{Kind: kind, TxID: txID, Offset: src, Dst: dst, Length: length}, off, true, nil
	default:
		return Record{}, 0, false, fmt.Errorf("walregion: unknown record kind %d: %w", kind, bserr.WalCorrupt)
	}
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func readU32(buf []byte) uint32 { return binary.BigEndian.Uint32(buf) }
func readU64(buf []byte) uint64 { return binary.BigEndian.Uint64(buf) }
