// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package record implements monsoon's TxAwareRecord: the fixed 20-byte
// header prefixed to every MVCC record in the B-tree layered above this
// storage core, encoding the commit IDs at which the record became visible
// and, if ever deleted, invisible again.
package record

import "encoding/binary"

// Len is the on-disk size of a Header in bytes.
const Len = 20

const (
	flagCreationPresent uint32 = 1 << 0
	flagCreationAlways  uint32 = 1 << 1
	flagDeletionPresent uint32 = 1 << 2
	flagDeletionAlways  uint32 = 1 << 3
)

// Header is the MVCC visibility prefix: creation/deletion commit IDs plus
// the flag bits that let a higher layer mark a record as trivially visible
// or invisible without any ID comparison.
type Header struct {
	CreationID uint64
	DeletionID uint64

	CreationPresent bool
	CreationAlways  bool
	DeletionPresent bool
	DeletionAlways  bool
}

// NewCreated returns a header for a record created by commit id id, visible
// from that commit onward, not yet deleted.
func NewCreated(id uint64) Header {
	return Header{CreationID: id, CreationPresent: true}
}

// NewAlwaysVisible returns a header visible to every transaction unless
// later deleted, with no creation ID to compare against.
func NewAlwaysVisible() Header {
	return Header{CreationAlways: true}
}

// MarkDeleted returns a copy of h recording a deletion at commit id id.
func (h Header) MarkDeleted(id uint64) Header {
	h.DeletionID = id
	h.DeletionPresent = true
	return h
}

// MarkAlwaysDeleted returns a copy of h that is invisible to every
// transaction, regardless of creation.
func (h Header) MarkAlwaysDeleted() Header {
	h.DeletionAlways = true
	return h
}

// VisibleIn reports whether the record is visible to a transaction reading
// at commit id txID:
//
//	(creation_always OR (creation_present AND creation_id <= tx_id))
//	AND NOT (deletion_always OR (deletion_present AND deletion_id <= tx_id))
func (h Header) VisibleIn(txID uint64) bool {
	created := h.CreationAlways || (h.CreationPresent && h.CreationID <= txID)
	if !created {
		return false
	}
	deleted := h.DeletionAlways || (h.DeletionPresent && h.DeletionID <= txID)
	return !deleted
}

func (h Header) flags() uint32 {
	var f uint32
	if h.CreationPresent {
		f |= flagCreationPresent
	}
	if h.CreationAlways {
		f |= flagCreationAlways
	}
	if h.DeletionPresent {
		f |= flagDeletionPresent
	}
	if h.DeletionAlways {
		f |= flagDeletionAlways
	}
	return f
}

// Encode writes h's on-disk representation into dst, which must be at least
// Len bytes long, and returns the number of bytes written (always Len).
func Encode(dst []byte, h Header) int {
	binary.BigEndian.PutUint64(dst[0:8], h.CreationID)
	binary.BigEndian.PutUint64(dst[8:16], h.DeletionID)
	binary.BigEndian.PutUint32(dst[16:20], h.flags())
	return Len
}

// Decode reads a Header from buf, which must be at least Len bytes long.
func Decode(buf []byte) Header {
	f := binary.BigEndian.Uint32(buf[16:20])
	return Header{
		CreationID:      binary.BigEndian.Uint64(buf[0:8]),
		DeletionID:      binary.BigEndian.Uint64(buf[8:16]),
		CreationPresent: f&flagCreationPresent != 0,
		CreationAlways:  f&flagCreationAlways != 0,
		DeletionPresent: f&flagDeletionPresent != 0,
		DeletionAlways:  f&flagDeletionAlways != 0,
	}
}
