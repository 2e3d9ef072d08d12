// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walregion

import "encoding/binary"

// pageHeaderLen is the fixed 8-byte page header: a big-endian monotone page
// sequence number. Records follow densely after it.
const pageHeaderLen = 8

// minPageLen is the smallest usable page: header + a single End record.
const minPageLen = pageHeaderLen + headerLen

func encodePageHeader(seq uint64) []byte {
	var b [pageHeaderLen]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodePageSeq(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf[:pageHeaderLen])
}

// scannedPage is the result of replaying one page's record stream.
type scannedPage struct {
	seq         uint64
	wellFormed  bool // saw an End before corruption or running out of space
	endCursor   int  // byte offset (relative to page body start, i.e. after the header) of the End record
	invalidated bool // saw InvalidatePreviousWal as the first record
	records     []Record
}

// scanPage parses a page's body (everything after the 8-byte header) into
// its record stream, stopping at the first End record. It never returns an
// error for running out of buffered bytes (that's just unused tail space);
// it returns an error only for a decode failure that indicates corruption
// mid-stream: a page is "well-formed" only once it has been scanned up to
// a terminating End record.
func scanPage(seq uint64, body []byte) (scannedPage, error) {
	sp := scannedPage{seq: seq}
	pos := 0
	for pos < len(body) {
		rec, n, ok, err := Decode(body[pos:])
		if err != nil {
			// Corruption mid-stream: whatever we decoded so far stands, but
			// this page is not well-formed.
			return sp, err
		}
		if !ok {
			// Ran out of buffered bytes before a terminating End: treat as
			// not-well-formed but not an error (could just be unused tail).
			return sp, nil
		}
		if pos == 0 && rec.Kind == KindInvalidatePreviousWal {
			sp.invalidated = true
		}
		if rec.Kind == KindEnd {
			sp.wellFormed = true
			sp.endCursor = pos
			return sp, nil
		}
		sp.records = append(sp.records, rec)
		pos += n
	}
	return sp, nil
}
