// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/monsoon-db/txfile"
)

var bucketName = []byte("bench")

func BenchmarkCommit(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}
	batchSizes := []int{1, 10}

	for i, sz := range sizes {
		for _, batch := range batchSizes {
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d/v=TxFile", sizeNames[i], batch), func(b *testing.B) {
				f, done := openTxFile(b)
				defer done()
				runTxFileBench(b, f, sz, batch)
			})
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d/v=bbolt", sizeNames[i], batch), func(b *testing.B) {
				db, done := openBolt(b)
				defer done()
				runBoltBench(b, db, sz, batch)
			})
		}
	}
}

func openTxFile(b *testing.B) (*txfile.TxFile, func()) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.db")
	f, err := txfile.Create(path, 0, 16<<20)
	require.NoError(b, err)
	return f, func() { f.Close() }
}

func runTxFileBench(b *testing.B, f *txfile.TxFile, entrySize, batchSize int) {
	entry := make([]byte, entrySize)
	off := uint64(0)

	b.SetBytes(int64(entrySize * batchSize))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx, err := f.Begin(false)
		require.NoError(b, err)
		for j := 0; j < batchSize; j++ {
			newOff := off + uint64(entrySize)
			require.NoError(b, tx.Resize(newOff))
			_, err := tx.WriteAt(off, entry)
			require.NoError(b, err)
			off = newOff
		}
		require.NoError(b, tx.Commit())
	}
}

func openBolt(b *testing.B) (*bolt.DB, func()) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.bolt")
	db, err := bolt.Open(path, 0o644, nil)
	require.NoError(b, err)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	require.NoError(b, err)
	return db, func() { db.Close(); os.Remove(path) }
}

func runBoltBench(b *testing.B, db *bolt.DB, entrySize, batchSize int) {
	entry := make([]byte, entrySize)

	b.SetBytes(int64(entrySize * batchSize))
	b.ResetTimer()
	var key uint64
	for i := 0; i < b.N; i++ {
		err := db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketName)
			for j := 0; j < batchSize; j++ {
				k := make([]byte, 8)
				for n := 0; n < 8; n++ {
					k[n] = byte(key >> (8 * (7 - n)))
				}
				if err := bucket.Put(k, entry); err != nil {
					return err
				}
				key++
			}
			return nil
		})
		require.NoError(b, err)
	}
}
