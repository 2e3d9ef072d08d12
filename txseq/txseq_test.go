package txseq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monsoon-db/txfile/replacemap"
)

func undoOf(t *testing.T, off uint64, bytes []byte) *replacemap.Map {
	m := replacemap.New()
	tx, err := m.WriteAt(off, bytes, true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return m
}

func TestOlderReaderSeesPreCommitBytes(t *testing.T) {
	s := New()

	reader := s.Begin(nil)

	writer := s.Begin(nil)
	writer.Commit(undoOf(t, 10, []byte("old-bytes!")))

	buf := make([]byte, 10)
	n, _ := reader.ReadAt(10, buf)
	require.Equal(t, 10, n)
	require.Equal(t, "old-bytes!", string(buf))

	reader.Drop()
}

func TestNewerReaderDoesNotSeeOlderCommit(t *testing.T) {
	s := New()

	writer := s.Begin(nil)
	writer.Commit(undoOf(t, 10, []byte("old-bytes!")))

	reader := s.Begin(nil)
	buf := make([]byte, 10)
	n, window := reader.ReadAt(10, buf)
	require.Equal(t, 0, n)
	require.Equal(t, 10, window)

	reader.Drop()
}

func TestReaderSeesMultipleLaterCommitsInOrder(t *testing.T) {
	s := New()

	reader := s.Begin(nil)

	w1 := s.Begin(nil)
	w1.Commit(undoOf(t, 0, []byte("first-8b")))

	w2 := s.Begin(nil)
	w2.Commit(undoOf(t, 0, []byte("second-8")))

	buf := make([]byte, 8)
	n, _ := reader.ReadAt(0, buf)
	require.Equal(t, 8, n)
	// Both commits landed after the reader began. ReadAt walks forward from
	// the reader's own position in commit order, so it reaches w1's undo
	// (what existed right before w1's commit, i.e. the reader's own view)
	// before w2's, and the first hit wins.
	require.Equal(t, "first-8b", string(buf))

	reader.Drop()
}

func TestDropDoesNotExposeChange(t *testing.T) {
	s := New()
	reader := s.Begin(nil)

	aborted := s.Begin(nil)
	aborted.Drop()

	buf := make([]byte, 4)
	n, window := reader.ReadAt(0, buf)
	require.Equal(t, 0, n)
	require.Equal(t, 4, window)

	reader.Drop()
}

func TestMaintenanceReclaimsFrontCommittedRecords(t *testing.T) {
	s := New()

	w1 := s.Begin(nil)
	w1.Commit(undoOf(t, 0, []byte("a")))
	require.Equal(t, 0, s.Len(), "no active reader predates w1, so it should be reclaimed immediately")

	reader := s.Begin(nil)
	w2 := s.Begin(nil)
	w2.Commit(undoOf(t, 0, []byte("b")))
	require.Equal(t, 2, s.Len(), "reader still predates w2's commit, so both stay")

	reader.Drop()
	require.Equal(t, 0, s.Len(), "once the only older reader drops, w2's committed record is reclaimed")
}
