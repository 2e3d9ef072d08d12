package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisibleInRequiresCreationAtOrBeforeTx(t *testing.T) {
	h := NewCreated(10)
	require.False(t, h.VisibleIn(9))
	require.True(t, h.VisibleIn(10))
	require.True(t, h.VisibleIn(11))
}

func TestAlwaysVisibleIgnoresCreationID(t *testing.T) {
	h := NewAlwaysVisible()
	require.True(t, h.VisibleIn(0))
	require.True(t, h.VisibleIn(1<<62))
}

func TestDeletionHidesFromDeletionIDOnward(t *testing.T) {
	h := NewCreated(10).MarkDeleted(20)
	require.False(t, h.VisibleIn(9))
	require.True(t, h.VisibleIn(15))
	require.False(t, h.VisibleIn(20))
	require.False(t, h.VisibleIn(25))
}

func TestAlwaysDeletedHidesRegardlessOfCreation(t *testing.T) {
	h := NewAlwaysVisible().MarkAlwaysDeleted()
	require.False(t, h.VisibleIn(0))
	require.False(t, h.VisibleIn(1<<62))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := NewCreated(42).MarkDeleted(99)
	buf := make([]byte, Len)
	n := Encode(buf, h)
	require.Equal(t, Len, n)

	got := Decode(buf)
	require.Equal(t, h, got)
}

func TestEncodeDecodeRoundTripAlwaysFlags(t *testing.T) {
	h := NewAlwaysVisible().MarkAlwaysDeleted()
	buf := make([]byte, Len)
	Encode(buf, h)
	require.Equal(t, h, Decode(buf))
}
