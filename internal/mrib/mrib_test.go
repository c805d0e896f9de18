package mrib

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertVisibleOnlyAfterCommit(t *testing.T) {
	tbl := NewTable(8)
	require.NoError(t, tbl.BeginTx(1))
	require.NoError(t, tbl.Insert(1, &Entry{
		DestPrefix: netip.MustParsePrefix("10.1.0.0/16"),
		NextHopVif: 2,
	}))

	_, ok := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.False(t, ok, "uncommitted insert must not be visible")

	require.NoError(t, tbl.Commit(1))
	e, ok := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	require.Equal(t, 2, e.NextHopVif)
}

func TestLongestPrefixWins(t *testing.T) {
	tbl := NewTable(8)
	require.NoError(t, tbl.BeginTx(1))
	require.NoError(t, tbl.Insert(1, &Entry{DestPrefix: netip.MustParsePrefix("10.0.0.0/8"), NextHopVif: 1}))
	require.NoError(t, tbl.Insert(1, &Entry{DestPrefix: netip.MustParsePrefix("10.1.0.0/16"), NextHopVif: 2}))
	require.NoError(t, tbl.Commit(1))

	e, ok := tbl.Lookup(netip.MustParseAddr("10.1.5.5"))
	require.True(t, ok)
	require.Equal(t, 2, e.NextHopVif)

	e, ok = tbl.Lookup(netip.MustParseAddr("10.2.5.5"))
	require.True(t, ok)
	require.Equal(t, 1, e.NextHopVif)
}

func TestAbortDiscardsOps(t *testing.T) {
	tbl := NewTable(8)
	require.NoError(t, tbl.BeginTx(1))
	require.NoError(t, tbl.Insert(1, &Entry{DestPrefix: netip.MustParsePrefix("10.1.0.0/16")}))
	require.NoError(t, tbl.Abort(1))
	require.ErrorIs(t, tbl.Commit(1), ErrUnknownTx)
	require.Equal(t, 0, tbl.Size())
}

func TestCommitUnknownTid(t *testing.T) {
	tbl := NewTable(8)
	require.ErrorIs(t, tbl.Commit(99), ErrUnknownTx)
	require.ErrorIs(t, tbl.Abort(99), ErrUnknownTx)
}

func TestTxCapacityExceeded(t *testing.T) {
	tbl := NewTable(1)
	require.NoError(t, tbl.BeginTx(1))
	require.ErrorIs(t, tbl.BeginTx(2), ErrTxCapacity)
}

func TestNotifyOnCommit(t *testing.T) {
	tbl := NewTable(8)
	var got []netip.Prefix
	tbl.OnCommit(func(changed []netip.Prefix) { got = changed })

	require.NoError(t, tbl.BeginTx(1))
	pfx := netip.MustParsePrefix("10.1.0.0/16")
	require.NoError(t, tbl.Insert(1, &Entry{DestPrefix: pfx}))
	require.NoError(t, tbl.Commit(1))

	require.Equal(t, []netip.Prefix{pfx}, got)
}

func TestRemoveAll(t *testing.T) {
	tbl := NewTable(8)
	require.NoError(t, tbl.BeginTx(1))
	require.NoError(t, tbl.Insert(1, &Entry{DestPrefix: netip.MustParsePrefix("10.1.0.0/16")}))
	require.NoError(t, tbl.Commit(1))
	require.Equal(t, 1, tbl.Size())

	require.NoError(t, tbl.BeginTx(2))
	require.NoError(t, tbl.RemoveAll(2))
	require.NoError(t, tbl.Commit(2))
	require.Equal(t, 0, tbl.Size())
}

func TestReplayIdempotent(t *testing.T) {
	tbl := NewTable(8)
	entry := &Entry{DestPrefix: netip.MustParsePrefix("192.2.2.0/24"), NextHopVif: 3}

	require.NoError(t, tbl.BeginTx(1))
	require.NoError(t, tbl.Insert(1, entry))
	require.NoError(t, tbl.Abort(1))

	require.NoError(t, tbl.BeginTx(1))
	require.NoError(t, tbl.Insert(1, entry))
	require.NoError(t, tbl.Commit(1))

	require.Equal(t, 1, tbl.Size())
	got, ok := tbl.Lookup(netip.MustParseAddr("192.2.2.5"))
	require.True(t, ok)
	require.Equal(t, entry, got)
}
