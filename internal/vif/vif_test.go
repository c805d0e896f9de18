package vif

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableAddLookup(t *testing.T) {
	tbl := NewTable(4)
	v := New(0, "eth0", netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, tbl.Add(v))

	got, err := tbl.ByIndex(0)
	require.NoError(t, err)
	require.Equal(t, v, got)

	got, err = tbl.ByName("eth0")
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestTableRejectsOutOfRangeIndex(t *testing.T) {
	tbl := NewTable(2)
	v := New(5, "eth0", netip.MustParseAddr("10.0.0.1"))
	require.ErrorIs(t, tbl.Add(v), ErrIndexOutOfRange)
}

func TestTableRejectsDuplicate(t *testing.T) {
	tbl := NewTable(4)
	require.NoError(t, tbl.Add(New(0, "eth0", netip.MustParseAddr("10.0.0.1"))))
	require.ErrorIs(t, tbl.Add(New(0, "eth1", netip.MustParseAddr("10.0.0.2"))), ErrVifExists)
	require.ErrorIs(t, tbl.Add(New(1, "eth0", netip.MustParseAddr("10.0.0.3"))), ErrVifExists)
}

func TestRemoveUnknown(t *testing.T) {
	tbl := NewTable(4)
	require.ErrorIs(t, tbl.Remove(0), ErrUnknownVif)
}

func TestOwnsAddress(t *testing.T) {
	v := New(0, "eth0", netip.MustParseAddr("10.0.0.1"))
	v.SecondaryAddress = []netip.Addr{netip.MustParseAddr("10.0.0.2")}
	require.True(t, v.OwnsAddress(netip.MustParseAddr("10.0.0.1")))
	require.True(t, v.OwnsAddress(netip.MustParseAddr("10.0.0.2")))
	require.False(t, v.OwnsAddress(netip.MustParseAddr("10.0.0.3")))
}

func TestAllOrderedByIndex(t *testing.T) {
	tbl := NewTable(4)
	require.NoError(t, tbl.Add(New(2, "eth2", netip.MustParseAddr("10.0.2.1"))))
	require.NoError(t, tbl.Add(New(0, "eth0", netip.MustParseAddr("10.0.0.1"))))
	all := tbl.All()
	require.Len(t, all, 2)
	require.Equal(t, 0, all[0].Index)
	require.Equal(t, 2, all[1].Index)
}
