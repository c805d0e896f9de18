package bsr

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimsmd/internal/timer"
)

func globalZone() ZoneID {
	return ZoneID{Prefix: netip.MustParsePrefix("224.0.0.0/4"), IsScopeZone: false}
}

func TestReceiveBootstrapRejectedOffRPFInterface(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w)
	ok := tbl.ReceiveBootstrap(globalZone(), false, netip.MustParseAddr("10.0.0.1"), 10, 30, 1, nil, time.Minute)
	require.False(t, ok)
}

func TestReceiveBootstrapAdoptsHigherPriority(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w)
	id := globalZone()

	require.True(t, tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.1"), 5, 30, 1, nil, time.Minute))
	require.True(t, tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.2"), 10, 30, 2, nil, time.Minute))

	z, _ := tbl.Get(id)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), z.BSRAddr)
	require.Equal(t, StateAcceptPreferred, z.State)
}

func TestReceiveBootstrapRejectsLowerPriority(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w)
	id := globalZone()

	tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.2"), 10, 30, 1, nil, time.Minute)
	ok := tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.1"), 5, 30, 2, nil, time.Minute)
	require.False(t, ok)

	z, _ := tbl.Get(id)
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), z.BSRAddr)
}

func TestCandidateRPAdvAndHashLookup(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w)
	id := globalZone()
	tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.1"), 10, 30, 1, nil, time.Minute)

	prefix := netip.MustParsePrefix("239.0.0.0/8")
	tbl.ReceiveCandidateRPAdv(id, prefix, netip.MustParseAddr("10.0.0.2"), 1, time.Minute)
	tbl.ReceiveCandidateRPAdv(id, prefix, netip.MustParseAddr("10.0.0.3"), 1, time.Minute)

	rp, ok := tbl.LookupRP(id, netip.MustParseAddr("239.1.1.1"))
	require.True(t, ok)
	require.True(t, rp == netip.MustParseAddr("10.0.0.2") || rp == netip.MustParseAddr("10.0.0.3"))
}

func TestHashRPDeterministic(t *testing.T) {
	candidates := []*RPCandidate{
		{Addr: netip.MustParseAddr("10.0.0.2"), Priority: 1},
		{Addr: netip.MustParseAddr("10.0.0.3"), Priority: 1},
	}
	group := netip.MustParseAddr("239.1.1.1")
	first := HashRP(group, 30, candidates)
	second := HashRP(group, 30, candidates)
	require.Equal(t, first, second)
}

func TestHashRPPriorityBreaksTie(t *testing.T) {
	candidates := []*RPCandidate{
		{Addr: netip.MustParseAddr("10.0.0.2"), Priority: 5},
		{Addr: netip.MustParseAddr("138.0.0.2"), Priority: 1},
	}
	got := HashRP(netip.MustParseAddr("239.1.1.1"), 30, candidates)
	// The two addresses differ only in bit 31, which the mod 2^31 hash
	// discards, so their hashes tie and the lower priority value wins.
	require.Equal(t, candidates[1].Addr, got)
}

func TestLongestMatchingPrefixWins(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w)
	id := globalZone()
	tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.1"), 10, 30, 1, nil, time.Minute)

	tbl.ReceiveCandidateRPAdv(id, netip.MustParsePrefix("239.0.0.0/8"), netip.MustParseAddr("10.0.0.2"), 1, time.Minute)
	tbl.ReceiveCandidateRPAdv(id, netip.MustParsePrefix("239.1.0.0/16"), netip.MustParseAddr("10.0.0.3"), 1, time.Minute)

	z, _ := tbl.Get(id)
	binding := longestMatchingPrefix(z.GroupPrefixes, netip.MustParseAddr("239.1.1.1"))
	require.Equal(t, netip.MustParsePrefix("239.1.0.0/16"), binding.GroupPrefix)
}

func TestRPExpiryRemovesCandidate(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w)
	id := globalZone()
	tbl.ReceiveBootstrap(id, true, netip.MustParseAddr("10.0.0.1"), 10, 30, 1, nil, time.Minute)

	prefix := netip.MustParsePrefix("239.0.0.0/8")
	tbl.ReceiveCandidateRPAdv(id, prefix, netip.MustParseAddr("10.0.0.2"), 1, time.Millisecond)

	due, _ := w.PopDue(time.Now().Add(time.Second))
	for _, fn := range due {
		fn()
	}

	z, _ := tbl.Get(id)
	require.Empty(t, z.GroupPrefixes[0].RPs)
}
