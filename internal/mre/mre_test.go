package mre

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimsmd/internal/timer"
)

func testKey() Key {
	return Key{Type: TypeSG, Source: netip.MustParseAddr("10.0.0.5"), Group: netip.MustParseAddr("239.1.1.1")}
}

func TestDownstreamJoinCreatesEntryAndOlist(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()

	tbl.ProcessDownstream(k, 1, EvJoin, time.Minute, 0)

	e, ok := tbl.Get(k)
	require.True(t, ok)
	require.True(t, e.ImmediateOlist.Test(1))
}

func TestDownstreamPruneEntersPrunePending(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()

	tbl.ProcessDownstream(k, 1, EvJoin, time.Minute, 0)
	tbl.ProcessDownstream(k, 1, EvPrune, 0, time.Millisecond)

	e, _ := tbl.Get(k)
	require.Equal(t, DSPrunePending, e.downstream[1].Downstream)
	require.False(t, e.ImmediateOlist.Test(1))
}

func TestPrunePendingTimerMovesToPrune(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()

	tbl.ProcessDownstream(k, 1, EvJoin, time.Hour, 0)
	tbl.ProcessDownstream(k, 1, EvPrune, 0, 0)

	due, _ := w.PopDue(time.Now().Add(time.Second))
	for _, fn := range due {
		fn()
	}

	e, _ := tbl.Get(k)
	require.Equal(t, DSPrune, e.downstream[1].Downstream)
	require.False(t, e.ImmediateOlist.Test(1))
}

func TestUpstreamJoinsWhenOlistNonEmpty(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.ProcessDownstream(k, 1, EvJoin, time.Hour, 0)

	var sent []bool
	tbl.EvaluateUpstream(k, func(k Key, join bool) { sent = append(sent, join) })

	e, _ := tbl.Get(k)
	require.Equal(t, Joined, e.Upstream)
	require.Equal(t, []bool{true}, sent)
}

func TestUpstreamLeavesWhenOlistEmpties(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.ProcessDownstream(k, 1, EvJoin, time.Hour, 0)
	tbl.EvaluateUpstream(k, func(Key, bool) {})

	tbl.ProcessDownstream(k, 1, EvExpiryTimerFired, 0, 0)
	var sent []bool
	tbl.EvaluateUpstream(k, func(k Key, join bool) { sent = append(sent, join) })

	e, _ := tbl.Get(k)
	require.Equal(t, NotJoined, e.Upstream)
	require.Equal(t, []bool{false}, sent)
}

func TestAssertLoserRemovedFromOlist(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.ProcessDownstream(k, 1, EvJoin, time.Hour, 0)
	require.True(t, func() bool { e, _ := tbl.Get(k); return e.ImmediateOlist.Test(1) }())

	tbl.ProcessAssert(k, 1, false, 10, 1, netip.MustParseAddr("10.0.0.9"))

	e, _ := tbl.Get(k)
	require.Equal(t, AssertLoser, e.downstream[1].Assert)
	require.False(t, e.ImmediateOlist.Test(1))
}

func TestReapIdleRemovesQuietEntries(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.GetOrCreate(k)

	n := tbl.ReapIdle()
	require.Equal(t, 1, n)
	_, ok := tbl.Get(k)
	require.False(t, ok)
}

func TestReapIdleKeepsEntryWithLiveTimer(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.DataFromSource(k, time.Hour, time.Now())

	n := tbl.ReapIdle()
	require.Equal(t, 0, n)
}

func TestDataFromSourceTriggersRegisterWhenJoinState(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.SetRegisterState(k, RegJoin)

	should := tbl.DataFromSource(k, time.Minute, time.Now())
	require.True(t, should)
}

func TestDataFromSourceRateLimitsRepeatedRegisters(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.SetRegisterState(k, RegJoin)

	now := time.Now()
	allowed := 0
	for i := 0; i < 10; i++ {
		if tbl.DataFromSource(k, time.Minute, now) {
			allowed++
		}
	}
	require.Less(t, allowed, 10, "burst of 10 immediate registers must be rate-limited")
}

func TestReceiveRegisterStopArmsProbe(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	tbl.GetOrCreate(k)

	tbl.ReceiveRegisterStop(k, time.Millisecond, func(Key) {})

	e, _ := tbl.Get(k)
	require.Equal(t, RegPrune, e.Register)
	require.True(t, e.regStopTok.Valid())
}

func TestReceiveRegisterAtRPNotRPSendsStop(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()

	d := tbl.ReceiveRegisterAtRP(k, false, false, time.Minute)
	require.True(t, d.SendRegisterStop)
	require.False(t, d.DecapsulateAndDeliver)
}

func TestReceiveRegisterAtRPEmptyOlistSendsStop(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()

	d := tbl.ReceiveRegisterAtRP(k, true, true, time.Minute)
	require.True(t, d.SendRegisterStop)

	e, _ := tbl.Get(k)
	require.True(t, e.keepaliveTok.Valid(), "both RP-path branches restart the keepalive timer")
}

func TestReceiveRegisterAtRPNonEmptyOlistDelivers(t *testing.T) {
	w := timer.New()
	tbl := NewTable(4, w)
	k := testKey()
	e := tbl.GetOrCreate(k)
	e.InheritedOlist.Set(2)

	d := tbl.ReceiveRegisterAtRP(k, true, true, time.Minute)
	require.True(t, d.DecapsulateAndDeliver)
	require.False(t, d.SendRegisterStop)
	require.True(t, e.keepaliveTok.Valid())
}
