package mfc

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimsmd/internal/bitset"
)

func testKey() Key {
	return Key{Source: netip.MustParseAddr("10.0.0.5"), Group: netip.MustParseAddr("239.1.1.1")}
}

func TestInstallExcludesIncomingVifFromOutgoing(t *testing.T) {
	var pushed *Entry
	tbl := NewTable(4, func(e *Entry, done func(error)) { pushed = e; done(nil) }, func(Key, func(error)) {})

	olist := bitset.New(4)
	olist.Set(0)
	olist.Set(1)
	tbl.Install(testKey(), 0, olist, netip.Addr{}, false, nil)

	require.NotNil(t, pushed)
	require.False(t, pushed.Outgoing.Test(0))
	require.True(t, pushed.Outgoing.Test(1))
}

func TestFIFOPerKeySerializesRPCs(t *testing.T) {
	var order []string
	var pending []func(error)
	push := func(e *Entry, done func(error)) {
		order = append(order, "push")
		pending = append(pending, done)
	}
	del := func(k Key, done func(error)) {
		order = append(order, "delete")
		pending = append(pending, done)
	}
	tbl := NewTable(4, push, del)
	k := testKey()

	// Simulate a slow RPC: enqueue runs synchronously above, but for this
	// test we want to show a second op queues behind a "busy" first op.
	tbl.busy[k] = true
	tbl.Install(k, 0, bitset.New(4), netip.Addr{}, false, nil)
	require.Empty(t, order, "install should queue, not run, while busy")

	tbl.Remove(k, false, nil)
	require.Empty(t, order)

	tbl.onRPCComplete(k) // releases the queued Install
	require.Equal(t, []string{"push"}, order)
	pending[0](nil) // completes the install RPC, releasing the queued Remove
	require.Equal(t, []string{"push", "delete"}, order)

	pending[1](nil)
}

func TestRemoveDeletesEntryOnSuccess(t *testing.T) {
	tbl := NewTable(4, func(e *Entry, done func(error)) { done(nil) }, func(k Key, done func(error)) { done(nil) })
	k := testKey()
	tbl.Install(k, 0, bitset.New(4), netip.Addr{}, false, nil)

	tbl.Remove(k, false, nil)
	_, ok := tbl.Get(k)
	require.False(t, ok)
}

func TestEvaluateIdleMonitorGenuineIdle(t *testing.T) {
	out := EvaluateIdleMonitor(Measurement{Packets: 0, Interval: time.Minute}, 30*time.Second)
	require.True(t, out.Delete)
}

func TestEvaluateIdleMonitorPrematureReinstalls(t *testing.T) {
	out := EvaluateIdleMonitor(Measurement{Packets: 0, Interval: 5 * time.Second}, 30*time.Second)
	require.False(t, out.Delete)
	require.Equal(t, 30*time.Second, out.ReinstallInterval)
}

func TestEvaluateIdleMonitorNotIdleWhenPacketsFlow(t *testing.T) {
	out := EvaluateIdleMonitor(Measurement{Packets: 5}, 30*time.Second)
	require.False(t, out.Delete)
	require.Zero(t, out.ReinstallInterval)
}

func TestEvaluateSPTSwitchMonitor(t *testing.T) {
	require.False(t, EvaluateSPTSwitchMonitor(Measurement{Bytes: 100}, 1000, true))
	require.False(t, EvaluateSPTSwitchMonitor(Measurement{Bytes: 2000}, 1000, false))
	require.True(t, EvaluateSPTSwitchMonitor(Measurement{Bytes: 2000}, 1000, true))
}
