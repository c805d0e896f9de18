package engine

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimsmd/internal/bitset"
	"github.com/malbeclabs/pimsmd/internal/config"
	"github.com/malbeclabs/pimsmd/internal/fea"
	"github.com/malbeclabs/pimsmd/internal/mfc"
	"github.com/malbeclabs/pimsmd/internal/mre"
	"github.com/malbeclabs/pimsmd/internal/mrib"
	"github.com/malbeclabs/pimsmd/internal/rib"
)

// fakeFeaConn is a minimal fea.Conn that records AddMFC/DeleteMFC
// calls and never blocks, for driving wirePushDelete in tests.
type fakeFeaConn struct {
	added   []fea.MFCEntry
	deleted []struct{ source, group netip.Addr }
}

func (f *fakeFeaConn) RegisterProtocol(ctx context.Context, name string) error   { return nil }
func (f *fakeFeaConn) UnregisterProtocol(ctx context.Context, name string) error { return nil }
func (f *fakeFeaConn) RegisterReceiver(ctx context.Context, vif int) error       { return nil }
func (f *fakeFeaConn) Send(ctx context.Context, vif int, dst netip.Addr, p []byte) error {
	return nil
}
func (f *fakeFeaConn) Recv(ctx context.Context) ([]byte, netip.Addr, error) {
	<-ctx.Done()
	return nil, netip.Addr{}, ctx.Err()
}
func (f *fakeFeaConn) RecvKernelSignalMessage(ctx context.Context) (*fea.KernelSignal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (f *fakeFeaConn) JoinMulticastGroup(ctx context.Context, vif int, g netip.Addr) error  { return nil }
func (f *fakeFeaConn) LeaveMulticastGroup(ctx context.Context, vif int, g netip.Addr) error { return nil }
func (f *fakeFeaConn) AddMFC(ctx context.Context, e fea.MFCEntry) error {
	f.added = append(f.added, e)
	return nil
}
func (f *fakeFeaConn) DeleteMFC(ctx context.Context, source, group netip.Addr) error {
	f.deleted = append(f.deleted, struct{ source, group netip.Addr }{source, group})
	return nil
}
func (f *fakeFeaConn) AddDataflowMonitor(ctx context.Context, s, g netip.Addr, interval time.Duration, threshold uint64) error {
	return nil
}
func (f *fakeFeaConn) DeleteDataflowMonitor(ctx context.Context, s, g netip.Addr) error { return nil }
func (f *fakeFeaConn) DeleteAllDataflowMonitors(ctx context.Context, s, g netip.Addr) error {
	return nil
}
func (f *fakeFeaConn) RecvDataflowSignal(ctx context.Context) (*fea.DataflowSignal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (f *fakeFeaConn) Close() error { return nil }

// fakeRibConn never delivers a transaction; Recv just blocks until ctx
// is cancelled, which is all engine construction needs from it.
type fakeRibConn struct{}

func (f *fakeRibConn) Subscribe(ctx context.Context, af int) error   { return nil }
func (f *fakeRibConn) Unsubscribe(ctx context.Context, af int) error { return nil }
func (f *fakeRibConn) Recv(ctx context.Context) (*rib.Transaction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (f *fakeRibConn) Close() error { return nil }

func newTestEngine(t *testing.T, feaConn *fakeFeaConn) *Engine {
	t.Helper()
	cfg := config.New()
	e := New(slog.Default(), cfg, feaConn, &fakeRibConn{}, 8)
	e.ctx = context.Background() // normally set by Run; tests drive dispatch without starting it
	return e
}

// drainDispatch runs every closure currently queued on dispatchCh,
// standing in for the Run loop during tests that don't start it.
func drainDispatch(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case fn := <-e.dispatchCh:
			fn()
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for dispatched closure %d/%d", i+1, n)
		}
	}
}

func TestAssertWinsPreferenceBeatsMetric(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	require.True(t, assertWins(10, 100, a, 20, 1, b), "lower preference wins regardless of metric")
	require.False(t, assertWins(20, 1, a, 10, 100, b))
}

func TestAssertWinsMetricBreaksPreferenceTie(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	require.True(t, assertWins(10, 5, a, 10, 50, b))
	require.False(t, assertWins(10, 50, a, 10, 5, b))
}

func TestAssertWinsAddressBreaksFullTie(t *testing.T) {
	lower := netip.MustParseAddr("10.0.0.1")
	higher := netip.MustParseAddr("10.0.0.9")
	require.True(t, assertWins(10, 5, higher, 10, 5, lower), "higher address wins a full tie")
	require.False(t, assertWins(10, 5, lower, 10, 5, higher))
}

func TestRecomputeSGMFCInstallsAndPushesOnOlist(t *testing.T) {
	feaConn := &fakeFeaConn{}
	e := newTestEngine(t, feaConn)

	src := netip.MustParseAddr("10.0.0.5")
	grp := netip.MustParseAddr("239.1.1.1")
	k := mre.Key{Type: mre.TypeSG, Source: src, Group: grp}

	txID := mrib.TxID(1)
	require.NoError(t, e.MRIB.BeginTx(txID))
	require.NoError(t, e.MRIB.Insert(txID, &mrib.Entry{
		DestPrefix:  netip.PrefixFrom(src, 32),
		NextHopAddr: netip.MustParseAddr("10.0.0.254"),
		NextHopVif:  2,
	}))
	require.NoError(t, e.MRIB.Commit(txID))
	drainDispatch(t, e, 0) // onMRIBCommit touches no (S,G) entries yet; nothing queued

	entry := e.MRE.GetOrCreate(k)
	entry.ImmediateOlist.Set(1)
	entry.ImmediateOlist.Set(2) // same vif traffic arrives on; must not be echoed back out

	e.recomputeMFC(k)
	drainDispatch(t, e, 1) // releases the Install's async Push

	require.Len(t, feaConn.added, 1)
	require.Equal(t, 2, feaConn.added[0].IncomingVif)
	require.False(t, feaConn.added[0].Outgoing.Test(2), "incoming vif excluded from outgoing set")
	require.True(t, feaConn.added[0].Outgoing.Test(1))

	mk := mfc.Key{Source: src, Group: grp}
	_, ok := e.MFC.Get(mk)
	require.True(t, ok)

	entry.ImmediateOlist = bitset.New(8)
	e.recomputeMFC(k)
	drainDispatch(t, e, 1)

	_, ok = e.MFC.Get(mk)
	require.False(t, ok, "empty olist on a non-directly-connected source removes the MFC entry")
	require.Len(t, feaConn.deleted, 1)
}

func TestPropagateInheritedSkipsEntriesPastSPTCutover(t *testing.T) {
	e := newTestEngine(t, &fakeFeaConn{})

	grp := netip.MustParseAddr("239.2.2.2")
	wc := mre.Key{Type: mre.TypeWC, Group: grp}
	wcEntry := e.MRE.GetOrCreate(wc)
	wcEntry.ImmediateOlist.Set(3)

	srcA := netip.MustParseAddr("10.0.0.11")
	srcB := netip.MustParseAddr("10.0.0.12")
	sgStillShared := mre.Key{Type: mre.TypeSG, Source: srcA, Group: grp}
	sgOnSPT := mre.Key{Type: mre.TypeSG, Source: srcB, Group: grp}

	e.MRE.GetOrCreate(sgStillShared)
	onSPT := e.MRE.GetOrCreate(sgOnSPT)
	onSPT.SPTBit = true

	e.propagateInherited(wc)

	shared, _ := e.MRE.Get(sgStillShared)
	require.True(t, shared.InheritedOlist.Test(3))

	spt, _ := e.MRE.Get(sgOnSPT)
	require.True(t, spt.InheritedOlist.IsEmpty(), "an entry that cut over to the SPT stops inheriting the shared tree's olist")
}
