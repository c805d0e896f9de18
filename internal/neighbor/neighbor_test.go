package neighbor

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimsmd/internal/timer"
)

func TestReceiveHelloCreatesNeighbor(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w, nil)

	res := tbl.ReceiveHello(0, netip.MustParseAddr("10.0.0.2"), time.Now(), HelloInfo{
		Holdtime: 105 * time.Second,
		GenID:    42,
	})
	require.True(t, res.IsNew)
	require.Equal(t, uint32(42), res.Neighbor.GenID)
	require.Len(t, tbl.On(0), 1)
}

func TestReceiveHelloDetectsRestart(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w, nil)
	addr := netip.MustParseAddr("10.0.0.2")

	tbl.ReceiveHello(0, addr, time.Now(), HelloInfo{Holdtime: time.Second, GenID: 1})
	res := tbl.ReceiveHello(0, addr, time.Now(), HelloInfo{Holdtime: time.Second, GenID: 2})
	require.False(t, res.IsNew)
	require.True(t, res.RestartDetected)
}

func TestVifDownRemovesNeighbors(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w, nil)
	tbl.ReceiveHello(0, netip.MustParseAddr("10.0.0.2"), time.Now(), HelloInfo{Holdtime: time.Second})
	tbl.VifDown(0)
	require.Empty(t, tbl.On(0))
}

func TestExpireFiresCallback(t *testing.T) {
	w := timer.New()
	var expired netip.Addr
	tbl := NewTable(w, func(vifIndex int, addr netip.Addr) { expired = addr })

	addr := netip.MustParseAddr("10.0.0.2")
	tbl.ReceiveHello(0, addr, time.Now(), HelloInfo{Holdtime: 0})

	due, _ := w.PopDue(time.Now().Add(time.Millisecond))
	for _, fn := range due {
		fn()
	}
	require.Equal(t, addr, expired)
	require.Empty(t, tbl.On(0))
}

func TestElectDRByPriorityThenIP(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w, nil)
	tbl.ReceiveHello(0, netip.MustParseAddr("10.0.0.2"), time.Now(), HelloInfo{
		Holdtime: time.Hour, HasDRPriority: true, DRPriority: 5,
	})
	tbl.ReceiveHello(0, netip.MustParseAddr("10.0.0.3"), time.Now(), HelloInfo{
		Holdtime: time.Hour, HasDRPriority: true, DRPriority: 10,
	})

	isDR := tbl.ElectDR(0, netip.MustParseAddr("10.0.0.1"), 1, true)
	require.False(t, isDR, "neighbor with priority 10 should win over local priority 1")
}

func TestElectDRFallsBackToIPWhenAnyNeighborOmitsPriority(t *testing.T) {
	w := timer.New()
	tbl := NewTable(w, nil)
	tbl.ReceiveHello(0, netip.MustParseAddr("10.0.0.2"), time.Now(), HelloInfo{
		Holdtime: time.Hour, HasDRPriority: false,
	})

	local := netip.MustParseAddr("10.0.0.9")
	isDR := tbl.ElectDR(0, local, 100, true)
	require.True(t, isDR, "local has the higher IP once priority is ignored")
}
