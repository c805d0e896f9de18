// Package neighbor implements the per-vif PIM neighbor table, the
// Hello FSM that populates it, and DR election (spec §4.2).
package neighbor

import (
	"net/netip"
	"sort"
	"time"

	"github.com/malbeclabs/pimsmd/internal/timer"
)

// Neighbor is one PIM peer learned on a vif, keyed by (vif, primary
// address) in the owning Table (spec §3 PIM neighbor).
type Neighbor struct {
	VifIndex           int
	PrimaryAddress     netip.Addr
	SecondaryAddresses []netip.Addr
	ProtoVersion       uint8
	HasDRPriority      bool
	DRPriority         uint32
	HoldTime           time.Duration
	GenID              uint32
	PropagationDelay   time.Duration
	OverrideInterval   time.Duration
	TrackingSupport    bool
	StartupTime        time.Time

	livenessTok timer.Token
}

// Table owns every neighbor on every vif. One Table is shared by the
// whole engine; neighbors are addressed by (vifIndex, addr) rather
// than retained pointers from other packages (spec §9).
type Table struct {
	wheel *timer.Wheel
	byVif map[int]map[netip.Addr]*Neighbor

	onExpire func(vifIndex int, addr netip.Addr)
}

func NewTable(wheel *timer.Wheel, onExpire func(vifIndex int, addr netip.Addr)) *Table {
	return &Table{
		wheel:    wheel,
		byVif:    make(map[int]map[netip.Addr]*Neighbor),
		onExpire: onExpire,
	}
}

// HelloInfo is the decoded content of an inbound Hello, independent of
// the wire codec (internal/pimproto.HelloMessage maps onto this).
type HelloInfo struct {
	Holdtime           time.Duration
	GenID              uint32
	HasDRPriority      bool
	DRPriority         uint32
	PropagationDelay   time.Duration
	OverrideInterval   time.Duration
	TrackingSupport    bool
	SecondaryAddresses []netip.Addr
}

// Result is returned by ReceiveHello; its RestartDetected lets callers drive the
// "drop Join/Prune state, re-send our own Joins" reaction spec §4.2
// requires on a GenID change.
type Result struct {
	Neighbor        *Neighbor
	IsNew           bool
	RestartDetected bool
	DRRelevantChange bool
}

// ReceiveHello creates or updates the neighbor entry for (vifIndex,
// src), restarts its liveness timer, and reports whether this Hello
// should trigger a restart reaction or a DR re-election (spec §4.2).
func (t *Table) ReceiveHello(vifIndex int, src netip.Addr, now time.Time, info HelloInfo) Result {
	vifNeighbors, ok := t.byVif[vifIndex]
	if !ok {
		vifNeighbors = make(map[netip.Addr]*Neighbor)
		t.byVif[vifIndex] = vifNeighbors
	}

	n, exists := vifNeighbors[src]
	res := Result{}
	if !exists {
		n = &Neighbor{
			VifIndex:       vifIndex,
			PrimaryAddress: src,
			ProtoVersion:   2,
			StartupTime:    now,
		}
		vifNeighbors[src] = n
		res.IsNew = true
		res.DRRelevantChange = true
	} else if n.GenID != info.GenID && n.GenID != 0 {
		res.RestartDetected = true
	}
	if exists && (n.HasDRPriority != info.HasDRPriority || n.DRPriority != info.DRPriority) {
		res.DRRelevantChange = true
	}

	n.GenID = info.GenID
	n.HoldTime = info.Holdtime
	n.HasDRPriority = info.HasDRPriority
	n.DRPriority = info.DRPriority
	n.PropagationDelay = info.PropagationDelay
	n.OverrideInterval = info.OverrideInterval
	n.TrackingSupport = info.TrackingSupport
	n.SecondaryAddresses = info.SecondaryAddresses

	if n.livenessTok.Valid() {
		n.livenessTok.Cancel()
	}
	holdtime := info.Holdtime
	n.livenessTok = t.wheel.Schedule(holdtime, func() {
		t.expire(vifIndex, src)
	})

	res.Neighbor = n
	return res
}

func (t *Table) expire(vifIndex int, addr netip.Addr) {
	vifNeighbors, ok := t.byVif[vifIndex]
	if !ok {
		return
	}
	if _, ok := vifNeighbors[addr]; !ok {
		return
	}
	delete(vifNeighbors, addr)
	if t.onExpire != nil {
		t.onExpire(vifIndex, addr)
	}
}

// VifDown removes every neighbor on vifIndex (spec §3: "dies on
// liveness timeout / vif down"), canceling their liveness timers.
func (t *Table) VifDown(vifIndex int) {
	vifNeighbors, ok := t.byVif[vifIndex]
	if !ok {
		return
	}
	for addr, n := range vifNeighbors {
		if n.livenessTok.Valid() {
			n.livenessTok.Cancel()
		}
		delete(vifNeighbors, addr)
	}
}

// On looks up the neighbors known on a vif.
func (t *Table) On(vifIndex int) []*Neighbor {
	vifNeighbors := t.byVif[vifIndex]
	out := make([]*Neighbor, 0, len(vifNeighbors))
	for _, n := range vifNeighbors {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrimaryAddress.Compare(out[j].PrimaryAddress) < 0 })
	return out
}

// Get looks up a specific neighbor.
func (t *Table) Get(vifIndex int, addr netip.Addr) (*Neighbor, bool) {
	n, ok := t.byVif[vifIndex][addr]
	return n, ok
}

// ElectDR runs the DR election rule of spec §4.2 over the neighbors on
// a vif plus the local participant, and reports whether localAddr won.
//
// If every participant (local + all neighbors) advertised a
// DR-priority, the highest priority wins, ties broken by higher IP.
// If any participant omitted DR-priority, the election falls back to
// highest IP only — the rule is all-or-nothing, not per-pair.
func (t *Table) ElectDR(vifIndex int, localAddr netip.Addr, localPriority uint32, localHasPriority bool) bool {
	type participant struct {
		addr        netip.Addr
		priority    uint32
		hasPriority bool
	}
	participants := []participant{{addr: localAddr, priority: localPriority, hasPriority: localHasPriority}}
	for _, n := range t.byVif[vifIndex] {
		participants = append(participants, participant{addr: n.PrimaryAddress, priority: n.DRPriority, hasPriority: n.HasDRPriority})
	}

	allHavePriority := true
	for _, p := range participants {
		if !p.hasPriority {
			allHavePriority = false
			break
		}
	}

	best := participants[0]
	for _, p := range participants[1:] {
		if allHavePriority {
			if p.priority > best.priority || (p.priority == best.priority && p.addr.Compare(best.addr) > 0) {
				best = p
			}
		} else if p.addr.Compare(best.addr) > 0 {
			best = p
		}
	}
	return best.addr == localAddr
}
