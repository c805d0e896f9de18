// Package mre implements the multicast routing entry table: the
// per-(S,G) state machines (upstream, downstream, Assert, Register)
// that together decide each entry's outgoing-interface set (spec §3
// MRE, §4.3-§4.6).
package mre

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/malbeclabs/pimsmd/internal/bitset"
	"github.com/malbeclabs/pimsmd/internal/timer"
)

// EntryType distinguishes the four MRE variants that share one table
// (spec §3: "a type tag in {RP, (*,G), (S,G), (S,G,RPT)}").
type EntryType uint8

const (
	TypeRP EntryType = iota
	TypeWC
	TypeSG
	TypeSGRPT
)

func (t EntryType) String() string {
	switch t {
	case TypeRP:
		return "(*,*,RP)"
	case TypeWC:
		return "(*,G)"
	case TypeSG:
		return "(S,G)"
	case TypeSGRPT:
		return "(S,G,RPT)"
	default:
		return "unknown"
	}
}

// Key identifies one MRE uniquely: its type plus the (S,G) pair it's
// keyed on (RP and WC entries leave Source the zero value).
type Key struct {
	Type   EntryType
	Source netip.Addr
	Group  netip.Addr
}

// UpstreamState covers both the RP/WC/SG two-state machine and the
// SGRPT three-state machine (spec §3); the unused states for a given
// entry type are simply never entered.
type UpstreamState uint8

const (
	NotJoined UpstreamState = iota
	Joined
	RPTNotJoined
	Pruned
	NotPruned
)

// DownstreamState is the per-vif downstream Join/Prune FSM (spec §4.4).
type DownstreamState uint8

const (
	DSNoInfo DownstreamState = iota
	DSJoin
	DSPrunePending
	DSPrune
)

// AssertState is the per-vif Assert FSM (spec §4.5).
type AssertState uint8

const (
	AssertNoInfo AssertState = iota
	AssertWinner
	AssertLoser
)

// RegisterState is the DR-side Register FSM (spec §4.6); the RP side
// does not track per-(S,G) register state beyond the MRE's SPT bit and
// inherited_olist.
type RegisterState uint8

const (
	RegNoInfo RegisterState = iota
	RegJoin
	RegPrune
	RegJoinPending
)

// downstreamVif holds the per-vif downstream and Assert state, plus
// the timers that drive each (spec §4.4, §4.5).
type downstreamVif struct {
	Downstream DownstreamState
	Assert     AssertState

	AssertWinnerMetricPref uint32
	AssertWinnerMetric     uint32
	AssertWinnerAddr       netip.Addr

	expiryTok       timer.Token
	prunePendingTok timer.Token
	assertTok       timer.Token
}

// Entry is one multicast routing entry (spec §3 MRE). Bitsets are
// sized to the table's MaxVifs at construction.
type Entry struct {
	Key Key

	Upstream UpstreamState

	RPAddr                netip.Addr
	HasRP                 bool
	IsDirectlyConnectedSrc bool
	SPTBit                bool

	Register RegisterState

	LocalReceiverInclude *bitset.Set
	LocalReceiverExclude *bitset.Set
	Joins                *bitset.Set
	Prunes               *bitset.Set
	ImmediateOlist       *bitset.Set
	InheritedOlist       *bitset.Set
	IAmDR                *bitset.Set

	downstream map[int]*downstreamVif

	keepaliveTok timer.Token
	overrideTok  timer.Token
	joinTok      timer.Token
	regStopTok   timer.Token

	registerLimiter *registerRateLimit
}

func newEntry(k Key, maxVifs int) *Entry {
	upstream := NotJoined
	if k.Type == TypeSGRPT {
		upstream = RPTNotJoined
	}
	return &Entry{
		Key:                  k,
		Upstream:             upstream,
		LocalReceiverInclude: bitset.New(maxVifs),
		LocalReceiverExclude: bitset.New(maxVifs),
		Joins:                bitset.New(maxVifs),
		Prunes:               bitset.New(maxVifs),
		ImmediateOlist:       bitset.New(maxVifs),
		InheritedOlist:       bitset.New(maxVifs),
		IAmDR:                bitset.New(maxVifs),
		downstream:           make(map[int]*downstreamVif),
	}
}

func (e *Entry) dvif(vifIndex int) *downstreamVif {
	dv, ok := e.downstream[vifIndex]
	if !ok {
		dv = &downstreamVif{}
		e.downstream[vifIndex] = dv
	}
	return dv
}

// IsIdle reports whether an entry has no live timers and every piece
// of per-vif state is NoInfo — the condition the aging reaper uses to
// decide an entry can be dropped (spec §3 lifecycle, §9 Open Question
// on MRE aging; kept as aging-out, see DESIGN.md).
func (e *Entry) IsIdle() bool {
	if e.Upstream == Joined || e.Upstream == NotPruned {
		return false
	}
	if e.keepaliveTok.Valid() || e.overrideTok.Valid() || e.joinTok.Valid() || e.regStopTok.Valid() {
		return false
	}
	for _, dv := range e.downstream {
		if dv.Downstream != DSNoInfo || dv.Assert != AssertNoInfo {
			return false
		}
	}
	if !e.InheritedOlist.IsEmpty() || !e.ImmediateOlist.IsEmpty() {
		return false
	}
	return true
}

// Table owns every MRE, notifies a callback whenever (iif, olist) may
// have changed so internal/mfc can recompute (spec §4.8), and ages out
// idle entries (spec §3 lifecycle).
type Table struct {
	maxVifs int
	wheel   *timer.Wheel
	entries map[Key]*Entry

	OnOlistChange func(k Key)
}

func NewTable(maxVifs int, wheel *timer.Wheel) *Table {
	return &Table{
		maxVifs: maxVifs,
		wheel:   wheel,
		entries: make(map[Key]*Entry),
	}
}

// GetOrCreate returns the entry for k, creating it (born "on first
// reference", spec §3 lifecycle) if absent.
func (t *Table) GetOrCreate(k Key) *Entry {
	e, ok := t.entries[k]
	if ok {
		return e
	}
	e = newEntry(k, t.maxVifs)
	t.entries[k] = e
	return e
}

// Get returns the entry for k without creating it.
func (t *Table) Get(k Key) (*Entry, bool) {
	e, ok := t.entries[k]
	return e, ok
}

// All returns every live entry, for introspection and the reaper.
func (t *Table) All() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// SetInheritedOlist updates k's InheritedOlist — the effective outgoing
// set an (S,G) or (S,G,RPT) entry inherits from its (*,G) or (*,*,RP)
// parent along the shared tree (spec §4.3) — and notifies so the
// caller's olist-change hook can drive upstream re-evaluation and an
// MFC recompute. The engine owns the RP/(*,G)-to-(S,G) propagation
// this feeds since it requires walking the whole table by group/RP,
// which this package has no reason to know about on its own.
func (t *Table) SetInheritedOlist(k Key, olist *bitset.Set) {
	e := t.GetOrCreate(k)
	e.InheritedOlist = olist.Clone()
	t.notify(k)
}

// notify invokes OnOlistChange for k, if registered.
func (t *Table) notify(k Key) {
	if t.OnOlistChange != nil {
		t.OnOlistChange(k)
	}
}

// ReapIdle deletes every entry for which IsIdle is true, rather than
// deleting eagerly on every state transition (spec §9 Open Question
// (i): aging-out, not eager delete, so a flapping receiver doesn't
// thrash entry creation/destruction). It reaps only when called; the
// engine does not call it, so idle entries stay in the table.
func (t *Table) ReapIdle() int {
	n := 0
	for k, e := range t.entries {
		if e.IsIdle() {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

var ErrUnknownEntry = fmt.Errorf("mre: unknown entry")

const defaultAssertTime = 3 * time.Minute
const defaultRegisterSuppressTime = 60 * time.Second
const defaultRegisterProbeTime = 5 * time.Second
