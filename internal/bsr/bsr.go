// Package bsr implements the BSR election state machine, RP-set
// collection and distribution, scope-zone handling, and the
// deterministic group-to-RP hash function (spec §3 BSR zone, §4.7).
package bsr

import (
	"net/netip"
	"sort"
	"time"

	"github.com/malbeclabs/pimsmd/internal/timer"
)

// ElectedState is the per-zone BSR election FSM (spec §3 BSR zone).
type ElectedState uint8

const (
	StateNoInfo ElectedState = iota
	StateCandidate
	StatePending
	StateElected
	StateAcceptAny
	StateAcceptPreferred
)

// ZoneID identifies a BSR zone: a scope-zone prefix plus whether it is
// a scope zone at all (spec §3 PimScopeZoneId; global zones use the
// address family's all-multicast prefix with IsScopeZone false).
type ZoneID struct {
	Prefix      netip.Prefix
	IsScopeZone bool
}

// RPCandidate is one (rp-addr, priority, holdtime, expiry) record
// within a group-prefix binding (spec §3 BSR zone).
type RPCandidate struct {
	Addr     netip.Addr
	Priority uint8
	Holdtime time.Duration

	expiryTok timer.Token
}

// GroupPrefixBinding is one group-prefix's RP-set within a zone (spec
// §3: "a list of group-prefix bindings, each with expected-RP-count
// and a list of (rp-addr, priority, holdtime, expiry-timer)").
type GroupPrefixBinding struct {
	GroupPrefix     netip.Prefix
	ExpectedRPCount int
	RPs             []*RPCandidate
}

// Zone is the full per-zone BSR state (spec §3 BSR zone).
type Zone struct {
	ID ZoneID

	State ElectedState

	BSRAddr        netip.Addr
	HasBSR         bool
	BSRPriority    uint8
	FragmentTag    uint16
	HashMaskLen    uint8

	GroupPrefixes []*GroupPrefixBinding

	zoneExpiryTok timer.Token
	bsrTok        timer.Token
}

func newZone(id ZoneID) *Zone {
	return &Zone{ID: id, State: StateNoInfo}
}

// Table owns every BSR zone this router tracks, keyed by ZoneID (spec
// §3 Invariants: "For every scope zone at most one BSR is in Elected
// state from this router's perspective at any time" — enforced simply
// by each Zone owning exactly one State field).
type Table struct {
	wheel *timer.Wheel
	zones map[ZoneID]*Zone
}

func NewTable(wheel *timer.Wheel) *Table {
	return &Table{wheel: wheel, zones: make(map[ZoneID]*Zone)}
}

func (t *Table) GetOrCreate(id ZoneID) *Zone {
	z, ok := t.zones[id]
	if !ok {
		z = newZone(id)
		t.zones[id] = z
	}
	return z
}

func (t *Table) Get(id ZoneID) (*Zone, bool) {
	z, ok := t.zones[id]
	return z, ok
}

func (t *Table) All() []*Zone {
	out := make([]*Zone, 0, len(t.zones))
	for _, z := range t.zones {
		out = append(out, z)
	}
	return out
}

// bsrPreferred reports whether candidate (addr, priority) beats the
// zone's current BSR under the election rule of spec §4.7: highest
// (priority, IP) wins, ties broken by IP.
func bsrPreferred(curAddr netip.Addr, curPriority uint8, hasCur bool, candAddr netip.Addr, candPriority uint8) bool {
	if !hasCur {
		return true
	}
	if candPriority != curPriority {
		return candPriority > curPriority
	}
	return candAddr.Compare(curAddr) > 0
}

// ReceiveBootstrap evaluates an inbound Bootstrap against the zone's
// current BSR. isRPFInterface must be true (the Bootstrap arrived on
// the RPF interface toward the claimed BSR) for it to be accepted at
// all, per spec §4.7. On acceptance the zone adopts the new BSR,
// replaces its RP-set, and enters Accept-Preferred.
func (t *Table) ReceiveBootstrap(id ZoneID, isRPFInterface bool, bsrAddr netip.Addr, bsrPriority uint8, hashMaskLen uint8, fragmentTag uint16, prefixes []*GroupPrefixBinding, bsrTimeout time.Duration) bool {
	if !isRPFInterface {
		return false
	}
	z := t.GetOrCreate(id)
	if z.HasBSR && z.BSRAddr == bsrAddr && z.FragmentTag != fragmentTag {
		// New burst from the same BSR: accept, resetting fragments.
	} else if !bsrPreferred(z.BSRAddr, z.BSRPriority, z.HasBSR, bsrAddr, bsrPriority) && z.HasBSR && z.BSRAddr != bsrAddr {
		return false
	}

	z.BSRAddr = bsrAddr
	z.HasBSR = true
	z.BSRPriority = bsrPriority
	z.HashMaskLen = hashMaskLen
	z.FragmentTag = fragmentTag
	z.GroupPrefixes = prefixes
	z.State = StateAcceptPreferred

	if z.bsrTok.Valid() {
		z.bsrTok.Cancel()
	}
	z.bsrTok = t.wheel.Schedule(bsrTimeout, func() {
		t.bsrTimeout(id)
	})
	return true
}

func (t *Table) bsrTimeout(id ZoneID) {
	z, ok := t.zones[id]
	if !ok {
		return
	}
	z.HasBSR = false
	z.State = StateNoInfo
	z.GroupPrefixes = nil
}

// ReceiveCandidateRPAdv records a Candidate-RP advertisement, only
// meaningful while this router is the zone's elected BSR (spec §4.7
// "collects Candidate-RP-Adv messages ... from Candidate-RPs,
// deduplicates by (group-prefix, rp-addr)").
func (t *Table) ReceiveCandidateRPAdv(id ZoneID, groupPrefix netip.Prefix, rpAddr netip.Addr, priority uint8, holdtime time.Duration) {
	z := t.GetOrCreate(id)
	var binding *GroupPrefixBinding
	for _, b := range z.GroupPrefixes {
		if b.GroupPrefix == groupPrefix {
			binding = b
			break
		}
	}
	if binding == nil {
		binding = &GroupPrefixBinding{GroupPrefix: groupPrefix}
		z.GroupPrefixes = append(z.GroupPrefixes, binding)
	}

	for _, rp := range binding.RPs {
		if rp.Addr == rpAddr {
			rp.Priority = priority
			rp.Holdtime = holdtime
			t.restartRPExpiry(id, groupPrefix, rp, holdtime)
			return
		}
	}
	rp := &RPCandidate{Addr: rpAddr, Priority: priority, Holdtime: holdtime}
	t.restartRPExpiry(id, groupPrefix, rp, holdtime)
	binding.RPs = append(binding.RPs, rp)
}

func (t *Table) restartRPExpiry(id ZoneID, groupPrefix netip.Prefix, rp *RPCandidate, holdtime time.Duration) {
	if rp.expiryTok.Valid() {
		rp.expiryTok.Cancel()
	}
	rp.expiryTok = t.wheel.Schedule(holdtime, func() {
		t.expireRPCandidate(id, groupPrefix, rp.Addr)
	})
}

// expireRPCandidate drops one RP from a group-prefix binding once its
// holdtime lapses without a refreshing Candidate-RP-Adv.
func (t *Table) expireRPCandidate(id ZoneID, groupPrefix netip.Prefix, rpAddr netip.Addr) {
	z, ok := t.zones[id]
	if !ok {
		return
	}
	for _, b := range z.GroupPrefixes {
		if b.GroupPrefix != groupPrefix {
			continue
		}
		for i, rp := range b.RPs {
			if rp.Addr == rpAddr {
				b.RPs = append(b.RPs[:i], b.RPs[i+1:]...)
				return
			}
		}
	}
}

// LookupRP returns the elected RP for group, restricted to the
// longest matching group-prefix in zone id, using the hash function of
// spec §4.7.
func (t *Table) LookupRP(id ZoneID, group netip.Addr) (netip.Addr, bool) {
	z, ok := t.zones[id]
	if !ok {
		return netip.Addr{}, false
	}
	binding := longestMatchingPrefix(z.GroupPrefixes, group)
	if binding == nil || len(binding.RPs) == 0 {
		return netip.Addr{}, false
	}
	return HashRP(group, z.HashMaskLen, binding.RPs), true
}

func longestMatchingPrefix(bindings []*GroupPrefixBinding, group netip.Addr) *GroupPrefixBinding {
	var best *GroupPrefixBinding
	for _, b := range bindings {
		if b.GroupPrefix.Contains(group) {
			if best == nil || b.GroupPrefix.Bits() > best.GroupPrefix.Bits() {
				best = b
			}
		}
	}
	return best
}

// HashRP implements the pure group-to-RP hash of spec §4.7:
//
//	hash(G, rp) = (1103515245 * ((1103515245 * (G & M) + 12345) XOR rp)
//	              + 12345) mod 2^31
//
// where M zeroes the low (32-hashMaskLen) bits of G. The candidate
// with the largest hash wins; ties break on (priority, address) with
// lower priority value preferred and address as the final tiebreak.
func HashRP(group netip.Addr, hashMaskLen uint8, candidates []*RPCandidate) netip.Addr {
	g := uint32FromAddr(group)
	masked := maskLow(g, hashMaskLen)

	type scored struct {
		addr netip.Addr
		pri  uint8
		hash uint64
	}
	scoredRPs := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		rp := uint32FromAddr(c.Addr)
		scoredRPs = append(scoredRPs, scored{addr: c.Addr, pri: c.Priority, hash: hashOne(masked, rp)})
	}
	sort.Slice(scoredRPs, func(i, j int) bool {
		if scoredRPs[i].hash != scoredRPs[j].hash {
			return scoredRPs[i].hash > scoredRPs[j].hash
		}
		if scoredRPs[i].pri != scoredRPs[j].pri {
			return scoredRPs[i].pri < scoredRPs[j].pri
		}
		return scoredRPs[i].addr.Compare(scoredRPs[j].addr) > 0
	})
	return scoredRPs[0].addr
}

func hashOne(maskedGroup, rp uint32) uint64 {
	const a, c = 1103515245, 12345
	inner := (uint64(a)*uint64(maskedGroup) + c) ^ uint64(rp)
	outer := (uint64(a)*inner + c) % (1 << 31)
	return outer
}

func maskLow(g uint32, hashMaskLen uint8) uint32 {
	if hashMaskLen >= 32 {
		return g
	}
	mask := ^uint32(0) << (32 - hashMaskLen)
	return g & mask
}

func uint32FromAddr(a netip.Addr) uint32 {
	if !a.Is4() {
		a = a.Unmap()
	}
	if a.Is4() {
		b := a.As4()
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
	b := a.As16()
	return uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
}
