// Package mld implements the add_membership/delete_membership RPC
// surface: the control-plane's view of locally-attached group
// membership as reported by MLD (IPv6) or IGMP (IPv4), translated into
// MRE local-receiver state (spec §6 External interfaces, MLD/IGMP
// column; spec §4.3 JoinDesired's local-receiver-include/exclude
// inputs).
package mld

import (
	"fmt"
	"net/netip"

	"github.com/malbeclabs/pimsmd/internal/mre"
)

// Membership is one (*,G) or (S,G) local-receiver record as reported
// by add_membership/delete_membership. A zero Source means the report
// is group-scoped (*,G); filter mode and source list are IGMPv3/MLDv2
// concepts the forwarding agent has already resolved into a single
// include/exclude decision by the time it reaches this RPC surface, so
// this package only needs to know "is there a receiver here."
type Membership struct {
	VifIndex int
	Group    netip.Addr
	Source   netip.Addr
	HasSource bool
}

func (m Membership) key() mre.Key {
	if m.HasSource {
		return mre.Key{Type: mre.TypeSG, Source: m.Source, Group: m.Group}
	}
	return mre.Key{Type: mre.TypeWC, Group: m.Group}
}

// Table tracks add_membership calls so a matching delete_membership
// can recompute the right MRE entries; the forwarding agent's RPC
// contract gives us both calls independently, but DR election and
// olist recomputation need to know when the last receiver on a vif for
// a group leaves (spec §4.3).
type Table struct {
	mre *mre.Table

	// members[key][vifIndex] counts outstanding add_membership calls,
	// since IGMPv3/MLDv2 exclude-mode membership can be reported more
	// than once per vif before a delete clears it.
	members map[mre.Key]map[int]int
}

func NewTable(m *mre.Table) *Table {
	return &Table{mre: m, members: make(map[mre.Key]map[int]int)}
}

// AddMembership records a local receiver and pushes the updated
// include-set into the MRE table.
func (t *Table) AddMembership(m Membership) error {
	if !m.Group.IsMulticast() {
		return fmt.Errorf("mld: add_membership: %s is not a multicast group", m.Group)
	}
	k := m.key()
	vifs, ok := t.members[k]
	if !ok {
		vifs = make(map[int]int)
		t.members[k] = vifs
	}
	vifs[m.VifIndex]++
	t.mre.SetLocalReceiver(k, m.VifIndex, true, false)
	return nil
}

// DeleteMembership drops one outstanding add_membership; once a vif's
// count for k reaches zero its local-receiver-include bit is cleared,
// which re-triggers JoinDesired/immediate_olist recomputation.
func (t *Table) DeleteMembership(m Membership) error {
	k := m.key()
	vifs, ok := t.members[k]
	if !ok {
		return nil
	}
	n, ok := vifs[m.VifIndex]
	if !ok {
		return nil
	}
	n--
	if n <= 0 {
		delete(vifs, m.VifIndex)
		if len(vifs) == 0 {
			delete(t.members, k)
		}
		t.mre.SetLocalReceiver(k, m.VifIndex, false, false)
		return nil
	}
	vifs[m.VifIndex] = n
	return nil
}

// HasReceiver reports whether any membership is currently outstanding
// for k on vifIndex (for introspection/tests).
func (t *Table) HasReceiver(k mre.Key, vifIndex int) bool {
	vifs, ok := t.members[k]
	if !ok {
		return false
	}
	return vifs[vifIndex] > 0
}
