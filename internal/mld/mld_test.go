package mld

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimsmd/internal/mre"
	"github.com/malbeclabs/pimsmd/internal/timer"
)

func TestAddMembershipSetsImmediateOlist(t *testing.T) {
	w := timer.New()
	mreTbl := mre.NewTable(4, w)
	mldTbl := NewTable(mreTbl)

	group := netip.MustParseAddr("239.1.1.1")
	require.NoError(t, mldTbl.AddMembership(Membership{VifIndex: 2, Group: group}))

	k := mre.Key{Type: mre.TypeWC, Group: group}
	e, ok := mreTbl.Get(k)
	require.True(t, ok)
	require.True(t, e.ImmediateOlist.Test(2))
}

func TestDeleteMembershipClearsOnLastReference(t *testing.T) {
	w := timer.New()
	mreTbl := mre.NewTable(4, w)
	mldTbl := NewTable(mreTbl)
	group := netip.MustParseAddr("239.1.1.1")
	k := mre.Key{Type: mre.TypeWC, Group: group}

	require.NoError(t, mldTbl.AddMembership(Membership{VifIndex: 1, Group: group}))
	require.NoError(t, mldTbl.AddMembership(Membership{VifIndex: 1, Group: group}))
	require.True(t, mldTbl.HasReceiver(k, 1))

	require.NoError(t, mldTbl.DeleteMembership(Membership{VifIndex: 1, Group: group}))
	require.True(t, mldTbl.HasReceiver(k, 1), "still one outstanding reference")

	require.NoError(t, mldTbl.DeleteMembership(Membership{VifIndex: 1, Group: group}))
	require.False(t, mldTbl.HasReceiver(k, 1))

	e, ok := mreTbl.Get(k)
	require.True(t, ok)
	require.False(t, e.ImmediateOlist.Test(1))
}

func TestAddMembershipRejectsNonMulticastGroup(t *testing.T) {
	w := timer.New()
	mreTbl := mre.NewTable(4, w)
	mldTbl := NewTable(mreTbl)

	err := mldTbl.AddMembership(Membership{VifIndex: 0, Group: netip.MustParseAddr("10.0.0.1")})
	require.Error(t, err)
}

func TestSourceSpecificMembershipUsesSGKey(t *testing.T) {
	w := timer.New()
	mreTbl := mre.NewTable(4, w)
	mldTbl := NewTable(mreTbl)
	group := netip.MustParseAddr("239.1.1.1")
	source := netip.MustParseAddr("10.0.0.5")

	require.NoError(t, mldTbl.AddMembership(Membership{VifIndex: 3, Group: group, Source: source, HasSource: true}))

	k := mre.Key{Type: mre.TypeSG, Source: source, Group: group}
	e, ok := mreTbl.Get(k)
	require.True(t, ok)
	require.True(t, e.ImmediateOlist.Test(3))
}
