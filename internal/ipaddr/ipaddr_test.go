package ipaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFamilyOf(t *testing.T) {
	f, err := FamilyOf(netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, FamilyV4, f)

	f, err = FamilyOf(netip.MustParseAddr("ff02::1"))
	require.NoError(t, err)
	require.Equal(t, FamilyV6, f)
}

func TestCheckFamilyMismatch(t *testing.T) {
	err := CheckFamily(FamilyV4, netip.MustParseAddr("ff02::1"))
	require.Error(t, err)
}

func TestMaskGroup(t *testing.T) {
	g := netip.MustParseAddr("239.2.2.2")
	masked, err := MaskGroup(g, 30)
	require.NoError(t, err)
	require.Equal(t, "239.2.2.0", masked.String())

	masked, err = MaskGroup(g, 32)
	require.NoError(t, err)
	require.Equal(t, g, masked)

	masked, err = MaskGroup(g, 0)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", masked.String())
}

func TestBitLen(t *testing.T) {
	require.Equal(t, 32, FamilyV4.BitLen())
	require.Equal(t, 128, FamilyV6.BitLen())
}
