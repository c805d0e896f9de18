// Package ipaddr provides an address-family-polymorphic IP address and
// prefix pair. A pimsmd process is bound to exactly one family at
// construction and never mixes families at runtime.
package ipaddr

import (
	"fmt"
	"net/netip"
)

// Family identifies the address family a daemon instance is bound to.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// BitLen returns the address bit length for the family (32 or 128),
// used by the BSR hash-mask-length boundary checks.
func (f Family) BitLen() int {
	if f == FamilyV6 {
		return 128
	}
	return 32
}

// AllPIMRouters returns the well-known link-local all-PIM-routers
// multicast address for the family.
func AllPIMRouters(f Family) netip.Addr {
	if f == FamilyV6 {
		return netip.MustParseAddr("ff02::d")
	}
	return netip.MustParseAddr("224.0.0.13")
}

// FamilyOf returns the Family of an address, erroring if the address
// is invalid or doesn't match a known family.
func FamilyOf(a netip.Addr) (Family, error) {
	switch {
	case a.Is4() || a.Is4In6():
		return FamilyV4, nil
	case a.Is6():
		return FamilyV6, nil
	default:
		return 0, fmt.Errorf("ipaddr: invalid address %v", a)
	}
}

// CheckFamily reports whether addr belongs to family f. A zero/invalid
// addr is accepted since MRE and MFC keys are sometimes constructed
// before a source address is known (e.g. (*,G) entries).
func CheckFamily(f Family, addr netip.Addr) error {
	if !addr.IsValid() {
		return nil
	}
	got, err := FamilyOf(addr)
	if err != nil {
		return err
	}
	if got != f {
		return fmt.Errorf("ipaddr: address %v is %v, daemon is bound to %v", addr, got, f)
	}
	return nil
}

// GlobalScopePrefix returns the "entire address space" prefix used as
// the implicit scope zone for non-scoped ("global") BSR zones.
func GlobalScopePrefix(f Family) netip.Prefix {
	if f == FamilyV6 {
		return netip.MustParsePrefix("ff00::/8")
	}
	return netip.MustParsePrefix("224.0.0.0/4")
}

// MaskGroup zeroes the low (bitlen-maskLen) bits of a group address,
// used by the BSR group-to-RP hash (spec §4.7). maskLen must be in
// [0, family bit length].
func MaskGroup(g netip.Addr, maskLen int) (netip.Addr, error) {
	bl := g.BitLen()
	if maskLen < 0 || maskLen > bl {
		return netip.Addr{}, fmt.Errorf("ipaddr: mask length %d out of range for %d-bit address", maskLen, bl)
	}
	p, err := g.Prefix(maskLen)
	if err != nil {
		return netip.Addr{}, err
	}
	return p.Masked().Addr(), nil
}
