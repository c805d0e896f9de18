package pimproto

import (
	"encoding/binary"
	"net/netip"
)

// Address-family values for encoded addresses (IANA AFI subset PIM
// uses: spec §4.9 "address-family byte").
const (
	AFIPv4 uint8 = 1
	AFIPv6 uint8 = 2
)

// Encoding type 0 is "native" for every encoded address kind; PIM-SM
// never uses the vendor-specific encodings, so it's the only one this
// codec emits or accepts.
const nativeEncoding uint8 = 0

func afiOf(a netip.Addr) (uint8, error) {
	switch {
	case a.Is4() || a.Is4In6():
		return AFIPv4, nil
	case a.Is6():
		return AFIPv6, nil
	default:
		return 0, ErrBadAddrFamily
	}
}

func addrByteLen(afi uint8) int {
	if afi == AFIPv4 {
		return 4
	}
	return 16
}

// EncodedUnicastAddr: 2-byte header (family, encoding type) followed
// by the raw address bytes.
type EncodedUnicastAddr struct {
	Addr netip.Addr
}

func (e EncodedUnicastAddr) wireLen() int {
	afi, _ := afiOf(e.Addr)
	return 2 + addrByteLen(afi)
}

func (e EncodedUnicastAddr) encodeTo(b []byte) (int, error) {
	afi, err := afiOf(e.Addr)
	if err != nil {
		return 0, err
	}
	b[0] = afi
	b[1] = nativeEncoding
	raw := e.Addr.As16()
	if afi == AFIPv4 {
		v4 := e.Addr.As4()
		copy(b[2:6], v4[:])
		return 6, nil
	}
	copy(b[2:18], raw[:])
	return 18, nil
}

func decodeEncodedUnicastAddr(data []byte) (EncodedUnicastAddr, int, error) {
	if len(data) < 2 {
		return EncodedUnicastAddr{}, 0, ErrTooShort
	}
	afi, enc := data[0], data[1]
	if enc != nativeEncoding {
		return EncodedUnicastAddr{}, 0, ErrBadEncoding
	}
	n := addrByteLen(afi)
	if afi != AFIPv4 && afi != AFIPv6 {
		return EncodedUnicastAddr{}, 0, ErrBadAddrFamily
	}
	if len(data) < 2+n {
		return EncodedUnicastAddr{}, 0, ErrTooShort
	}
	var addr netip.Addr
	if afi == AFIPv4 {
		var b [4]byte
		copy(b[:], data[2:6])
		addr = netip.AddrFrom4(b)
	} else {
		var b [16]byte
		copy(b[:], data[2:18])
		addr = netip.AddrFrom16(b)
	}
	return EncodedUnicastAddr{Addr: addr}, 2 + n, nil
}

// EncodedGroupAddr: family/encoding header, a one-byte flags field
// (bit 0: Z, the admin-scope-zone bit), a mask-length byte, and the
// group address.
type EncodedGroupAddr struct {
	AdminScopeZone bool
	MaskLen        uint8
	Group          netip.Addr
}

func (e EncodedGroupAddr) wireLen() int {
	afi, _ := afiOf(e.Group)
	return 4 + addrByteLen(afi)
}

func (e EncodedGroupAddr) encodeTo(b []byte) (int, error) {
	afi, err := afiOf(e.Group)
	if err != nil {
		return 0, err
	}
	b[0] = afi
	b[1] = nativeEncoding
	if e.AdminScopeZone {
		b[2] = 0x01
	}
	b[3] = e.MaskLen
	n := addrByteLen(afi)
	if afi == AFIPv4 {
		v4 := e.Group.As4()
		copy(b[4:4+n], v4[:])
	} else {
		v6 := e.Group.As16()
		copy(b[4:4+n], v6[:])
	}
	return 4 + n, nil
}

func decodeEncodedGroupAddr(data []byte) (EncodedGroupAddr, int, error) {
	if len(data) < 4 {
		return EncodedGroupAddr{}, 0, ErrTooShort
	}
	afi, enc := data[0], data[1]
	if enc != nativeEncoding {
		return EncodedGroupAddr{}, 0, ErrBadEncoding
	}
	if afi != AFIPv4 && afi != AFIPv6 {
		return EncodedGroupAddr{}, 0, ErrBadAddrFamily
	}
	n := addrByteLen(afi)
	if len(data) < 4+n {
		return EncodedGroupAddr{}, 0, ErrTooShort
	}
	var addr netip.Addr
	if afi == AFIPv4 {
		var b [4]byte
		copy(b[:], data[4:8])
		addr = netip.AddrFrom4(b)
	} else {
		var b [16]byte
		copy(b[:], data[4:20])
		addr = netip.AddrFrom16(b)
	}
	return EncodedGroupAddr{
		AdminScopeZone: data[2]&0x01 != 0,
		MaskLen:        data[3],
		Group:          addr,
	}, 4 + n, nil
}

// EncodedSourceAddr: family/encoding header, a flags byte carrying the
// S (Sparse), W (WC, wildcard), and R (RPT) bits, a mask-length byte,
// and the source address (spec §3 (S,G)/(*,G)/(*,*,RP) encodings use
// these bits to distinguish entry kinds on the wire).
type EncodedSourceAddr struct {
	Sparse  bool
	WC      bool
	RPT     bool
	MaskLen uint8
	Source  netip.Addr
}

const (
	srcFlagRPT    = 0x01
	srcFlagWC     = 0x02
	srcFlagSparse = 0x04
)

func (e EncodedSourceAddr) wireLen() int {
	afi, _ := afiOf(e.Source)
	return 4 + addrByteLen(afi)
}

func (e EncodedSourceAddr) encodeTo(b []byte) (int, error) {
	afi, err := afiOf(e.Source)
	if err != nil {
		return 0, err
	}
	b[0] = afi
	b[1] = nativeEncoding
	var flags uint8
	if e.RPT {
		flags |= srcFlagRPT
	}
	if e.WC {
		flags |= srcFlagWC
	}
	if e.Sparse {
		flags |= srcFlagSparse
	}
	b[2] = flags
	b[3] = e.MaskLen
	n := addrByteLen(afi)
	if afi == AFIPv4 {
		v4 := e.Source.As4()
		copy(b[4:4+n], v4[:])
	} else {
		v6 := e.Source.As16()
		copy(b[4:4+n], v6[:])
	}
	return 4 + n, nil
}

func decodeEncodedSourceAddr(data []byte) (EncodedSourceAddr, int, error) {
	if len(data) < 4 {
		return EncodedSourceAddr{}, 0, ErrTooShort
	}
	afi, enc := data[0], data[1]
	if enc != nativeEncoding {
		return EncodedSourceAddr{}, 0, ErrBadEncoding
	}
	if afi != AFIPv4 && afi != AFIPv6 {
		return EncodedSourceAddr{}, 0, ErrBadAddrFamily
	}
	n := addrByteLen(afi)
	if len(data) < 4+n {
		return EncodedSourceAddr{}, 0, ErrTooShort
	}
	var addr netip.Addr
	if afi == AFIPv4 {
		var b [4]byte
		copy(b[:], data[4:8])
		addr = netip.AddrFrom4(b)
	} else {
		var b [16]byte
		copy(b[:], data[4:20])
		addr = netip.AddrFrom16(b)
	}
	flags := data[2]
	return EncodedSourceAddr{
		RPT:     flags&srcFlagRPT != 0,
		WC:      flags&srcFlagWC != 0,
		Sparse:  flags&srcFlagSparse != 0,
		MaskLen: data[3],
		Source:  addr,
	}, 4 + n, nil
}

func putUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
