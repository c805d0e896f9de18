package pimproto

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
)

// OptionType identifies a Hello option TLV (spec §4.9, teacher's
// OptionType constants in internal/pim/pim.go).
type OptionType uint16

const (
	OptHoldtime      OptionType = 1
	OptLANPruneDelay OptionType = 2
	OptDRPriority    OptionType = 19
	OptGenerationID  OptionType = 20
	OptStateRefresh  OptionType = 21
	OptAddressList   OptionType = 24
)

// HelloMessage is the decoded body of a Hello (spec §4.2). Every field
// is optional on the wire except Holdtime and GenerationID, which this
// engine always sends.
type HelloMessage struct {
	Holdtime             uint16
	PropagationDelay     uint16
	OverrideInterval     uint16
	DRPriority           uint32
	HasDRPriority        bool
	GenerationID         uint32
	StateRefreshVersion  uint8
	StateRefreshInterval uint8
	SecondaryAddresses   []netip.Addr
}

func (h *HelloMessage) LayerType() gopacket.LayerType { return helloLayerType }

var helloLayerType = gopacket.RegisterLayerType(
	1801,
	gopacket.LayerTypeMetadata{Name: "PIMHello"},
)

func decodeHello(data []byte) (*HelloMessage, error) {
	h := &HelloMessage{}
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrTooShort
		}
		optType := OptionType(binary.BigEndian.Uint16(data[0:2]))
		optLen := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+optLen {
			return nil, ErrTooShort
		}
		val := data[4 : 4+optLen]
		switch optType {
		case OptHoldtime:
			if len(val) < 2 {
				return nil, ErrMalformed
			}
			h.Holdtime = binary.BigEndian.Uint16(val)
		case OptLANPruneDelay:
			if len(val) < 4 {
				return nil, ErrMalformed
			}
			h.PropagationDelay = binary.BigEndian.Uint16(val[0:2])
			h.OverrideInterval = binary.BigEndian.Uint16(val[2:4])
		case OptDRPriority:
			if len(val) < 4 {
				return nil, ErrMalformed
			}
			h.DRPriority = binary.BigEndian.Uint32(val)
			h.HasDRPriority = true
		case OptGenerationID:
			if len(val) < 4 {
				return nil, ErrMalformed
			}
			h.GenerationID = binary.BigEndian.Uint32(val)
		case OptStateRefresh:
			if len(val) < 4 {
				return nil, ErrMalformed
			}
			h.StateRefreshVersion = val[0]
			h.StateRefreshInterval = val[1]
		case OptAddressList:
			addrs, err := decodeAddressList(val)
			if err != nil {
				return nil, err
			}
			h.SecondaryAddresses = addrs
		default:
			// Unknown options are ignored, not fatal (RFC 7761 §4.3.1).
		}
		data = data[4+optLen:]
	}
	return h, nil
}

func decodeAddressList(data []byte) ([]netip.Addr, error) {
	var out []netip.Addr
	for len(data) > 0 {
		ua, n, err := decodeEncodedUnicastAddr(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ua.Addr)
		data = data[n:]
	}
	return out, nil
}

func (h *HelloMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	size := 8 // Holdtime (2+2+2) + GenerationID (2+2+4) header pairs, computed precisely below
	size = 0
	size += 4 + 2 // Holdtime option
	size += 4 + 4 // GenerationID option
	if h.HasDRPriority {
		size += 4 + 4
	}
	if h.PropagationDelay != 0 || h.OverrideInterval != 0 {
		size += 4 + 4
	}
	if h.StateRefreshVersion != 0 || h.StateRefreshInterval != 0 {
		size += 4 + 4
	}
	for _, a := range h.SecondaryAddresses {
		afi, err := afiOf(a)
		if err != nil {
			return err
		}
		size += 4 + 2 + addrByteLen(afi)
	}

	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	off := 0
	putOpt := func(t OptionType, val []byte) {
		putUint16(buf[off:off+2], uint16(t))
		putUint16(buf[off+2:off+4], uint16(len(val)))
		copy(buf[off+4:off+4+len(val)], val)
		off += 4 + len(val)
	}

	holdVal := make([]byte, 2)
	putUint16(holdVal, h.Holdtime)
	putOpt(OptHoldtime, holdVal)

	genVal := make([]byte, 4)
	putUint32(genVal, h.GenerationID)
	putOpt(OptGenerationID, genVal)

	if h.HasDRPriority {
		drVal := make([]byte, 4)
		putUint32(drVal, h.DRPriority)
		putOpt(OptDRPriority, drVal)
	}
	if h.PropagationDelay != 0 || h.OverrideInterval != 0 {
		lpd := make([]byte, 4)
		putUint16(lpd[0:2], h.PropagationDelay)
		putUint16(lpd[2:4], h.OverrideInterval)
		putOpt(OptLANPruneDelay, lpd)
	}
	if h.StateRefreshVersion != 0 || h.StateRefreshInterval != 0 {
		sr := make([]byte, 4)
		sr[0] = h.StateRefreshVersion
		sr[1] = h.StateRefreshInterval
		putOpt(OptStateRefresh, sr)
	}
	for _, a := range h.SecondaryAddresses {
		ua := EncodedUnicastAddr{Addr: a}
		addrBuf := make([]byte, ua.wireLen())
		if _, err := ua.encodeTo(addrBuf); err != nil {
			return err
		}
		putOpt(OptAddressList, addrBuf)
	}
	return nil
}
