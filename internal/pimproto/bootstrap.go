package pimproto

import (
	"github.com/google/gopacket"
)

// RPEntry is one candidate-RP record within a group-prefix block of a
// Bootstrap message (spec §4.7).
type RPEntry struct {
	Addr     EncodedUnicastAddr
	Holdtime uint16
	Priority uint8
}

// GroupPrefixEntry is a group-prefix plus its RP-set, one block of a
// Bootstrap message's RP-set payload (spec §4.7).
type GroupPrefixEntry struct {
	Group EncodedGroupAddr
	RPs   []RPEntry
}

// BootstrapMessage is the decoded Bootstrap body. The BSR floods the
// RP-set in fragments when it doesn't fit one packet; FragmentTag
// identifies the fragments of one RP-set (spec §4.7). The codec decodes
// each fragment on its own and does not reassemble them.
type BootstrapMessage struct {
	FragmentTag   uint16
	HashMaskLen   uint8
	Priority      uint8
	BSRAddr       EncodedUnicastAddr
	GroupPrefixes []GroupPrefixEntry
}

var bootstrapLayerType = gopacket.RegisterLayerType(
	1806,
	gopacket.LayerTypeMetadata{Name: "PIMBootstrap"},
)

func (m *BootstrapMessage) LayerType() gopacket.LayerType { return bootstrapLayerType }

func decodeBootstrap(data []byte) (*BootstrapMessage, error) {
	if len(data) < 4 {
		return nil, ErrTooShort
	}
	msg := &BootstrapMessage{
		FragmentTag: uint16(data[0])<<8 | uint16(data[1]),
		HashMaskLen: data[2],
		Priority:    data[3],
	}
	data = data[4:]
	ua, n, err := decodeEncodedUnicastAddr(data)
	if err != nil {
		return nil, err
	}
	msg.BSRAddr = ua
	data = data[n:]

	for len(data) > 0 {
		ga, n, err := decodeEncodedGroupAddr(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]
		if len(data) < 2 {
			return nil, ErrTooShort
		}
		rpCount := int(data[0])
		data = data[2:]

		entry := GroupPrefixEntry{Group: ga}
		for i := 0; i < rpCount; i++ {
			ua, n, err := decodeEncodedUnicastAddr(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			if len(data) < 3 {
				return nil, ErrTooShort
			}
			entry.RPs = append(entry.RPs, RPEntry{
				Addr:     ua,
				Holdtime: uint16(data[0])<<8 | uint16(data[1]),
				Priority: data[2],
			})
			data = data[4:] // holdtime(2) + priority(1) + reserved(1)
		}
		msg.GroupPrefixes = append(msg.GroupPrefixes, entry)
	}
	return msg, nil
}

func (m *BootstrapMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	size := 4 + m.BSRAddr.wireLen()
	for _, gp := range m.GroupPrefixes {
		size += gp.Group.wireLen() + 2
		for _, rp := range gp.RPs {
			size += rp.Addr.wireLen() + 4
		}
	}
	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	putUint16(buf[0:2], m.FragmentTag)
	buf[2] = m.HashMaskLen
	buf[3] = m.Priority
	off, err := m.BSRAddr.encodeTo(buf[4:])
	if err != nil {
		return err
	}
	off += 4

	for _, gp := range m.GroupPrefixes {
		n, err := gp.Group.encodeTo(buf[off:])
		if err != nil {
			return err
		}
		off += n
		buf[off] = byte(len(gp.RPs))
		buf[off+1] = 0 // reserved
		off += 2
		for _, rp := range gp.RPs {
			n, err := rp.Addr.encodeTo(buf[off:])
			if err != nil {
				return err
			}
			off += n
			putUint16(buf[off:off+2], rp.Holdtime)
			buf[off+2] = rp.Priority
			buf[off+3] = 0 // reserved
			off += 4
		}
	}
	return nil
}

// CandidateRPAdvMessage is a unicast advertisement a Candidate-RP sends
// the elected BSR (spec §4.7).
type CandidateRPAdvMessage struct {
	Priority uint8
	Holdtime uint16
	RPAddr   EncodedUnicastAddr
	Groups   []EncodedGroupAddr
}

var candidateRPAdvLayerType = gopacket.RegisterLayerType(
	1807,
	gopacket.LayerTypeMetadata{Name: "PIMCandidateRPAdv"},
)

func (m *CandidateRPAdvMessage) LayerType() gopacket.LayerType { return candidateRPAdvLayerType }

func decodeCandidateRPAdv(data []byte) (*CandidateRPAdvMessage, error) {
	if len(data) < 4 {
		return nil, ErrTooShort
	}
	msg := &CandidateRPAdvMessage{
		Holdtime: uint16(data[1])<<8 | uint16(data[2]),
	}
	prefixCount := int(data[0])
	msg.Priority = data[3]
	data = data[4:]

	ua, n, err := decodeEncodedUnicastAddr(data)
	if err != nil {
		return nil, err
	}
	msg.RPAddr = ua
	data = data[n:]

	for i := 0; i < prefixCount; i++ {
		ga, n, err := decodeEncodedGroupAddr(data)
		if err != nil {
			return nil, err
		}
		msg.Groups = append(msg.Groups, ga)
		data = data[n:]
	}
	return msg, nil
}

func (m *CandidateRPAdvMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	size := 4 + m.RPAddr.wireLen()
	for _, g := range m.Groups {
		size += g.wireLen()
	}
	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	buf[0] = byte(len(m.Groups))
	putUint16(buf[1:3], m.Holdtime)
	buf[3] = m.Priority
	off, err := m.RPAddr.encodeTo(buf[4:])
	if err != nil {
		return err
	}
	off += 4
	for _, g := range m.Groups {
		n, err := g.encodeTo(buf[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}
