package pimproto

import (
	"net/netip"

	"github.com/google/gopacket"
)

// GroupEntry is one multicast-group block within a Join/Prune message:
// the group address followed by its joined- and pruned-source lists
// (spec §4.3/§4.4).
type GroupEntry struct {
	Group         EncodedGroupAddr
	JoinedSources []EncodedSourceAddr
	PrunedSources []EncodedSourceAddr
}

// JoinPruneMessage is the decoded Join/Prune body (spec §4.9 diagram).
type JoinPruneMessage struct {
	UpstreamNeighbor netip.Addr
	Holdtime         uint16
	Groups           []GroupEntry
}

var joinPruneLayerType = gopacket.RegisterLayerType(
	1802,
	gopacket.LayerTypeMetadata{Name: "PIMJoinPrune"},
)

func (m *JoinPruneMessage) LayerType() gopacket.LayerType { return joinPruneLayerType }

func decodeJoinPrune(data []byte) (*JoinPruneMessage, error) {
	ua, n, err := decodeEncodedUnicastAddr(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]
	if len(data) < 4 {
		return nil, ErrTooShort
	}
	numGroups := int(data[1])
	holdtime := uint16(data[2])<<8 | uint16(data[3])
	data = data[4:]

	msg := &JoinPruneMessage{UpstreamNeighbor: ua.Addr, Holdtime: holdtime}
	for g := 0; g < numGroups; g++ {
		ga, n, err := decodeEncodedGroupAddr(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]
		if len(data) < 4 {
			return nil, ErrTooShort
		}
		numJoined := int(data[0])<<8 | int(data[1])
		numPruned := int(data[2])<<8 | int(data[3])
		data = data[4:]

		entry := GroupEntry{Group: ga}
		for i := 0; i < numJoined; i++ {
			sa, n, err := decodeEncodedSourceAddr(data)
			if err != nil {
				return nil, err
			}
			entry.JoinedSources = append(entry.JoinedSources, sa)
			data = data[n:]
		}
		for i := 0; i < numPruned; i++ {
			sa, n, err := decodeEncodedSourceAddr(data)
			if err != nil {
				return nil, err
			}
			entry.PrunedSources = append(entry.PrunedSources, sa)
			data = data[n:]
		}
		msg.Groups = append(msg.Groups, entry)
	}
	return msg, nil
}

func (m *JoinPruneMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	ua := EncodedUnicastAddr{Addr: m.UpstreamNeighbor}
	size := ua.wireLen() + 4
	for _, g := range m.Groups {
		size += g.Group.wireLen() + 4
		for _, s := range g.JoinedSources {
			size += s.wireLen()
		}
		for _, s := range g.PrunedSources {
			size += s.wireLen()
		}
	}
	if len(m.Groups) > 255 {
		return ErrMalformed
	}

	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	off, err := ua.encodeTo(buf)
	if err != nil {
		return err
	}
	buf[off] = 0 // reserved
	buf[off+1] = byte(len(m.Groups))
	putUint16(buf[off+2:off+4], m.Holdtime)
	off += 4

	for _, g := range m.Groups {
		n, err := g.Group.encodeTo(buf[off:])
		if err != nil {
			return err
		}
		off += n
		putUint16(buf[off:off+2], uint16(len(g.JoinedSources)))
		putUint16(buf[off+2:off+4], uint16(len(g.PrunedSources)))
		off += 4
		for _, s := range g.JoinedSources {
			n, err := s.encodeTo(buf[off:])
			if err != nil {
				return err
			}
			off += n
		}
		for _, s := range g.PrunedSources {
			n, err := s.encodeTo(buf[off:])
			if err != nil {
				return err
			}
			off += n
		}
	}
	return nil
}
