package pimproto

import (
	"github.com/google/gopacket"
)

// RegisterMessage is a Register message: a flag word (Border and Null
// bits) followed by the original multicast datagram (spec §4.6).
type RegisterMessage struct {
	BorderBit bool
	NullBit   bool
	Payload   []byte // the encapsulated original IP datagram, unparsed
}

var registerLayerType = gopacket.RegisterLayerType(
	1803,
	gopacket.LayerTypeMetadata{Name: "PIMRegister"},
)

func (m *RegisterMessage) LayerType() gopacket.LayerType { return registerLayerType }

const (
	registerFlagBorder uint32 = 1 << 31
	registerFlagNull   uint32 = 1 << 30
)

func decodeRegister(data []byte) (*RegisterMessage, error) {
	if len(data) < 4 {
		return nil, ErrTooShort
	}
	flags := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	return &RegisterMessage{
		BorderBit: flags&registerFlagBorder != 0,
		NullBit:   flags&registerFlagNull != 0,
		Payload:   data[4:],
	}, nil
}

func (m *RegisterMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(4 + len(m.Payload))
	if err != nil {
		return err
	}
	var flags uint32
	if m.BorderBit {
		flags |= registerFlagBorder
	}
	if m.NullBit {
		flags |= registerFlagNull
	}
	putUint32(buf[0:4], flags)
	copy(buf[4:], m.Payload)
	return nil
}

// RegisterStopMessage carries the group and source the RP wants the DR
// to stop registering for (spec §4.6). Source is an encoded unicast
// address and carries no mask.
type RegisterStopMessage struct {
	Group  EncodedGroupAddr
	Source EncodedUnicastAddr
}

var registerStopLayerType = gopacket.RegisterLayerType(
	1804,
	gopacket.LayerTypeMetadata{Name: "PIMRegisterStop"},
)

func (m *RegisterStopMessage) LayerType() gopacket.LayerType { return registerStopLayerType }

func decodeRegisterStop(data []byte) (*RegisterStopMessage, error) {
	ga, n, err := decodeEncodedGroupAddr(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]
	sa, _, err := decodeEncodedUnicastAddr(data)
	if err != nil {
		return nil, err
	}
	return &RegisterStopMessage{Group: ga, Source: sa}, nil
}

func (m *RegisterStopMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	size := m.Group.wireLen() + m.Source.wireLen()
	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	n, err := m.Group.encodeTo(buf)
	if err != nil {
		return err
	}
	if _, err := m.Source.encodeTo(buf[n:]); err != nil {
		return err
	}
	return nil
}

// AssertMessage carries the (S,G) being asserted and the sender's
// routing metric preference/metric/RPT bit triple (spec §4.5).
type AssertMessage struct {
	Group            EncodedGroupAddr
	Source           EncodedUnicastAddr
	RPTBit           bool
	MetricPreference uint32
	Metric           uint32
}

var assertLayerType = gopacket.RegisterLayerType(
	1805,
	gopacket.LayerTypeMetadata{Name: "PIMAssert"},
)

func (m *AssertMessage) LayerType() gopacket.LayerType { return assertLayerType }

const assertRPTBit uint32 = 1 << 31

func decodeAssert(data []byte) (*AssertMessage, error) {
	ga, n, err := decodeEncodedGroupAddr(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]
	sa, n, err := decodeEncodedUnicastAddr(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]
	if len(data) < 8 {
		return nil, ErrTooShort
	}
	pref := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	metric := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	return &AssertMessage{
		Group:            ga,
		Source:           sa,
		RPTBit:           pref&assertRPTBit != 0,
		MetricPreference: pref &^ assertRPTBit,
		Metric:           metric,
	}, nil
}

func (m *AssertMessage) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	size := m.Group.wireLen() + m.Source.wireLen() + 8
	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	off, err := m.Group.encodeTo(buf)
	if err != nil {
		return err
	}
	n, err := m.Source.encodeTo(buf[off:])
	if err != nil {
		return err
	}
	off += n
	pref := m.MetricPreference
	if m.RPTBit {
		pref |= assertRPTBit
	}
	putUint32(buf[off:off+4], pref)
	putUint32(buf[off+4:off+8], m.Metric)
	return nil
}
