// Package pimproto implements the PIMv2 wire codec: the common header,
// encoded unicast/group/source addresses, and every message type this
// engine sends or receives (Hello, Join/Prune, Register, Register-Stop,
// Assert, Bootstrap, Candidate-RP-Advertisement).
//
// Layering follows the gopacket convention used elsewhere in the pack:
// each message type registers a gopacket.LayerType and a DecodeFunc,
// and the common header's DecodeFunc dispatches to the per-type decoder
// via PacketBuilder.NextDecoder. Every message also implements
// gopacket.SerializableLayer so the same struct serializes and decodes
// (spec §8: round-trip idempotence).
package pimproto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MessageType is the 4-bit PIM message type field (spec §4.9).
type MessageType uint8

const (
	TypeHello            MessageType = 0
	TypeRegister         MessageType = 1
	TypeRegisterStop     MessageType = 2
	TypeJoinPrune        MessageType = 3
	TypeBootstrap        MessageType = 4
	TypeAssert           MessageType = 5
	TypeGraft            MessageType = 6
	TypeGraftAck         MessageType = 7
	TypeCandidateRPAdv   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeRegister:
		return "Register"
	case TypeRegisterStop:
		return "Register-Stop"
	case TypeJoinPrune:
		return "Join/Prune"
	case TypeBootstrap:
		return "Bootstrap"
	case TypeAssert:
		return "Assert"
	case TypeGraft:
		return "Graft"
	case TypeGraftAck:
		return "Graft-Ack"
	case TypeCandidateRPAdv:
		return "Candidate-RP-Advertisement"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

const ProtocolVersion uint8 = 2

// Header is the 4-byte PIM common header (spec §4.9).
type Header struct {
	Version  uint8
	Type     MessageType
	Reserved uint8
	Checksum uint16
}

func (h Header) encodeTo(b []byte) {
	b[0] = (h.Version << 4) | byte(h.Type)
	b[1] = h.Reserved
	binary.BigEndian.PutUint16(b[2:4], h.Checksum)
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < 4 {
		return Header{}, ErrTooShort
	}
	return Header{
		Version:  data[0] >> 4,
		Type:     MessageType(data[0] & 0x0F),
		Reserved: data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// Validation errors (spec §4.9: "the codec validates..."). Each one
// causes the message to be counted and discarded without mutating any
// neighbor state; callers at the pimio layer are responsible for that
// bookkeeping.
var (
	ErrTooShort       = errors.New("pimproto: message too short")
	ErrBadVersion     = errors.New("pimproto: unsupported PIM version")
	ErrUnknownType    = errors.New("pimproto: unknown message type")
	ErrBadChecksum    = errors.New("pimproto: checksum mismatch")
	ErrBadAddrFamily  = errors.New("pimproto: unsupported address family")
	ErrBadEncoding    = errors.New("pimproto: unsupported address encoding type")
	ErrMalformed      = errors.New("pimproto: malformed message body")
)

// knownTypes is consulted during decode; Graft/Graft-Ack are PIM-DM
// only and are accepted at the header level but rejected by the
// version/type gate the same way an unsupported vendor type would be,
// since this engine only speaks PIM-SM.
var knownTypes = map[MessageType]bool{
	TypeHello: true, TypeRegister: true, TypeRegisterStop: true,
	TypeJoinPrune: true, TypeBootstrap: true, TypeAssert: true,
	TypeCandidateRPAdv: true,
}

// checksum16 computes the IP-style ones-complement checksum over data
// (spec §4.9: "PIM-message checksum" for IPv4; callers needing the
// IPv6 pseudo-header variant prepend it before calling this).
func checksum16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ipv6PseudoHeader builds the PIM-over-IPv6 pseudo-header checksum
// input: source address, destination address, PIM packet length, and
// next-header value 103 (PIM), per RFC 2460 §8.1 as referenced by
// spec §4.9.
func ipv6PseudoHeader(src, dst [16]byte, pimLen uint32) []byte {
	buf := make([]byte, 40)
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	binary.BigEndian.PutUint32(buf[32:36], pimLen)
	buf[39] = 103
	return buf
}

// ChecksumIPv4 returns the checksum for a fully-serialized PIM message
// body (header + rest), IPv4 semantics: a plain checksum over the PIM
// message alone.
func ChecksumIPv4(pimMsg []byte) uint16 {
	return checksum16(pimMsg)
}

// ChecksumIPv6 returns the checksum for a fully-serialized PIM message
// body under IPv6 semantics: the message prefixed by the pseudo-header.
func ChecksumIPv6(pimMsg []byte, src, dst [16]byte) uint16 {
	ph := ipv6PseudoHeader(src, dst, uint32(len(pimMsg)))
	full := append(ph, pimMsg...)
	return checksum16(full)
}

var PIMLayerType = gopacket.RegisterLayerType(
	1800,
	gopacket.LayerTypeMetadata{Name: "PIM", Decoder: gopacket.DecodeFunc(decodePIM)},
)

// Message is the decoded common header layer. Its Body holds the
// type-specific decoded message (one of HelloMessage, JoinPruneMessage,
// RegisterMessage, RegisterStopMessage, AssertMessage,
// BootstrapMessage, CandidateRPAdvMessage), or nil if the type is
// unrecognized.
type Message struct {
	layers.BaseLayer
	Header Header
	Body   interface{}
}

func (m *Message) LayerType() gopacket.LayerType { return PIMLayerType }

func decodePIM(data []byte, pb gopacket.PacketBuilder) error {
	hdr, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if hdr.Version != ProtocolVersion {
		return ErrBadVersion
	}
	if !knownTypes[hdr.Type] {
		return ErrUnknownType
	}
	msg := &Message{
		BaseLayer: layers.BaseLayer{Contents: data[:4], Payload: data[4:]},
		Header:    hdr,
	}
	body, err := decodeBody(hdr.Type, data[4:])
	if err != nil {
		return err
	}
	msg.Body = body
	pb.AddLayer(msg)
	return nil
}

func decodeBody(t MessageType, data []byte) (interface{}, error) {
	switch t {
	case TypeHello:
		return decodeHello(data)
	case TypeJoinPrune:
		return decodeJoinPrune(data)
	case TypeRegister:
		return decodeRegister(data)
	case TypeRegisterStop:
		return decodeRegisterStop(data)
	case TypeAssert:
		return decodeAssert(data)
	case TypeBootstrap:
		return decodeBootstrap(data)
	case TypeCandidateRPAdv:
		return decodeCandidateRPAdv(data)
	default:
		return nil, ErrUnknownType
	}
}

// SerializeTo renders the header followed by the serialized body, then
// patches the checksum field once the full message is known, mirroring
// the checksum-after-serialize ordering the teacher's send path uses.
func (m *Message) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	var bodyBuf gopacket.SerializeBuffer = gopacket.NewSerializeBuffer()
	if m.Body != nil {
		ser, ok := m.Body.(gopacket.SerializableLayer)
		if !ok {
			return fmt.Errorf("pimproto: body type %T is not serializable", m.Body)
		}
		if err := ser.SerializeTo(bodyBuf, opts); err != nil {
			return err
		}
	}
	bytes, err := b.PrependBytes(4 + len(bodyBuf.Bytes()))
	if err != nil {
		return err
	}
	m.Header.encodeTo(bytes[0:4])
	copy(bytes[4:], bodyBuf.Bytes())
	if opts.ComputeChecksums {
		bytes[2], bytes[3] = 0, 0
		cksum := ChecksumIPv4(bytes)
		binary.BigEndian.PutUint16(bytes[2:4], cksum)
		m.Header.Checksum = cksum
	}
	return nil
}
