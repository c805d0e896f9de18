// Package pimio is the transport glue between the engine and the
// kernel: sending/receiving raw PIM datagrams on a vif and tracking
// the per-vif statistics the codec's validation failures feed into
// (spec §4.9, §6 "send/recv" RPC channel).
package pimio

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// PIMProtocolNumber is the IP protocol number PIM datagrams carry
// (IANA 103), used as both the IPv4 header protocol field and the
// socket protocol argument.
const PIMProtocolNumber = 103

// RawConn is the minimal raw-socket surface this package needs,
// matching the teacher's RawConner interface in
// client/doublezerod/internal/pim/server.go so the same mocking
// approach (a hand-rolled fake in tests) carries over unchanged.
type RawConn interface {
	WriteTo(h *ipv4.Header, b []byte, cm *ipv4.ControlMessage) error
	ReadFrom(b []byte) (h *ipv4.Header, payload []byte, cm *ipv4.ControlMessage, err error)
	SetMulticastInterface(iface *net.Interface) error
	SetControlMessage(cm ipv4.ControlFlags, on bool) error
	Close() error
}

// Stats is the set of per-vif packet counters spec §4.9 requires:
// every codec validation failure increments exactly one of these
// without mutating any neighbor state.
type Stats struct {
	RxPackets      atomic.Uint64
	TxPackets      atomic.Uint64
	RxMalformed    atomic.Uint64
	RxBadVersion   atomic.Uint64
	RxBadChecksum  atomic.Uint64
	RxUnknownType  atomic.Uint64
	TxErrors       atomic.Uint64
}

// Snapshot is an immutable copy of Stats for introspection endpoints.
type Snapshot struct {
	RxPackets, TxPackets                                       uint64
	RxMalformed, RxBadVersion, RxBadChecksum, RxUnknownType     uint64
	TxErrors                                                    uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RxPackets:     s.RxPackets.Load(),
		TxPackets:     s.TxPackets.Load(),
		RxMalformed:   s.RxMalformed.Load(),
		RxBadVersion:  s.RxBadVersion.Load(),
		RxBadChecksum: s.RxBadChecksum.Load(),
		RxUnknownType: s.RxUnknownType.Load(),
		TxErrors:      s.TxErrors.Load(),
	}
}

// Transport sends and receives PIM datagrams on one vif over a raw
// IPv4 socket. One Transport is constructed per vif by the caller
// (internal/engine), which also owns the per-vif Stats instance.
type Transport struct {
	conn  RawConn
	iface *net.Interface
	stats *Stats
}

func NewTransport(conn RawConn, iface *net.Interface, stats *Stats) *Transport {
	return &Transport{conn: conn, iface: iface, stats: stats}
}

// Send writes a fully-serialized PIM message (header through body,
// checksum already computed) to dst with TTL 1, mirroring the
// teacher's sendMsg: one raw-IP write per PIM message, no fragmentation.
func (t *Transport) Send(dst netip.Addr, body []byte) error {
	if !dst.Is4() {
		return fmt.Errorf("pimio: IPv6 send not supported by this transport")
	}
	iph := &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TTL:      1,
		Protocol: PIMProtocolNumber,
		Dst:      net.IP(dst.AsSlice()),
		TotalLen: ipv4.HeaderLen + len(body),
	}
	cm := &ipv4.ControlMessage{IfIndex: t.iface.Index}
	if err := t.conn.WriteTo(iph, body, cm); err != nil {
		t.stats.TxErrors.Add(1)
		return fmt.Errorf("pimio: write to %s on %s: %w", dst, t.iface.Name, err)
	}
	t.stats.TxPackets.Add(1)
	return nil
}

// Received is one inbound datagram, already stripped of its IP header
// by the kernel raw-socket layer, with the sender resolved. It does not
// carry the arrival vif; the caller knows which vif's transport it read.
type Received struct {
	Src  netip.Addr
	Body []byte
}

// Receive blocks for one inbound datagram. The caller (the engine's
// read-pump goroutine, which only ever hands the result to the
// single-threaded event loop via a channel) is responsible for not
// calling this concurrently with Send in a way that would violate the
// one-outstanding-call-per-channel rule (spec §5 Shared resources).
func (t *Transport) Receive(buf []byte) (*Received, error) {
	_, payload, cm, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("pimio: read on %s: %w", t.iface.Name, err)
	}
	t.stats.RxPackets.Add(1)
	src, ok := netip.AddrFromSlice(cm.Src)
	if !ok {
		t.stats.RxMalformed.Add(1)
		return nil, fmt.Errorf("pimio: unresolvable source address")
	}
	return &Received{Src: src.Unmap(), Body: payload}, nil
}

func (t *Transport) Close() error { return t.conn.Close() }

// OpenRawConn opens a raw IP socket bound to protocol 103 (PIM) and
// wraps it as a Transport for ifaceName, mirroring the teacher's
// internal/pim/cmd/send raw-conn setup: ListenPacket("ip4:103", ...)
// then ipv4.NewRawConn, which satisfies RawConn directly.
func OpenRawConn(ifaceName string, stats *Stats) (*Transport, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("pimio: lookup interface %s: %w", ifaceName, err)
	}
	pc, err := net.ListenPacket("ip4:103", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("pimio: listen on %s: %w", ifaceName, err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("pimio: raw conn on %s: %w", ifaceName, err)
	}
	if err := raw.SetMulticastInterface(iface); err != nil {
		raw.Close()
		return nil, fmt.Errorf("pimio: set multicast interface %s: %w", ifaceName, err)
	}
	if err := raw.SetControlMessage(ipv4.FlagInterface|ipv4.FlagSrc, true); err != nil {
		raw.Close()
		return nil, fmt.Errorf("pimio: set control message %s: %w", ifaceName, err)
	}
	return NewTransport(raw, iface, stats), nil
}
