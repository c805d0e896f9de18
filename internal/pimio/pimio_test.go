package pimio

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

// mockRawConn mirrors the teacher's fake in
// client/doublezerod/internal/pim/server_test.go: a channel-backed
// stand-in for the kernel raw socket.
type mockRawConn struct {
	writeChan chan []byte
	readQueue [][]byte
	readSrc   net.IP
}

func (m *mockRawConn) WriteTo(h *ipv4.Header, b []byte, cm *ipv4.ControlMessage) error {
	cp := append([]byte(nil), b...)
	m.writeChan <- cp
	return nil
}

func (m *mockRawConn) ReadFrom(b []byte) (*ipv4.Header, []byte, *ipv4.ControlMessage, error) {
	next := m.readQueue[0]
	m.readQueue = m.readQueue[1:]
	n := copy(b, next)
	return &ipv4.Header{}, b[:n], &ipv4.ControlMessage{Src: m.readSrc}, nil
}

func (m *mockRawConn) Close() error                                    { return nil }
func (m *mockRawConn) SetMulticastInterface(iface *net.Interface) error { return nil }
func (m *mockRawConn) SetControlMessage(cm ipv4.ControlFlags, on bool) error {
	return nil
}

func TestTransportSendIncrementsStats(t *testing.T) {
	conn := &mockRawConn{writeChan: make(chan []byte, 1)}
	stats := &Stats{}
	tr := NewTransport(conn, &net.Interface{Index: 1, Name: "eth0"}, stats)

	require.NoError(t, tr.Send(netip.MustParseAddr("224.0.0.13"), []byte{0x20, 0x00, 0x00, 0x00}))
	require.Equal(t, uint64(1), stats.Snapshot().TxPackets)

	sent := <-conn.writeChan
	require.Equal(t, []byte{0x20, 0x00, 0x00, 0x00}, sent)
}

func TestTransportSendRejectsIPv6(t *testing.T) {
	conn := &mockRawConn{writeChan: make(chan []byte, 1)}
	tr := NewTransport(conn, &net.Interface{Index: 1}, &Stats{})
	err := tr.Send(netip.MustParseAddr("ff02::d"), []byte{0x20})
	require.Error(t, err)
}

func TestTransportReceive(t *testing.T) {
	conn := &mockRawConn{
		readQueue: [][]byte{{0x20, 0x00, 0x41, 0xfe}},
		readSrc:   net.IPv4(10, 0, 0, 1),
	}
	stats := &Stats{}
	tr := NewTransport(conn, &net.Interface{Index: 1}, stats)

	buf := make([]byte, 256)
	got, err := tr.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), got.Src)
	require.Equal(t, uint64(1), stats.Snapshot().RxPackets)
}
