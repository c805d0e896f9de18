// Package fea implements the forwarding-engine-abstraction RPC client:
// the control-plane's only path to the kernel's multicast forwarding
// state (spec §6 External interfaces, FEA column).
package fea

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malbeclabs/pimsmd/internal/bitset"
)

// KernelSignalKind identifies which of the three kernel upcalls a
// recv_kernel_signal_message delivered (spec §6).
type KernelSignalKind uint8

const (
	SignalNoCache KernelSignalKind = iota
	SignalWrongVif
	SignalWholePacket
)

func (k KernelSignalKind) String() string {
	switch k {
	case SignalNoCache:
		return "nocache"
	case SignalWrongVif:
		return "wrongvif"
	case SignalWholePacket:
		return "wholepkt"
	default:
		return "unknown"
	}
}

// KernelSignal is one upcall from the forwarding agent reporting a
// packet the kernel's MFC couldn't forward on its own.
type KernelSignal struct {
	Kind       KernelSignalKind
	VifIndex   int
	Source     netip.Addr
	Group      netip.Addr
	PacketData []byte // only populated for SignalWholePacket
}

// DataflowSignal is one add_dataflow_monitor callback (spec §4.8,
// §6 recv_dataflow_signal).
type DataflowSignal struct {
	Source   netip.Addr
	Group    netip.Addr
	Interval time.Duration
	Packets  uint64
	Bytes    uint64
}

// MFCEntry is the wire shape of add_mfc/delete_mfc (spec §6, §3 MFC
// entry); Outgoing mirrors internal/mfc.Entry's bitset. Neither package
// imports the other: internal/mfc stays transport-free and reaches the
// forwarding agent only through the push/delete callbacks the engine
// supplies, so the shape is repeated here structurally.
type MFCEntry struct {
	Source       netip.Addr
	Group        netip.Addr
	IncomingVif  int
	Outgoing     *bitset.Set
	RPAddr       netip.Addr
	HasRP        bool
}

// Conn is the raw RPC transport to the forwarding agent: one call per
// contract operation, synchronous, returning a plain error on failure.
// A concrete implementation might be a Unix-domain-socket RPC client,
// a gRPC stub, or (in tests) a fake. Conn owns no retry policy; Client
// below supplies that.
type Conn interface {
	RegisterProtocol(ctx context.Context, protoName string) error
	UnregisterProtocol(ctx context.Context, protoName string) error
	RegisterReceiver(ctx context.Context, vifIndex int) error

	Send(ctx context.Context, vifIndex int, dst netip.Addr, payload []byte) error
	Recv(ctx context.Context) ([]byte, netip.Addr, error)
	RecvKernelSignalMessage(ctx context.Context) (*KernelSignal, error)

	JoinMulticastGroup(ctx context.Context, vifIndex int, group netip.Addr) error
	LeaveMulticastGroup(ctx context.Context, vifIndex int, group netip.Addr) error

	AddMFC(ctx context.Context, e MFCEntry) error
	DeleteMFC(ctx context.Context, source, group netip.Addr) error

	AddDataflowMonitor(ctx context.Context, source, group netip.Addr, interval time.Duration, thresholdBytes uint64) error
	DeleteDataflowMonitor(ctx context.Context, source, group netip.Addr) error
	DeleteAllDataflowMonitors(ctx context.Context, source, group netip.Addr) error
	RecvDataflowSignal(ctx context.Context) (*DataflowSignal, error)

	Close() error
}

// ErrPeerDead marks a Conn error as meaning the forwarding agent
// process itself is gone, not merely that one call failed (spec §7:
// "peer target death: log error, shut down the engine; no autonomous
// forwarding without a control plane"). Conn implementations should
// wrap transport-level EOF/connection-refused errors in this so
// Client can tell the two apart.
var ErrPeerDead = errors.New("fea: peer is dead")

// Permanent marks a Conn error as non-retryable (spec §7:
// "COMMAND_FAILED ... logged as failed, not retried"). Everything
// else returned by a Conn method is assumed transient and retried
// with backoff.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Client wraps a Conn with the retry-with-backoff policy spec §5/§7
// require of every RPC to the forwarding agent, and a hook to notify
// the engine when the peer itself has died so it can shut down.
type Client struct {
	conn   Conn
	log    *slog.Logger
	newBO  func() backoff.BackOff
	onDead func(error)
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the default exponential backoff policy.
func WithBackoff(newBO func() backoff.BackOff) Option {
	return func(c *Client) { c.newBO = newBO }
}

// WithOnPeerDead registers the callback invoked once, the first time
// any call observes ErrPeerDead.
func WithOnPeerDead(fn func(error)) Option {
	return func(c *Client) { c.onDead = fn }
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	return b
}

func NewClient(conn Conn, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{conn: conn, log: log, newBO: defaultBackoff}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call retries op with backoff until it succeeds, returns a Permanent
// error, exhausts the policy, or the context is cancelled. A peer-dead
// error short-circuits retrying entirely and fires onDead once.
func (c *Client) call(ctx context.Context, name string, op func() error) error {
	bo := backoff.WithContext(c.newBO(), ctx)
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPeerDead) {
			c.log.Error("fea: peer died", "op", name, "err", err)
			if c.onDead != nil {
				c.onDead(err)
			}
			return backoff.Permanent(err)
		}
		c.log.Warn("fea: rpc attempt failed", "op", name, "attempt", attempt, "err", err)
		return err
	}
	err := backoff.Retry(wrapped, bo)
	if err != nil {
		return fmt.Errorf("fea: %s: %w", name, err)
	}
	return nil
}

func (c *Client) RegisterProtocol(ctx context.Context, protoName string) error {
	return c.call(ctx, "register_protocol", func() error { return c.conn.RegisterProtocol(ctx, protoName) })
}

func (c *Client) UnregisterProtocol(ctx context.Context, protoName string) error {
	return c.call(ctx, "unregister_protocol", func() error { return c.conn.UnregisterProtocol(ctx, protoName) })
}

func (c *Client) RegisterReceiver(ctx context.Context, vifIndex int) error {
	return c.call(ctx, "register_receiver", func() error { return c.conn.RegisterReceiver(ctx, vifIndex) })
}

func (c *Client) Send(ctx context.Context, vifIndex int, dst netip.Addr, payload []byte) error {
	return c.call(ctx, "send", func() error { return c.conn.Send(ctx, vifIndex, dst, payload) })
}

// Recv is not retried: it's a blocking read of the next inbound PIM
// packet, and any error is returned to the caller unchanged.
func (c *Client) Recv(ctx context.Context) ([]byte, netip.Addr, error) {
	return c.conn.Recv(ctx)
}

// RecvKernelSignalMessage is likewise not retried; any error is
// returned to the caller unchanged.
func (c *Client) RecvKernelSignalMessage(ctx context.Context) (*KernelSignal, error) {
	return c.conn.RecvKernelSignalMessage(ctx)
}

func (c *Client) JoinMulticastGroup(ctx context.Context, vifIndex int, group netip.Addr) error {
	return c.call(ctx, "join_multicast_group", func() error { return c.conn.JoinMulticastGroup(ctx, vifIndex, group) })
}

func (c *Client) LeaveMulticastGroup(ctx context.Context, vifIndex int, group netip.Addr) error {
	return c.call(ctx, "leave_multicast_group", func() error { return c.conn.LeaveMulticastGroup(ctx, vifIndex, group) })
}

// AddMFC is retried on transient failure, but a rejection the agent
// reports as permanent (e.g. a malformed outgoing set) is only logged
// (spec §7: "forwarding-agent rejection of add_mfc/monitor requests:
// log and continue; the MRE retains its derived state so it is
// re-pushed on the next recompute"). The caller (internal/mfc) is
// responsible for that retention; this layer just surfaces the error.
func (c *Client) AddMFC(ctx context.Context, e MFCEntry) error {
	return c.call(ctx, "add_mfc", func() error { return c.conn.AddMFC(ctx, e) })
}

func (c *Client) DeleteMFC(ctx context.Context, source, group netip.Addr) error {
	return c.call(ctx, "delete_mfc", func() error { return c.conn.DeleteMFC(ctx, source, group) })
}

func (c *Client) AddDataflowMonitor(ctx context.Context, source, group netip.Addr, interval time.Duration, thresholdBytes uint64) error {
	return c.call(ctx, "add_dataflow_monitor", func() error {
		return c.conn.AddDataflowMonitor(ctx, source, group, interval, thresholdBytes)
	})
}

func (c *Client) DeleteDataflowMonitor(ctx context.Context, source, group netip.Addr) error {
	return c.call(ctx, "delete_dataflow_monitor", func() error { return c.conn.DeleteDataflowMonitor(ctx, source, group) })
}

func (c *Client) DeleteAllDataflowMonitors(ctx context.Context, source, group netip.Addr) error {
	return c.call(ctx, "delete_all_dataflow_monitors", func() error { return c.conn.DeleteAllDataflowMonitors(ctx, source, group) })
}

func (c *Client) RecvDataflowSignal(ctx context.Context) (*DataflowSignal, error) {
	return c.conn.RecvDataflowSignal(ctx)
}

func (c *Client) Close() error { return c.conn.Close() }
