// Package rib implements the MRIB-synchronizing RPC client: the
// control-plane's path for keeping internal/mrib's unicast next-hop
// table current with the system RIB (spec §6 External interfaces, RIB
// column; redist_transaction_* family).
package rib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malbeclabs/pimsmd/internal/mrib"
)

// RouteOp is one redistributed route change within a transaction.
type RouteOp struct {
	Delete           bool // true: withdraw DestPrefix; false: add/replace
	DestPrefix       netip.Prefix
	NextHopAddr      netip.Addr
	NextHopVif       int
	MetricPreference uint32
	Metric           uint32
}

// Transaction is one redist_transaction_begin..commit unit delivered
// by the RIB (spec §4.1: the MRIB is only ever updated transactionally
// so a partial delivery never produces an inconsistent RPF table).
type Transaction struct {
	ID        mrib.TxID
	FullReplace bool // true for redist_transaction_enable's initial full dump
	Ops       []RouteOp
}

// ErrPeerDead marks a Conn failure as meaning the RIB process itself
// is gone (spec §7, same policy as internal/fea.ErrPeerDead).
var ErrPeerDead = errors.New("rib: peer is dead")

// Conn is the raw transport to the RIB process. A concrete
// implementation streams Recv() transactions as the RIB emits them;
// in tests a fake replays a scripted sequence.
type Conn interface {
	// Subscribe registers this daemon as a redistribution target for
	// the given address family's unicast routes (redist_transaction
	// enable in spec §6).
	Subscribe(ctx context.Context, af int) error
	Unsubscribe(ctx context.Context, af int) error

	// Recv blocks for the next transaction the RIB delivers.
	Recv(ctx context.Context) (*Transaction, error)

	Close() error
}

// Client applies RIB-delivered transactions to an mrib.Table, with the
// same retry-with-backoff and peer-death policy as internal/fea.Client
// for the subscribe/unsubscribe calls (Recv itself is a blocking
// stream read, not retried, matching internal/fea's treatment of its
// own Recv).
type Client struct {
	conn  Conn
	table *mrib.Table
	log   *slog.Logger
	newBO func() backoff.BackOff

	onDead func(error)
}

type Option func(*Client)

func WithBackoff(newBO func() backoff.BackOff) Option {
	return func(c *Client) { c.newBO = newBO }
}

func WithOnPeerDead(fn func(error)) Option {
	return func(c *Client) { c.onDead = fn }
}

func defaultBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

func NewClient(conn Conn, table *mrib.Table, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{conn: conn, table: table, log: log, newBO: defaultBackoff}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context, name string, op func() error) error {
	bo := backoff.WithContext(c.newBO(), ctx)
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPeerDead) {
			c.log.Error("rib: peer died", "op", name, "err", err)
			if c.onDead != nil {
				c.onDead(err)
			}
			return backoff.Permanent(err)
		}
		c.log.Warn("rib: rpc attempt failed", "op", name, "err", err)
		return err
	}
	if err := backoff.Retry(wrapped, bo); err != nil {
		return fmt.Errorf("rib: %s: %w", name, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, af int) error {
	return c.call(ctx, "redist_transaction_enable", func() error { return c.conn.Subscribe(ctx, af) })
}

func (c *Client) Unsubscribe(ctx context.Context, af int) error {
	return c.call(ctx, "redist_transaction_disable", func() error { return c.conn.Unsubscribe(ctx, af) })
}

// ApplyNext blocks for the next RIB transaction and applies it to the
// MRIB table as a single begin/stage/commit (spec §4.1, §8 replay
// invariant). A FullReplace transaction first stages a RemoveAll so a
// RIB resync never leaves stale next hops behind.
func (c *Client) ApplyNext(ctx context.Context) error {
	tx, err := c.Recv(ctx)
	if err != nil {
		return err
	}
	return c.Apply(tx)
}

// Recv blocks for the next transaction without applying it, so a
// caller with its own single-threaded state-mutation rule (internal/engine)
// can block on this from a helper goroutine and apply the result back
// on its own event-loop goroutine instead of here.
func (c *Client) Recv(ctx context.Context) (*Transaction, error) {
	tx, err := c.conn.Recv(ctx)
	if err != nil {
		if errors.Is(err, ErrPeerDead) {
			c.log.Error("rib: peer died", "op", "recv", "err", err)
			if c.onDead != nil {
				c.onDead(err)
			}
		}
		return nil, err
	}
	return tx, nil
}

// Apply commits tx to the bound MRIB table.
func (c *Client) Apply(tx *Transaction) error {
	return c.apply(tx)
}

func (c *Client) apply(tx *Transaction) error {
	if err := c.table.BeginTx(tx.ID); err != nil {
		return fmt.Errorf("rib: begin tx %d: %w", tx.ID, err)
	}
	if tx.FullReplace {
		if err := c.table.RemoveAll(tx.ID); err != nil {
			c.table.Abort(tx.ID)
			return err
		}
	}
	for _, op := range tx.Ops {
		if op.Delete {
			if err := c.table.Remove(tx.ID, op.DestPrefix); err != nil {
				c.table.Abort(tx.ID)
				return err
			}
			continue
		}
		if err := c.table.Insert(tx.ID, &mrib.Entry{
			DestPrefix:       op.DestPrefix,
			NextHopAddr:      op.NextHopAddr,
			NextHopVif:       op.NextHopVif,
			MetricPreference: op.MetricPreference,
			Metric:           op.Metric,
		}); err != nil {
			c.table.Abort(tx.ID)
			return err
		}
	}
	return c.table.Commit(tx.ID)
}

func (c *Client) Close() error { return c.conn.Close() }
