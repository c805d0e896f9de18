// Package mfc implements the multicast forwarding cache table and its
// dataflow monitors: the bridge between MRE state (which vifs should
// receive a flow) and the forwarding agent's actual (S,G) rules (spec
// §3 MFC entry, §4.8).
package mfc

import (
	"fmt"
	"net/netip"

	"github.com/malbeclabs/pimsmd/internal/bitset"
)

// Key identifies one MFC entry (spec §3: "Keyed by (S, G)").
type Key struct {
	Source netip.Addr
	Group  netip.Addr
}

// MonitorKind distinguishes the two dataflow monitors an entry may
// have installed in the forwarding agent (spec §4.8).
type MonitorKind uint8

const (
	MonitorIdle MonitorKind = iota
	MonitorSPTSwitch
)

// Entry is one MFC record (spec §3 MFC entry).
type Entry struct {
	Key Key

	RPAddr netip.Addr
	HasRP  bool

	IncomingVif int

	Outgoing               *bitset.Set
	OutgoingDisableWrongVif *bitset.Set

	TaskDeletePending       bool
	TaskDeleteDone          bool
	HasIdleMonitor          bool
	HasSPTSwitchMonitor     bool
	HasForcedDeletion       bool
}

var ErrUnknownEntry = fmt.Errorf("mfc: unknown entry")
var ErrIifInOlist = fmt.Errorf("mfc: incoming vif present in outgoing set")

// PushFunc installs or updates one MFC entry in the forwarding agent
// (spec §6 add_mfc RPC); DeleteFunc removes it (delete_mfc). The
// engine supplies these so this package stays transport-free; both are
// expected to be retried with backoff by the caller, not here (spec
// §5: each RPC channel serializes and retries its own requests). Both
// take the outstanding RPC's completion callback rather than blocking,
// since the engine issues the RPC on a helper goroutine and dispatches
// the result back onto its single event-loop goroutine (spec §5
// "outbound RPC completions" event source) — done must eventually be
// called exactly once, or the (S,G)'s FIFO queue stalls forever.
type PushFunc func(e *Entry, done func(error))
type DeleteFunc func(k Key, done func(error))

// Table owns every MFC entry and serializes pushes/deletes for the
// same (S,G) in FIFO order, per spec §5's "a delete never overtakes
// its preceding install" guarantee. Because the whole engine is
// single-threaded, "FIFO per (S,G)" reduces to "never issue a second
// RPC for a key before the first one's completion callback runs" — the
// queue below enforces that explicitly rather than relying on
// incidental ordering.
type Table struct {
	maxVifs int
	entries map[Key]*Entry
	queues  map[Key][]func()
	busy    map[Key]bool

	Push   PushFunc
	Delete DeleteFunc
}

func NewTable(maxVifs int, push PushFunc, del DeleteFunc) *Table {
	return &Table{
		maxVifs: maxVifs,
		entries: make(map[Key]*Entry),
		queues:  make(map[Key][]func()),
		busy:    make(map[Key]bool),
		Push:    push,
		Delete:  del,
	}
}

func (t *Table) Get(k Key) (*Entry, bool) {
	e, ok := t.entries[k]
	return e, ok
}

func (t *Table) All() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// enqueue serializes one RPC-issuing closure per key: if the key's
// channel is idle it runs immediately, otherwise it's queued and run
// from onRPCComplete.
func (t *Table) enqueue(k Key, op func()) {
	if t.busy[k] {
		t.queues[k] = append(t.queues[k], op)
		return
	}
	t.busy[k] = true
	op()
}

// onRPCComplete must be called by the engine once the outstanding RPC
// for k finishes (success or permanent failure), to release the next
// queued operation, per the FIFO-per-(S,G) rule in spec §5.
func (t *Table) onRPCComplete(k Key) {
	next := t.queues[k]
	if len(next) == 0 {
		t.busy[k] = false
		return
	}
	op := next[0]
	t.queues[k] = next[1:]
	op()
}

// Install computes incoming vif + outgoing bitset for a flow and
// creates or updates its MFC entry, enforcing the invariant that the
// outgoing set never contains the incoming vif at the point the entry
// is handed to the forwarding agent (spec §3 Invariants).
func (t *Table) Install(k Key, incomingVif int, outgoing *bitset.Set, rp netip.Addr, hasRP bool, onDone func(error)) {
	resolved := outgoing.Clone()
	resolved.Clear(incomingVif)

	e, exists := t.entries[k]
	if !exists {
		e = &Entry{
			Key:                     k,
			OutgoingDisableWrongVif: bitset.New(t.maxVifs),
		}
		t.entries[k] = e
	}
	e.IncomingVif = incomingVif
	e.Outgoing = resolved
	e.RPAddr = rp
	e.HasRP = hasRP
	e.TaskDeletePending = false
	e.TaskDeleteDone = false

	t.enqueue(k, func() {
		t.Push(e, func(err error) {
			t.onRPCComplete(k)
			if onDone != nil {
				onDone(err)
			}
		})
	})
}

// Recompute re-derives (iif, olist) for an existing entry from fresh
// MRE-derived inputs (spec §4.8 Recomputation). If newOlist is empty
// and no RP/forced-deletion reason keeps the entry alive, the caller
// should call Remove instead; Recompute assumes the entry should still
// exist.
func (t *Table) Recompute(k Key, incomingVif int, newOlist *bitset.Set, onDone func(error)) error {
	e, ok := t.entries[k]
	if !ok {
		return ErrUnknownEntry
	}
	resolved := newOlist.Clone()
	resolved.Clear(incomingVif)
	e.IncomingVif = incomingVif
	e.Outgoing = resolved

	t.enqueue(k, func() {
		t.Push(e, func(err error) {
			t.onRPCComplete(k)
			if onDone != nil {
				onDone(err)
			}
		})
	})
	return nil
}

// Remove deletes an MFC entry, explicit-rule or forced (spec §3
// lifecycle: "deleted on explicit rule, forced deletion, or when the
// keep-alive/idle dataflow monitor fires").
func (t *Table) Remove(k Key, forced bool, onDone func(error)) {
	e, ok := t.entries[k]
	if !ok {
		if onDone != nil {
			onDone(ErrUnknownEntry)
		}
		return
	}
	e.TaskDeletePending = true
	e.HasForcedDeletion = forced

	t.enqueue(k, func() {
		t.Delete(k, func(err error) {
			e.TaskDeleteDone = err == nil
			if err == nil {
				delete(t.entries, k)
			}
			t.onRPCComplete(k)
			if onDone != nil {
				onDone(err)
			}
		})
	})
}
