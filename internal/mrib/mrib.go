// Package mrib implements the Multicast Routing Information Base: a
// longest-prefix-match, transactionally-updated table of unicast
// next-hop records used exclusively for RPF lookups (spec §4.1).
//
// The longest-prefix index itself is a github.com/gaissmai/bart
// Table, the same balanced multibit-trie the pack's gaissmai-bart
// repository exposes as a public, general-purpose IP routing table —
// exactly the data structure spec §4.1 describes, so we reuse it
// rather than reimplement a trie.
package mrib

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/gaissmai/bart"
)

// Entry is one MRIB record (spec §3 MRIB entry).
type Entry struct {
	DestPrefix       netip.Prefix
	NextHopAddr      netip.Addr
	NextHopVif       int
	MetricPreference uint32
	Metric           uint32
}

// TxID identifies an in-progress transaction.
type TxID uint64

var (
	ErrUnknownTx       = fmt.Errorf("mrib: unknown transaction")
	ErrTxCapacity      = fmt.Errorf("mrib: transaction capacity exceeded")
	ErrTxAlreadyExists = fmt.Errorf("mrib: transaction already open")
)

// NotifyFunc is called after a transaction commits, so dependent
// subsystems (the MRE table) can re-evaluate RPF-dependent state
// (spec §4.1: "the table must notify MRE re-evaluation after each
// commit").
type NotifyFunc func(changed []netip.Prefix)

type opKind uint8

const (
	opInsert opKind = iota
	opRemove
	opRemoveAll
)

type op struct {
	kind   opKind
	prefix netip.Prefix
	entry  *Entry
}

type txn struct {
	ops []op
}

// Table is the MRIB: a committed longest-prefix-match index plus a
// set of in-progress, isolated transactions.
type Table struct {
	mu        sync.RWMutex
	committed bart.Table[*Entry]

	txMu      sync.Mutex
	txns      map[TxID]*txn
	maxTxns   int
	notifiers []NotifyFunc
}

// NewTable constructs an empty MRIB with a cap on concurrently open
// transactions.
func NewTable(maxTxns int) *Table {
	if maxTxns <= 0 {
		maxTxns = 64
	}
	return &Table{
		txns:    make(map[TxID]*txn),
		maxTxns: maxTxns,
	}
}

// OnCommit registers a callback invoked after every successful commit.
func (t *Table) OnCommit(fn NotifyFunc) {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	t.notifiers = append(t.notifiers, fn)
}

// BeginTx opens a new isolated transaction under the caller-chosen id
// tid.
func (t *Table) BeginTx(tid TxID) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	if _, ok := t.txns[tid]; ok {
		return ErrTxAlreadyExists
	}
	if len(t.txns) >= t.maxTxns {
		return ErrTxCapacity
	}
	t.txns[tid] = &txn{}
	return nil
}

// Insert stages an insert/replace of entry keyed by its DestPrefix.
// Not visible to Lookup until Commit.
func (t *Table) Insert(tid TxID, entry *Entry) error {
	tx, err := t.getTx(tid)
	if err != nil {
		return err
	}
	t.txMu.Lock()
	defer t.txMu.Unlock()
	tx.ops = append(tx.ops, op{kind: opInsert, prefix: entry.DestPrefix, entry: entry})
	return nil
}

// Remove stages removal of the entry at prefix.
func (t *Table) Remove(tid TxID, prefix netip.Prefix) error {
	tx, err := t.getTx(tid)
	if err != nil {
		return err
	}
	t.txMu.Lock()
	defer t.txMu.Unlock()
	tx.ops = append(tx.ops, op{kind: opRemove, prefix: prefix})
	return nil
}

// RemoveAll stages a removal of every currently-committed entry. Used
// by the RIB client to signal a full resynchronization.
func (t *Table) RemoveAll(tid TxID) error {
	tx, err := t.getTx(tid)
	if err != nil {
		return err
	}
	t.txMu.Lock()
	defer t.txMu.Unlock()
	tx.ops = append(tx.ops, op{kind: opRemoveAll})
	return nil
}

func (t *Table) getTx(tid TxID) (*txn, error) {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	tx, ok := t.txns[tid]
	if !ok {
		return nil, ErrUnknownTx
	}
	return tx, nil
}

// Abort discards a transaction's staged operations without applying
// them.
func (t *Table) Abort(tid TxID) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	if _, ok := t.txns[tid]; !ok {
		return ErrUnknownTx
	}
	delete(t.txns, tid)
	return nil
}

// Commit applies a transaction's staged operations to the committed
// table, in insertion order, then invokes every registered notifier
// with the set of affected prefixes.
func (t *Table) Commit(tid TxID) error {
	t.txMu.Lock()
	tx, ok := t.txns[tid]
	if !ok {
		t.txMu.Unlock()
		return ErrUnknownTx
	}
	delete(t.txns, tid)
	notifiers := append([]NotifyFunc(nil), t.notifiers...)
	t.txMu.Unlock()

	changed := make([]netip.Prefix, 0, len(tx.ops))
	t.mu.Lock()
	for _, o := range tx.ops {
		switch o.kind {
		case opInsert:
			t.committed.Insert(o.prefix, o.entry)
			changed = append(changed, o.prefix)
		case opRemove:
			t.committed.Delete(o.prefix)
			changed = append(changed, o.prefix)
		case opRemoveAll:
			var toDelete []netip.Prefix
			for pfx := range t.committed.All4() {
				toDelete = append(toDelete, pfx)
			}
			for pfx := range t.committed.All6() {
				toDelete = append(toDelete, pfx)
			}
			for _, pfx := range toDelete {
				t.committed.Delete(pfx)
				changed = append(changed, pfx)
			}
		}
	}
	t.mu.Unlock()

	for _, fn := range notifiers {
		fn(changed)
	}
	return nil
}

// Lookup returns the longest-prefix-match entry covering addr, if any.
func (t *Table) Lookup(addr netip.Addr) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.committed.Lookup(addr)
}

// Size returns the number of committed entries (for introspection).
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.committed.Size()
}

// All returns every committed entry sorted by prefix, for
// introspection endpoints.
func (t *Table) All() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, t.committed.Size())
	for _, e := range t.committed.All4() {
		out = append(out, e)
	}
	for _, e := range t.committed.All6() {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DestPrefix.String() < out[j].DestPrefix.String()
	})
	return out
}
