// Package timer implements the single monotonic-clock timer queue that
// drives every FSM in pimsmd: Hello, neighbor liveness, join/prune
// holdtime and override, Assert, Register-Stop, keepalive, BSR
// election and scope-zone expiry all schedule through one Wheel (spec
// §9 Timers: "a single monotonic-clock priority queue with cancel
// tokens; do not hand out timer identities that outlive the entity
// that created them").
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// entry is one scheduled callback.
type entry struct {
	when     time.Time
	seq      uint64
	fn       func()
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Token cancels a previously scheduled callback. A Token must not
// outlive the entity that created it; callers cancel it explicitly
// when the owning FSM/entry is destroyed or re-arms the timer.
type Token struct {
	e *entry
}

// Wheel is a priority queue of pending callbacks ordered by fire time.
type Wheel struct {
	mu  sync.Mutex
	pq  entryHeap
	seq uint64
}

// New returns an empty Wheel.
func New() *Wheel {
	w := &Wheel{}
	heap.Init(&w.pq)
	return w
}

// Schedule arms fn to run after d elapses (relative to now). Returns a
// cancel Token. A zero or negative d fires on the next PopDue call.
func (w *Wheel) Schedule(d time.Duration, fn func()) Token {
	return w.ScheduleAt(time.Now().Add(d), fn)
}

// ScheduleAt arms fn to run at the given absolute time.
func (w *Wheel) ScheduleAt(when time.Time, fn func()) Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	e := &entry{when: when, seq: w.seq, fn: fn}
	heap.Push(&w.pq, e)
	return Token{e: e}
}

// Cancel removes the callback. Safe to call multiple times or on a
// zero Token.
func (t Token) Cancel() {
	if t.e != nil {
		t.e.canceled = true
	}
}

// Valid reports whether the token refers to a live (not yet fired,
// not canceled) callback.
func (t Token) Valid() bool {
	return t.e != nil && !t.e.canceled
}

// PopDue pops and returns every callback due at or before now, in
// fire order, skipping canceled entries. It also returns the duration
// until the next pending (non-canceled) callback, or 0 if the queue is
// empty.
func (w *Wheel) PopDue(now time.Time) (due []func(), wait time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pq.Len() > 0 {
		next := w.pq[0]
		if next.canceled {
			heap.Pop(&w.pq)
			continue
		}
		if next.when.After(now) {
			return due, next.when.Sub(now)
		}
		heap.Pop(&w.pq)
		next.canceled = true // fired: its Token is no longer Valid
		due = append(due, next.fn)
	}
	return due, 0
}

// Len returns the number of live (non-canceled) entries still queued.
// It is O(n) and intended for tests/introspection, not hot paths.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.pq {
		if !e.canceled {
			n++
		}
	}
	return n
}

// Run drives the Wheel until stop is closed, invoking due callbacks
// inline. Engine code typically does not use Run directly — the
// engine's own select loop calls PopDue each turn — but it is provided
// for simple standalone timer-only goroutines (e.g. the BSR zone
// expiry sweep when exercised outside the main engine in tests).
func (w *Wheel) Run(stop <-chan struct{}) {
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		due, wait := w.PopDue(time.Now())
		for _, fn := range due {
			fn()
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}
