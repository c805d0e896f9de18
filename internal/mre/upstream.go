package mre

import (
	"net/netip"
	"time"
)

// JoinDesired computes the predicate spec §4.3 names for RP, (*,G) and
// (S,G) entries: true while there is any reason to stay joined
// upstream — a non-empty olist inherited from downstream or kept alive
// by the SPT bit.
func (e *Entry) JoinDesired() bool {
	return !e.ImmediateOlist.IsEmpty() || !e.InheritedOlist.IsEmpty() || e.SPTBit
}

// PruneDesired computes the (S,G,RPT) predicate of spec §4.3: prune the
// shared tree for this source once its own (S,G) state has taken over
// (SPT bit set) or every downstream receiver has pruned it off the
// shared tree.
func (e *Entry) PruneDesired() bool {
	return e.SPTBit || (e.ImmediateOlist.IsEmpty() && e.InheritedOlist.IsEmpty())
}

// SendUpstreamFunc emits a Join or Prune for k towards the RPF'
// neighbor; join is false for a Prune. The engine supplies this so
// internal/mre stays free of any transport dependency.
type SendUpstreamFunc func(k Key, join bool)

// joinPrunePeriod is the steady-state periodic refresh interval (spec
// §4.3). The FSM below always uses this fixed value; the per-vif
// JoinPrunePeriod setting is not consulted here.
const joinPrunePeriod = 60 * time.Second

// EvaluateUpstream recomputes JoinDesired/PruneDesired for k and drives
// the upstream state transition if it changed, scheduling or canceling
// the join-timer and emitting a triggered message on any transition
// (spec §4.3).
func (t *Table) EvaluateUpstream(k Key, send SendUpstreamFunc) {
	e, ok := t.entries[k]
	if !ok {
		return
	}

	switch e.Key.Type {
	case TypeRP, TypeWC, TypeSG:
		desired := e.JoinDesired()
		switch e.Upstream {
		case NotJoined:
			if desired {
				e.Upstream = Joined
				t.scheduleJoinTimer(e, send)
				send(k, true)
			}
		case Joined:
			if !desired {
				e.Upstream = NotJoined
				t.cancelJoinTimer(e)
				send(k, false)
			}
		}
	case TypeSGRPT:
		desired := e.PruneDesired()
		switch e.Upstream {
		case RPTNotJoined:
			// No RPT binding yet; nothing to prune off.
		case NotPruned:
			if desired {
				e.Upstream = Pruned
				t.cancelJoinTimer(e)
				send(k, false)
			}
		case Pruned:
			if !desired {
				e.Upstream = NotPruned
				t.scheduleJoinTimer(e, send)
				send(k, true)
			}
		}
	}
	t.notify(k)
}

func (t *Table) scheduleJoinTimer(e *Entry, send SendUpstreamFunc) {
	if e.joinTok.Valid() {
		e.joinTok.Cancel()
	}
	var fire func()
	fire = func() {
		send(e.Key, e.Key.Type != TypeSGRPT || e.Upstream == NotPruned)
		e.joinTok = t.wheel.Schedule(joinPrunePeriod, fire)
	}
	e.joinTok = t.wheel.Schedule(joinPrunePeriod, fire)
}

func (t *Table) cancelJoinTimer(e *Entry) {
	if e.joinTok.Valid() {
		e.joinTok.Cancel()
	}
}

// ProcessAssert drives the per-vif Assert FSM of spec §4.5. localWins
// is the outcome of the (metric-preference, metric, IP) comparison,
// already computed by the caller (the comparison needs the local
// route's metric from the MRIB, which this package doesn't own).
func (t *Table) ProcessAssert(k Key, vifIndex int, localWins bool, winnerPref, winnerMetric uint32, winnerAddr netip.Addr) {
	e, ok := t.entries[k]
	if !ok {
		return
	}
	dv := e.dvif(vifIndex)

	if localWins {
		dv.Assert = AssertWinner
		t.restartAssertTimer(e, dv, vifIndex, assertTime)
	} else {
		dv.Assert = AssertLoser
		dv.AssertWinnerMetricPref = winnerPref
		dv.AssertWinnerMetric = winnerMetric
		dv.AssertWinnerAddr = winnerAddr
		t.restartAssertTimer(e, dv, vifIndex, assertTime)
	}
	t.recomputeImmediateOlist(e)
	t.notify(k)
}

const assertTime = 3 * time.Minute
const assertRefreshFraction = 4 // refresh at 3/4 of Assert-Time: (assertTime*3)/assertRefreshFraction

func (t *Table) restartAssertTimer(e *Entry, dv *downstreamVif, vifIndex int, d time.Duration) {
	if dv.assertTok.Valid() {
		dv.assertTok.Cancel()
	}
	dv.assertTok = t.wheel.Schedule(d, func() {
		t.assertTimerFired(e.Key, vifIndex)
	})
}

func (t *Table) assertTimerFired(k Key, vifIndex int) {
	e, ok := t.entries[k]
	if !ok {
		return
	}
	dv, ok := e.downstream[vifIndex]
	if !ok {
		return
	}
	switch dv.Assert {
	case AssertLoser:
		dv.Assert = AssertNoInfo
		t.recomputeImmediateOlist(e)
		t.notify(k)
	case AssertWinner:
		// Refresh: the timer is re-armed at 3/4 of Assert-Time and the
		// state stays Winner. No refresh Assert is sent, from here or
		// from the engine.
		t.restartAssertTimer(e, dv, vifIndex, (assertTime*3)/assertRefreshFraction)
	}
}
