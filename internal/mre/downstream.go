package mre

import (
	"time"
)

// DownstreamEvent is one inbound Join/Prune affecting a single vif of
// a single entry (spec §4.4).
type DownstreamEvent uint8

const (
	EvJoin DownstreamEvent = iota
	EvPrune
	EvExpiryTimerFired
	EvPrunePendingTimerFired
)

// ProcessDownstream drives the per-vif downstream state machine of
// spec §4.4 and recomputes immediate_olist on any change that affects
// it. holdtime is the advertised holdtime on a Join; overrideInterval
// is J/P-override-interval, used for the prune-pending timer.
func (t *Table) ProcessDownstream(k Key, vifIndex int, ev DownstreamEvent, holdtime, overrideInterval time.Duration) {
	e, ok := t.entries[k]
	if !ok {
		if ev != EvJoin {
			return
		}
		e = t.GetOrCreate(k)
	}
	dv := e.dvif(vifIndex)
	before := dv.Downstream

	switch ev {
	case EvJoin:
		switch dv.Downstream {
		case DSNoInfo, DSJoin, DSPrunePending:
			dv.Downstream = DSJoin
			t.restartExpiry(e, dv, vifIndex, holdtime)
			if dv.prunePendingTok.Valid() {
				dv.prunePendingTok.Cancel()
			}
		case DSPrune:
			dv.Downstream = DSJoin
			t.restartExpiry(e, dv, vifIndex, holdtime)
		}
	case EvPrune:
		switch dv.Downstream {
		case DSJoin:
			dv.Downstream = DSPrunePending
			dv.prunePendingTok = t.wheel.Schedule(overrideInterval, func() {
				t.ProcessDownstream(k, vifIndex, EvPrunePendingTimerFired, 0, 0)
			})
		case DSNoInfo:
			// Ignored (spec §4.4). No tracking-support accounting is
			// done for it, here or in the caller.
		}
	case EvPrunePendingTimerFired:
		if dv.Downstream == DSPrunePending {
			dv.Downstream = DSPrune
			if dv.expiryTok.Valid() {
				dv.expiryTok.Cancel()
			}
		}
	case EvExpiryTimerFired:
		dv.Downstream = DSNoInfo
	}

	if dv.Downstream != before {
		t.recomputeImmediateOlist(e)
		t.notify(k)
	}
}

// SetLocalReceiver updates whether a vif has a locally-attached
// receiver for k (from the MLD/IGMP membership RPC surface, spec §6
// add_membership/delete_membership) and recomputes immediate_olist.
// included selects which of the include/exclude sets spec §4.3's
// JoinDesired draws on is updated; a vif is never in both at once.
func (t *Table) SetLocalReceiver(k Key, vifIndex int, included, excluded bool) {
	e := t.GetOrCreate(k)
	e.LocalReceiverInclude.SetTo(vifIndex, included)
	e.LocalReceiverExclude.SetTo(vifIndex, excluded)
	t.recomputeImmediateOlist(e)
	t.notify(k)
}

func (t *Table) restartExpiry(e *Entry, dv *downstreamVif, vifIndex int, holdtime time.Duration) {
	if dv.expiryTok.Valid() {
		dv.expiryTok.Cancel()
	}
	dv.expiryTok = t.wheel.Schedule(holdtime, func() {
		t.ProcessDownstream(e.Key, vifIndex, EvExpiryTimerFired, 0, 0)
	})
}

// recomputeImmediateOlist rebuilds immediate_olist from the per-vif
// downstream Join state, local-receiver-include set, and Assert
// losses, the inputs spec §4.3 names for JoinDesired (the outgoing set
// a vif contributes is suppressed while that vif is an Assert loser).
func (t *Table) recomputeImmediateOlist(e *Entry) {
	e.ImmediateOlist.ClearAll()
	for vifIndex, dv := range e.downstream {
		if dv.Assert == AssertLoser {
			continue
		}
		if dv.Downstream == DSJoin {
			e.ImmediateOlist.Set(vifIndex)
		}
	}
	e.ImmediateOlist.Or(e.LocalReceiverInclude)
	e.ImmediateOlist.AndNot(e.LocalReceiverExclude)
}
