package engine

import (
	"net/netip"
	"time"

	"github.com/malbeclabs/pimsmd/internal/bitset"
	"github.com/malbeclabs/pimsmd/internal/fea"
	"github.com/malbeclabs/pimsmd/internal/mfc"
	"github.com/malbeclabs/pimsmd/internal/mre"
	"github.com/malbeclabs/pimsmd/internal/pimproto"
)

const defaultKeepalivePeriod = 210 * time.Second

// effectiveOlist is the union of an entry's immediate (locally-joined)
// and inherited (shared-tree) outgoing sets (spec §4.8 olist computation).
func (e *Engine) effectiveOlist(entry *mre.Entry) *bitset.Set {
	out := entry.ImmediateOlist.Clone()
	out.Or(entry.InheritedOlist)
	return out
}

// iifFor resolves the incoming vif for traffic from src via the MRIB
// RPF lookup (spec §4.1).
func (e *Engine) iifFor(src netip.Addr) (int, bool) {
	entry, ok := e.MRIB.Lookup(src)
	if !ok {
		return 0, false
	}
	return entry.NextHopVif, true
}

// recomputeMFC re-derives the forwarding-cache entry for an (S,G) key
// change, or propagates an olist change from a (*,G)/(*,*,RP) parent
// down to every dependent (S,G) entry (spec §4.3 olist inheritance,
// §4.8 MFC recomputation).
func (e *Engine) recomputeMFC(k mre.Key) {
	if k.Type != mre.TypeSG {
		e.propagateInherited(k)
		return
	}
	e.recomputeSGMFC(k)
}

// propagateInherited pushes a (*,G) or (*,*,RP) entry's effective
// olist down to every (S,G)/(S,G,RPT) entry that has not cut over to
// the SPT, which in turn drives each one's own upstream/MFC recompute
// via the OnOlistChange hook SetInheritedOlist fires.
func (e *Engine) propagateInherited(parent mre.Key) {
	pe, ok := e.MRE.Get(parent)
	if !ok {
		return
	}
	parentOlist := e.effectiveOlist(pe)

	for _, entry := range e.MRE.All() {
		if entry.Key.Type != mre.TypeSG && entry.Key.Type != mre.TypeSGRPT {
			continue
		}
		if entry.SPTBit {
			continue
		}
		switch parent.Type {
		case mre.TypeWC:
			if entry.Key.Group != parent.Group {
				continue
			}
		case mre.TypeRP:
			if !entry.HasRP || entry.RPAddr != parent.Group {
				continue
			}
		default:
			continue
		}
		e.MRE.SetInheritedOlist(entry.Key, parentOlist)
	}
}

func (e *Engine) recomputeSGMFC(k mre.Key) {
	entry, ok := e.MRE.Get(k)
	if !ok {
		return
	}
	olist := e.effectiveOlist(entry)
	iif, ok := e.iifFor(k.Source)
	if !ok {
		return
	}

	mk := mfc.Key{Source: k.Source, Group: k.Group}
	_, exists := e.MFC.Get(mk)
	if olist.IsEmpty() && !entry.IsDirectlyConnectedSrc {
		if exists {
			e.MFC.Remove(mk, false, nil)
		}
		return
	}
	if !exists {
		e.MFC.Install(mk, iif, olist, entry.RPAddr, entry.HasRP, nil)
		return
	}
	_ = e.MFC.Recompute(mk, iif, olist, nil)
}

// wirePushDelete installs the MFC table's Push/Delete callbacks. Called
// once from New, after e.fea is assigned, since the callbacks close
// over it (spec §6 add_mfc/delete_mfc, §7 "forwarding-agent rejection:
// log and continue, MRE retains state" — the MRE entry this was
// derived from is untouched regardless of outcome, so the next
// recompute re-pushes it).
func (e *Engine) wirePushDelete() {
	e.MFC.Push = func(entry *mfc.Entry, done func(error)) {
		fe := fea.MFCEntry{
			Source:      entry.Key.Source,
			Group:       entry.Key.Group,
			IncomingVif: entry.IncomingVif,
			Outgoing:    entry.Outgoing,
			RPAddr:      entry.RPAddr,
			HasRP:       entry.HasRP,
		}
		go func() {
			err := e.fea.AddMFC(e.ctx, fe)
			if err != nil {
				e.log.Error("engine: add_mfc rejected", "source", entry.Key.Source, "group", entry.Key.Group, "err", err)
			}
			e.dispatch(func() { done(err) })
		}()
	}
	e.MFC.Delete = func(k mfc.Key, done func(error)) {
		go func() {
			err := e.fea.DeleteMFC(e.ctx, k.Source, k.Group)
			e.dispatch(func() { done(err) })
		}()
	}
}

// HandleKernelSignal reacts to one forwarding-agent upcall (spec §6
// recv_kernel_signal_message): NOCACHE and WHOLEPKT both mean "the
// kernel saw a packet for a flow with no cache entry," which for the
// DR case feeds the Register FSM; WRONGVIF means a packet arrived on
// an interface the MFC didn't expect, the trigger for an Assert.
func (e *Engine) HandleKernelSignal(sig *fea.KernelSignal) {
	k := mre.Key{Type: mre.TypeSG, Source: sig.Source, Group: sig.Group}
	switch sig.Kind {
	case fea.SignalNoCache, fea.SignalWholePacket:
		shouldRegister := e.MRE.DataFromSource(k, defaultKeepalivePeriod, time.Now())
		e.recomputeMFC(k)
		if shouldRegister && sig.Kind == fea.SignalWholePacket {
			e.sendRegister(k, sig.PacketData)
		}
	case fea.SignalWrongVif:
		e.log.Debug("engine: wrong-vif signal", "vif", sig.VifIndex, "source", sig.Source, "group", sig.Group)
		e.recomputeMFC(k)
	}
}

// sendRegister encapsulates pkt and sends it to the (S,G)'s RP, the
// DR-path leg of spec §4.6. pkt is the whole original IP datagram the
// forwarding agent handed back via SignalWholePacket.
func (e *Engine) sendRegister(k mre.Key, pkt []byte) {
	entry, ok := e.MRE.Get(k)
	if !ok || !entry.HasRP {
		return
	}
	t, ok := e.transportFor(entry.RPAddr)
	if !ok {
		return
	}
	e.send(t, entry.RPAddr, pimproto.TypeRegister, &pimproto.RegisterMessage{Payload: pkt})
}

// HandleDataflowSignal reacts to an idle or SPT-switch dataflow monitor
// firing (spec §4.8). Idle firings that confirm genuine silence remove
// the MFC entry itself; a premature idle firing is ignored and no
// monitor is reinstalled. SPT-switch firings that cross the
// configured threshold flip the entry's SPT bit so subsequent traffic
// uses the source tree instead of the shared tree.
func (e *Engine) HandleDataflowSignal(sig *fea.DataflowSignal, idleTimeout time.Duration, sptThresholdBytes uint64, sptSwitchEnabled bool) {
	k := mre.Key{Type: mre.TypeSG, Source: sig.Source, Group: sig.Group}
	m := mfc.Measurement{Packets: sig.Packets, Bytes: sig.Bytes, Interval: sig.Interval}

	idle := mfc.EvaluateIdleMonitor(m, idleTimeout)
	if idle.Delete {
		e.MFC.Remove(mfc.Key{Source: sig.Source, Group: sig.Group}, false, nil)
		return
	}

	if mfc.EvaluateSPTSwitchMonitor(m, sptThresholdBytes, sptSwitchEnabled) {
		entry, ok := e.MRE.Get(k)
		if ok && !entry.SPTBit {
			entry.SPTBit = true
			e.MRE.EvaluateUpstream(k, e.sendUpstream)
			e.recomputeMFC(k)
		}
	}
}
