package engine

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"

	"github.com/malbeclabs/pimsmd/internal/bsr"
	"github.com/malbeclabs/pimsmd/internal/mre"
	"github.com/malbeclabs/pimsmd/internal/neighbor"
	"github.com/malbeclabs/pimsmd/internal/pimio"
	"github.com/malbeclabs/pimsmd/internal/pimproto"
	"github.com/malbeclabs/pimsmd/internal/vif"
)

const (
	defaultRPKeepalivePeriod = 210 * time.Second
	defaultRegisterProbeTime = 5 * time.Second
	defaultHoldtimeSeconds   = 210
	defaultBSRTimeout        = 130 * time.Second
)

// globalZoneID is the single non-scoped BSR zone this engine tracks,
// keyed by the IPv4 all-multicast prefix (spec §3 BSR zone allows
// per-scope-zone state; SPEC_FULL.md's scope-zone config surface
// exists and is validated, but packet dispatch here always resolves to
// this global zone and configured scope zones are never selected).
var globalZoneID = bsr.ZoneID{Prefix: netip.MustParsePrefix("224.0.0.0/4")}

// HandleInbound decodes one raw PIM datagram received on vifIndex from
// src and dispatches it to the owning subsystem. Decode failures are
// counted on stats and dropped without mutating any neighbor or MRE
// state (spec §4.9, §7 "malformed/checksum-failed packet").
func (e *Engine) HandleInbound(vifIndex int, src netip.Addr, body []byte, stats *pimio.Stats) {
	pkt := gopacket.NewPacket(body, pimproto.PIMLayerType, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		e.countDecodeError(errLayer.Error(), stats)
		return
	}
	layer := pkt.Layer(pimproto.PIMLayerType)
	if layer == nil {
		stats.RxMalformed.Add(1)
		return
	}
	msg, ok := layer.(*pimproto.Message)
	if !ok || msg.Body == nil {
		stats.RxMalformed.Add(1)
		return
	}

	v, err := e.Vifs.ByIndex(vifIndex)
	if err != nil {
		e.log.Warn("engine: inbound packet on unknown vif", "vif", vifIndex)
		return
	}

	switch body := msg.Body.(type) {
	case *pimproto.HelloMessage:
		e.handleHello(v, src, body)
	case *pimproto.JoinPruneMessage:
		e.handleJoinPrune(v, src, body)
	case *pimproto.RegisterMessage:
		e.handleRegister(v, src, body)
	case *pimproto.RegisterStopMessage:
		e.handleRegisterStop(v, src, body)
	case *pimproto.AssertMessage:
		e.handleAssert(v, src, body)
	case *pimproto.BootstrapMessage:
		e.handleBootstrap(v, src, body)
	case *pimproto.CandidateRPAdvMessage:
		e.handleCandidateRPAdv(v, src, body)
	default:
		stats.RxUnknownType.Add(1)
	}
}

func (e *Engine) countDecodeError(cause error, stats *pimio.Stats) {
	switch cause {
	case pimproto.ErrBadVersion:
		stats.RxBadVersion.Add(1)
	case pimproto.ErrBadChecksum:
		stats.RxBadChecksum.Add(1)
	case pimproto.ErrUnknownType:
		stats.RxUnknownType.Add(1)
	default:
		stats.RxMalformed.Add(1)
	}
}

func (e *Engine) handleHello(v *vif.Vif, src netip.Addr, h *pimproto.HelloMessage) {
	info := neighbor.HelloInfo{
		Holdtime:           time.Duration(h.Holdtime) * time.Second,
		GenID:              h.GenerationID,
		HasDRPriority:      h.HasDRPriority,
		DRPriority:         h.DRPriority,
		PropagationDelay:   time.Duration(h.PropagationDelay) * time.Millisecond,
		OverrideInterval:   time.Duration(h.OverrideInterval) * time.Millisecond,
		SecondaryAddresses: h.SecondaryAddresses,
	}
	res := e.Neighbors.ReceiveHello(v.Index, src, time.Now(), info)
	if res.RestartDetected {
		e.log.Info("engine: neighbor restart detected", "vif", v.Name, "addr", src)
		e.resendJoinsOnVif(v.Index)
	}
	if res.IsNew || res.DRRelevantChange {
		e.reelectDR(v.Index)
	}
}

// resendJoinsOnVif re-triggers upstream Joins for every entry with a
// live upstream binding, the reaction spec §4.2 requires when a
// neighbor's GenID changes ("may have lost state, re-advertise ours").
func (e *Engine) resendJoinsOnVif(vifIndex int) {
	for _, entry := range e.MRE.All() {
		if entry.Upstream == mre.Joined || entry.Upstream == mre.NotPruned {
			e.MRE.EvaluateUpstream(entry.Key, e.sendUpstream)
		}
	}
}

func (e *Engine) handleJoinPrune(v *vif.Vif, src netip.Addr, m *pimproto.JoinPruneMessage) {
	holdtime := time.Duration(m.Holdtime) * time.Second
	override := v.PIM.OverrideInterval
	for _, g := range m.Groups {
		for _, s := range g.JoinedSources {
			k := keyFor(s, g.Group)
			e.MRE.ProcessDownstream(k, v.Index, mre.EvJoin, holdtime, override)
		}
		for _, s := range g.PrunedSources {
			k := keyFor(s, g.Group)
			e.MRE.ProcessDownstream(k, v.Index, mre.EvPrune, 0, override)
		}
	}
}

func keyFor(s pimproto.EncodedSourceAddr, g pimproto.EncodedGroupAddr) mre.Key {
	if s.WC {
		return mre.Key{Type: mre.TypeWC, Group: g.Group}
	}
	if s.RPT {
		return mre.Key{Type: mre.TypeSGRPT, Source: s.Source, Group: g.Group}
	}
	return mre.Key{Type: mre.TypeSG, Source: s.Source, Group: g.Group}
}

// decapsulatedHeader is the minimal IPv4 header detail a Register's
// inner datagram exposes to the RP path (spec §4.6: "the RP needs only
// the inner source and destination to key the (S,G) entry").
type decapsulatedHeader struct {
	Source netip.Addr
	Dest   netip.Addr
}

func decapsulateIPv4(payload []byte) (decapsulatedHeader, error) {
	if len(payload) < 20 {
		return decapsulatedHeader{}, pimproto.ErrTooShort
	}
	src, ok1 := netip.AddrFromSlice(payload[12:16])
	dst, ok2 := netip.AddrFromSlice(payload[16:20])
	if !ok1 || !ok2 {
		return decapsulatedHeader{}, pimproto.ErrMalformed
	}
	return decapsulatedHeader{Source: src, Dest: dst}, nil
}

func (e *Engine) handleRegister(v *vif.Vif, src netip.Addr, m *pimproto.RegisterMessage) {
	inner, err := decapsulateIPv4(m.Payload)
	if err != nil {
		e.log.Warn("engine: register payload not a valid datagram", "vif", v.Name, "err", err)
		return
	}
	k := mre.Key{Type: mre.TypeSG, Source: inner.Source, Group: inner.Dest}
	isOwnRP := e.isLocalRPAddress(inner.Dest)
	decision := e.MRE.ReceiveRegisterAtRP(k, true, isOwnRP, defaultRPKeepalivePeriod)
	if decision.SendRegisterStop {
		e.sendRegisterStop(k, src)
	}
	if decision.DecapsulateAndDeliver {
		e.recomputeMFC(k)
	}
}

func (e *Engine) handleRegisterStop(v *vif.Vif, src netip.Addr, m *pimproto.RegisterStopMessage) {
	k := mre.Key{Type: mre.TypeSG, Source: m.Source.Addr, Group: m.Group.Group}
	e.MRE.ReceiveRegisterStop(k, defaultRegisterProbeTime, e.sendNullRegister)
}

// handleAssert compares the received Assert's (metric-preference,
// metric) against this router's own route to the source and drives the
// per-vif Assert FSM with the outcome (spec §4.5: lower preference
// wins, ties broken by lower metric, further ties by higher address).
func (e *Engine) handleAssert(v *vif.Vif, src netip.Addr, m *pimproto.AssertMessage) {
	k := keyFor(pimproto.EncodedSourceAddr{Source: m.Source.Addr}, m.Group)

	var ourPref, ourMetric uint32
	if entry, ok := e.MRIB.Lookup(m.Source.Addr); ok {
		ourPref, ourMetric = entry.MetricPreference, entry.Metric
	}
	localWins := assertWins(ourPref, ourMetric, v.PrimaryAddress, m.MetricPreference, m.Metric, src)
	e.MRE.ProcessAssert(k, v.Index, localWins, m.MetricPreference, m.Metric, src)
}

// assertWins reports whether (pref, metric, addr) beats (otherPref,
// otherMetric, otherAddr) under the Assert tie-break rule.
func assertWins(pref, metric uint32, addr netip.Addr, otherPref, otherMetric uint32, otherAddr netip.Addr) bool {
	if pref != otherPref {
		return pref < otherPref
	}
	if metric != otherMetric {
		return metric < otherMetric
	}
	return addr.Compare(otherAddr) > 0
}

func (e *Engine) handleBootstrap(v *vif.Vif, src netip.Addr, m *pimproto.BootstrapMessage) {
	isRPFIface := e.isRPFInterfaceForBSR(v.Index, m.BSRAddr.Addr)
	bindings := make([]*bsr.GroupPrefixBinding, 0, len(m.GroupPrefixes))
	for _, gp := range m.GroupPrefixes {
		b := &bsr.GroupPrefixBinding{GroupPrefix: groupPrefix(gp.Group), ExpectedRPCount: len(gp.RPs)}
		for _, rp := range gp.RPs {
			b.RPs = append(b.RPs, &bsr.RPCandidate{
				Addr:     rp.Addr.Addr,
				Priority: rp.Priority,
				Holdtime: time.Duration(rp.Holdtime) * time.Second,
			})
		}
		bindings = append(bindings, b)
	}
	e.BSR.ReceiveBootstrap(globalZoneID, isRPFIface, m.BSRAddr.Addr, m.Priority, m.HashMaskLen, m.FragmentTag, bindings, defaultBSRTimeout)
}

func groupPrefix(g pimproto.EncodedGroupAddr) netip.Prefix {
	bits := int(g.MaskLen)
	if bits == 0 {
		if g.Group.Is4() {
			bits = 32
		} else {
			bits = 128
		}
	}
	return netip.PrefixFrom(g.Group, bits)
}

func (e *Engine) handleCandidateRPAdv(v *vif.Vif, src netip.Addr, m *pimproto.CandidateRPAdvMessage) {
	for _, gp := range m.Groups {
		e.BSR.ReceiveCandidateRPAdv(globalZoneID, groupPrefix(gp), m.RPAddr.Addr, m.Priority, time.Duration(m.Holdtime)*time.Second)
	}
}

// sendJoinPrune encodes and transmits a single-group Join or Prune
// towards rpf on k's owning vif (spec §4.3 triggered/periodic message).
func (e *Engine) sendJoinPrune(k mre.Key, join bool, rpf netip.Addr) {
	t, ok := e.transportFor(rpf)
	if !ok {
		return
	}
	group := pimproto.EncodedGroupAddr{Group: k.Group}
	src := pimproto.EncodedSourceAddr{Source: k.Source, RPT: k.Type == mre.TypeSGRPT}
	if k.Type == mre.TypeWC {
		src.WC = true
	}
	ge := pimproto.GroupEntry{Group: group}
	if join {
		ge.JoinedSources = []pimproto.EncodedSourceAddr{src}
	} else {
		ge.PrunedSources = []pimproto.EncodedSourceAddr{src}
	}
	body := &pimproto.JoinPruneMessage{
		UpstreamNeighbor: rpf,
		Holdtime:         uint16(defaultHoldtimeSeconds),
		Groups:           []pimproto.GroupEntry{ge},
	}
	e.send(t, rpf, pimproto.TypeJoinPrune, body)
}

func (e *Engine) sendRegisterStop(k mre.Key, dst netip.Addr) {
	t, ok := e.transportFor(dst)
	if !ok {
		return
	}
	body := &pimproto.RegisterStopMessage{
		Group:  pimproto.EncodedGroupAddr{Group: k.Group},
		Source: pimproto.EncodedUnicastAddr{Addr: k.Source},
	}
	e.send(t, dst, pimproto.TypeRegisterStop, body)
}

func (e *Engine) sendNullRegister(k mre.Key) {
	rpf, ok := e.rpfNeighbor(k)
	if !ok {
		return
	}
	t, ok := e.transportFor(rpf)
	if !ok {
		return
	}
	body := &pimproto.RegisterMessage{NullBit: true}
	e.send(t, rpf, pimproto.TypeRegister, body)
}

func (e *Engine) send(t *pimio.Transport, dst netip.Addr, typ pimproto.MessageType, body gopacket.SerializableLayer) {
	buf := gopacket.NewSerializeBuffer()
	if err := body.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		e.log.Error("engine: serialize failed", "type", typ, "err", err)
		return
	}
	payload := buf.Bytes()
	msg := make([]byte, 4+len(payload))
	msg[0] = (pimproto.ProtocolVersion << 4) | byte(typ)
	copy(msg[4:], payload)
	checksum := pimproto.ChecksumIPv4(msg)
	msg[2] = byte(checksum >> 8)
	msg[3] = byte(checksum)
	if err := t.Send(dst, msg); err != nil {
		e.log.Warn("engine: send failed", "dst", dst, "type", typ, "err", err)
	}
}

// transportFor resolves the per-vif pimio.Transport to use to reach
// dst, via the MRIB's RPF lookup (the same next-hop resolution used
// for upstream Joins).
func (e *Engine) transportFor(dst netip.Addr) (*pimio.Transport, bool) {
	entry, ok := e.MRIB.Lookup(dst)
	if !ok {
		return nil, false
	}
	t, ok := e.transports[entry.NextHopVif]
	return t, ok
}

func (e *Engine) isLocalRPAddress(addr netip.Addr) bool {
	for _, v := range e.Vifs.All() {
		if v.OwnsAddress(addr) {
			return true
		}
	}
	return false
}

func (e *Engine) isRPFInterfaceForBSR(vifIndex int, bsrAddr netip.Addr) bool {
	entry, ok := e.MRIB.Lookup(bsrAddr)
	if !ok {
		return false
	}
	return entry.NextHopVif == vifIndex
}
