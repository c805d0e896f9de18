package mre

import "time"

// RegisterOversizedHook is a hook for observing the drop of a datagram
// too large to encapsulate in a Register (DF-set and over the path MTU
// for IPv4, or any oversized IPv6 datagram). Nothing in this module
// calls it: the DR path does not compare the encapsulated size with
// the path MTU, so oversized datagrams are neither detected nor dropped.
var RegisterOversizedHook func(k Key)

const registerStopTimerJitterFraction = 10 // unused: the Register-Stop timer is armed without jitter

// registerRateLimit caps how often this DR will encapsulate and send a
// Register for a given (S,G), independent of how often data arrives,
// so a slow or unreachable RP path can't be overwhelmed (XORP's
// pim_proto_register.cc; see SPEC_FULL.md supplement 4). It's a simple
// token bucket, refilled from the elapsed time on each Allow call, rather than a library dependency
// since the refill rate is derived from Register-Suppression-Time, not
// a fixed wall-clock rate the caller configures independently.
type registerRateLimit struct {
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTick time.Time
}

func newRegisterRateLimit(suppressTime time.Duration) *registerRateLimit {
	capacity := 4.0
	return &registerRateLimit{
		tokens:   capacity,
		capacity: capacity,
		rate:     1.0 / suppressTime.Seconds(),
	}
}

// Allow reports whether a Register may be sent now, consuming a token
// if so. now is supplied by the caller (the engine's clock) since this
// package takes no direct time-of-day dependency elsewhere either.
func (b *registerRateLimit) Allow(now time.Time) bool {
	if !b.lastTick.IsZero() {
		elapsed := now.Sub(b.lastTick).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastTick = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// DataFromSource is called by the engine's forwarding-agent upcall
// handler when a data packet from a directly-connected source arrives
// at the DR (spec §4.6 DR path). It ensures the (S,G) entry exists,
// restarts its keepalive timer, and reports whether a Register (or
// Null Register) should now be sent, subject to the per-(S,G) Register
// rate limit.
func (t *Table) DataFromSource(k Key, keepalivePeriod time.Duration, now time.Time) (shouldRegister bool) {
	e := t.GetOrCreate(k)
	e.IsDirectlyConnectedSrc = true
	t.restartKeepalive(e, keepalivePeriod)

	switch e.Register {
	case RegJoin, RegJoinPending:
	default:
		return false
	}

	if e.registerLimiter == nil {
		e.registerLimiter = newRegisterRateLimit(defaultRegisterSuppressTime)
	}
	return e.registerLimiter.Allow(now)
}

func (t *Table) restartKeepalive(e *Entry, d time.Duration) {
	if e.keepaliveTok.Valid() {
		e.keepaliveTok.Cancel()
	}
	e.keepaliveTok = t.wheel.Schedule(d, func() {
		t.keepaliveExpired(e.Key)
	})
}

func (t *Table) keepaliveExpired(k Key) {
	e, ok := t.entries[k]
	if !ok {
		return
	}
	e.IsDirectlyConnectedSrc = false
	t.notify(k)
}

// SetRegisterState transitions the DR-side Register FSM directly; used
// when the engine decides Could-Register(S,G) has changed (e.g. the
// vif this source arrived on stopped being a DR vif).
func (t *Table) SetRegisterState(k Key, s RegisterState) {
	e, ok := t.entries[k]
	if !ok {
		return
	}
	e.Register = s
	t.notify(k)
}

// ReceiveRegisterStop handles an inbound Register-Stop at the DR (spec
// §4.6): transition to Prune and arm the Register-Stop-Timer on this
// table's own wheel. The timer first fires after
// Register-Suppression-Time and then every probeTime; each firing moves
// the state to JoinPending and calls onProbe (the engine's Null
// Register sender) for k.
func (t *Table) ReceiveRegisterStop(k Key, probeTime time.Duration, onProbe func(Key)) {
	e, ok := t.entries[k]
	if !ok {
		return
	}
	e.Register = RegPrune
	if e.regStopTok.Valid() {
		e.regStopTok.Cancel()
	}
	var fire func()
	fire = func() {
		e.Register = RegJoinPending
		if onProbe != nil {
			onProbe(k)
		}
		e.regStopTok = t.wheel.Schedule(probeTime, fire)
	}
	e.regStopTok = t.wheel.Schedule(defaultRegisterSuppressTime, fire)
	t.notify(k)
}

// RPRegisterDecision is the outcome of evaluating an inbound Register
// at the RP (spec §4.6 RP path).
type RPRegisterDecision struct {
	SendRegisterStop      bool
	DecapsulateAndDeliver bool
}

// ReceiveRegisterAtRP evaluates an inbound Register against the (S,G)
// entry's current inherited_olist and SPT bit, restarts the RP's
// (longer) keepalive timer, and reports what the caller should do
// next. isRP and isOwnRPAddr gate the RP-identity check spec §4.6
// requires before anything else.
func (t *Table) ReceiveRegisterAtRP(k Key, isRP, isOwnRPAddr bool, rpKeepalivePeriod time.Duration) RPRegisterDecision {
	if !isRP || !isOwnRPAddr {
		return RPRegisterDecision{SendRegisterStop: true}
	}
	e := t.GetOrCreate(k)

	if e.InheritedOlist.IsEmpty() || e.SPTBit {
		t.restartKeepalive(e, rpKeepalivePeriod)
		return RPRegisterDecision{SendRegisterStop: true}
	}

	t.restartKeepalive(e, rpKeepalivePeriod)
	decision := RPRegisterDecision{DecapsulateAndDeliver: true}
	t.notify(k)
	return decision
}
