package mfc

import "time"

// Measurement is one dataflow-monitor report from the forwarding agent
// (spec §6 add_dataflow_monitor RPC, §4.8).
type Measurement struct {
	Kind     MonitorKind
	Interval time.Duration
	Packets  uint64
	Bytes    uint64
}

// IdleOutcome tells the caller what to do after an idle-monitor fires
// (spec §4.8): either the entry is genuinely idle and should be torn
// down, or the agent's measurement interval was shorter than the
// configured keepalive period (a premature callback) and the monitor
// should simply be reinstalled with the correct interval.
type IdleOutcome struct {
	Delete             bool
	ReinstallInterval  time.Duration
}

// EvaluateIdleMonitor implements spec §4.8's idle-monitor rule:
// trigger on zero packets observed; only treat it as genuine idleness
// once the measured interval reached keepalivePeriod.
func EvaluateIdleMonitor(m Measurement, keepalivePeriod time.Duration) IdleOutcome {
	if m.Packets != 0 {
		return IdleOutcome{}
	}
	if m.Interval >= keepalivePeriod {
		return IdleOutcome{Delete: true}
	}
	return IdleOutcome{ReinstallInterval: keepalivePeriod}
}

// EvaluateSPTSwitchMonitor implements spec §4.8's SPT-switch rule:
// trigger once measured bytes in the interval exceed the configured
// threshold. switchToSptDesired is the caller-computed
// SwitchToSptDesired(S,G) predicate (it depends on config and MRE
// state this package doesn't own).
func EvaluateSPTSwitchMonitor(m Measurement, thresholdBytes uint64, switchToSptDesired bool) (shouldSwitch bool) {
	if m.Bytes < thresholdBytes {
		return false
	}
	return switchToSptDesired
}

// SetIdleMonitor and SetSPTSwitchMonitor record that an entry has an
// active monitor of the given kind, enforcing the invariant that at
// most one of each exists per entry (spec §3 Invariants).
func (e *Entry) SetIdleMonitor(active bool)      { e.HasIdleMonitor = active }
func (e *Entry) SetSPTSwitchMonitor(active bool) { e.HasSPTSwitchMonitor = active }
