// Package config holds the PIM-SM engine's configuration surface
// (spec §6 Configuration surface) and the JSON load/hot-reload
// mechanics the engine watches for changes. The engine keeps no
// persisted state of its own (spec §6: "Persisted state: None"), so
// unlike the teacher's config package this one never writes back to
// disk — it only loads a file at startup and on each reload.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"
)

// VifConfig is one enable_vif/start_vif/stop_vif entry plus its
// per-vif PIM protocol knobs (spec §6).
type VifConfig struct {
	Name                    string        `json:"name"`
	Enabled                 bool          `json:"enabled"`
	AutoStart               bool          `json:"auto_start"`
	ProtoVersion            uint8         `json:"proto_version,omitempty"`
	HelloPeriod             time.Duration `json:"hello_period,omitempty"`
	HelloHoldtime           time.Duration `json:"hello_holdtime,omitempty"`
	HelloTriggeredDelay     time.Duration `json:"hello_triggered_delay,omitempty"`
	DRPriority              uint32        `json:"dr_priority,omitempty"`
	PropagationDelay        time.Duration `json:"propagation_delay,omitempty"`
	OverrideInterval        time.Duration `json:"override_interval,omitempty"`
	JoinPrunePeriod         time.Duration `json:"join_prune_period,omitempty"`
	AcceptNoHelloNeighbors  bool          `json:"accept_nohello_neighbors,omitempty"`
	TrackingSupportDisabled bool          `json:"is_tracking_support_disabled,omitempty"`
	AlternativeSubnet       bool          `json:"alternative_subnet,omitempty"`
}

// SwitchToSPTThreshold is the per-group SPT-switchover policy (spec §6
// switch_to_spt_threshold(enabled, interval_sec, bytes)).
type SwitchToSPTThreshold struct {
	Enabled    bool   `json:"enabled"`
	IntervalSec int    `json:"interval_sec"`
	Bytes      uint64 `json:"bytes"`
}

// ScopeZoneConfig binds an administrative scope zone's group-prefix to
// the vif that forms its boundary, identified either by name or by
// address (spec §6 scope_zone(prefix, by-vif-name|by-vif-addr)).
type ScopeZoneConfig struct {
	GroupPrefix netip.Prefix `json:"group_prefix"`
	ByVifName   string       `json:"by_vif_name,omitempty"`
	ByVifAddr   netip.Addr   `json:"by_vif_addr,omitempty"`
}

// CandidateBSRConfig configures this router as a Candidate-BSR for a
// zone (spec §6 candidate_bsr(scope-zone, is-scope, vif, priority,
// hash-mask-len)).
type CandidateBSRConfig struct {
	ScopeZone   netip.Prefix `json:"scope_zone"`
	IsScope     bool         `json:"is_scope"`
	Vif         string       `json:"vif"`
	Priority    uint8        `json:"priority"`
	HashMaskLen uint8        `json:"hash_mask_len"`
}

// CandidateRPConfig configures this router as a Candidate-RP for a
// group prefix (spec §6 candidate_rp(group-prefix, is-scope, vif,
// priority, holdtime)).
type CandidateRPConfig struct {
	GroupPrefix netip.Prefix  `json:"group_prefix"`
	IsScope     bool          `json:"is_scope"`
	Vif         string        `json:"vif"`
	Priority    uint8         `json:"priority"`
	Holdtime    time.Duration `json:"holdtime"`
}

// StaticRPConfig configures a statically-provisioned RP, bypassing BSR
// election for the matching group prefix (spec §6 static_rp(group-
// prefix, rp-addr, priority, hash-mask-len)).
type StaticRPConfig struct {
	GroupPrefix netip.Prefix `json:"group_prefix"`
	RPAddr      netip.Addr   `json:"rp_addr"`
	Priority    uint8        `json:"priority"`
	HashMaskLen uint8        `json:"hash_mask_len"`
}

// Config is the engine's full configuration surface (spec §6).
type Config struct {
	Vifs                 []VifConfig            `json:"vifs"`
	SwitchToSPTThreshold SwitchToSPTThreshold   `json:"switch_to_spt_threshold"`
	ScopeZones           []ScopeZoneConfig      `json:"scope_zones,omitempty"`
	CandidateBSRs        []CandidateBSRConfig   `json:"candidate_bsrs,omitempty"`
	CandidateRPs         []CandidateRPConfig    `json:"candidate_rps,omitempty"`
	StaticRPs            []StaticRPConfig       `json:"static_rps,omitempty"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

func New() *Config {
	return &Config{changedCh: make(chan struct{}, 1)}
}

// Load reads and validates a configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := New()
	cfg.path = path
	if err := cfg.UpdateFromJSON(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the file Load was given and, if it validates,
// replaces the in-memory configuration and signals Changed.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Reload called on a config not loaded from a file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	return c.UpdateFromJSON(data)
}

// UpdateFromJSON validates and applies a new configuration document,
// rejecting it with a descriptive error if it's malformed or violates
// an invariant (spec §7: "configuration error: reject with a
// descriptive message; keep running the last valid configuration").
func (c *Config) UpdateFromJSON(data []byte) error {
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("config: decoding: %w", err)
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}

	c.mu.Lock()
	path := c.path
	next.path = path
	c.Vifs = next.Vifs
	c.SwitchToSPTThreshold = next.SwitchToSPTThreshold
	c.ScopeZones = next.ScopeZones
	c.CandidateBSRs = next.CandidateBSRs
	c.CandidateRPs = next.CandidateRPs
	c.StaticRPs = next.StaticRPs
	c.mu.Unlock()

	c.notifyChanged()
	return nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, v := range c.Vifs {
		if v.Name == "" {
			return fmt.Errorf("vif entry missing name")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate vif %q", v.Name)
		}
		seen[v.Name] = true
	}
	for _, z := range c.ScopeZones {
		if z.ByVifName == "" && !z.ByVifAddr.IsValid() {
			return fmt.Errorf("scope zone %s: must name a boundary vif by name or address", z.GroupPrefix)
		}
	}
	for _, rp := range c.StaticRPs {
		if !rp.RPAddr.IsValid() {
			return fmt.Errorf("static_rp %s: missing rp-addr", rp.GroupPrefix)
		}
	}
	return nil
}

// Changed returns a channel that receives a value each time the
// configuration is successfully updated.
func (c *Config) Changed() <-chan struct{} {
	return c.changedCh
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current configuration safe to read
// without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Vifs:                 c.Vifs,
		SwitchToSPTThreshold: c.SwitchToSPTThreshold,
		ScopeZones:           c.ScopeZones,
		CandidateBSRs:        c.CandidateBSRs,
		CandidateRPs:         c.CandidateRPs,
		StaticRPs:            c.StaticRPs,
	}
}

// VifByName returns the configuration for a named vif, if present.
func (c *Config) VifByName(name string) (VifConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.Vifs {
		if v.Name == name {
			return v, true
		}
	}
	return VifConfig{}, false
}
