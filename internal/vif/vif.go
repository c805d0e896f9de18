// Package vif holds per-interface state for the PIM engine: the
// virtual-interface table itself, its PIM configuration knobs, and the
// distinguished Register pseudo-interface (spec §3 Vif).
package vif

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Flags are the boolean attributes of a vif.
type Flags struct {
	Up               bool
	MulticastCapable bool
	PointToPoint     bool
	Loopback         bool
	Broadcast        bool
	IsRegisterVif    bool
}

// Config holds the per-vif PIM protocol configuration surface (spec
// §6 Configuration surface).
type Config struct {
	ProtoVersion            uint8
	HelloPeriod             time.Duration
	HelloHoldtime           time.Duration
	HelloTriggeredDelay     time.Duration
	DRPriority              uint32
	PropagationDelay        time.Duration
	OverrideInterval        time.Duration
	JoinPrunePeriod         time.Duration
	JoinPruneHoldtime       time.Duration
	AcceptNoHelloNeighbors  bool
	TrackingSupportDisabled bool
	AlternativeSubnet       bool
}

// DefaultConfig returns the RFC-suggested PIM timer defaults.
func DefaultConfig() Config {
	return Config{
		ProtoVersion:        2,
		HelloPeriod:         30 * time.Second,
		HelloHoldtime:       105 * time.Second,
		HelloTriggeredDelay: 5 * time.Second,
		DRPriority:          1,
		PropagationDelay:    500 * time.Millisecond,
		OverrideInterval:    2500 * time.Millisecond,
		JoinPrunePeriod:     60 * time.Second,
		JoinPruneHoldtime:   210 * time.Second,
	}
}

// Vif is a single virtual interface: name, stable index, addressing,
// MTU, flags and PIM configuration.
type Vif struct {
	mu sync.RWMutex

	Name             string
	Index            int // stable for the vif's lifetime; identifies it in every bitset
	PrimaryAddress   netip.Addr
	SecondaryAddress []netip.Addr
	MTU              int
	Flags            Flags
	PIM              Config

	// GenID is the generation ID for this vif's own Hellos (spec §4.2).
	// Nothing in this module sets it or sends Hellos, so it stays at
	// the value the vif was constructed with.
	GenID uint32
}

// New constructs a Vif with the given stable index and name. The
// caller (the Table below) is responsible for assigning distinct,
// stable indices.
func New(index int, name string, primary netip.Addr) *Vif {
	return &Vif{
		Index:          index,
		Name:           name,
		PrimaryAddress: primary,
		PIM:            DefaultConfig(),
	}
}

// HasSecondary reports whether addr is one of this vif's secondary
// addresses.
func (v *Vif) HasSecondary(addr netip.Addr) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, a := range v.SecondaryAddress {
		if a == addr {
			return true
		}
	}
	return false
}

// OwnsAddress reports whether addr is this vif's primary or any
// secondary address.
func (v *Vif) OwnsAddress(addr netip.Addr) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.PrimaryAddress == addr {
		return true
	}
	for _, a := range v.SecondaryAddress {
		if a == addr {
			return true
		}
	}
	return false
}

// IsUp reports whether the vif is administratively and operationally up.
func (v *Vif) IsUp() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.Flags.Up
}

// SetUp sets the vif's up/down flag.
func (v *Vif) SetUp(up bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Flags.Up = up
}

const registerVifName = "register_vif"

// NewRegisterVif constructs the distinguished encapsulation-only
// Register pseudo-interface at the given index (spec §3 Vif). The
// engine does not create one or add it to its vif table.
func NewRegisterVif(index int, primary netip.Addr) *Vif {
	v := New(index, registerVifName, primary)
	v.Flags = Flags{Up: true, IsRegisterVif: true}
	return v
}

// Table owns every Vif by stable index. It is the sole owner — other
// subsystems address vifs through the index, never a retained pointer
// graph (spec §9 Cyclic references).
type Table struct {
	mu      sync.RWMutex
	byIndex map[int]*Vif
	byName  map[string]int
	maxVifs int
}

// NewTable constructs an empty Table with capacity for maxVifs vifs,
// the compile/startup-time constant spec §3 requires for bitset sizing.
func NewTable(maxVifs int) *Table {
	return &Table{
		byIndex: make(map[int]*Vif),
		byName:  make(map[string]int),
		maxVifs: maxVifs,
	}
}

// MaxVifs returns the fixed bitset capacity.
func (t *Table) MaxVifs() int { return t.maxVifs }

var ErrUnknownVif = fmt.Errorf("vif: unknown vif")
var ErrVifExists = fmt.Errorf("vif: already exists")
var ErrIndexOutOfRange = fmt.Errorf("vif: index out of range")

// Add registers v in the table. Returns ErrIndexOutOfRange if v.Index
// is not in [0, maxVifs), ErrVifExists if the index or name is taken.
func (t *Table) Add(v *Vif) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.Index < 0 || v.Index >= t.maxVifs {
		return ErrIndexOutOfRange
	}
	if _, ok := t.byIndex[v.Index]; ok {
		return ErrVifExists
	}
	if _, ok := t.byName[v.Name]; ok {
		return ErrVifExists
	}
	t.byIndex[v.Index] = v
	t.byName[v.Name] = v.Index
	return nil
}

// Remove deletes a vif by index.
func (t *Table) Remove(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.byIndex[index]
	if !ok {
		return ErrUnknownVif
	}
	delete(t.byIndex, index)
	delete(t.byName, v.Name)
	return nil
}

// ByIndex looks up a vif by stable index.
func (t *Table) ByIndex(index int) (*Vif, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.byIndex[index]
	if !ok {
		return nil, ErrUnknownVif
	}
	return v, nil
}

// ByName looks up a vif by configured name.
func (t *Table) ByName(name string) (*Vif, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byName[name]
	if !ok {
		return nil, ErrUnknownVif
	}
	return t.byIndex[idx], nil
}

// All returns every registered vif in index order.
func (t *Table) All() []*Vif {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Vif, 0, len(t.byIndex))
	for i := 0; i < t.maxVifs; i++ {
		if v, ok := t.byIndex[i]; ok {
			out = append(out, v)
		}
	}
	return out
}
