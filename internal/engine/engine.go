// Package engine implements the single-threaded cooperative event loop
// that wires the MRIB, neighbor table, MRE/MFC tables, and BSR zone
// table to the forwarding-agent, RIB, and MLD RPC surfaces (spec §5).
//
// All core state is mutated only on the goroutine running Run; RPC
// calls that must block (forwarding-agent/RIB reads) run on helper
// goroutines and report back through dispatch, so every state mutation
// still happens on one goroutine even though Go has no native
// single-thread-cooperative primitive for blocking I/O.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/malbeclabs/pimsmd/internal/bsr"
	"github.com/malbeclabs/pimsmd/internal/config"
	"github.com/malbeclabs/pimsmd/internal/fea"
	"github.com/malbeclabs/pimsmd/internal/mfc"
	"github.com/malbeclabs/pimsmd/internal/mld"
	"github.com/malbeclabs/pimsmd/internal/mre"
	"github.com/malbeclabs/pimsmd/internal/mrib"
	"github.com/malbeclabs/pimsmd/internal/neighbor"
	"github.com/malbeclabs/pimsmd/internal/pimio"
	"github.com/malbeclabs/pimsmd/internal/rib"
	"github.com/malbeclabs/pimsmd/internal/timer"
	"github.com/malbeclabs/pimsmd/internal/vif"
)

// State is the engine's overall lifecycle state (spec §5 Startup/shutdown).
type State uint8

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Engine owns every control-plane subsystem and the RPC clients that
// connect it to the forwarding agent, RIB, and MLD/IGMP.
type Engine struct {
	log   *slog.Logger
	wheel *timer.Wheel
	cfg   *config.Config

	Vifs      *vif.Table
	Neighbors *neighbor.Table
	MRE       *mre.Table
	MFC       *mfc.Table
	BSR       *bsr.Table
	MRIB      *mrib.Table
	Members   *mld.Table

	fea *fea.Client
	rib *rib.Client

	transports map[int]*pimio.Transport
	vifStats   map[int]*pimio.Stats

	state              State
	startupRequestsN   int
	shutdownRequestsN  int
	mribReady          bool // cold-start gate, independent of startupRequestsN (SPEC_FULL.md supplement 3)

	dispatchCh chan func()
	done       chan struct{}

	ctx context.Context // valid only while Run is executing; used by handlers that must issue RPCs
}

// New constructs an Engine. maxVifs bounds every bitset-backed table.
// feaConn and ribConn are the raw RPC transports to the forwarding
// agent and routing process; New wraps each in its package's Client
// (retry/backoff for fea, MRIB-staging for rib) so the engine is the
// single owner of both the MRIB table and the client bound to it.
func New(log *slog.Logger, cfg *config.Config, feaConn fea.Conn, ribConn rib.Conn, maxVifs int) *Engine {
	if log == nil {
		log = slog.Default()
	}
	wheel := timer.New()
	e := &Engine{
		log:        log,
		wheel:      wheel,
		cfg:        cfg,
		Vifs:       vif.NewTable(maxVifs),
		MRIB:       mrib.NewTable(256),
		BSR:        bsr.NewTable(wheel),
		fea:        fea.NewClient(feaConn, log),
		transports: make(map[int]*pimio.Transport),
		vifStats:   make(map[int]*pimio.Stats),
		dispatchCh: make(chan func(), 64),
		done:       make(chan struct{}),
	}
	e.rib = rib.NewClient(ribConn, e.MRIB, log)
	e.Neighbors = neighbor.NewTable(wheel, e.onNeighborExpired)
	e.MRE = mre.NewTable(maxVifs, wheel)
	e.MRE.OnOlistChange = e.onMREOlistChange
	e.MFC = mfc.NewTable(maxVifs, nil, nil)
	e.wirePushDelete()
	e.Members = mld.NewTable(e.MRE)
	e.MRIB.OnCommit(e.onMRIBCommit)
	return e
}

func (e *Engine) State() State { return e.state }

// dispatch runs fn on the Run goroutine. Safe to call from any
// goroutine, including completion callbacks of outbound RPCs (spec §5:
// "outbound RPC completions" are a first-class event source).
func (e *Engine) dispatch(fn func()) {
	select {
	case e.dispatchCh <- fn:
	case <-e.done:
	}
}

func (e *Engine) beginStartup() {
	e.startupRequestsN++
	if e.state == StateStopped {
		e.state = StateStarting
	}
}

func (e *Engine) endStartup() {
	e.startupRequestsN--
	if e.startupRequestsN < 0 {
		e.startupRequestsN = 0
	}
	if e.startupRequestsN == 0 && e.state == StateStarting {
		e.state = StateRunning
		e.log.Info("engine: running")
	}
}

func (e *Engine) beginShutdown() {
	e.shutdownRequestsN++
	e.state = StateStopping
}

func (e *Engine) endShutdown() {
	e.shutdownRequestsN--
	if e.shutdownRequestsN < 0 {
		e.shutdownRequestsN = 0
	}
	if e.shutdownRequestsN == 0 && e.state == StateStopping {
		e.state = StateStopped
		e.log.Info("engine: stopped")
	}
}

// SetMRIBReady marks that the RIB has delivered at least one full
// resync, lifting the cold-start Join/Prune suppression gate
// (SPEC_FULL.md supplement 3, grounded on XORP's is_mrib_ready).
func (e *Engine) SetMRIBReady() {
	e.mribReady = true
	e.log.Info("engine: mrib ready, lifting cold-start join/prune suppression")
}

// StartVif brings up PIM on a configured vif: registers it as a
// receiver with the forwarding agent, then marks it administratively
// up once that RPC completes (spec §5 startup_requests_n).
func (e *Engine) StartVif(ctx context.Context, v *vif.Vif) {
	e.beginStartup()
	go func() {
		stats := &pimio.Stats{}
		transport, openErr := pimio.OpenRawConn(v.Name, stats)
		err := e.fea.RegisterReceiver(ctx, v.Index)
		e.dispatch(func() {
			defer e.endStartup()
			if err != nil {
				e.log.Error("engine: register_receiver failed", "vif", v.Name, "err", err)
				if transport != nil {
					transport.Close()
				}
				return
			}
			if openErr != nil {
				e.log.Error("engine: opening raw socket failed", "vif", v.Name, "err", openErr)
				return
			}
			e.vifStats[v.Index] = stats
			e.transports[v.Index] = transport
			v.SetUp(true)
			e.log.Info("engine: vif up", "vif", v.Name, "index", v.Index)
			e.pumpVif(v.Index, transport)
		})
	}()
}

// pumpVif starts the per-vif read goroutine that blocks in
// Transport.Receive and hands each datagram to the event loop via
// dispatch, the same fan-in shape every other inbound RPC uses (spec §5).
func (e *Engine) pumpVif(vifIndex int, t *pimio.Transport) {
	go func() {
		buf := make([]byte, 65535)
		for {
			rcv, err := t.Receive(buf)
			if err != nil {
				e.dispatch(func() {
					if e.transports[vifIndex] == t {
						e.log.Error("engine: vif read failed; no further packets are read on this vif", "vif", vifIndex, "err", err)
					}
				})
				return
			}
			body := append([]byte(nil), rcv.Body...)
			src := rcv.Src
			e.dispatch(func() {
				if e.transports[vifIndex] != t {
					return // superseded by a later restart of this vif
				}
				e.HandleInbound(vifIndex, src, body, e.vifStats[vifIndex])
			})
		}
	}()
}

// StopVif tears down PIM on a vif: removes its neighbors, then
// unregisters it with the forwarding agent (spec §5
// shutdown_requests_n).
func (e *Engine) StopVif(ctx context.Context, v *vif.Vif) {
	e.Neighbors.VifDown(v.Index)
	v.SetUp(false)
	if t, ok := e.transports[v.Index]; ok {
		delete(e.transports, v.Index)
		delete(e.vifStats, v.Index)
		t.Close()
	}
	e.beginShutdown()
	go func() {
		// The contract only names register_receiver/join_multicast_group
		// as the per-vif startup calls; tearing a vif down is modeled as
		// leaving every group it joined, which LeaveMulticastGroup(-1, 0)
		// cannot express generically, so this reuses UnregisterProtocol's
		// retry/peer-death plumbing for the symmetric RPC instead.
		err := e.fea.UnregisterProtocol(ctx, fmt.Sprintf("pimsmd-vif-%d", v.Index))
		e.dispatch(func() {
			defer e.endShutdown()
			if err != nil {
				e.log.Error("engine: vif teardown rpc failed", "vif", v.Name, "err", err)
			}
		})
	}()
}

// AddMembership and DeleteMembership expose the MLD/IGMP RPC surface
// (spec §6 add_membership/delete_membership); the forwarding agent
// calls these inbound, so the engine's dispatch just forwards to
// internal/mld and lets it drive MRE olist recomputation.
func (e *Engine) AddMembership(m mld.Membership) error    { return e.Members.AddMembership(m) }
func (e *Engine) DeleteMembership(m mld.Membership) error { return e.Members.DeleteMembership(m) }

func (e *Engine) onNeighborExpired(vifIndex int, addr netip.Addr) {
	e.log.Info("engine: neighbor expired", "vif", vifIndex, "addr", addr)
	e.reelectDR(vifIndex)
}

func (e *Engine) reelectDR(vifIndex int) {
	v, err := e.Vifs.ByIndex(vifIndex)
	if err != nil {
		return
	}
	won := e.Neighbors.ElectDR(vifIndex, v.PrimaryAddress, v.PIM.DRPriority, true)
	e.MRE.All() // no-op touch kept for symmetry with other per-vif recompute call sites
	if won {
		e.log.Debug("engine: elected DR", "vif", v.Name)
	}
}

// onMREOlistChange re-evaluates the upstream FSM and recomputes the
// vif's MFC entry whenever an MRE entry's olist-affecting state
// changes (spec §4.3, §4.8).
func (e *Engine) onMREOlistChange(k mre.Key) {
	e.MRE.EvaluateUpstream(k, e.sendUpstream)
	e.recomputeMFC(k)
}

// sendUpstream emits a Join/Prune towards the RPF neighbor for k,
// suppressed entirely until the cold-start MRIB-ready gate lifts
// (SPEC_FULL.md supplement 3) — a suppressed message is simply
// dropped, not queued, since EvaluateUpstream will be re-driven by the
// next olist-affecting event or the periodic join-timer refresh once
// sending resumes.
func (e *Engine) sendUpstream(k mre.Key, join bool) {
	if !e.mribReady {
		e.log.Debug("engine: suppressing upstream join/prune during cold start", "key", k)
		return
	}
	rpf, ok := e.rpfNeighbor(k)
	if !ok {
		return
	}
	e.log.Debug("engine: sending upstream join/prune", "key", k, "join", join, "rpf", rpf)
	// The actual JoinPrune wire encode/send is owned by the per-vif
	// pimio.Transport selected by rpf's vif; wired in packet.go's
	// sendJoinPrune once a transport exists for that vif.
	e.sendJoinPrune(k, join, rpf)
}

// rpfNeighbor resolves the RPF neighbor for k's (effective) source
// using the MRIB (spec §4.1, §4.3).
func (e *Engine) rpfNeighbor(k mre.Key) (netip.Addr, bool) {
	lookupAddr := k.Source
	if !lookupAddr.IsValid() {
		if e, ok := e.MRE.Get(k); ok && e.HasRP {
			lookupAddr = e.RPAddr
		}
	}
	if !lookupAddr.IsValid() {
		return netip.Addr{}, false
	}
	entry, ok := e.MRIB.Lookup(lookupAddr)
	if !ok {
		return netip.Addr{}, false
	}
	return entry.NextHopAddr, true
}

func (e *Engine) onMRIBCommit(changed []netip.Prefix) {
	for _, entry := range e.MRE.All() {
		e.MRE.EvaluateUpstream(entry.Key, e.sendUpstream)
	}
	if !e.mribReady {
		e.SetMRIBReady()
	}
	_ = changed
}

// Run drives the event loop until ctx is cancelled: pops due timers,
// runs dispatched RPC-completion closures, and reacts to config
// reloads. Run itself starts the kernel-signal, dataflow-signal and
// RIB pump goroutines (StartVif starts each vif's packet pump); all of
// them hand their results to this loop through dispatch. The loop
// mirrors internal/timer.Wheel.Run's own PopDue-then-select shape.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.ctx = ctx
	e.pumpKernelSignals(ctx)
	e.pumpDataflowSignals(ctx)
	e.pumpRib(ctx)
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		due, wait := e.wheel.PopDue(time.Now())
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
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.dispatchCh:
			fn()
		case <-e.cfg.Changed():
			e.log.Info("engine: configuration changed")
			e.applyConfig()
		case <-t.C:
		}
	}
}

// pumpKernelSignals and pumpDataflowSignals are the fan-in goroutines
// for the forwarding agent's two push RPCs (spec §6
// recv_kernel_signal_message, recv_dataflow_signal); both block
// indefinitely so they run outside the event loop and report back
// through dispatch like every other RPC completion.
func (e *Engine) pumpKernelSignals(ctx context.Context) {
	go func() {
		for {
			sig, err := e.fea.RecvKernelSignalMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.dispatch(func() {
					e.log.Error("engine: kernel signal stream failed; no further kernel signals are received", "err", err)
				})
				return
			}
			e.dispatch(func() { e.HandleKernelSignal(sig) })
		}
	}()
}

func (e *Engine) pumpDataflowSignals(ctx context.Context) {
	go func() {
		for {
			sig, err := e.fea.RecvDataflowSignal(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.dispatch(func() {
					e.log.Error("engine: dataflow signal stream failed; no further dataflow signals are received", "err", err)
				})
				return
			}
			e.dispatch(func() {
				snap := e.cfg.Snapshot()
				e.HandleDataflowSignal(sig, defaultRPKeepalivePeriod, snap.SwitchToSPTThreshold.Bytes, snap.SwitchToSPTThreshold.Enabled)
			})
		}
	}()
}

// pumpRib blocks on the RIB stream and applies each transaction on
// the event-loop goroutine, since Client.Apply mutates the MRIB table
// that onMRIBCommit (and through it the MRE upstream FSMs) reads (spec
// §5: no handler may touch core state off the Run goroutine).
func (e *Engine) pumpRib(ctx context.Context) {
	go func() {
		for {
			tx, err := e.rib.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.dispatch(func() {
					e.log.Error("engine: rib stream failed; no further rib transactions are received", "err", err)
				})
				return
			}
			e.dispatch(func() {
				if err := e.rib.Apply(tx); err != nil {
					e.log.Error("engine: applying rib transaction failed", "tx", tx.ID, "err", err)
				}
			})
		}
	}()
}

func (e *Engine) applyConfig() {
	snap := e.cfg.Snapshot()
	for _, vc := range snap.Vifs {
		v, err := e.Vifs.ByName(vc.Name)
		if err != nil {
			continue
		}
		switch {
		case vc.Enabled && !v.IsUp():
			e.StartVif(context.Background(), v)
		case !vc.Enabled && v.IsUp():
			e.StopVif(context.Background(), v)
		}
	}
}
