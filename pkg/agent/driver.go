// Package agent implements the top-level driver (C9): the run loop that
// advances the connection state machine, dispatches received messages,
// and calls the reconciliation engine when the connection allows it.
package agent

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hkwi/gopenflow/ofp4"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/ovn-org/ovn-controller-agent/pkg/connection"
	"github.com/ovn-org/ovn-controller-agent/pkg/ctzone"
	"github.com/ovn-org/ovn-controller-agent/pkg/metrics"
	"github.com/ovn-org/ovn-controller-agent/pkg/reconcile"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

// maxIterations bounds the per-tick state-machine loop (spec §4.5): one
// tick can never starve the outer event loop, no matter how much backlog
// the connection has.
const maxIterations = 50

var connectionStateNames = []string{
	connection.New.String(),
	connection.TLVTableRequested.String(),
	connection.TLVTableModSent.String(),
	connection.Clear.String(),
	connection.Update.String(),
}

// Driver owns the transport connection to one bridge's management
// socket plus the FSM and reconciler that ride on top of it.
type Driver struct {
	RunDir string

	Channel    transport.Channel
	FSM        *connection.FSM
	Reconciler *reconcile.Reconciler

	target    string
	lastSeqno uint64
}

// New constructs a Driver over an already-connected set of collaborators
// and configures the transport's inactivity probe. The transport's current
// connection seqno is taken as already observed, so only a later advance
// counts as a reconnect.
func New(runDir string, probeInterval time.Duration, ch transport.Channel, fsm *connection.FSM, reconciler *reconcile.Reconciler) *Driver {
	ch.SetProbeInterval(probeInterval)
	return &Driver{
		RunDir:     runDir,
		Channel:    ch,
		FSM:        fsm,
		Reconciler: reconciler,
		lastSeqno:  ch.ConnectionSeqno(),
	}
}

func mgmtSocketPath(runDir, bridge string) string {
	return filepath.Join(runDir, bridge+".mgmt")
}

// Connected reports whether the transport currently has a live connection,
// independent of how far the FSM has progressed past it. Mirrors the
// original's ofctrl_is_connected as a narrower liveness probe than the
// connection state itself.
func (d *Driver) Connected() bool {
	return d.Channel.IsConnected()
}

// Run implements C9's run(bridge, pending_ct_zones) entry point for one
// tick of the outer event loop: resolve and (re)connect to the bridge's
// management socket, detect a transport-level reconnect, advance the
// connection state machine within its iteration bound, and call the
// reconciliation engine if the connection has reached S_UPDATE_FLOWS.
// It reports whether the caller should schedule an immediate re-run
// rather than waiting for the next external wake-up.
func (d *Driver) Run(bridge string, zones ctzone.Map, nbCfg uint64) (wantRewake bool, err error) {
	d.Reconciler.Zones = zones

	target := mgmtSocketPath(d.RunDir, bridge)
	d.target = target
	if err := d.Channel.Connect(target); err != nil {
		return false, err
	}

	if seqno := d.Channel.ConnectionSeqno(); seqno != d.lastSeqno {
		d.lastSeqno = seqno
		d.FSM.ResetToNew()
		zones.DemoteSentToQueued()
	}

	wantRewake = d.runBoundedLoop()
	metrics.SetConnectionState(d.FSM.State().String(), connectionStateNames)

	if d.FSM.State() == connection.Update {
		if err := d.Reconciler.Put(nbCfg); err != nil {
			return wantRewake, err
		}
	}
	return wantRewake, nil
}

// runBoundedLoop runs at most maxIterations rounds of (tick, recv+
// dispatch), stopping as soon as a round makes no progress. It reports
// true only if progress was still being made when the bound itself cut
// the loop short, since that means there is likely more work waiting.
func (d *Driver) runBoundedLoop() bool {
	for i := 0; i < maxIterations; i++ {
		if !d.tickOnce() {
			return false
		}
		if i == maxIterations-1 {
			return true
		}
	}
	return false
}

// tickOnce runs the current state's tick action and, independently,
// tries to receive and dispatch one message. It reports whether either
// half made progress.
func (d *Driver) tickOnce() bool {
	progressed := false

	before := d.FSM.State()
	if err := d.FSM.Tick(d.Channel); err != nil {
		utilruntime.HandleError(fmt.Errorf("connection tick failed: %v", err))
	}
	after := d.FSM.State()
	if after != before {
		progressed = true
		if before == connection.Clear && after == connection.Update {
			d.Reconciler.ClearLocal()
		}
	}

	if raw, ok := d.Channel.Recv(); ok {
		progressed = true
		if err := d.dispatchOne(raw); err != nil {
			utilruntime.HandleError(fmt.Errorf("message dispatch failed: %v", err))
		}
	}

	return progressed
}

// dispatchOne routes one received message. A barrier reply arriving
// while the connection is in S_UPDATE_FLOWS is the reconciliation
// engine's own barrier (spec §2, §4.5's "On message" row for
// S_UPDATE_FLOWS, §4.6 step 7): it resolves the in-flight configuration-
// generation queue and promotes matching conntrack-zone entries, rather
// than falling through to the FSM's generic handler, which doesn't know
// about either collaborator. Everything else still goes to FSM.Dispatch.
func (d *Driver) dispatchOne(raw []byte) error {
	if d.FSM.State() == connection.Update {
		var msg ofp4.Message
		if err := msg.UnmarshalBinary(raw); err == nil && msg.Type == ofp4.OFPT_BARRIER_REPLY {
			d.Reconciler.Cfg.Resolve(msg.Xid)
			d.Reconciler.Zones.PromoteOnBarrier(msg.Xid)
			return nil
		}
	}
	return d.FSM.Dispatch(d.Channel, raw)
}
