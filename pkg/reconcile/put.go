// Package reconcile implements the reconciliation engine (C6): the put
// operation that diffs the desired and installed flow/extension tables,
// emits the minimum batch of flow/group/meter modifications, and updates
// the link structure and configuration-generation tracker to match.
package reconcile

import (
	"time"

	"github.com/hkwi/gopenflow/ofp4"
	"k8s.io/klog/v2"

	"github.com/ovn-org/ovn-controller-agent/pkg/cfgtracker"
	"github.com/ovn-org/ovn-controller-agent/pkg/connection"
	"github.com/ovn-org/ovn-controller-agent/pkg/ctzone"
	"github.com/ovn-org/ovn-controller-agent/pkg/extend"
	"github.com/ovn-org/ovn-controller-agent/pkg/external"
	"github.com/ovn-org/ovn-controller-agent/pkg/flow"
	"github.com/ovn-org/ovn-controller-agent/pkg/metrics"
	"github.com/ovn-org/ovn-controller-agent/pkg/ofpkey"
	"github.com/ovn-org/ovn-controller-agent/pkg/ratelimit"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

// Reconciler owns every collaborator put needs: the connection FSM (for
// gating and its shared xid counter), the flow/extension tables, the
// conntrack-zone map, and the configuration-generation tracker. It is the
// "explicit controller context" spec §9 calls for in place of the
// original's global singletons.
type Reconciler struct {
	Channel      transport.Channel
	FSM          *connection.FSM
	Desired      *flow.DesiredTable
	Installed    *flow.InstalledTable
	Groups       *extend.Table
	Meters       *extend.Table
	Zones        ctzone.Map
	Cfg          *cfgtracker.Tracker
	MeterCatalog external.MeterCatalog

	lastDesiredGen uint64
	lastGroupsGen  uint64
	lastMetersGen  uint64
	lastNbCfg      uint64
	haveRun        bool

	badSpecLimiter *ratelimit.Limiter
}

// New constructs a Reconciler over an already-assembled set of
// collaborators. Callers (the top-level driver) own the collaborators'
// lifetime; Reconciler only reads and mutates them.
func New(ch transport.Channel, fsm *connection.FSM, desired *flow.DesiredTable, installed *flow.InstalledTable, groups, meters *extend.Table, zones ctzone.Map, cfg *cfgtracker.Tracker, catalog external.MeterCatalog) *Reconciler {
	return &Reconciler{
		Channel:        ch,
		FSM:            fsm,
		Desired:        desired,
		Installed:      installed,
		Groups:         groups,
		Meters:         meters,
		Zones:          zones,
		Cfg:            cfg,
		MeterCatalog:   catalog,
		badSpecLimiter: ratelimit.New(1, 30),
	}
}

// ClearLocal performs the local half of entering S_CLEAR_FLOWS (spec.md
// §4.5): installed tables and extension-table existing sets are wiped and
// every in-flight update is dropped. Desired state survives — it is
// recreated by the translation layer, not by this core, on reconnect. The
// caller must invoke this once per transition into S_CLEAR_FLOWS, before
// or after the FSM's own tick runs the wire-level bulk deletes.
func (r *Reconciler) ClearLocal() {
	flow.ClearInstalled(r.Installed, r.Desired)
	r.Groups.ClearExisting()
	r.Meters.ClearExisting()
	r.Cfg.Reset()
}

// Put runs one reconciliation pass at configuration generation nbCfg, per
// spec.md §4.6. It is a no-op (returning nil) when preconditions aren't
// met — the driver is expected to call it again on a later tick.
func (r *Reconciler) Put(nbCfg uint64) error {
	if r.FSM.State() != connection.Update {
		return nil
	}
	if r.Channel.TxInFlight() != 0 {
		return nil
	}
	if r.Channel.Version() == 0 {
		return nil
	}

	start := time.Now()
	defer func() { metrics.ObservePutDuration(time.Since(start)) }()
	defer func() {
		metrics.DesiredFlows.Set(float64(len(r.Desired.All())))
		metrics.InstalledFlows.Set(float64(len(r.Installed.All())))
		metrics.CurCfg.Set(float64(r.Cfg.CurCfg()))
	}()

	unchanged := r.haveRun &&
		!r.FSM.NeedReinstall() &&
		r.Desired.Generation() == r.lastDesiredGen &&
		r.Groups.Generation() == r.lastGroupsGen &&
		r.Meters.Generation() == r.lastMetersGen &&
		len(r.Zones.Queued()) == 0

	if unchanged && nbCfg == r.lastNbCfg {
		return nil
	}
	if unchanged {
		r.retagOrSetCfg(nbCfg)
		r.lastNbCfg = nbCfg
		return nil
	}

	var msgs []ofp4.Message

	// Step 1: conntrack flushes.
	for _, zone := range r.Zones.Queued() {
		msgs = append(msgs, buildCTFlushZone(zone, r.FSM.AllocXid()))
		r.Zones.MarkSent(zone)
	}

	// Step 2: new groups, new meters.
	for _, e := range r.Groups.Uninstalled() {
		msgs = append(msgs, buildGroupAdd(e, r.FSM.AllocXid()))
	}
	for _, e := range r.Meters.Uninstalled() {
		msg, err := buildMeterAdd(e, r.MeterCatalog, r.FSM.AllocXid())
		if err != nil {
			r.badSpecLimiter.Errorf("skipping meter %q this cycle: %v", e.Name, err)
			metrics.FlowModErrors.Inc()
			continue
		}
		msgs = append(msgs, msg)
	}

	// Step 3: installed-flow sweep.
	for _, instID := range r.Installed.All() {
		key, value, _, _, ok := r.Installed.Get(instID)
		if !ok {
			continue
		}
		flow.UnlinkAllRefsAndClear(r.Installed, instID, r.Desired)

		candidates := r.Desired.SharingKey(key)
		if len(candidates) == 0 {
			msgs = append(msgs, buildFlowMod(ofp4.OFPFC_DELETE_STRICT, key, value, r.FSM.AllocXid()))
			r.Installed.Delete(instID)
			continue
		}

		for _, did := range candidates {
			flow.Link(r.Installed, instID, r.Desired, did)
		}

		_, primaryValue, _, ok := r.Desired.Get(candidates[0])
		if !ok {
			continue
		}
		switch {
		case value.Cookie != primaryValue.Cookie:
			msgs = append(msgs, buildFlowMod(ofp4.OFPFC_ADD, key, primaryValue, r.FSM.AllocXid()))
			r.Installed.UpdateValue(instID, primaryValue)
		case !ofpkey.ActionsEqual(value.Actions, primaryValue.Actions):
			msgs = append(msgs, buildFlowMod(ofp4.OFPFC_MODIFY_STRICT, key, primaryValue, r.FSM.AllocXid()))
			r.Installed.UpdateValue(instID, primaryValue)
		}
	}

	// Step 4: desired-flow sweep.
	for _, did := range r.Desired.All() {
		if _, ok := r.Desired.InstalledOf(did); ok {
			continue
		}
		key, value, _, ok := r.Desired.Get(did)
		if !ok {
			continue
		}
		// Another desired flow at this same key may have just been
		// installed (or already existed) earlier in this very sweep;
		// link onto it instead of installing a second copy, per I2's
		// "at most one installed flow per key".
		if instID, ok := r.Installed.Lookup(key); ok {
			flow.Link(r.Installed, instID, r.Desired, did)
			continue
		}
		msgs = append(msgs, buildFlowMod(ofp4.OFPFC_ADD, key, value, r.FSM.AllocXid()))
		instID := r.Installed.Insert(key, value)
		flow.Link(r.Installed, instID, r.Desired, did)
	}

	// Step 5: stale extension entries, then sync.
	for _, e := range r.Groups.Stale() {
		msgs = append(msgs, buildGroupDelete(e, r.FSM.AllocXid()))
		r.Groups.DropStale(e.Name)
	}
	r.Groups.Sync()
	for _, e := range r.Meters.Stale() {
		msgs = append(msgs, buildMeterDelete(e, r.FSM.AllocXid()))
		r.Meters.DropStale(e.Name)
	}
	r.Meters.Sync()

	// Step 6: trailer, step 7: configuration tracking.
	if len(msgs) > 0 {
		for _, m := range msgs {
			if err := r.Channel.Send(m); err != nil {
				return err
			}
		}
		barXid := r.FSM.AllocXid()
		bar := ofp4.Message{Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_BARRIER_REQUEST, Xid: barXid}}
		if err := r.Channel.Send(bar); err != nil {
			return err
		}
		r.Zones.BackpatchXid(barXid)
		r.Cfg.Reconcile(barXid, nbCfg)
	} else {
		r.retagOrSetCfg(nbCfg)
	}

	r.FSM.ClearReinstallFlag()
	r.lastDesiredGen = r.Desired.Generation()
	r.lastGroupsGen = r.Groups.Generation()
	r.lastMetersGen = r.Meters.Generation()
	r.lastNbCfg = nbCfg
	r.haveRun = true

	klog.V(5).Infof("put at nb_cfg=%d emitted %d messages", nbCfg, len(msgs))
	return nil
}

func (r *Reconciler) retagOrSetCfg(nbCfg uint64) {
	if r.Cfg.Empty() {
		r.Cfg.SetCurCfgDirectly(nbCfg)
	} else {
		r.Cfg.Retag(nbCfg)
	}
}
