package agent

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hkwi/gopenflow/ofp4"

	"github.com/ovn-org/ovn-controller-agent/pkg/cfgtracker"
	"github.com/ovn-org/ovn-controller-agent/pkg/connection"
	"github.com/ovn-org/ovn-controller-agent/pkg/ctzone"
	"github.com/ovn-org/ovn-controller-agent/pkg/extend"
	externaltesting "github.com/ovn-org/ovn-controller-agent/pkg/external/testing"
	"github.com/ovn-org/ovn-controller-agent/pkg/flow"
	"github.com/ovn-org/ovn-controller-agent/pkg/ofpkey"
	"github.com/ovn-org/ovn-controller-agent/pkg/reconcile"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

type testMatch string

func (m testMatch) MarshalBinary() ([]byte, error) { return []byte(m), nil }
func (m testMatch) String() string                 { return string(m) }

func newTestDriver() (*Driver, *transport.Fake, *connection.FSM, *flow.DesiredTable, *flow.InstalledTable) {
	desired := flow.NewDesiredTable()
	installed := flow.NewInstalledTable()
	groups := extend.NewTable(1)
	meters := extend.NewTable(1)
	cfg := cfgtracker.New()
	catalog := externaltesting.FakeMeterCatalog{}
	ch := transport.NewFake()
	fsm := connection.NewFSM()

	r := reconcile.New(ch, fsm, desired, installed, groups, meters, ctzone.Map{}, cfg, catalog)
	d := New("/var/run/openvswitch", time.Second, ch, fsm, r)
	return d, ch, fsm, desired, installed
}

func messageTypes(sent [][]byte) []uint8 {
	var types []uint8
	for _, raw := range sent {
		var msg ofp4.Message
		if err := msg.UnmarshalBinary(raw); err == nil {
			types = append(types, msg.Type)
		}
	}
	return types
}

// On entering S_CLEAR_FLOWS, Run must both run the FSM's own wire-level
// bulk deletes and wipe the local tables before the immediately-following
// put, so the put's reinstall sees no leftover installed state (P6).
func TestRunClearTransitionClearsLocalAndReconciles(t *testing.T) {
	d, ch, fsm, desired, installed := newTestDriver()
	fsm.ForceState(connection.Clear)

	sb := uuid.New()
	desired.Add(ofpkey.Key{TableID: 0, Priority: 100, Match: testMatch("a")},
		ofpkey.Value{Actions: ofpkey.RawActions("output:1"), Cookie: 1}, sb, false)
	installed.Insert(ofpkey.Key{TableID: 0, Priority: 100, Match: testMatch("stale")},
		ofpkey.Value{Actions: ofpkey.RawActions("output:9"), Cookie: 9})

	wantRewake, err := d.Run("br-int", ctzone.Map{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wantRewake {
		t.Fatalf("did not expect a rewake request once the connection settles in S_UPDATE_FLOWS")
	}
	if fsm.State() != connection.Update {
		t.Fatalf("expected S_UPDATE_FLOWS, got %v", fsm.State())
	}
	if fsm.NeedReinstall() {
		t.Fatalf("expected the reinstall flag to be cleared after a successful put")
	}

	types := messageTypes(ch.Sent)
	if len(types) < 5 {
		t.Fatalf("expected at least 3 clear deletes + 1 add + 1 barrier, got %d messages", len(types))
	}
	for _, tp := range types[:3] {
		switch tp {
		case ofp4.OFPT_FLOW_MOD, ofp4.OFPT_GROUP_MOD, ofp4.OFPT_METER_MOD:
		default:
			t.Fatalf("expected the clear trailer's bulk deletes first, got type %d", tp)
		}
	}
	if types[len(types)-1] != ofp4.OFPT_BARRIER_REQUEST {
		t.Fatalf("expected a trailing barrier, got type %d", types[len(types)-1])
	}

	if n := len(installed.All()); n != 1 {
		t.Fatalf("expected exactly the reinstalled flow to be present, got %d installed", n)
	}
}

// A genuine transport-level reconnect (seqno advances after the driver
// has already observed the connection once) resets the FSM and demotes
// any SENT conntrack-zone entries, even mid-reconciliation.
func TestRunDetectsReconnectAndDemotesZones(t *testing.T) {
	d, ch, fsm, _, _ := newTestDriver()
	fsm.ForceState(connection.Update)
	zones := ctzone.Map{7: &ctzone.Entry{State: ctzone.Sent, OFXid: 99}}

	if _, err := d.Run("br-int", zones, 1); err != nil {
		t.Fatalf("unexpected error on initial settle: %v", err)
	}
	if fsm.State() != connection.Update {
		t.Fatalf("expected the initial tick to leave S_UPDATE_FLOWS alone, got %v", fsm.State())
	}

	ch.Reconnect()
	if _, err := d.Run("br-int", zones, 1); err != nil {
		t.Fatalf("unexpected error after reconnect: %v", err)
	}
	// The reset lands in S_NEW, whose tick runs in the same bounded loop
	// and sends the TLV-table request.
	if fsm.State() != connection.TLVTableRequested {
		t.Fatalf("expected the reconnect to restart negotiation from S_NEW (now S_TLV_TABLE_REQUESTED), got %v", fsm.State())
	}
	if zones[7].State != ctzone.Queued {
		t.Fatalf("expected the SENT zone entry to be demoted to QUEUED, got %v", zones[7].State)
	}
}

// If the bounded loop is still making progress when its iteration cap
// is reached, Run must ask the caller for an immediate rewake rather
// than waiting for the next external wake-up.
func TestRunRequestsRewakeWhenStillProgressingAtBound(t *testing.T) {
	d, ch, fsm, _, _ := newTestDriver()
	fsm.ForceState(connection.Update)

	echoReq := []byte{4, 2, 0, 8, 0, 0, 0, 7}
	for i := 0; i < maxIterations; i++ {
		ch.Inject(echoReq)
	}

	wantRewake, err := d.Run("br-int", ctzone.Map{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wantRewake {
		t.Fatalf("expected a rewake request when the bound cuts off an still-progressing loop")
	}
}

// A barrier reply received while the connection is in S_UPDATE_FLOWS
// must resolve the in-flight configuration-generation queue and promote
// matching conntrack-zone entries (C7, §4.5's S_UPDATE_FLOWS "On
// message" row, scenario 7) — not fall through to the FSM's generic
// unhandled-message logging.
func TestRunResolvesBarrierReplyAndPromotesZone(t *testing.T) {
	d, ch, fsm, desired, _ := newTestDriver()
	fsm.ForceState(connection.Update)
	zones := ctzone.Map{7: &ctzone.Entry{State: ctzone.Queued}}

	sb := uuid.New()
	desired.Add(ofpkey.Key{TableID: 0, Priority: 100, Match: testMatch("a")},
		ofpkey.Value{Actions: ofpkey.RawActions("output:1"), Cookie: 1}, sb, false)

	if _, err := d.Run("br-int", zones, 1); err != nil {
		t.Fatalf("unexpected error on initial put: %v", err)
	}
	if zones[7].State != ctzone.Sent {
		t.Fatalf("expected the queued zone to be marked sent, got %v", zones[7].State)
	}

	bar := ch.Sent[len(ch.Sent)-1]
	var sent ofp4.Message
	if err := sent.UnmarshalBinary(bar); err != nil {
		t.Fatalf("decode failure on the trailing barrier: %v", err)
	}
	reply := ofp4.Message{Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_BARRIER_REPLY, Xid: sent.Xid}}
	raw, err := reply.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failure: %v", err)
	}
	ch.Inject(raw)

	if _, err := d.Run("br-int", zones, 1); err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}

	if d.Reconciler.Cfg.CurCfg() != 1 {
		t.Fatalf("expected cur_cfg to advance to 1 after the barrier reply, got %d", d.Reconciler.Cfg.CurCfg())
	}
	if zones[7].State != ctzone.DBQueued {
		t.Fatalf("expected the sent zone to be promoted to DBQueued, got %v", zones[7].State)
	}
}

// Connected reflects the transport's raw liveness, independent of the
// FSM's own state.
func TestDriverConnectedReflectsTransport(t *testing.T) {
	d, ch, _, _, _ := newTestDriver()
	if _, err := d.Run("br-int", ctzone.Map{}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Connected() {
		t.Fatalf("expected Connected() to report true once dialed")
	}
	ch.Connected = false
	if d.Connected() {
		t.Fatalf("expected Connected() to report false once the transport drops")
	}
}

// With nothing queued and the connection already settled in
// S_UPDATE_FLOWS, Run stops as soon as a round makes no progress, well
// short of the iteration bound, and does not ask for a rewake.
func TestRunStopsEarlyWhenIdle(t *testing.T) {
	d, _, fsm, _, _ := newTestDriver()
	fsm.ForceState(connection.Update)

	wantRewake, err := d.Run("br-int", ctzone.Map{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wantRewake {
		t.Fatalf("did not expect a rewake request on an idle connection")
	}
}
