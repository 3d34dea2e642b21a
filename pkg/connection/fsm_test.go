package connection

import (
	"testing"

	"github.com/ovn-org/ovn-controller-agent/pkg/ratelimit"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

func TestNewTickSendsTLVRequestAndAdvances(t *testing.T) {
	f := NewFSM()
	ch := transport.NewFake()

	if err := f.Tick(ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.State() != TLVTableRequested {
		t.Fatalf("expected S_TLV_TABLE_REQUESTED, got %v", f.State())
	}
	if len(ch.Sent) != 1 {
		t.Fatalf("expected exactly one message sent, got %d", len(ch.Sent))
	}
}

// Scenario 1 / P6: entering S_CLEAR sends bulk delete-all for flows,
// groups and meters and sets the forced-reinstall flag.
func TestClearEmitsBulkDeletesAndSetsReinstall(t *testing.T) {
	f := &FSM{state: Clear}
	ch := transport.NewFake()

	if err := f.Tick(ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.State() != Update {
		t.Fatalf("expected S_UPDATE_FLOWS after clear, got %v", f.State())
	}
	if !f.NeedReinstall() {
		t.Fatalf("expected the forced-reinstall flag to be set")
	}
	if len(ch.Sent) != 3 {
		t.Fatalf("expected 3 bulk-delete messages (flow/group/meter), got %d", len(ch.Sent))
	}
}

func TestMFFFieldIDZeroOutsideClearOrUpdate(t *testing.T) {
	f := NewFSM()
	f.mffTunMetadataIdx = 5
	if got := f.MFFTunMetadataFieldID(); got != 0 {
		t.Fatalf("expected field id 0 while in S_NEW, got %d", got)
	}
	f.state = Update
	if got := f.MFFTunMetadataFieldID(); got != 5 {
		t.Fatalf("expected field id 5 in S_UPDATE_FLOWS, got %d", got)
	}
}

func TestEchoRequestGetsReplied(t *testing.T) {
	f := &FSM{state: Update, errLimiter: ratelimit.New(1, 30), genericLimiter: ratelimit.New(1, 30)}
	ch := transport.NewFake()

	echoReq := []byte{4, 2 /* OFPT_ECHO_REQUEST */, 0, 8, 0, 0, 0, 7}
	if err := f.Dispatch(ch, echoReq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.Sent) != 1 {
		t.Fatalf("expected exactly one echo reply sent, got %d", len(ch.Sent))
	}
}
