package ctzone

import "testing"

func TestLifecycle(t *testing.T) {
	m := Map{1: {State: Queued}, 2: {State: Queued}}

	if got := len(m.Queued()); got != 2 {
		t.Fatalf("expected 2 queued zones, got %d", got)
	}

	m.MarkSent(1)
	m.BackpatchXid(42)

	e := m[1]
	if e.State != Sent || e.OFXid != 42 {
		t.Fatalf("expected zone 1 sent with xid 42, got %+v", e)
	}
	if m[2].State != Queued {
		t.Fatalf("expected zone 2 to remain queued (never marked sent)")
	}

	m.PromoteOnBarrier(42)
	if m[1].State != DBQueued {
		t.Fatalf("expected zone 1 promoted to DBQueued on matching barrier")
	}

	m.MarkSent(2)
	m.BackpatchXid(43)
	m.DemoteSentToQueued()
	if m[2].State != Queued || m[2].OFXid != 0 {
		t.Fatalf("expected reconnect to demote sent zone back to queued, got %+v", m[2])
	}
}
