package flow

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ovn-org/ovn-controller-agent/pkg/ofpkey"
)

type testMatch string

func (m testMatch) MarshalBinary() ([]byte, error) { return []byte(m), nil }
func (m testMatch) String() string                 { return string(m) }

func key(priority uint16, match string) ofpkey.Key {
	return ofpkey.Key{TableID: 8, Priority: priority, Match: testMatch(match)}
}

func val(actions string, cookie uint64) ofpkey.Value {
	return ofpkey.Value{Actions: ofpkey.RawActions(actions), Cookie: cookie}
}

// P7: idempotent add.
func TestAddIdempotent(t *testing.T) {
	d := NewDesiredTable()
	sb := uuid.New()
	k := key(100, "ip,nw_src=1.1.1.1")

	id1 := d.Add(k, val("output:1", 1), sb, false)
	id2 := d.Add(k, val("output:1", 1), sb, false)

	if id1 != id2 {
		t.Fatalf("expected second add to be a no-op returning the same id")
	}
	if len(d.flows) != 1 {
		t.Fatalf("expected exactly one desired flow, got %d", len(d.flows))
	}
}

// Scenario 3: shared key, two sources, one installed flow; unlinking one
// source leaves the installed flow intact pointing at the other.
func TestSharedKeyUnlinkOneSource(t *testing.T) {
	d := NewDesiredTable()
	ins := NewInstalledTable()
	k := key(100, "ip,nw_src=1.1.1.1")
	sb1, sb2 := uuid.New(), uuid.New()

	id1 := d.Add(k, val("output:1", 1), sb1, false)
	id2 := d.Add(k, val("output:1", 1), sb2, false)

	instID := ins.Insert(k, val("output:1", 1))
	Link(ins, instID, d, id1)
	Link(ins, instID, d, id2)

	d.RemoveBySource(ins, sb1)

	_, _, primary, refs, ok := ins.Get(instID)
	if !ok {
		t.Fatalf("expected installed flow to survive (still referenced by sb2)")
	}
	if len(refs) != 1 || refs[0] != id2 {
		t.Fatalf("expected only sb2's desired flow to remain linked, got %v", refs)
	}
	if primary != id2 {
		t.Fatalf("expected primary to be recomputed to sb2's flow, got %v", primary)
	}
}

// Scenario 4: flood remove cascades through shared references.
func TestFloodRemoveCascades(t *testing.T) {
	d := NewDesiredTable()
	ins := NewInstalledTable()
	sbA, sbB, sbC := uuid.New(), uuid.New(), uuid.New()

	f1 := d.AddOrAppend(key(100, "f1"), val("a", 1), sbA)
	f1b := d.AddOrAppend(key(100, "f1"), val("", 0), sbB)
	if f1 != f1b {
		t.Fatalf("expected both add_or_append calls to target the same flow")
	}

	f2 := d.Add(key(100, "f2"), val("b", 2), sbB, false)
	f3 := d.Add(key(100, "f3"), val("c", 3), sbC, false)

	if len(d.All()) != 3 {
		t.Fatalf("expected 3 desired flows before flood remove, got %d", len(d.All()))
	}

	d.FloodRemove(ins, []uuid.UUID{sbA})

	remaining := d.All()
	if len(remaining) != 1 || remaining[0] != f3 {
		t.Fatalf("expected only F3 to remain, got %v (f2=%v)", remaining, f2)
	}
}

func TestAddOrAppendConcatenatesInOrder(t *testing.T) {
	d := NewDesiredTable()
	sb1, sb2 := uuid.New(), uuid.New()
	k := key(100, "ip")

	id := d.AddOrAppend(k, val("first", 1), sb1)
	id2 := d.AddOrAppend(k, val("second", 1), sb2)

	if id != id2 {
		t.Fatalf("expected add_or_append to target the same flow")
	}
	_, value, sources, _ := d.Get(id)
	if string(value.Actions.(ofpkey.RawActions)) != "firstsecond" {
		t.Fatalf("expected concatenated actions in call order, got %q", value.Actions)
	}
	if len(sources) != 2 {
		t.Fatalf("expected both sources referenced, got %d", len(sources))
	}
}
