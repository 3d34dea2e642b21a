package extend

import (
	"testing"

	"github.com/google/uuid"
)

func TestAddDesiredAllocatesOnceAndIsIdempotent(t *testing.T) {
	tbl := NewTable(1)
	sb1, sb2 := uuid.New(), uuid.New()

	e1 := tbl.AddDesired("group-spec-a", sb1)
	e2 := tbl.AddDesired("group-spec-a", sb2)

	if e1.TableID != e2.TableID {
		t.Fatalf("expected the same name to keep the same allocated id, got %d vs %d", e1.TableID, e2.TableID)
	}
	if len(tbl.Uninstalled()) != 1 {
		t.Fatalf("expected exactly one uninstalled entry, got %d", len(tbl.Uninstalled()))
	}
}

func TestRemoveDesiredKeepsEntryAliveWhileOtherSourceWantsIt(t *testing.T) {
	tbl := NewTable(1)
	sb1, sb2 := uuid.New(), uuid.New()
	tbl.AddDesired("meter-spec-a", sb1)
	tbl.AddDesired("meter-spec-a", sb2)

	tbl.RemoveDesired(sb1)
	if len(tbl.Uninstalled()) != 1 {
		t.Fatalf("expected entry to survive because sb2 still wants it")
	}

	tbl.RemoveDesired(sb2)
	if len(tbl.Uninstalled()) != 0 {
		t.Fatalf("expected entry to be dropped once no source wants it")
	}
}

func TestSyncAndStale(t *testing.T) {
	tbl := NewTable(1)
	sb := uuid.New()
	tbl.AddDesired("group-a", sb)
	tbl.Sync()
	if len(tbl.Uninstalled()) != 0 {
		t.Fatalf("expected no uninstalled entries after sync")
	}

	tbl.RemoveDesired(sb)
	stale := tbl.Stale()
	if len(stale) != 1 || stale[0].Name != "group-a" {
		t.Fatalf("expected group-a to be stale, got %v", stale)
	}
	tbl.DropStale("group-a")
	tbl.Sync()
	if len(tbl.Stale()) != 0 {
		t.Fatalf("expected no stale entries after drop+sync")
	}
}
