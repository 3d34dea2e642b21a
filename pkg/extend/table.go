// Package extend implements the extension-table abstraction shared by
// groups and meters: a desired/existing dual set with per-source-record
// reverse indexing and monotonic id allocation.
package extend

import (
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Entry is one extension-table entry: an opaque spec string (for groups,
// the group-mod bucket spec; for meters, the meter descriptor) and the
// small integer id allocated to it and referenced from flow actions.
type Entry struct {
	Name    string
	TableID uint32
}

// Table is a generic desired/existing extension table (C4), used once for
// groups and once for meters.
type Table struct {
	nextID uint32

	desired     map[string]Entry
	existing    map[string]Entry
	sourceIndex map[uuid.UUID]sets.String // sb_uuid -> names it desires

	generation uint64
}

// Generation returns a counter that advances on every mutation to the
// desired set (AddDesired, RemoveDesired), mirroring
// flow.DesiredTable.Generation for the reconciliation engine's elision
// check.
func (t *Table) Generation() uint64 { return t.generation }

// NewTable constructs an empty extension table. firstID is the first id
// the allocator hands out (ofctrl.c allocates starting above the
// reserved low ids; callers pass the floor appropriate to groups or
// meters).
func NewTable(firstID uint32) *Table {
	return &Table{
		nextID:      firstID,
		desired:     make(map[string]Entry),
		existing:    make(map[string]Entry),
		sourceIndex: make(map[uuid.UUID]sets.String),
	}
}

// AddDesired idempotently marks name as wanted by source, allocating a
// table id on first sight.
func (t *Table) AddDesired(name string, source uuid.UUID) Entry {
	e, ok := t.desired[name]
	if !ok {
		e = Entry{Name: name, TableID: t.nextID}
		t.nextID++
		t.desired[name] = e
		t.generation++
	}
	if t.sourceIndex[source] == nil {
		t.sourceIndex[source] = sets.NewString()
	}
	t.sourceIndex[source].Insert(name)
	return e
}

// RemoveDesired implements ExtendRemover for package flow: drops source's
// reference to every name it desired; names with no remaining reference
// are removed from the desired set (existing is left for the
// reconciliation engine's stale-entry sweep to clean up).
func (t *Table) RemoveDesired(source uuid.UUID) {
	names := t.sourceIndex[source]
	for name := range names {
		stillWanted := false
		for other, others := range t.sourceIndex {
			if other == source {
				continue
			}
			if others.Has(name) {
				stillWanted = true
				break
			}
		}
		if !stillWanted {
			delete(t.desired, name)
			t.generation++
		}
	}
	delete(t.sourceIndex, source)
}

// Uninstalled returns every desired entry not yet present in existing
// (EXTEND_TABLE_FOR_EACH_UNINSTALLED).
func (t *Table) Uninstalled() []Entry {
	var out []Entry
	for name, e := range t.desired {
		if _, ok := t.existing[name]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// Stale returns every existing entry no longer desired.
func (t *Table) Stale() []Entry {
	var out []Entry
	for name, e := range t.existing {
		if _, ok := t.desired[name]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// DropStale removes name from existing without touching desired, used
// after the stale entry's delete message has been queued.
func (t *Table) DropStale(name string) {
	delete(t.existing, name)
}

// Sync copies desired onto existing wholesale, called once per put after
// additions and deletions have both been applied on the wire.
func (t *Table) Sync() {
	for name, e := range t.desired {
		t.existing[name] = e
	}
	for name := range t.existing {
		if _, ok := t.desired[name]; !ok {
			delete(t.existing, name)
		}
	}
}

// ClearExisting empties only the existing set, used on S_CLEAR: the
// switch's group/meter tables were just wiped by a bulk delete, but
// desired state (and its source index) survives a reconnect.
func (t *Table) ClearExisting() {
	t.existing = make(map[string]Entry)
}
