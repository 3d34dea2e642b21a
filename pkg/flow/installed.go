package flow

import "github.com/ovn-org/ovn-controller-agent/pkg/ofpkey"

// InstalledID is an arena handle into an InstalledTable. The zero value
// never names a live flow.
type InstalledID uint64

type installedFlow struct {
	id          InstalledID
	key         ofpkey.Key
	value       ofpkey.Value
	desiredRefs []DesiredID // ordered; front is primary by policy
	primary     DesiredID   // 0 if desiredRefs is empty
}

// InstalledTable mirrors what the core believes is present on the switch
// (C3). Each entry tracks every desired flow that covers it and a chosen
// primary whose value is what's actually installed.
type InstalledTable struct {
	nextID InstalledID
	flows  map[InstalledID]*installedFlow
	byKey  map[string]InstalledID
}

// NewInstalledTable constructs an empty installed flow table.
func NewInstalledTable() *InstalledTable {
	return &InstalledTable{
		flows: make(map[InstalledID]*installedFlow),
		byKey: make(map[string]InstalledID),
	}
}

// Lookup finds the installed flow with the given key, if any.
func (t *InstalledTable) Lookup(key ofpkey.Key) (InstalledID, bool) {
	id, ok := t.byKey[keyString(key)]
	return id, ok
}

// Get returns the key, value and desired references for id.
func (t *InstalledTable) Get(id InstalledID) (key ofpkey.Key, value ofpkey.Value, primary DesiredID, refs []DesiredID, ok bool) {
	f, ok := t.flows[id]
	if !ok {
		return ofpkey.Key{}, ofpkey.Value{}, 0, nil, false
	}
	return f.key, f.value, f.primary, append([]DesiredID(nil), f.desiredRefs...), true
}

// All returns every live installed flow id.
func (t *InstalledTable) All() []InstalledID {
	ids := make([]InstalledID, 0, len(t.flows))
	for id := range t.flows {
		ids = append(ids, id)
	}
	return ids
}

// Insert creates an installed flow cloned from a desired flow's key and
// value, with no desired references yet (the caller links separately).
func (t *InstalledTable) Insert(key ofpkey.Key, value ofpkey.Value) InstalledID {
	t.nextID++
	id := t.nextID
	f := &installedFlow{id: id, key: key, value: value}
	t.flows[id] = f
	t.byKey[keyString(key)] = id
	return id
}

// UpdateValue overwrites the installed value in place (used by the
// modify/add-with-cookie-change paths in the reconciliation sweep).
func (t *InstalledTable) UpdateValue(id InstalledID, value ofpkey.Value) {
	if f, ok := t.flows[id]; ok {
		f.value = value
	}
}

// Delete removes an installed flow unconditionally. Callers must already
// have unlinked it (I1: primary is None iff desiredRefs is empty).
func (t *InstalledTable) Delete(id InstalledID) {
	f, ok := t.flows[id]
	if !ok {
		return
	}
	delete(t.byKey, keyString(f.key))
	delete(t.flows, id)
}

// UnlinkAllRefs resets desiredRefs and primary to empty, returning the
// previous reference list so the caller (the installed-flow sweep in
// package reconcile) can decide what to relink.
func (t *InstalledTable) UnlinkAllRefs(id InstalledID) []DesiredID {
	f, ok := t.flows[id]
	if !ok {
		return nil
	}
	old := f.desiredRefs
	f.desiredRefs = nil
	f.primary = 0
	return old
}
