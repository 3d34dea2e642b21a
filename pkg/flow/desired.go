// Package flow implements the desired and installed flow tables (the
// many-to-many desired/source-record association and the one-to-many
// installed/desired association) with the link invariants enforced by
// construction rather than by manually-synchronized pointers.
package flow

import (
	"strconv"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ovn-org/ovn-controller-agent/pkg/ofpkey"
	"github.com/ovn-org/ovn-controller-agent/pkg/ratelimit"
)

// DesiredID is an arena handle into a DesiredTable. The zero value never
// names a live flow.
type DesiredID uint64

type desiredFlow struct {
	id        DesiredID
	key       ofpkey.Key
	value     ofpkey.Value
	sources   sets.String // sb_uuid strings
	installed InstalledID // 0 if unlinked
}

// ExtendRemover is implemented by extension tables (groups, meters) so
// that remove-by-source and flood-remove can clean them up alongside
// flows, matching ofctrl_remove_flows/flood_remove_flows_for_sb_uuid.
type ExtendRemover interface {
	RemoveDesired(source uuid.UUID)
}

// DesiredTable is the desired flow table (C2): flows keyed by match hash,
// a per-source-record reverse index, and a duplicate dropper.
type DesiredTable struct {
	nextID      DesiredID
	flows       map[DesiredID]*desiredFlow
	byKeySource map[string]DesiredID   // keyString|sbUUID -> id, for add's dedup lookup
	byKey       map[string][]DesiredID // keyString -> ids sharing that key
	sourceIndex map[uuid.UUID]sets.String

	extensions []ExtendRemover

	dupLimiter *ratelimit.Limiter

	generation uint64
}

// Generation returns a counter that advances on every mutation (Add,
// AddOrAppend, RemoveBySource, FloodRemove, Clear), letting the
// reconciliation engine detect "nothing changed since the last successful
// put" without diffing the whole table.
func (t *DesiredTable) Generation() uint64 { return t.generation }

// NewDesiredTable constructs an empty desired flow table.
func NewDesiredTable() *DesiredTable {
	return &DesiredTable{
		flows:       make(map[DesiredID]*desiredFlow),
		byKeySource: make(map[string]DesiredID),
		byKey:       make(map[string][]DesiredID),
		sourceIndex: make(map[uuid.UUID]sets.String),
		dupLimiter:  ratelimit.New(5, 5),
	}
}

// AddExtension registers an extension table (groups or meters) to be
// cleaned up whenever a source record's flows are removed.
func (t *DesiredTable) AddExtension(e ExtendRemover) {
	t.extensions = append(t.extensions, e)
}

func keyString(k ofpkey.Key) string {
	m := ""
	if k.Match != nil {
		if buf, err := k.Match.MarshalBinary(); err == nil {
			m = string(buf)
		}
	}
	return string([]byte{k.TableID, byte(k.Priority >> 8), byte(k.Priority)}) + m
}

// Get returns the flow for id, if it is still live.
func (t *DesiredTable) Get(id DesiredID) (key ofpkey.Key, value ofpkey.Value, sources []uuid.UUID, ok bool) {
	f, ok := t.flows[id]
	if !ok {
		return ofpkey.Key{}, ofpkey.Value{}, nil, false
	}
	srcs := make([]uuid.UUID, 0, f.sources.Len())
	for s := range f.sources {
		u, err := uuid.Parse(s)
		if err == nil {
			srcs = append(srcs, u)
		}
	}
	return f.key, f.value, srcs, true
}

// InstalledOf returns the installed flow currently covering id, if any.
// Used by the reconciliation engine's desired-flow sweep to skip flows
// already linked during the installed-flow sweep.
func (t *DesiredTable) InstalledOf(id DesiredID) (InstalledID, bool) {
	f, ok := t.flows[id]
	if !ok || f.installed == 0 {
		return 0, false
	}
	return f.installed, true
}

// All returns every live desired flow id, for the reconciliation sweep.
func (t *DesiredTable) All() []DesiredID {
	ids := make([]DesiredID, 0, len(t.flows))
	for id := range t.flows {
		ids = append(ids, id)
	}
	return ids
}

// SharingKey returns every desired flow id whose key is key.
func (t *DesiredTable) SharingKey(key ofpkey.Key) []DesiredID {
	return append([]DesiredID(nil), t.byKey[keyString(key)]...)
}

func (t *DesiredTable) insert(key ofpkey.Key, value ofpkey.Value, source uuid.UUID) DesiredID {
	t.generation++
	t.nextID++
	id := t.nextID
	f := &desiredFlow{id: id, key: key, value: value, sources: sets.NewString(source.String())}
	t.flows[id] = f
	ks := keyString(key)
	t.byKeySource[ks+"|"+source.String()] = id
	t.byKey[ks] = append(t.byKey[ks], id)
	if t.sourceIndex[source] == nil {
		t.sourceIndex[source] = sets.NewString()
	}
	t.sourceIndex[source].Insert(idString(id))
	return id
}

func idString(id DesiredID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Add implements add_flow: construct a candidate, look up by (key,
// sb_uuid); if an identical desired flow already references sb_uuid the
// candidate is dropped (optionally logged); otherwise inserted and
// linked.
func (t *DesiredTable) Add(key ofpkey.Key, value ofpkey.Value, source uuid.UUID, logDuplicate bool) DesiredID {
	ks := keyString(key)
	if existing, ok := t.byKeySource[ks+"|"+source.String()]; ok {
		if logDuplicate {
			t.dupLimiter.Infof("dropping duplicate desired flow for source %s", source)
		}
		return existing
	}
	return t.insert(key, value, source)
}

// AddOrAppend implements add_or_append_flow: look up by key ignoring
// sb_uuid; if found, concatenate actions (existing first, call order
// preserved) and add the new source reference; else behaves like Add.
//
// If more than one desired flow shares key (because different sources
// created it), the first one found is used as the append target. This is
// the same ambiguity the original has; a deterministic tiebreak was
// considered and rejected to preserve observable behavior.
func (t *DesiredTable) AddOrAppend(key ofpkey.Key, value ofpkey.Value, source uuid.UUID) DesiredID {
	ks := keyString(key)
	ids := t.byKey[ks]
	if len(ids) == 0 {
		return t.insert(key, value, source)
	}
	id := ids[0]
	f := t.flows[id]
	f.value.Actions = ofpkey.Append(f.value.Actions, value.Actions)
	t.generation++
	if !f.sources.Has(source.String()) {
		f.sources.Insert(source.String())
		t.byKeySource[ks+"|"+source.String()] = id
		if t.sourceIndex[source] == nil {
			t.sourceIndex[source] = sets.NewString()
		}
		t.sourceIndex[source].Insert(idString(id))
	}
	return id
}

// destroy removes a desired flow from every index, assuming its source
// set is already empty (D1). The caller must have already unlinked it
// from any installed flow.
func (t *DesiredTable) destroy(id DesiredID) {
	f, ok := t.flows[id]
	if !ok {
		return
	}
	ks := keyString(f.key)
	delete(t.flows, id)
	ids := t.byKey[ks]
	for i, other := range ids {
		if other == id {
			t.byKey[ks] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.byKey[ks]) == 0 {
		delete(t.byKey, ks)
	}
	for s := range f.sources {
		delete(t.byKeySource, ks+"|"+s)
	}
}

// RemoveBySource implements remove_flows(sb_uuid): drops sb_uuid's
// reference from every desired flow it names; flows left with no
// references are unlinked and destroyed. Also invokes RemoveDesired on
// every registered extension table.
func (t *DesiredTable) RemoveBySource(installed *InstalledTable, source uuid.UUID) {
	t.generation++
	ids := t.sourceIndex[source]
	for idStr := range ids {
		id := parseIDString(idStr)
		f, ok := t.flows[id]
		if !ok {
			continue
		}
		f.sources.Delete(source.String())
		delete(t.byKeySource, keyString(f.key)+"|"+source.String())
		if f.sources.Len() == 0 {
			if f.installed != 0 {
				unlinkOne(installed, f.installed, t, id)
			}
			t.destroy(id)
		}
	}
	delete(t.sourceIndex, source)
	for _, e := range t.extensions {
		e.RemoveDesired(source)
	}
}

// FloodRemove implements flood_remove_flows: transitively removes every
// flow reachable from seeds through shared source references, using an
// explicit worklist and a visited set rather than recursion.
func (t *DesiredTable) FloodRemove(installed *InstalledTable, seeds []uuid.UUID) {
	t.generation++
	seen := sets.NewString()
	worklist := make([]uuid.UUID, len(seeds))
	copy(worklist, seeds)

	for len(worklist) > 0 {
		sb := worklist[0]
		worklist = worklist[1:]
		if seen.Has(sb.String()) {
			continue
		}
		seen.Insert(sb.String())

		ids := t.sourceIndex[sb]
		idList := make([]string, 0, ids.Len())
		for idStr := range ids {
			idList = append(idList, idStr)
		}
		for _, idStr := range idList {
			id := parseIDString(idStr)
			f, ok := t.flows[id]
			if !ok {
				continue
			}
			f.sources.Delete(sb.String())
			delete(t.byKeySource, keyString(f.key)+"|"+sb.String())

			others := f.sources.List()
			for _, otherStr := range others {
				other, err := uuid.Parse(otherStr)
				if err != nil {
					continue
				}
				if !seen.Has(otherStr) {
					worklist = append(worklist, other)
				}
				f.sources.Delete(otherStr)
				if t.sourceIndex[other] != nil {
					t.sourceIndex[other].Delete(idString(id))
				}
			}

			if f.installed != 0 {
				unlinkOne(installed, f.installed, t, id)
			}
			t.destroy(id)
		}
		delete(t.sourceIndex, sb)
	}

	for _, e := range t.extensions {
		for sbStr := range seen {
			if sb, err := uuid.Parse(sbStr); err == nil {
				e.RemoveDesired(sb)
			}
		}
	}
}

// Clear removes every desired flow, equivalent to RemoveBySource over
// every entry of the source index.
func (t *DesiredTable) Clear(installed *InstalledTable) {
	sources := make([]uuid.UUID, 0, len(t.sourceIndex))
	for s := range t.sourceIndex {
		sources = append(sources, s)
	}
	for _, s := range sources {
		t.RemoveBySource(installed, s)
	}
}

func parseIDString(s string) DesiredID {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return DesiredID(v)
}
