package flow

// Link records that an installed flow is covered by a desired flow,
// maintaining D2 (D.installed = I iff D in I.desired_refs). The primary
// stays the existing front of desiredRefs; a brand-new installed flow's
// first link becomes its primary.
func Link(installed *InstalledTable, instID InstalledID, desired *DesiredTable, destID DesiredID) {
	f, ok := installed.flows[instID]
	if !ok {
		return
	}
	for _, existing := range f.desiredRefs {
		if existing == destID {
			return
		}
	}
	f.desiredRefs = append(f.desiredRefs, destID)
	if f.primary == 0 {
		f.primary = destID
	}
	if d, ok := desired.flows[destID]; ok {
		d.installed = instID
	}
}

// unlinkOne removes destID's coverage of instID, recomputing primary if
// destID was it. The desired side's installed back-pointer is cleared
// unconditionally.
//
// Unlike the installed-flow sweep's own teardown (UnlinkAllRefsAndClear),
// this does not destroy instID even if it is left with no desired refs:
// I1's "is destroyed" is a steady-state promise, fulfilled by the next
// put's step 3, which is the only place that knows to also tell the
// switch to delete it. Destroying it here would leave a flow physically
// installed on the switch with no record of it ever having been asked to
// go away.
func unlinkOne(installed *InstalledTable, instID InstalledID, desired *DesiredTable, destID DesiredID) {
	f, ok := installed.flows[instID]
	if !ok {
		return
	}
	for i, existing := range f.desiredRefs {
		if existing == destID {
			f.desiredRefs = append(f.desiredRefs[:i], f.desiredRefs[i+1:]...)
			break
		}
	}
	if d, ok := desired.flows[destID]; ok {
		d.installed = 0
	}
	if f.primary == destID {
		if len(f.desiredRefs) > 0 {
			f.primary = f.desiredRefs[0]
		} else {
			f.primary = 0
		}
	}
}

// ClearInstalled wipes every installed flow, unlinking it from its
// desired covers first, used when entering S_CLEAR_FLOWS (spec.md §4.5):
// the switch forgot everything, but desired state survives a reconnect
// since it is recreated by the translation layer, not by this core.
func ClearInstalled(installed *InstalledTable, desired *DesiredTable) {
	for _, id := range installed.All() {
		UnlinkAllRefsAndClear(installed, id, desired)
		installed.Delete(id)
	}
}

// UnlinkAllRefsAndClear is UnlinkAllRefs plus clearing each formerly-
// linked desired flow's installed back-pointer, used by the
// reconciliation engine's installed-flow sweep (ofctrl_put step 3) before
// it recomputes links from scratch.
func UnlinkAllRefsAndClear(installed *InstalledTable, instID InstalledID, desired *DesiredTable) []DesiredID {
	old := installed.UnlinkAllRefs(instID)
	for _, destID := range old {
		if d, ok := desired.flows[destID]; ok {
			d.installed = 0
		}
	}
	return old
}
