// Package cfgtracker implements the barrier-based configuration-
// generation tracker (C7): a FIFO of (xid, nb_cfg) pairs, resolved as
// barrier replies arrive.
package cfgtracker

import (
	"container/list"

	"k8s.io/klog/v2"
)

type entry struct {
	xid   uint32
	nbCfg uint64
}

// Tracker tracks which upstream configuration generation has been fully
// materialized on the switch.
type Tracker struct {
	queue  *list.List // of *entry, oldest first
	curCfg uint64
}

// New constructs an empty tracker.
func New() *Tracker {
	return &Tracker{queue: list.New()}
}

// CurCfg returns the highest generation whose barrier has been
// acknowledged (P5: non-decreasing across the process lifetime).
func (t *Tracker) CurCfg() uint64 {
	return t.curCfg
}

// Push appends a new in-flight (xid, nb_cfg) pair, called after a
// non-empty batch's barrier has been queued to the transport.
func (t *Tracker) Push(xid uint32, nbCfg uint64) {
	t.queue.PushBack(&entry{xid: xid, nbCfg: nbCfg})
}

// Retag overwrites the tail entry's nb_cfg, used when a put produced no
// messages but the queue was non-empty: the next barrier reply will now
// resolve both generations at once.
func (t *Tracker) Retag(nbCfg uint64) {
	if back := t.queue.Back(); back != nil {
		back.Value.(*entry).nbCfg = nbCfg
	}
}

// Empty reports whether there are no in-flight updates.
func (t *Tracker) Empty() bool {
	return t.queue.Len() == 0
}

// Reconcile implements the ofctrl_put trailer's newest-to-oldest walk: a
// trailing entry whose nb_cfg exceeds incoming is a regression (dropped,
// with a warning); one equal to incoming gets its xid overwritten; an
// incoming generation newer than the tail appends a new entry.
func (t *Tracker) Reconcile(xid uint32, incomingNbCfg uint64) {
	back := t.queue.Back()
	if back == nil {
		t.queue.PushBack(&entry{xid: xid, nbCfg: incomingNbCfg})
		return
	}
	tail := back.Value.(*entry)
	switch {
	case tail.nbCfg > incomingNbCfg:
		klog.Warningf("nb_cfg regression: queued generation %d exceeds incoming %d, discarding", tail.nbCfg, incomingNbCfg)
		t.queue.Remove(back)
		t.Reconcile(xid, incomingNbCfg)
	case tail.nbCfg == incomingNbCfg:
		tail.xid = xid
	default:
		t.queue.PushBack(&entry{xid: xid, nbCfg: incomingNbCfg})
	}
}

// Resolve pops every entry up to and including the one matching xid,
// advancing CurCfg to the max nb_cfg popped. Returns true if xid was
// found at all (barriers are totally ordered on the wire, so a match is
// always the head unless earlier entries were already resolved). An xid
// that is not queued leaves the queue and CurCfg unchanged.
func (t *Tracker) Resolve(xid uint32) bool {
	queued := false
	for e := t.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry).xid == xid {
			queued = true
			break
		}
	}
	if !queued {
		return false
	}
	for front := t.queue.Front(); front != nil; front = t.queue.Front() {
		e := front.Value.(*entry)
		t.queue.Remove(front)
		if e.nbCfg > t.curCfg {
			t.curCfg = e.nbCfg
		}
		if e.xid == xid {
			return true
		}
	}
	return false
}

// SetCurCfgDirectly is used when a put produced no messages and the
// queue was already empty: the incoming generation is immediately fully
// materialized.
func (t *Tracker) SetCurCfgDirectly(nbCfg uint64) {
	if nbCfg > t.curCfg {
		t.curCfg = nbCfg
	}
}

// Reset discards every in-flight entry without advancing CurCfg, called
// on transport disconnect.
func (t *Tracker) Reset() {
	t.queue.Init()
}
