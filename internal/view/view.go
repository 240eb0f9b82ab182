// Package view implements the four-state MT-view ring described in spec
// §3 "Memtable pair and view ring" and §4.2 "View rotation protocol": a
// pointer to the currently active (WMT, optional IMT) pair, advanced
// 0→1→2→3→0 as compaction cycles between the two physical memtables.
package view

import (
	"sync/atomic"

	"github.com/Kevin-Yang1/remixdb/internal/memtable"
)

// State names the four positions in the ring.
type State uint8

const (
	// NormalOnA: view[0] = (A, none), "normal on A".
	NormalOnA State = iota
	// CompactingA: view[1] = (B, A), "compacting A, writes to B".
	CompactingA
	// NormalOnB: view[2] = (B, none), "normal on B".
	NormalOnB
	// CompactingB: view[3] = (A, B), "compacting B, writes to A".
	CompactingB
)

// Next returns the ring's successor state (0→1→2→3→0).
func (s State) Next() State {
	return (s + 1) % 4
}

// Compacting reports whether this state has an IMT bound.
func (s State) Compacting() bool {
	return s == CompactingA || s == CompactingB
}

// View is an immutable snapshot descriptor: the memtable currently
// accepting writes (WMT), the memtable frozen for compaction draining
// (IMT, nil outside a compacting state), and the generation number used
// by QSBR to detect staleness.
type View struct {
	State      State
	WMT        *memtable.Memtable
	IMT        *memtable.Memtable // nil unless State.Compacting()
	Generation uint64
}

// Ring holds the two physical memtables (A, B) and advances the current
// view under the caller's lock (the engine spinlock, per §4.2 "Transitions
// between the four views happen under the engine spinlock"). The current
// view itself is published through an atomic pointer so that Current can
// be read by any number of concurrent readers with no lock at all, while
// AdvanceToCompacting/AdvanceToNormal still serialize against each other
// and against readers' single atomic load via the caller-held lock.
type Ring struct {
	a, b *memtable.Memtable
	cur  atomic.Pointer[View]
}

// NewRing starts the ring at NormalOnA with the given physical memtables.
func NewRing(a, b *memtable.Memtable) *Ring {
	r := &Ring{a: a, b: b}
	r.cur.Store(&View{
		State:      NormalOnA,
		WMT:        a,
		Generation: 1,
	})
	return r
}

// Current returns the current view. Safe to call without the engine lock.
func (r *Ring) Current() View {
	return *r.cur.Load()
}

// AdvanceToCompacting moves the ring from a Normal state to the next
// Compacting state: the memtable that was WMT becomes IMT, and the other
// physical memtable becomes the new WMT. Must be called under the engine
// spinlock (§4.2 "Rotate-to-compact").
func (r *Ring) AdvanceToCompacting() View {
	old := r.Current()
	next := old.State.Next()
	var nv View
	switch next {
	case CompactingA:
		nv = View{State: next, WMT: r.b, IMT: r.a, Generation: old.Generation + 1}
	case CompactingB:
		nv = View{State: next, WMT: r.a, IMT: r.b, Generation: old.Generation + 1}
	default:
		panic("view: AdvanceToCompacting called from a non-normal state")
	}
	r.cur.Store(&nv)
	return nv
}

// AdvanceToNormal moves the ring from a Compacting state to the next
// Normal state, dropping the IMT pointer (§4.2 "Rotate-back").
func (r *Ring) AdvanceToNormal() View {
	old := r.Current()
	next := old.State.Next()
	var nv View
	switch next {
	case NormalOnA:
		nv = View{State: next, WMT: r.a, Generation: old.Generation + 1}
	case NormalOnB:
		nv = View{State: next, WMT: r.b, Generation: old.Generation + 1}
	default:
		panic("view: AdvanceToNormal called from a non-compacting state")
	}
	r.cur.Store(&nv)
	return nv
}
