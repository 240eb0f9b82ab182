// Package memtable implements the in-memory write table described in
// spec.md §4.2: a concurrent, ordered structure used both as the active
// write memtable (WMT) and, once rotated out, as the frozen immutable
// memtable drained by compaction (IMT). The same underlying skip list
// backs both roles; Memtable exposes a locked API for the WMT's
// concurrent writer/reader traffic and an Unsafe API for the IMT, which
// after rotation sees no further writers and can be walked lock-free.
package memtable

import (
	"sync/atomic"

	"github.com/Kevin-Yang1/remixdb/internal/qsbr"
	"github.com/Kevin-Yang1/remixdb/internal/record"
)

// Memtable pairs a skip list with the size accounting and reclamation
// registration the engine needs to drive view rotation (§4.2 "Size
// accounting", "ref/unref").
type Memtable struct {
	sl   *skipList
	dom  *qsbr.Domain
	size atomic.Int64
}

// New creates an empty memtable registered against dom, the reclamation
// domain shared by both physical memtables in the engine's view ring.
func New(dom *qsbr.Domain) *Memtable {
	return &Memtable{
		sl:  newSkipList(),
		dom: dom,
	}
}

// Size reports the accounted byte footprint of this memtable's current
// contents (§4.2 "mtsz"), to be summed by the caller under the engine's
// spinlock against max_mtsz.
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

// Get returns the record stored for kref, if any. Safe for concurrent
// use alongside Put/Del/Merge on other keys (WMT role).
func (mt *Memtable) Get(kref record.Kref) (record.Record, bool) {
	mt.sl.mu.RLock()
	defer mt.sl.mu.RUnlock()
	n := mt.sl.findLocked(kref.Key)
	if n == nil {
		return record.Record{}, false
	}
	return n.rec, true
}

// Probe reports whether a slot exists for kref, without copying its
// record. A tombstone slot still probes true; callers above this layer
// decide whether a tombstone counts as present.
func (mt *Memtable) Probe(kref record.Kref) bool {
	mt.sl.mu.RLock()
	defer mt.sl.mu.RUnlock()
	return mt.sl.findLocked(kref.Key) != nil
}

// Put inserts or overwrites rec. rec.Key must already be owned by the
// caller for the memtable's lifetime (callers clone on the way in from a
// request buffer, per §3).
func (mt *Memtable) Put(rec record.Record) {
	mt.sl.mu.Lock()
	old := mt.sl.findLocked(rec.Key)
	delta := int64(rec.Size())
	if old != nil {
		delta -= int64(old.rec.Size())
	}
	mt.sl.putLocked(rec.Key, rec)
	mt.sl.mu.Unlock()
	mt.size.Add(delta)
}

// Del writes a tombstone for kref (§3 "Delete"): a blind write, not a
// read-then-write, matching the public del() contract in §4.6.
func (mt *Memtable) Del(kref record.Kref) error {
	tomb, err := record.NewTombstone(kref.Key)
	if err != nil {
		return err
	}
	mt.Put(tomb)
	return nil
}

// MergeFunc receives the current record for a key (nil if absent) and
// returns the desired new record. Returning the same pointer it was
// handed is a no-op; returning nil means "no value" (a delete if cur was
// present, otherwise a no-op on an already-absent key); anything else is
// stored verbatim, matching §4.2's merge(kref, user_fn, priv) contract.
type MergeFunc func(cur *record.Record) *record.Record

// Merge applies fn to the current record for kref under a single lock
// acquisition, and reports whether the memtable was mutated.
func (mt *Memtable) Merge(kref record.Kref, fn MergeFunc) (bool, error) {
	mt.sl.mu.Lock()
	defer mt.sl.mu.Unlock()

	n := mt.sl.findLocked(kref.Key)
	var cur *record.Record
	if n != nil {
		cur = &n.rec
	}

	result := fn(cur)
	switch {
	case result == cur:
		return false, nil
	case result == nil:
		if cur == nil {
			return false, nil
		}
		tomb, err := record.NewTombstone(kref.Key)
		if err != nil {
			return false, err
		}
		delta := int64(tomb.Size()) - int64(cur.Size())
		mt.sl.putLocked(tomb.Key, tomb)
		mt.size.Add(delta)
		return true, nil
	default:
		delta := int64(result.Size())
		if cur != nil {
			delta -= int64(cur.Size())
		}
		mt.sl.putLocked(result.Key, *result)
		mt.size.Add(delta)
		return true, nil
	}
}

// Clean empties the memtable in place, preserving its allocations for
// reuse as the next generation's wmt (§4.2 "clean"). Callers must hold
// exclusive access — this runs only after the view has rotated the
// memtable out of both the WMT and IMT roles (§4.3 step 8).
func (mt *Memtable) Clean() {
	mt.sl.mu.Lock()
	defer mt.sl.mu.Unlock()
	mt.sl.resetLocked()
	mt.size.Store(0)
}

// Ref registers a per-thread reclamation handle against this memtable's
// domain (§4.2 "ref/unref"). The returned handle must be driven with
// Enter/Leave around each top-level operation and released with Unref.
func (mt *Memtable) Ref() *qsbr.Handle {
	return mt.dom.Register()
}

// Unref releases a handle obtained from Ref.
func (mt *Memtable) Unref(h *qsbr.Handle) {
	mt.dom.Unregister(h)
}

// GetUnsafe and ProbeUnsafe read without taking the skip list's lock.
// Valid only against a memtable no longer reachable as a WMT (the frozen
// IMT role during compaction, §4.2's "unsafe single-threaded API").
func (mt *Memtable) GetUnsafe(kref record.Kref) (record.Record, bool) {
	n := mt.sl.findLocked(kref.Key)
	if n == nil {
		return record.Record{}, false
	}
	return n.rec, true
}

func (mt *Memtable) ProbeUnsafe(kref record.Kref) bool {
	return mt.sl.findLocked(kref.Key) != nil
}

// Iterator walks a memtable in key order, exposing the seek/valid/peek/
// kref/kvref/skip1/skip/park/destroy surface required by §4.2.
type Iterator struct {
	sl     *skipList
	locked bool
	cur    *node
}

// NewIterator returns a lock-protected iterator, suitable for concurrent
// use against a live WMT.
func (mt *Memtable) NewIterator() *Iterator {
	return &Iterator{sl: mt.sl, locked: true}
}

// NewIteratorUnsafe returns a lock-free iterator, suitable only against a
// frozen IMT with no concurrent writer.
func (mt *Memtable) NewIteratorUnsafe() *Iterator {
	return &Iterator{sl: mt.sl, locked: false}
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	if it.locked {
		it.sl.mu.RLock()
		defer it.sl.mu.RUnlock()
	}
	it.cur = it.sl.seekLocked(key)
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.cur != nil
}

// Peek returns the current entry without advancing.
func (it *Iterator) Peek() (record.Record, bool) {
	if it.cur == nil {
		return record.Record{}, false
	}
	return it.cur.rec, true
}

// Kref returns a reference to the current entry's key.
func (it *Iterator) Kref() record.Kref {
	if it.cur == nil {
		return record.Kref{}
	}
	return record.MakeKref(it.cur.key)
}

// Kvref returns both the key reference and the current record.
func (it *Iterator) Kvref() (record.Kref, record.Record) {
	return it.Kref(), it.cur.rec
}

// Skip1 advances the iterator by one entry.
func (it *Iterator) Skip1() {
	if it.cur == nil {
		return
	}
	if it.locked {
		it.sl.mu.RLock()
		defer it.sl.mu.RUnlock()
	}
	it.cur = it.cur.next[0]
}

// Skip advances the iterator by n entries, stopping early if it runs off
// the end.
func (it *Iterator) Skip(n int) {
	for i := 0; i < n && it.Valid(); i++ {
		it.Skip1()
	}
}

// Park releases the iterator's current position without releasing the
// underlying memtable reference, so a caller can idle an iterator across
// a quiescent period and reseek before resuming.
func (it *Iterator) Park() {
	it.cur = nil
}

// Destroy releases the iterator entirely; it must not be used afterward.
func (it *Iterator) Destroy() {
	it.cur = nil
	it.sl = nil
}
