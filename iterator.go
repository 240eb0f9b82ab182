package remixdb

import (
	"bytes"

	"github.com/Kevin-Yang1/remixdb/internal/merge"
)

// Iterator is a read-consistent, tombstone-hiding range iterator over
// WMT, IMT (if any), and the pinned SSTable version, merged in key order
// (§4.4). It reseeks onto the current view whenever the ring has
// advanced generation since it was built, matching §4.4's "a long-lived
// iterator observes a consistent snapshot... unless it chooses to
// re-seek after the underlying view has moved on".
type Iterator struct {
	h   *Handle
	m   *merge.Merger
	gen uint64
	key []byte // last key positioned on, used to reseek after a rebuild
}

// NewIterator builds an iterator rooted at h. The returned Iterator must
// be positioned with Seek before use.
func (h *Handle) NewIterator() *Iterator {
	return &Iterator{h: h}
}

// rebuild constructs a fresh merger over the handle's current view and
// pinned version, ranked per §4.4 (SSTable version = 0, IMT = 1, WMT =
// 2, higher rank wins a key collision).
func (it *Iterator) rebuild() {
	it.h.refresh()
	it.gen = it.h.gen

	it.m = merge.New(true)
	it.m.AddSource(it.h.version.IterCreate(), 0)
	if it.h.view.IMT != nil {
		it.m.AddSource(it.h.view.IMT.NewIteratorUnsafe(), 1)
	}
	it.m.AddSource(it.h.view.WMT.NewIterator(), 2)
}

// Seek positions the iterator at the first live key >= key, rebuilding
// against the current view first if it has advanced.
func (it *Iterator) Seek(key []byte) {
	if it.m == nil || it.gen != it.h.db.ring.Current().Generation {
		it.rebuild()
	}
	it.key = append(it.key[:0], key...)
	it.m.Seek(key)
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.m != nil && it.m.Valid()
}

// Key returns the current entry's key.
func (it *Iterator) Key() []byte {
	return it.m.Kref().Key
}

// Value returns the current entry's value.
func (it *Iterator) Value() []byte {
	rec, _ := it.m.Peek()
	return rec.Value
}

// Next advances to the next distinct live key. If the view has rotated
// since the iterator was last positioned, it transparently rebuilds
// against the new view and re-seeks past the last key it returned,
// rather than continuing to read from a memtable compaction has since
// cleaned out from under it.
func (it *Iterator) Next() {
	if it.gen != it.h.db.ring.Current().Generation {
		lastKey := append([]byte(nil), it.key...)
		it.rebuild()
		it.m.Seek(lastKey)
		if it.m.Valid() && bytes.Equal(it.m.Kref().Key, lastKey) {
			it.m.SkipUnique()
		}
	} else {
		it.m.SkipUnique()
	}
	if it.m.Valid() {
		it.key = append(it.key[:0], it.m.Kref().Key...)
	}
}

// Close releases the handle's pinned QSBR generation for this
// iterator's lifetime.
func (it *Iterator) Close() {
	it.h.qh.Leave()
}
