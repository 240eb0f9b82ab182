package remixdb

import (
	"github.com/cockroachdb/errors"

	"github.com/Kevin-Yang1/remixdb/internal/qsbr"
	"github.com/Kevin-Yang1/remixdb/internal/record"
	"github.com/Kevin-Yang1/remixdb/internal/table"
	"github.com/Kevin-Yang1/remixdb/internal/view"
)

// Handle is a per-thread reference handle (§4.6 "per-thread reference
// handle"): it caches the current view and a pinned SSTable version,
// refreshing both only when the view ring has advanced past the
// generation it last observed. Every top-level operation brackets its
// work with a QSBR enter/leave pair so a writer waiting to reclaim a
// retired memtable never blocks on an idle handle (§5, §9).
//
// A Handle is not safe for concurrent use by multiple goroutines; obtain
// one Handle per goroutine via DB.NewHandle.
type Handle struct {
	db *DB
	qh *qsbr.Handle

	gen     uint64
	view    view.View
	version *table.Version
}

// NewHandle registers a new per-thread handle against db.
func (db *DB) NewHandle() *Handle {
	h := &Handle{db: db, qh: db.dom.Register()}
	h.refresh()
	h.qh.Leave()
	return h
}

// Close releases the handle's pinned version and QSBR registration. It
// must be called once the handle is no longer needed.
func (h *Handle) Close() {
	if h.version != nil {
		h.db.tbl.PutV(h.version)
		h.version = nil
	}
	h.db.dom.Unregister(h.qh)
}

// refresh re-pins the current view and SSTable version if the ring has
// advanced since the last call, entering the QSBR handle at the
// observed generation either way.
func (h *Handle) refresh() {
	v := h.db.ring.Current()
	if h.version == nil || v.Generation != h.gen {
		nv := h.db.tbl.Version()
		if h.version != nil {
			h.db.tbl.PutV(h.version)
		}
		h.view = v
		h.version = nv
		h.gen = v.Generation
	}
	h.qh.Enter(h.gen)
}

// Get performs a point lookup across WMT, IMT (if present), and the
// pinned SSTable version, in that newest-to-oldest order, hiding
// tombstones at every layer (§4.4, §4.6 "get").
func (h *Handle) Get(key []byte) ([]byte, bool) {
	h.refresh()
	defer h.qh.Leave()

	kref := record.MakeKref(key)
	if rec, ok := h.view.WMT.Get(kref); ok {
		if rec.Tombstone {
			return nil, false
		}
		return rec.Value, true
	}
	return h.lookupShadow(kref)
}

// Probe reports key presence with the same tombstone-hiding semantics
// as Get, without guaranteeing a value copy (§4.6 "probe").
func (h *Handle) Probe(key []byte) bool {
	_, ok := h.Get(key)
	return ok
}

// lookupShadow checks the frozen IMT (if the ring is currently
// compacting) and then the pinned SSTable version — the "shadow" layers
// behind the live WMT.
func (h *Handle) lookupShadow(kref record.Kref) ([]byte, bool) {
	if h.view.IMT != nil {
		if rec, ok := h.view.IMT.GetUnsafe(kref); ok {
			if rec.Tombstone {
				return nil, false
			}
			return rec.Value, true
		}
	}
	rec, ok := h.version.GetTS(kref)
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

// Put blindly writes key/value, appending it to the WAL buffer before the
// write becomes visible in the WMT (§4.6 "put": "a blind write, not a
// read-then-write").
func (h *Handle) Put(key, value []byte) error {
	rec, err := record.New(key, value)
	if err != nil {
		return err
	}
	return h.writeThrough(rec.Clone())
}

// Del writes a tombstone for key (§4.6 "del": also a blind write).
func (h *Handle) Del(key []byte) error {
	rec, err := record.NewTombstone(key)
	if err != nil {
		return err
	}
	return h.writeThrough(rec.Clone())
}

// writeThrough waits out mt_wal_full, then appends rec to the WAL and
// inserts it into the live WMT under the engine spinlock, matching the
// WAL-before-memtable durability ordering used throughout this engine
// (§4.6, §9).
func (h *Handle) writeThrough(rec record.Record) error {
	h.refresh()
	defer h.qh.Leave()

	h.db.waitForSpace()

	h.db.lock.Lock()
	defer h.db.lock.Unlock()

	wmt := h.db.ring.Current().WMT
	if err := h.db.wal.Append(rec); err != nil {
		return errors.Wrap(err, "remixdb: wal append")
	}
	wmt.Put(rec)
	return nil
}

// MergeFunc computes a new value given the current one (old, found):
// found is false when the key is absent or tombstoned. Returning
// del=true deletes the key (a no-op if it was already absent).
type MergeFunc func(old []byte, found bool) (newValue []byte, del bool)

// Merge applies fn to key's current value atomically (§4.6 "merge"): a
// two-phase read-modify-write where the shadow lookup (IMT + SSTable,
// §4.6 "phase two: if absent from WMT, consult IMT and the pinned
// version before deciding") only happens when the key is not already
// resident in the WMT, keeping the common case cheap under the single
// memtable lock acquisition.
func (h *Handle) Merge(key []byte, fn MergeFunc) error {
	h.refresh()
	defer h.qh.Leave()

	h.db.waitForSpace()

	h.db.lock.Lock()
	defer h.db.lock.Unlock()

	kref := record.MakeKref(key)
	wmt := h.db.ring.Current().WMT

	var opErr error
	_, err := wmt.Merge(kref, func(cur *record.Record) *record.Record {
		oldVal, found := h.mergeOldValue(kref, cur)

		newVal, del := fn(oldVal, found)
		if del {
			if !found {
				return cur
			}
			tomb, terr := record.NewTombstone(kref.Key)
			if terr != nil {
				opErr = terr
				return cur
			}
			if opErr = h.db.wal.Append(tomb); opErr != nil {
				return cur
			}
			return &tomb
		}

		rec, rerr := record.New(kref.Key, newVal)
		if rerr != nil {
			opErr = rerr
			return cur
		}
		rec = rec.Clone()
		if opErr = h.db.wal.Append(rec); opErr != nil {
			return cur
		}
		return &rec
	})
	if err != nil {
		return err
	}
	return opErr
}

// mergeOldValue resolves the current value fed to a MergeFunc: cur
// directly if the WMT already holds a slot for the key, otherwise the
// IMT/SSTable shadow (phase two), using the up-to-date view observed
// under the engine spinlock rather than the handle's cached one, since
// Merge always runs with the lock held.
func (h *Handle) mergeOldValue(kref record.Kref, cur *record.Record) ([]byte, bool) {
	if cur != nil {
		if cur.Tombstone {
			return nil, false
		}
		return cur.Value, true
	}

	v := h.db.ring.Current()
	if v.IMT != nil {
		if rec, ok := v.IMT.GetUnsafe(kref); ok {
			if rec.Tombstone {
				return nil, false
			}
			return rec.Value, true
		}
	}

	ver := h.db.tbl.Version()
	defer h.db.tbl.PutV(ver)
	rec, ok := ver.GetTS(kref)
	if !ok {
		return nil, false
	}
	return rec.Value, true
}
