package table

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

// Version is a reference-counted, anchor-partitioned snapshot of the
// on-disk sorted run set (spec §3 "SSTable version", §4.5). It never
// mutates after construction; compaction always produces a new Version.
type Version struct {
	id         uint64
	partitions []*partition // sorted by anchor, disjoint, covering the key space
	refcount   atomic.Int32
	onRelease  func(*Version)
	reads      prometheus.Counter // engine's read-amplification counter; nil in some tests
}

// ID returns the version's numeric identifier (engine.version(), §4.5).
func (v *Version) ID() uint64 { return v.id }

// Ref increments the version's reference count (§4.5 "version.ref").
func (v *Version) Ref() {
	v.refcount.Add(1)
}

// Unref decrements the reference count; at zero it invokes the release
// callback supplied by the engine (§3 "the engine retires a version only
// when its reference count reaches zero AND no active snapshot still
// points at it"). The engine's callback leaves the version's partition
// files on disk; no file is removed here.
func (v *Version) Unref() {
	if v.refcount.Add(-1) == 0 && v.onRelease != nil {
		v.onRelease(v)
	}
}

// partitionFor returns the partition whose range contains key.
func (v *Version) partitionFor(key []byte) *partition {
	i := sort.Search(len(v.partitions), func(i int) bool {
		return bytes.Compare(v.partitions[i].anchor, key) > 0
	})
	if i == 0 {
		return nil
	}
	return v.partitions[i-1]
}

// GetTS performs a point lookup, observing tombstones: a tombstoned
// record returns "not found" (§4.5 "version.get_ts").
func (v *Version) GetTS(kref record.Kref) (record.Record, bool) {
	if v.reads != nil {
		v.reads.Inc()
	}
	p := v.partitionFor(kref.Key)
	if p == nil {
		return record.Record{}, false
	}
	i, ok := p.find(kref)
	if !ok {
		return record.Record{}, false
	}
	rec := p.records[i]
	if rec.Tombstone {
		return record.Record{}, false
	}
	return rec, true
}

// ProbeTS reports presence using the same tombstone-hiding semantics as
// GetTS (§4.5 "version.probe_ts").
func (v *Version) ProbeTS(kref record.Kref) bool {
	_, ok := v.GetTS(kref)
	return ok
}

// GetValueTS copies the value for kref into vbuf (reslicing if
// necessary) and reports the effective length, or false if absent or
// tombstoned (§4.5 "version.get_value_ts").
func (v *Version) GetValueTS(kref record.Kref, vbuf []byte) ([]byte, bool) {
	rec, ok := v.GetTS(kref)
	if !ok {
		return vbuf, false
	}
	out := append(vbuf[:0], rec.Value...)
	return out, true
}

// Anchors returns the partition anchor array for the compaction
// rejection walk (§4.3 step 5): one record per partition, keyed by its
// anchor, with EncodedVlen carrying 0 for accepted / 1 for rejected.
func (v *Version) Anchors() []record.Record {
	out := make([]record.Record, len(v.partitions))
	for i, p := range v.partitions {
		vlen := uint32(0)
		if p.disposition == record.Rejected {
			vlen = 1
		}
		out[i] = record.Record{
			Key:         p.anchor,
			Value:       make([]byte, vlen),
			Disposition: p.disposition,
		}
	}
	return out
}

// Iterator walks a Version in key order across its partitions.
type Iterator struct {
	v      *Version
	pIdx   int
	rIdx   int
}

// IterCreate returns a fresh iterator positioned before the first entry.
func (v *Version) IterCreate() *Iterator {
	return &Iterator{v: v, pIdx: -1}
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	pIdx := sort.Search(len(it.v.partitions), func(i int) bool {
		return it.v.partitions[i].end == nil || bytes.Compare(it.v.partitions[i].end, key) > 0
	})
	if pIdx >= len(it.v.partitions) {
		it.pIdx = len(it.v.partitions)
		it.rIdx = 0
		return
	}
	it.pIdx = pIdx
	it.rIdx = it.v.partitions[pIdx].seek(key)
	it.normalize()
}

// normalize advances past exhausted partitions so Valid is cheap to check.
func (it *Iterator) normalize() {
	for it.pIdx < len(it.v.partitions) && it.rIdx >= len(it.v.partitions[it.pIdx].records) {
		it.pIdx++
		it.rIdx = 0
	}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.pIdx >= 0 && it.pIdx < len(it.v.partitions)
}

// Peek returns the current entry without advancing.
func (it *Iterator) Peek() (record.Record, bool) {
	if !it.Valid() {
		return record.Record{}, false
	}
	return it.v.partitions[it.pIdx].records[it.rIdx], true
}

// Kref returns a reference to the current entry's key.
func (it *Iterator) Kref() record.Kref {
	rec, ok := it.Peek()
	if !ok {
		return record.Kref{}
	}
	return record.MakeKref(rec.Key)
}

// Kvref returns both the key reference and the current record.
func (it *Iterator) Kvref() (record.Kref, record.Record) {
	rec, _ := it.Peek()
	return record.MakeKref(rec.Key), rec
}

// Skip1 advances the iterator by one entry (also serves as "next").
func (it *Iterator) Skip1() {
	if !it.Valid() {
		return
	}
	it.rIdx++
	it.normalize()
}

// Next is an alias for Skip1, matching §4.5's "next" in the required
// surface alongside skip1.
func (it *Iterator) Next() { it.Skip1() }

// Skip advances the iterator by n entries.
func (it *Iterator) Skip(n int) {
	for i := 0; i < n && it.Valid(); i++ {
		it.Skip1()
	}
}

// Park idles the iterator without releasing its Version reference.
func (it *Iterator) Park() {
	it.pIdx = -1
}

// Destroy releases the iterator; it must not be used afterward.
func (it *Iterator) Destroy() {
	it.v = nil
}
