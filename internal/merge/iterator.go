// Package merge implements the k-way merging iterator described in spec
// §4.4: a rank-ordered priority queue over the WMT, optional IMT, and
// SSTable version streams that a point-in-time read or range scan walks
// as a single ordered, tombstone-aware sequence. Grounded on the
// teacher's min-key-scan merge iterator
// (_examples/return2faye-SiltKV/internal/sstable/merge_iterator.go),
// generalized from a fixed two-source merge into a rank-ordered
// container/heap over an arbitrary source count.
package merge

import (
	"bytes"
	"container/heap"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

// MaxStreams bounds the number of sources a single Merger may hold
// (MITER_MAX_STREAMS in the source, §4.4).
const MaxStreams = 18

// Stream is the minimal ordered-iteration surface a merge source must
// provide; *memtable.Iterator and *table.Iterator both satisfy it.
type Stream interface {
	Seek(key []byte)
	Valid() bool
	Peek() (record.Record, bool)
	Kref() record.Kref
	Skip1()
}

type entry struct {
	stream Stream
	rank   int
	key    []byte
	rec    record.Record
}

// Merger presents (WMT, IMT?, SSTable-version) as one ordered,
// tombstone-aware sequence. Sources are ranked so that on a key collision
// the highest-rank source wins: rank 0 (SSTable version) is lowest
// priority/oldest, rank 2 (WMT) is highest/newest (§4.4 "rank
// assignment").
type Merger struct {
	tsAware bool
	sources []*entry
	heap    entryHeap
}

// New creates a Merger over the given streams, each tagged with its
// rank. tsAware controls whether tombstoned records are hidden from
// Peek/SkipUnique (§4.4 "Tombstone handling").
func New(tsAware bool, streamsWithRank ...struct {
	Stream Stream
	Rank   int
}) *Merger {
	m := &Merger{tsAware: tsAware}
	for _, sr := range streamsWithRank {
		m.sources = append(m.sources, &entry{stream: sr.Stream, rank: sr.Rank})
	}
	return m
}

// AddSource registers another stream before the first Seek.
func (m *Merger) AddSource(s Stream, rank int) {
	m.sources = append(m.sources, &entry{stream: s, rank: rank})
}

// Seek repositions every source at the first key >= key and rebuilds the
// heap, settling on the first non-tombstoned key in ts-aware mode.
func (m *Merger) Seek(key []byte) {
	m.heap = m.heap[:0]
	for _, e := range m.sources {
		e.stream.Seek(key)
		if !e.stream.Valid() {
			continue
		}
		rec, _ := e.stream.Peek()
		e.key = e.stream.Kref().Key
		e.rec = rec
		m.heap = append(m.heap, e)
	}
	heap.Init(&m.heap)
	m.settle()
}

// Valid reports whether any source still has entries.
func (m *Merger) Valid() bool {
	return len(m.heap) > 0
}

// Peek returns the current winning record without advancing.
func (m *Merger) Peek() (record.Record, bool) {
	if !m.Valid() {
		return record.Record{}, false
	}
	return m.heap[0].rec, true
}

// Kref returns a reference to the current winning key.
func (m *Merger) Kref() record.Kref {
	if !m.Valid() {
		return record.Kref{}
	}
	return record.MakeKref(m.heap[0].key)
}

// Kvref returns both the key reference and the current winning record.
func (m *Merger) Kvref() (record.Kref, record.Record) {
	return m.Kref(), m.heap[0].rec
}

// SkipUnique advances past every source currently holding the winning
// key (§4.4 "skip_unique advances past all duplicates of the current
// key"), then, in ts-aware mode, keeps advancing while the new current
// record is a tombstone.
func (m *Merger) SkipUnique() {
	m.advancePastCurrentKey()
	m.settle()
}

func (m *Merger) settle() {
	for m.tsAware && len(m.heap) > 0 && m.heap[0].rec.Tombstone {
		m.advancePastCurrentKey()
	}
}

func (m *Merger) advancePastCurrentKey() {
	if len(m.heap) == 0 {
		return
	}
	key := append([]byte(nil), m.heap[0].key...)
	for len(m.heap) > 0 && bytes.Equal(m.heap[0].key, key) {
		e := heap.Pop(&m.heap).(*entry)
		e.stream.Skip1()
		if e.stream.Valid() {
			rec, _ := e.stream.Peek()
			e.key = e.stream.Kref().Key
			e.rec = rec
			heap.Push(&m.heap, e)
		}
	}
}

// entryHeap orders by (key ascending, rank descending): among sources
// tied on key, the highest rank sorts first so it is the one Peek
// reports (§4.4 "the source with the highest rank wins").
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].key, h[j].key)
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].rank > h[j].rank
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
