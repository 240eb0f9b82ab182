package compaction

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kevin-Yang1/remixdb/internal/memtable"
	"github.com/Kevin-Yang1/remixdb/internal/qsbr"
	"github.com/Kevin-Yang1/remixdb/internal/record"
	"github.com/Kevin-Yang1/remixdb/internal/table"
	"github.com/Kevin-Yang1/remixdb/internal/view"
	"github.com/Kevin-Yang1/remixdb/internal/wal"
)

func newTestFixture(t *testing.T) (*Pipeline, *view.Ring, *wal.Wal, *table.Engine) {
	t.Helper()
	dir := t.TempDir()

	w, err := wal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Recover(1, nil))

	eng, err := table.Open(dir, table.Options{}, zap.NewNop())
	require.NoError(t, err)

	dom := qsbr.NewDomain()
	a := memtable.New(dom)
	b := memtable.New(dom)
	ring := view.NewRing(a, b)

	var lock sync.Mutex
	p := New(&lock, ring, dom, w, eng, zap.NewNop(), 1<<20, 2, 2, 1)
	return p, ring, w, eng
}

func putViaWAL(t *testing.T, w *wal.Wal, mt *memtable.Memtable, key, value string) {
	t.Helper()
	rec, err := record.New([]byte(key), []byte(value))
	require.NoError(t, err)
	require.NoError(t, w.Append(rec))
	mt.Put(rec)
}

func TestPipelineRunRotatesViewAndPersistsData(t *testing.T) {
	p, ring, w, eng := newTestFixture(t)

	wmt := ring.Current().WMT
	putViaWAL(t, w, wmt, "a", "1")
	putViaWAL(t, w, wmt, "b", "2")

	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, view.NormalOnB, ring.Current().State)

	v := eng.Version()
	defer eng.PutV(v)
	got, ok := v.GetTS(record.MakeKref([]byte("a")))
	require.True(t, ok)
	require.Equal(t, "1", string(got.Value))

	got2, ok := v.GetTS(record.MakeKref([]byte("b")))
	require.True(t, ok)
	require.Equal(t, "2", string(got2.Value))
}

func TestPipelineRunCleansFormerIMT(t *testing.T) {
	p, ring, w, _ := newTestFixture(t)

	wmt := ring.Current().WMT
	putViaWAL(t, w, wmt, "k", "v")

	require.NoError(t, p.Run(context.Background()))

	// wmt is now the former IMT; it must have been reset for reuse.
	require.Equal(t, int64(0), wmt.Size())
}

func TestPipelineReinsertRoutesRejectedKeyIntoNewWMT(t *testing.T) {
	p, ring, w, eng := newTestFixture(t)

	oldWMT := ring.Current().WMT
	putViaWAL(t, w, oldWMT, "k", "old")

	// Force the compaction's partition to be rejected so "k" is routed
	// through the reinsert path rather than written into a new SSTable.
	p.MaxRejectBytes = 1 << 30

	require.NoError(t, p.Run(context.Background()))

	newWMT := ring.Current().WMT
	got, ok := newWMT.Get(record.MakeKref([]byte("k")))
	require.True(t, ok)
	require.Equal(t, "old", string(got.Value))

	v := eng.Version()
	defer eng.PutV(v)
	require.Equal(t, record.Rejected, v.Anchors()[0].Disposition)
}
