package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

type sliceIter struct {
	recs []record.Record
	i    int
}

func (s *sliceIter) Valid() bool { return s.i < len(s.recs) }
func (s *sliceIter) Peek() (record.Record, bool) {
	if !s.Valid() {
		return record.Record{}, false
	}
	return s.recs[s.i], true
}
func (s *sliceIter) Skip1() { s.i++ }

func TestEngineOpenFreshDir(t *testing.T) {
	e, err := Open(t.TempDir(), Options{}, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, uint64(0), e.CurrentVersionID())
	v := e.Version()
	defer e.PutV(v)
	require.Empty(t, v.partitions)
}

func TestEngineCompactFreshDatabaseThenReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{}, zap.NewNop())
	require.NoError(t, err)

	imt := &sliceIter{recs: []record.Record{rec(t, "a", "1"), rec(t, "b", "2")}}
	nv, err := e.Compact(context.Background(), imt, 2, 2, -1)
	require.NoError(t, err)
	require.Len(t, nv.partitions, 1)
	require.Equal(t, record.Accepted, nv.partitions[0].disposition)

	got, ok := nv.GetTS(record.MakeKref([]byte("a")))
	require.True(t, ok)
	require.Equal(t, "1", string(got.Value))
	require.NoError(t, e.Close())

	e2, err := Open(dir, Options{}, zap.NewNop())
	require.NoError(t, err)
	defer e2.Close()

	require.Equal(t, nv.id, e2.CurrentVersionID())
	v2 := e2.Version()
	defer e2.PutV(v2)
	require.Len(t, v2.partitions, 1)
	got2, ok := v2.GetTS(record.MakeKref([]byte("b")))
	require.True(t, ok)
	require.Equal(t, "2", string(got2.Value))
}

func TestEngineCompactRejectsWithinBudget(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{}, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	imt := &sliceIter{recs: []record.Record{rec(t, "a", "1")}}
	nv, err := e.Compact(context.Background(), imt, 2, 2, 1<<30)
	require.NoError(t, err)
	require.Len(t, nv.partitions, 1)
	require.Equal(t, record.Rejected, nv.partitions[0].disposition)
}

func TestEngineCompactCarriesUntouchedPartitionsForward(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{}, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	imt1 := &sliceIter{recs: []record.Record{rec(t, "a", "1")}}
	nv1, err := e.Compact(context.Background(), imt1, 2, 2, -1)
	require.NoError(t, err)
	require.Equal(t, record.Accepted, nv1.partitions[0].disposition)

	imt2 := &sliceIter{}
	nv2, err := e.Compact(context.Background(), imt2, 2, 2, -1)
	require.NoError(t, err)
	require.Len(t, nv2.partitions, 1)
	require.Equal(t, record.Accepted, nv2.partitions[0].disposition)
	require.Equal(t, nv1.partitions[0].file, nv2.partitions[0].file)
}
