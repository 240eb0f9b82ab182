package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

func newTestVersion(t *testing.T, dir string) *Version {
	t.Helper()
	p1path := dir + "/p1.sstx"
	p2path := dir + "/p2.sstx"
	require.NoError(t, writePartitionFile(p1path, []record.Record{rec(t, "a", "1"), rec(t, "b", "2")}, false, false))
	require.NoError(t, writePartitionFile(p2path, []record.Record{rec(t, "m", "3"), tomb(t, "n")}, false, false))

	p1 := &partition{anchor: []byte("a"), end: []byte("m"), file: p1path}
	require.NoError(t, p1.load())
	p2 := &partition{anchor: []byte("m"), file: p2path}
	require.NoError(t, p2.load())

	return &Version{id: 1, partitions: []*partition{p1, p2}}
}

func TestVersionGetTSAcrossPartitions(t *testing.T) {
	v := newTestVersion(t, t.TempDir())

	rec1, ok := v.GetTS(record.MakeKref([]byte("b")))
	require.True(t, ok)
	require.Equal(t, "2", string(rec1.Value))

	rec2, ok := v.GetTS(record.MakeKref([]byte("m")))
	require.True(t, ok)
	require.Equal(t, "3", string(rec2.Value))

	_, ok = v.GetTS(record.MakeKref([]byte("missing")))
	require.False(t, ok)
}

func TestVersionGetTSHidesTombstones(t *testing.T) {
	v := newTestVersion(t, t.TempDir())
	_, ok := v.GetTS(record.MakeKref([]byte("n")))
	require.False(t, ok)
	require.False(t, v.ProbeTS(record.MakeKref([]byte("n"))))
}

func TestVersionGetValueTS(t *testing.T) {
	v := newTestVersion(t, t.TempDir())
	out, ok := v.GetValueTS(record.MakeKref([]byte("a")), nil)
	require.True(t, ok)
	require.Equal(t, "1", string(out))
}

func TestVersionAnchorsReflectDisposition(t *testing.T) {
	v := newTestVersion(t, t.TempDir())
	v.partitions[1].disposition = record.Rejected

	anchors := v.Anchors()
	require.Len(t, anchors, 2)
	require.Equal(t, "a", string(anchors[0].Key))
	require.Equal(t, record.Unknown, anchors[0].Disposition)
	require.Equal(t, "m", string(anchors[1].Key))
	require.Equal(t, record.Rejected, anchors[1].Disposition)
}

func TestVersionIteratorWalksInOrder(t *testing.T) {
	v := newTestVersion(t, t.TempDir())
	it := v.IterCreate()
	it.Seek(nil)

	var keys []string
	for it.Valid() {
		rec, _ := it.Peek()
		keys = append(keys, string(rec.Key))
		it.Skip1()
	}
	require.Equal(t, []string{"a", "b", "m", "n"}, keys)
}

func TestVersionIteratorSeekMidPartition(t *testing.T) {
	v := newTestVersion(t, t.TempDir())
	it := v.IterCreate()
	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	rec, _ := it.Peek()
	require.Equal(t, "b", string(rec.Key))

	it.Skip(3)
	require.False(t, it.Valid())
}

func TestVersionRefUnrefInvokesRelease(t *testing.T) {
	released := false
	v := &Version{id: 1, onRelease: func(*Version) { released = true }}
	v.Ref()
	v.Ref()
	v.Unref()
	require.False(t, released)
	v.Unref()
	require.True(t, released)
}
