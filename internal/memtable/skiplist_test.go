package memtable

import (
	"testing"

	"github.com/Kevin-Yang1/remixdb/internal/record"
	"github.com/stretchr/testify/require"
)

func rec(t *testing.T, key, value string) record.Record {
	t.Helper()
	r, err := record.New([]byte(key), []byte(value))
	require.NoError(t, err)
	return r
}

func TestSkipListPutAndFind(t *testing.T) {
	sl := newSkipList()

	for _, kv := range []struct{ k, v string }{
		{"key3", "value3"},
		{"key1", "value1"},
		{"key2", "value2"},
		{"key5", "value5"},
		{"key4", "value4"},
	} {
		sl.putLocked([]byte(kv.k), rec(t, kv.k, kv.v))
	}

	require.Equal(t, 5, sl.size)

	n := sl.findLocked([]byte("key3"))
	require.NotNil(t, n)
	require.Equal(t, []byte("value3"), n.rec.Value)

	require.Nil(t, sl.findLocked([]byte("nonexistent")))
}

func TestSkipListPutOverwriteDoesNotGrowSize(t *testing.T) {
	sl := newSkipList()

	sl.putLocked([]byte("key1"), rec(t, "key1", "value1"))
	require.Equal(t, 1, sl.size)

	sl.putLocked([]byte("key1"), rec(t, "key1", "value1_updated"))
	require.Equal(t, 1, sl.size)

	n := sl.findLocked([]byte("key1"))
	require.Equal(t, []byte("value1_updated"), n.rec.Value)
}

func TestSkipListSeekLocked(t *testing.T) {
	sl := newSkipList()
	for _, k := range []string{"a", "c", "e", "g"} {
		sl.putLocked([]byte(k), rec(t, k, k))
	}

	n := sl.seekLocked([]byte("d"))
	require.NotNil(t, n)
	require.Equal(t, []byte("e"), n.key)

	n = sl.seekLocked([]byte("a"))
	require.NotNil(t, n)
	require.Equal(t, []byte("a"), n.key)

	require.Nil(t, sl.seekLocked([]byte("z")))
}

func TestSkipListOrderedTraversal(t *testing.T) {
	sl := newSkipList()
	keys := []string{"key3", "key1", "key2", "key5", "key4"}
	for _, k := range keys {
		sl.putLocked([]byte(k), rec(t, k, k))
	}

	var got []string
	for n := sl.seekLocked(nil); n != nil; n = n.next[0] {
		got = append(got, string(n.key))
	}
	require.Equal(t, []string{"key1", "key2", "key3", "key4", "key5"}, got)
}

func TestSkipListResetLocked(t *testing.T) {
	sl := newSkipList()
	sl.putLocked([]byte("key1"), rec(t, "key1", "value1"))
	sl.putLocked([]byte("key2"), rec(t, "key2", "value2"))
	require.Equal(t, 2, sl.size)

	sl.resetLocked()
	require.Zero(t, sl.size)
	require.Equal(t, 1, sl.level)
	require.Nil(t, sl.findLocked([]byte("key1")))

	sl.putLocked([]byte("key3"), rec(t, "key3", "value3"))
	n := sl.findLocked([]byte("key3"))
	require.NotNil(t, n)
	require.Equal(t, 1, sl.size)
}
