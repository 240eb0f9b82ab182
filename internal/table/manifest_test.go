package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

func TestWriteAndReadVersionFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := &partition{anchor: []byte("a"), end: []byte("m"), file: filepath.Join(dir, "0-0.sstx"), disposition: record.Accepted}

	path, err := writeVersionFile(dir, 1, []*partition{p})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "000001.ver"), path)

	vf, err := readVersionFile(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vf.ID)
	require.Len(t, vf.Partitions, 1)
	require.Equal(t, "a", string(vf.Partitions[0].Anchor))
	require.Equal(t, record.Accepted, vf.Partitions[0].Disposition)
}

func TestPublishHeadRotatesPrevious(t *testing.T) {
	dir := t.TempDir()
	p := &partition{anchor: []byte{}, file: filepath.Join(dir, "0-0.sstx")}

	v1, err := writeVersionFile(dir, 1, []*partition{p})
	require.NoError(t, err)
	require.NoError(t, publishHead(dir, v1))

	head, ok, err := loadHead(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), head.ID)

	v2, err := writeVersionFile(dir, 2, []*partition{p})
	require.NoError(t, err)
	require.NoError(t, publishHead(dir, v2))

	head, ok, err = loadHead(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), head.ID)

	prevTarget, err := os.Readlink(filepath.Join(dir, "HEAD1"))
	require.NoError(t, err)
	require.Equal(t, "000001.ver", prevTarget)
}

func TestLoadHeadOnFreshDir(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := loadHead(dir)
	require.NoError(t, err)
	require.False(t, ok)
}
