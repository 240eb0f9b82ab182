package view

import (
	"testing"

	"github.com/Kevin-Yang1/remixdb/internal/memtable"
	"github.com/Kevin-Yang1/remixdb/internal/qsbr"
	"github.com/stretchr/testify/require"
)

func newTestRing() (*Ring, *memtable.Memtable, *memtable.Memtable) {
	dom := qsbr.NewDomain()
	a := memtable.New(dom)
	b := memtable.New(dom)
	return NewRing(a, b), a, b
}

func TestNewRingStartsNormalOnA(t *testing.T) {
	r, a, _ := newTestRing()
	v := r.Current()
	require.Equal(t, NormalOnA, v.State)
	require.Same(t, a, v.WMT)
	require.Nil(t, v.IMT)
	require.Equal(t, uint64(1), v.Generation)
}

func TestFullRingCycle(t *testing.T) {
	r, a, b := newTestRing()

	v := r.AdvanceToCompacting()
	require.Equal(t, CompactingA, v.State)
	require.Same(t, b, v.WMT)
	require.Same(t, a, v.IMT)
	require.True(t, v.State.Compacting())

	v = r.AdvanceToNormal()
	require.Equal(t, NormalOnB, v.State)
	require.Same(t, b, v.WMT)
	require.Nil(t, v.IMT)

	v = r.AdvanceToCompacting()
	require.Equal(t, CompactingB, v.State)
	require.Same(t, a, v.WMT)
	require.Same(t, b, v.IMT)

	v = r.AdvanceToNormal()
	require.Equal(t, NormalOnA, v.State)
	require.Same(t, a, v.WMT)
	require.Nil(t, v.IMT)
}

func TestGenerationIncreasesOnEveryTransition(t *testing.T) {
	r, _, _ := newTestRing()
	gen0 := r.Current().Generation

	gen1 := r.AdvanceToCompacting().Generation
	require.Equal(t, gen0+1, gen1)

	gen2 := r.AdvanceToNormal().Generation
	require.Equal(t, gen1+1, gen2)
}

func TestAdvanceToCompactingPanicsFromCompactingState(t *testing.T) {
	r, _, _ := newTestRing()
	r.AdvanceToCompacting()
	require.Panics(t, func() { r.AdvanceToCompacting() })
}

func TestAdvanceToNormalPanicsFromNormalState(t *testing.T) {
	r, _, _ := newTestRing()
	require.Panics(t, func() { r.AdvanceToNormal() })
}
