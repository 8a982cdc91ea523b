package fcbpool_test

import (
	"testing"

	"github.com/flowcore/fct/fcbpool"
	"github.com/stretchr/testify/require"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	p := fcbpool.New(8)
	fcb := p.Allocate()
	require.Len(t, fcb.Payload, 8)
	require.EqualValues(t, 1, fcb.UseCount)

	fcb.Payload[0] = 0xFF
	require.True(t, fcb.ReleaseUse())
	p.Release(fcb)

	stats := p.Stats()
	require.EqualValues(t, 1, stats.Allocs)
	require.EqualValues(t, 1, stats.Releases)
	require.EqualValues(t, 0, stats.Live)
}

func TestAllocateZeroesRecycledPayload(t *testing.T) {
	p := fcbpool.New(4)
	a := p.Allocate()
	a.Payload[2] = 0xAB
	a.ReleaseUse()
	p.Release(a)

	b := p.Allocate()
	require.Equal(t, []byte{0, 0, 0, 0}, b.Payload)
}

func TestMultiPoolPerThreadIsolation(t *testing.T) {
	m := fcbpool.NewMulti(4, 8)
	f0 := m.For(0).Allocate()
	f1 := m.For(1).Allocate()
	require.NotSame(t, f0, f1)

	total := m.Compress([]int{0, 1, 2, 3})
	require.EqualValues(t, 2, total.Allocs)
	require.EqualValues(t, 2, total.Live)
}

func TestMultiPoolCompressDropsInactiveThreads(t *testing.T) {
	m := fcbpool.NewMulti(4, 8)
	m.For(0).Allocate()
	m.For(3).Allocate()

	total := m.Compress([]int{0})
	require.EqualValues(t, 1, total.Allocs, "only thread 0's pool stays in the active set")
	require.EqualValues(t, 1, total.Live)

	fresh := m.For(3).Stats()
	require.EqualValues(t, 0, fresh.Allocs, "thread 3's pool was dropped and is rebuilt fresh on next use")
}
