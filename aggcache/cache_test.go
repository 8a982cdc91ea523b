package aggcache_test

import (
	"testing"

	"github.com/flowcore/fct/aggcache"
	"github.com/flowcore/fct/ftree"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := aggcache.New(4, 2, false)
	fcb := ftree.NewBuildFCB(1)
	c.Put(42, fcb)

	got, ok := c.Get(42, func(agg uint32, f *ftree.FCB) bool { return true })
	require.True(t, ok)
	require.Same(t, fcb, got)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := aggcache.New(4, 2, false)
	_, ok := c.Get(99, nil)
	require.False(t, ok)
}

func TestGetFailedVerifyEvicts(t *testing.T) {
	c := aggcache.New(4, 2, false)
	fcb := ftree.NewBuildFCB(1)
	c.Put(7, fcb)

	_, ok := c.Get(7, func(agg uint32, f *ftree.FCB) bool { return false })
	require.False(t, ok)

	_, ok = c.Get(7, func(agg uint32, f *ftree.FCB) bool { return true })
	require.False(t, ok, "evicted entry must not resurrect on a later lookup")
}

func TestAggTrustSkipsVerify(t *testing.T) {
	c := aggcache.New(4, 2, true)
	fcb := ftree.NewBuildFCB(1)
	c.Put(7, fcb)

	got, ok := c.Get(7, func(agg uint32, f *ftree.FCB) bool { return false })
	require.True(t, ok)
	require.Same(t, fcb, got)
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	c := aggcache.New(1, 2, false) // one bucket, forces collisions by construction
	a := ftree.NewBuildFCB(1)
	b := ftree.NewBuildFCB(1)
	d := ftree.NewBuildFCB(1)

	c.Put(0, a)
	c.Put(0x10000, b) // mixes to the same bucket as 0 when size==1
	c.Put(0x20000, d)

	_, ok := c.Get(0, func(uint32, *ftree.FCB) bool { return true })
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestRemoveClearsEntry(t *testing.T) {
	c := aggcache.New(4, 2, false)
	fcb := ftree.NewBuildFCB(1)
	c.Put(3, fcb)
	c.Remove(3)

	_, ok := c.Get(3, nil)
	require.False(t, ok)
}

func TestRemoveFCBClearsByIdentity(t *testing.T) {
	c := aggcache.New(4, 2, false)
	fcb := ftree.NewBuildFCB(1)
	c.Put(5, fcb)
	c.RemoveFCB(fcb)

	_, ok := c.Get(5, nil)
	require.False(t, ok)
}
