package offload_test

import (
	"testing"

	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
	"github.com/flowcore/fct/offload"
	"github.com/stretchr/testify/require"
)

func TestToFiltersCollectsStaticPrefix(t *testing.T) {
	leaf0 := ftree.NewBuildFCB(1)
	leaf1 := ftree.NewBuildFCB(1)
	n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	n.InsertChild(0x0800, ftree.LeafNP(leaf0, 0x0800))
	n.InsertChild(0x0806, ftree.LeafNP(leaf1, 0x0806))
	root := ftree.NodeNP(n, 0)

	var mark uint32
	filters := offload.ToFilters(root, &mark)
	require.Len(t, filters, 2)
	require.Equal(t, uint32(2), mark)
}

func TestToFiltersKeepsEveryLevelOfAMultiLevelStaticPrefix(t *testing.T) {
	leaf := ftree.NewBuildFCB(1)
	inner := ftree.NewNode(level.NewGeneric(23, 1, 0xFF, false))
	inner.InsertChild(6, ftree.LeafNP(leaf, 6))

	outer := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	outer.InsertChild(0x0800, ftree.NodeNP(inner, 0x0800))
	root := ftree.NodeNP(outer, 0)

	var mark uint32
	filters := offload.ToFilters(root, &mark)
	require.Len(t, filters, 1)
	require.Len(t, filters[0].Items, 2, "both the outer and inner static levels must contribute a match item")
	require.EqualValues(t, 0x0800, filters[0].Items[0].Value)
	require.EqualValues(t, 6, filters[0].Items[1].Value)
}

func TestToFiltersStopsAtDynamicLevel(t *testing.T) {
	n := ftree.NewNode(level.Aggregate{})
	n.SetDefault(ftree.LeafNP(ftree.NewBuildFCB(1), 0))
	root := ftree.NodeNP(n, 0)

	var mark uint32
	filters := offload.ToFilters(root, &mark)
	require.Empty(t, filters)
}

func TestMarkCacheRoundTrip(t *testing.T) {
	c, err := offload.NewMarkCache(2)
	require.NoError(t, err)

	fcb := ftree.NewBuildFCB(1)
	c.Put(5, fcb)

	got, ok := c.Get(5)
	require.True(t, ok)
	require.Same(t, fcb, got)

	c.Remove(5)
	_, ok = c.Get(5)
	require.False(t, ok)
}

func TestMarkCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := offload.NewMarkCache(1)
	require.NoError(t, err)

	c.Put(1, ftree.NewBuildFCB(1))
	c.Put(2, ftree.NewBuildFCB(1))

	_, ok := c.Get(1)
	require.False(t, ok, "capacity is 1, so the first entry must have been evicted")
}
