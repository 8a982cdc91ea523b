package optimiser_test

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
	"github.com/flowcore/fct/optimiser"
	"github.com/stretchr/testify/require"
)

func xxhashLeaf(payload, mask []byte) uint64 {
	h := xxhash.New()
	h.Write(payload)
	h.Write(mask)
	return h.Sum64()
}

func leaf(b byte) *ftree.FCB {
	f := ftree.NewBuildFCB(1)
	f.Payload[0] = b
	f.Mask[0] = 0xFF
	f.Acquire(1)
	return f
}

func TestOptimiseSelectsArrayForSmallFiniteKeySpace(t *testing.T) {
	lvl := level.NewGeneric(12, 1, 0x03, false) // key space of 4
	n := ftree.NewNode(lvl)
	n.InsertChild(0, ftree.LeafNP(leaf(0), 0))
	n.InsertChild(1, ftree.LeafNP(leaf(1), 1))
	root := ftree.NodeNP(n, 0)

	out := optimiser.Optimise(root, 1)
	require.Equal(t, ftree.VariantArray, out.Node.Children.Variant())
}

func TestOptimiseHashHintOverrides(t *testing.T) {
	n := ftree.NewNode(level.NewGeneric(9, 1, 0xFF, false))
	n.Hint = ftree.VariantHash
	n.HintClass = 1
	n.InsertChild(6, ftree.LeafNP(leaf(0), 6))
	root := ftree.NodeNP(n, 0)

	out := optimiser.Optimise(root, 1)
	require.Equal(t, ftree.VariantHash, out.Node.Children.Variant())
	require.Equal(t, 1, out.Node.Children.HashClass())
}

func TestOptimiseIdempotent(t *testing.T) {
	n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	n.InsertChild(0x0800, ftree.LeafNP(leaf(0), 0x0800))
	n.InsertChild(0x0806, ftree.LeafNP(leaf(1), 0x0806))
	root := ftree.NodeNP(n, 0)

	once := optimiser.Optimise(root, 1)
	dumpOnce := ftree.Dump(once)
	twice := optimiser.Optimise(once, 1)
	dumpTwice := ftree.Dump(twice)
	require.Equal(t, dumpOnce, dumpTwice)
}

func TestOptimiseThreadFanOut(t *testing.T) {
	n := ftree.NewNode(level.Thread{MaxCPUs: 4})
	n.SetDefault(ftree.LeafNP(leaf(9), 0))
	root := ftree.NodeNP(n, 0)

	out := optimiser.Optimise(root, 4)
	require.True(t, out.IsNode())
	require.Equal(t, ftree.VariantArray, out.Node.Children.Variant())
	require.Equal(t, 4, out.Node.Children.Len())

	out.Node.Children.ForEach(func(d uint64, child ftree.NP) bool {
		require.True(t, child.IsLeaf())
		require.Equal(t, byte(9), child.Leaf.Payload[0])
		return true
	})
}

func TestOptimiseSplicesThreadAboveSharedDynamicNode(t *testing.T) {
	n := ftree.NewNode(level.Aggregate{})
	n.SetDefault(ftree.LeafNP(leaf(3), 0))
	root := ftree.NodeNP(n, 0)

	out := optimiser.Optimise(root, 4)
	require.True(t, out.IsNode())
	_, isThread := out.Node.Level.(level.Thread)
	require.True(t, isThread, "a dynamic node shared by every thread must get a Thread level spliced above it")
	require.Equal(t, 4, out.Node.Children.Len())

	out.Node.Children.ForEach(func(cpu uint64, child ftree.NP) bool {
		require.True(t, child.IsNode())
		require.Equal(t, 1, child.Node.Threads.Count())
		require.True(t, child.Node.Threads.Has(int(cpu)))
		_, stillAggregate := child.Node.Level.(level.Aggregate)
		require.True(t, stillAggregate)
		return true
	})
}

func TestOptimiseLeavesSingleThreadPinnedDynamicNodeAlone(t *testing.T) {
	n := ftree.NewNode(level.Aggregate{})
	n.Threads = ftree.NewThreadSet(2)
	n.SetDefault(ftree.LeafNP(leaf(3), 0))
	root := ftree.NodeNP(n, 0)

	out := optimiser.Optimise(root, 4)
	_, isThread := out.Node.Level.(level.Thread)
	require.False(t, isThread, "a node already pinned to a single CPU needs no further fan-out")
}

func TestDedupLeavesMergesEqualPayloads(t *testing.T) {
	n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	n.InsertChild(0x0800, ftree.LeafNP(leaf(7), 0x0800))
	n.InsertChild(0x0806, ftree.LeafNP(leaf(7), 0x0806))
	root := ftree.NodeNP(n, 0)

	optimiser.DedupLeaves(root, xxhashLeaf)

	c1, _ := n.Children.Get(0x0800)
	c2, _ := n.Children.Get(0x0806)
	require.Same(t, c1.Leaf, c2.Leaf)
}
