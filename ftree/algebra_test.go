package ftree_test

import (
	"testing"

	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
	"github.com/flowcore/fct/packet"
	"github.com/stretchr/testify/require"
)

func leafFor(output byte) *ftree.FCB {
	fcb := ftree.NewBuildFCB(1)
	fcb.Payload[0] = output
	fcb.Mask[0] = 0xFF
	fcb.Acquire(1)
	return fcb
}

func ethertypeNode(etype uint64, child ftree.NP, def ftree.NP) *ftree.Node {
	n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	n.InsertChild(etype, child)
	n.SetDefault(def)
	return n
}

func TestInvariantsOnSimpleTree(t *testing.T) {
	leaf0 := ftree.LeafNP(leafFor(0), 0x0800)
	leaf1 := ftree.LeafNP(leafFor(1), 0x0806)
	def := ftree.LeafNP(leafFor(2), 0)

	n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	n.InsertChild(0x0800, leaf0)
	n.InsertChild(0x0806, leaf1)
	n.SetDefault(def)

	root := ftree.NodeNP(n, 0)
	require.NoError(t, ftree.CheckInvariants(root))
	require.Equal(t, 2, n.Children.Len())
}

func TestClassifyScenario1(t *testing.T) {
	// Rule: 12/0800 0, 12/0806 1, - 2
	leaf0 := leafFor(0)
	leaf1 := leafFor(1)
	leaf2 := leafFor(2)

	n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
	n.InsertChild(0x0800, ftree.LeafNP(leaf0, 0x0800))
	n.InsertChild(0x0806, ftree.LeafNP(leaf1, 0x0806))
	n.SetDefault(ftree.LeafNP(leaf2, 0))

	root := ftree.NodeNP(n, 0)

	pkt := func(etype uint16) *packet.Basic {
		buf := make([]byte, 16)
		buf[12] = byte(etype >> 8)
		buf[13] = byte(etype)
		return packet.NewBasic(buf)
	}

	fcb := ftree.Classify(root, level.EvalCtx{Packet: pkt(0x0800)})
	require.Same(t, leaf0, fcb)
	fcb = ftree.Classify(root, level.EvalCtx{Packet: pkt(0x0806)})
	require.Same(t, leaf1, fcb)
	fcb = ftree.Classify(root, level.EvalCtx{Packet: pkt(0x86DD)})
	require.Same(t, leaf2, fcb)

	distinct := map[*ftree.FCB]bool{leaf0: true, leaf1: true, leaf2: true}
	require.Len(t, distinct, 3)
}

func TestCombineDisjointCommutative(t *testing.T) {
	// combine(A,B) and combine(B,A) should classify identically for two
	// disjoint single-path rules (P4).
	build := func(first bool) ftree.NP {
		n := ftree.NewNode(level.NewGeneric(12, 2, 0xFFFF, false))
		if first {
			n.InsertChild(0x0800, ftree.LeafNP(leafFor(0), 0x0800))
		} else {
			n.InsertChild(0x0806, ftree.LeafNP(leafFor(1), 0x0806))
		}
		return ftree.NodeNP(n, 0)
	}

	a1, b1 := build(true), build(false)
	ab, err := ftree.Combine(a1, b1, false, true, true, "A", "B")
	require.NoError(t, err)

	a2, b2 := build(true), build(false)
	ba, err := ftree.Combine(b2, a2, false, true, true, "B", "A")
	require.NoError(t, err)

	pkt := func(etype uint16) *packet.Basic {
		buf := make([]byte, 16)
		buf[12] = byte(etype >> 8)
		buf[13] = byte(etype)
		return packet.NewBasic(buf)
	}

	for _, et := range []uint16{0x0800, 0x0806} {
		f1 := ftree.Classify(ab, level.EvalCtx{Packet: pkt(et)})
		f2 := ftree.Classify(ba, level.EvalCtx{Packet: pkt(et)})
		require.NotNil(t, f1)
		require.NotNil(t, f2)
		require.Equal(t, f1.Payload, f2.Payload)
	}
}

func TestPayloadConflictFatal(t *testing.T) {
	a := ftree.NewBuildFCB(8)
	a.Payload[4] = 0x01
	a.Mask[4] = 0xFF
	b := ftree.NewBuildFCB(8)
	b.Payload[4] = 0x02
	b.Mask[4] = 0xFF

	err := ftree.MergePayload(a, b, "E1", "E2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "E1")
	require.Contains(t, err.Error(), "E2")
}

func TestLeafDeduplicationByCaller(t *testing.T) {
	// P6: the tree algebra itself doesn't dedup; that's
	// optimiser.DedupLeaves' job. Here we confirm byte-equal payloads
	// compare equal so a hash-based dedup pass can key on them.
	a := ftree.NewBuildFCB(4)
	a.Payload = []byte{1, 2, 3, 4}
	b := ftree.NewBuildFCB(4)
	b.Payload = []byte{1, 2, 3, 4}
	require.Equal(t, a.Payload, b.Payload)
}

func TestReplaceLeavesPropagatesPayload(t *testing.T) {
	// A: single leaf with payload byte0=0xAA, mask byte0 set.
	aLeaf := ftree.NewBuildFCB(2)
	aLeaf.Payload[0] = 0xAA
	aLeaf.Mask[0] = 0xFF
	a := ftree.LeafNP(aLeaf, 0)

	// B: a tiny node classifying on offset 20, two leaves each writing byte1.
	bNode := ftree.NewNode(level.NewGeneric(20, 1, 0xFF, false))
	leafX := ftree.NewBuildFCB(2)
	leafX.Payload[1] = 0x11
	leafX.Mask[1] = 0xFF
	leafY := ftree.NewBuildFCB(2)
	leafY.Payload[1] = 0x22
	leafY.Mask[1] = 0xFF
	bNode.InsertChild(1, ftree.LeafNP(leafX, 1))
	bNode.InsertChild(2, ftree.LeafNP(leafY, 2))
	b := ftree.NodeNP(bNode, 0)

	out, err := ftree.ReplaceLeaves(a, b, false, "origin")
	require.NoError(t, err)
	require.True(t, out.IsNode())
	require.NoError(t, ftree.CheckInvariants(out))

	var leaves []*ftree.FCB
	out.Node.Children.ForEach(func(_ uint64, np ftree.NP) bool {
		leaves = append(leaves, np.Leaf)
		return true
	})
	require.Len(t, leaves, 2)
	for _, l := range leaves {
		require.Equal(t, byte(0xAA), l.Payload[0])
	}
}

func TestPruneSoundness(t *testing.T) {
	lvl := level.NewGeneric(12, 2, 0xFFFF, false)
	n := ftree.NewNode(lvl)
	leaf0 := leafFor(0)
	leaf1 := leafFor(1)
	n.InsertChild(0x0800, ftree.LeafNP(leaf0, 0x0800))
	n.InsertChild(0x0806, ftree.LeafNP(leaf1, 0x0806))
	root := ftree.NodeNP(n, 0)

	dup := ftree.Duplicate(root, false)
	pruned := ftree.Prune(dup, lvl, 0x0800, false)
	require.True(t, pruned.IsLeaf())
	require.Equal(t, leaf0.Payload, pruned.Leaf.Payload)
}
