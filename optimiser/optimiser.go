// Package optimiser implements the bottom-up container-variant selection
// and per-thread fan-out splice of spec §4.3, grounded on fastclick's
// FlowClassificationTable::optimize (lib/flow.cc): once a configuration's
// rule trees are all combined into one, a single pass chooses the cheapest
// child container for every node given its final shape, and duplicates
// any node whose level varies by thread so each core walks its own copy.
package optimiser

import (
	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
)

// Optimise rewrites the tree rooted at root in place, selecting a final
// container Variant for every node (bottom-up, so a node's own child count
// already reflects any of its children's own optimisation) and splicing in
// a per-thread array node wherever a Thread level appears, one array slot
// per CPU in nthreads (§4.3 rule 2). It is idempotent in structure (P2):
// running it a second time on its own output yields the same shape. Where a
// Thread node is present, that second run rebuilds its per-CPU copies,
// which raises the use-counts of the leaves they share.
func Optimise(root ftree.NP, nthreads int) ftree.NP {
	return optimise(root, nthreads)
}

func optimise(np ftree.NP, nthreads int) ftree.NP {
	if np.IsNull() || np.IsLeaf() {
		return np
	}
	n := np.Node

	n.Children.ForEach(func(d uint64, child ftree.NP) bool {
		opt := optimise(child, nthreads)
		opt.Data = d
		opt.SetParent(n)
		n.Children.Set(d, opt)
		return true
	})
	if !n.Default.IsNull() {
		opt := optimise(n.Default, nthreads)
		opt.SetParent(n)
		n.Default = opt
	}

	selectVariant(n, nthreads)

	if _, isThread := n.Level.(level.Thread); isThread {
		return spliceThreadFanOut(np, nthreads)
	}
	if nthreads > 1 && n.Level.Dynamic() && (n.Threads == nil || n.Threads.Count() > 1) {
		return spliceDynamicThreadFanOut(np, nthreads)
	}
	return np
}

// selectVariant picks the cheapest container shape for n's already-final
// child set, honouring an explicit rule-text hint (Node.Hint) when present
// (§4.3 rule 3, rule-text ":HASH-n"/":ARRAY" override).
func selectVariant(n *ftree.Node, nthreads int) {
	count := n.Children.Len()

	if n.Hint == ftree.VariantHash {
		n.Children.ForceVariant(ftree.VariantHash, 0)
		n.Children.SetMinHashClass(n.HintClass)
		return
	}
	if n.Hint == ftree.VariantArray {
		size, finite := n.Level.KeySpace()
		if !finite || size == 0 {
			size = count
		}
		n.Children.ForceVariant(ftree.VariantArray, size)
		return
	}

	if size, finite := n.Level.KeySpace(); finite && size > 0 && size <= count*4 {
		n.Children.ForceVariant(ftree.VariantArray, size)
		return
	}

	switch {
	case count == 0:
		n.Children.ForceVariant(ftree.VariantEmpty, 0)
	case count == 1:
		n.Children.ForceVariant(ftree.VariantSingle, 0)
	case count == 2:
		n.Children.ForceVariant(ftree.VariantPair, 0)
	default:
		n.Children.ForceVariant(ftree.VariantHash, 0)
	}
}

// spliceThreadFanOut duplicates the subtree below a Thread node once per
// CPU and rebuilds it as a dense array node, so that at classification
// time each thread walks a private copy with no cross-core contention on
// shared child state (design note "per-thread fan-out"). Each duplicate's
// Threads bitmap is pinned to its one owning CPU.
func spliceThreadFanOut(np ftree.NP, nthreads int) ftree.NP {
	n := np.Node
	if nthreads <= 0 {
		nthreads = 1
	}

	fanned := ftree.NewNode(n.Level)
	fanned.NoElse = n.NoElse
	fanned.Hint = n.Hint
	fanned.HintClass = n.HintClass

	for cpu := 0; cpu < nthreads; cpu++ {
		// A thread node's explicit children are already keyed by CPU index
		// (a rule pinned that CPU to a specific subtree); any CPU without
		// one falls back to the shared default subtree, duplicated so each
		// core gets its own private copy with no shared mutable state.
		var subtree ftree.NP
		if child, ok := n.Children.Get(uint64(cpu)); ok {
			subtree = ftree.Duplicate(child, false)
		} else if !n.Default.IsNull() {
			subtree = ftree.Duplicate(n.Default, false)
		}
		if subtree.IsNull() {
			continue
		}
		subtree.Data = uint64(cpu)
		subtree.SetParent(fanned)
		if subtree.IsNode() {
			subtree.Node.Threads = ftree.NewThreadSet(cpu)
		}
		fanned.Children.Set(uint64(cpu), subtree)
	}
	fanned.Children.ForceVariant(ftree.VariantArray, nthreads)

	out := ftree.NodeNP(fanned, np.Data)
	return out
}

// spliceDynamicThreadFanOut protects a dynamic node that more than one
// thread may reach (its Threads bitmap is nil or covers more than one CPU)
// by inserting a new Thread level above it: nthreads duplicates of the
// subtree, each pinned to its own CPU, so no two threads ever mutate the
// same runtime-learned child state concurrently (§4.3 rule 2). Unlike
// spliceThreadFanOut, which re-expresses an explicit `thread` rule class,
// this never sees per-CPU children to key from — every duplicate starts
// from the same shared subtree.
func spliceDynamicThreadFanOut(np ftree.NP, nthreads int) ftree.NP {
	fanned := ftree.NewNode(level.Thread{MaxCPUs: nthreads})

	for cpu := 0; cpu < nthreads; cpu++ {
		subtree := ftree.Duplicate(np, false)
		subtree.Data = uint64(cpu)
		subtree.SetParent(fanned)
		if subtree.IsNode() {
			subtree.Node.Threads = ftree.NewThreadSet(cpu)
		}
		fanned.Children.Set(uint64(cpu), subtree)
	}
	fanned.Children.ForceVariant(ftree.VariantArray, nthreads)

	return ftree.NodeNP(fanned, np.Data)
}

// DedupLeaves runs a hash-based pass over the tree replacing byte-equal
// leaves with a single shared FCB (P6: identical leaf data is merged).
// Hashing is delegated to LeafHasher, grounded on the pack's cespare/xxhash
// usage elsewhere in the domain stack.
func DedupLeaves(root ftree.NP, hash LeafHasher) ftree.NP {
	seen := make(map[uint64][]*ftree.FCB)
	return dedupWalk(root, hash, seen)
}

// LeafHasher hashes a leaf's payload+mask for the dedup pass.
type LeafHasher func(payload, mask []byte) uint64

func dedupWalk(np ftree.NP, hash LeafHasher, seen map[uint64][]*ftree.FCB) ftree.NP {
	if np.IsNull() {
		return np
	}
	if np.IsLeaf() {
		h := hash(np.Leaf.Payload, np.Leaf.Mask)
		for _, cand := range seen[h] {
			if leafEqual(cand, np.Leaf) {
				cand.Acquire(1)
				return ftree.LeafNP(cand, np.Data)
			}
		}
		seen[h] = append(seen[h], np.Leaf)
		return np
	}
	n := np.Node
	n.Children.ForEach(func(d uint64, child ftree.NP) bool {
		replaced := dedupWalk(child, hash, seen)
		replaced.Data = d
		replaced.SetParent(n)
		n.Children.Set(d, replaced)
		return true
	})
	if !n.Default.IsNull() {
		replaced := dedupWalk(n.Default, hash, seen)
		replaced.SetParent(n)
		n.Default = replaced
	}
	return np
}

func leafEqual(a, b *ftree.FCB) bool {
	if len(a.Payload) != len(b.Payload) {
		return false
	}
	for i := range a.Payload {
		if a.Payload[i] != b.Payload[i] {
			return false
		}
	}
	if len(a.Mask) != len(b.Mask) {
		return false
	}
	for i := range a.Mask {
		if a.Mask[i] != b.Mask[i] {
			return false
		}
	}
	return true
}
