package ftree

import (
	"fmt"

	"github.com/flowcore/fct/internal/metrics"
	"github.com/flowcore/fct/level"
)

// fact records that, above some point in a tree, lvl.Key(...) == data is
// known to hold. Prune's accumulation of facts while walking down a rule
// tree is what lets ReplaceLeaves and the differing-level combine cases
// narrow a subtree before attaching it.
type fact struct {
	lvl  level.Level
	data uint64
}

// Combine unifies b into a and returns the result, per spec §4.2. Both a
// and b must be detached from any parent. originA/originB name the
// producing elements, used only for conflict/overlap diagnostics.
func Combine(a, b NP, asChild, priority, duplicateLeaf bool, originA, originB string) (NP, error) {
	if b.IsNull() {
		return a, nil
	}
	if a.IsNull() {
		return b, nil
	}

	if a.IsNode() && level.IsDummy(a.Node.Level) {
		if a.Node.Default.IsLeaf() {
			if err := mergeIntoAllLeaves(b, a.Node.Default.Leaf, originB, originA); err != nil {
				return NP{}, err
			}
			return b, nil
		}
		if !a.Node.Default.IsNull() {
			return Combine(a.Node.Default, b, asChild, priority, duplicateLeaf, originA, originB)
		}
		return b, nil
	}

	if b.IsNode() && level.IsDummy(b.Node.Level) {
		if b.Node.Default.IsLeaf() {
			leaf := b.Node.Default.Leaf
			if asChild {
				if err := mergeIntoAllLeaves(a, leaf, originA, originB); err != nil {
					return NP{}, err
				}
				return a, nil
			}
			if err := attachElseLeaf(a, leaf, duplicateLeaf, priority, originA, originB); err != nil {
				return NP{}, err
			}
			return a, nil
		}
		if !b.Node.Default.IsNull() {
			return Combine(a, b.Node.Default, asChild, priority, duplicateLeaf, originA, originB)
		}
		return a, nil
	}

	if a.IsLeaf() && b.IsLeaf() {
		winner, loser := a.Leaf, b.Leaf
		winnerOrigin, loserOrigin := originA, originB
		if !priority {
			winner, loser = b.Leaf, a.Leaf
			winnerOrigin, loserOrigin = originB, originA
		}
		if err := MergePayload(winner, loser, winnerOrigin, loserOrigin); err != nil {
			return NP{}, err
		}
		if priority {
			return a, nil
		}
		b.Data = a.Data
		return b, nil
	}

	if a.IsLeaf() != b.IsLeaf() {
		metrics.OverlapWarnings.Inc()
		if priority {
			return a, nil
		}
		b.Data = a.Data
		return b, nil
	}

	na, nb := a.Node, b.Node
	if na.Level.Dynamic() && !nb.Level.Dynamic() {
		if priority {
			return NP{}, fmt.Errorf("ftree: cannot attach non-dynamic child %q to dynamic node owned by %q", originB, originA)
		}
		swapped, err := Combine(b, a, asChild, false, duplicateLeaf, originB, originA)
		if err != nil {
			return NP{}, err
		}
		swapped.Data = a.Data
		return swapped, nil
	}

	if asChild {
		return combineChild(na, nb, priority, duplicateLeaf, originA, originB)
	}
	return combineElse(na, nb, priority, duplicateLeaf, originA, originB)
}

func combineChild(na, nb *Node, priority, duplicateLeaf bool, originA, originB string) (NP, error) {
	if na.Level.Equal(nb.Level) {
		var rErr error
		nb.Children.ForEach(func(d uint64, otherChild NP) bool {
			existing, ok := na.Children.Get(d)
			if !ok {
				na.InsertChild(d, otherChild)
				return true
			}
			merged, err := Combine(existing, otherChild, true, priority, duplicateLeaf, originA, originB)
			if err != nil {
				rErr = err
				return false
			}
			na.InsertChild(d, merged)
			return true
		})
		if rErr != nil {
			return NP{}, rErr
		}
		if !nb.Default.IsNull() {
			merged, err := Combine(na.Default, nb.Default, true, priority, duplicateLeaf, originA, originB)
			if err != nil {
				return NP{}, err
			}
			na.SetDefault(merged)
		}
		return NP{Node: na}, nil
	}
	replaced, err := ReplaceLeaves(NP{Node: na}, NP{Node: nb}, false, originB)
	if err != nil {
		return NP{}, err
	}
	return replaced, nil
}

func combineElse(na, nb *Node, priority, duplicateLeaf bool, originA, originB string) (NP, error) {
	if na.Level.Equal(nb.Level) {
		var rErr error
		nb.Children.ForEach(func(d uint64, otherChild NP) bool {
			if _, ok := na.Children.Get(d); !ok {
				na.InsertChild(d, otherChild)
				return true
			}
			return true
		})
		if rErr != nil {
			return NP{}, rErr
		}
		// Children A has but B does not: merge B's default (duplicated and
		// pruned for d) into A's child.
		na.Children.ForEach(func(d uint64, child NP) bool {
			if _, ok := nb.Children.Get(d); ok {
				return true
			}
			if nb.Default.IsNull() {
				return true
			}
			pruned := Prune(Duplicate(nb.Default, duplicateLeaf), na.Level, d, false)
			merged, err := Combine(child, pruned, false, priority, duplicateLeaf, originA, originB)
			if err != nil {
				rErr = err
				return false
			}
			na.InsertChild(d, merged)
			return true
		})
		if rErr != nil {
			return NP{}, rErr
		}
		if !nb.Default.IsNull() && !na.NoElse {
			merged, err := Combine(na.Default, nb.Default, false, priority, duplicateLeaf, originA, originB)
			if err != nil {
				return NP{}, err
			}
			na.SetDefault(merged)
		}
		return NP{Node: na}, nil
	}
	if err := attachAtDefaults(na, NP{Node: nb}, nil, duplicateLeaf, priority, originA, originB); err != nil {
		return NP{}, err
	}
	return NP{Node: na}, nil
}

// attachElseLeaf implements the "other is dummy, is a leaf, not as_child"
// branch of Combine: duplicate leaf into every null default edge of root's
// subtree (or replace an early-drop default when !priority).
func attachElseLeaf(root NP, leaf *FCB, duplicateLeaf, priority bool, originA, originB string) error {
	if root.IsLeaf() || root.IsNull() {
		return nil
	}
	var rErr error
	var walk func(n *Node)
	walk = func(n *Node) {
		if rErr != nil {
			return
		}
		if n.NoElse {
			// else-drop class ("!"): no default route is ever attached here.
		} else if n.Default.IsNull() {
			var attach *FCB = leaf
			if duplicateLeaf {
				attach = leaf.Duplicate(1)
			} else {
				leaf.Acquire(1)
			}
			n.SetDefault(LeafNP(attach, 0))
		} else if !priority && n.Default.IsLeaf() && n.Default.Leaf.EarlyDrop() {
			attach := leaf
			if duplicateLeaf {
				attach = leaf.Duplicate(1)
			} else {
				leaf.Acquire(1)
			}
			n.SetDefault(LeafNP(attach, 0))
		}
		n.Children.ForEach(func(_ uint64, child NP) bool {
			if child.IsNode() {
				walk(child.Node)
			}
			return true
		})
		if n.Default.IsNode() {
			walk(n.Default.Node)
		}
	}
	walk(root.Node)
	return rErr
}

// attachAtDefaults implements "attach B (pruned against each A-branch's
// data) to every A default edge" for the differing-levels, else-combine
// case.
func attachAtDefaults(n *Node, sub NP, facts []fact, duplicateLeaf, priority bool, originA, originB string) error {
	pruned := pruneAgainstFacts(Duplicate(sub, duplicateLeaf), facts)
	if !pruned.IsNull() && !n.NoElse {
		merged, err := Combine(n.Default, pruned, false, priority, duplicateLeaf, originA, originB)
		if err != nil {
			return err
		}
		n.SetDefault(merged)
	}
	var rErr error
	n.Children.ForEach(func(d uint64, child NP) bool {
		if child.IsNode() {
			nf := append(append([]fact{}, facts...), fact{n.Level, d})
			if err := attachAtDefaults(child.Node, sub, nf, duplicateLeaf, priority, originA, originB); err != nil {
				rErr = err
				return false
			}
		}
		return true
	})
	return rErr
}

func pruneAgainstFacts(np NP, facts []fact) NP {
	for _, f := range facts {
		np = Prune(np, f.lvl, f.data, false)
	}
	return np
}

// mergeIntoAllLeaves merges src's payload into every leaf reachable from
// root (used when a dummy node's sole leaf must apply its payload to a
// whole downstream tree).
func mergeIntoAllLeaves(root NP, src *FCB, originTarget, originSrc string) error {
	if root.IsNull() {
		return nil
	}
	if root.IsLeaf() {
		return MergePayload(root.Leaf, src, originTarget, originSrc)
	}
	n := root.Node
	var rErr error
	n.Children.ForEach(func(_ uint64, child NP) bool {
		if err := mergeIntoAllLeaves(child, src, originTarget, originSrc); err != nil {
			rErr = err
			return false
		}
		return true
	})
	if rErr != nil {
		return rErr
	}
	if !n.Default.IsNull() {
		return mergeIntoAllLeaves(n.Default, src, originTarget, originSrc)
	}
	return nil
}

// Duplicate returns a deep structural copy of np. Leaves are shared with a
// bumped use-count when duplicateLeaves is false, or deep-copied when true
// (§4.2 "duplicate(T, deep, refcount, duplicate_leaves)").
func Duplicate(np NP, duplicateLeaves bool) NP {
	if np.IsNull() {
		return NP{}
	}
	if np.IsLeaf() {
		if duplicateLeaves {
			return NP{Leaf: np.Leaf.Duplicate(1), Data: np.Data}
		}
		np.Leaf.Acquire(1)
		return NP{Leaf: np.Leaf, Data: np.Data}
	}
	n := np.Node
	nn := NewNode(n.Level)
	nn.Threads = n.Threads
	n.Children.ForEach(func(d uint64, child NP) bool {
		nn.InsertChild(d, Duplicate(child, duplicateLeaves))
		return true
	})
	if !n.Default.IsNull() {
		nn.SetDefault(Duplicate(n.Default, duplicateLeaves))
	}
	return NP{Node: nn, Data: np.Data}
}

// Prune eliminates branches of np inconsistent with the knowledge that,
// above np in the final tree, lvl.Key(...) == data (or != data if
// inverted) is known to hold (§4.2).
func Prune(np NP, lvl level.Level, data uint64, inverted bool) NP {
	if np.IsNull() || np.IsLeaf() {
		return np
	}
	n := np.Node
	if n.Level.Dynamic() {
		narrowed, useful := n.Level.PruneAgainst(lvl, data)
		if !useful {
			return Prune(n.Default, lvl, data, inverted)
		}
		n.Level = narrowed
	}
	if n.Level.Equal(lvl) {
		if !inverted {
			if child, ok := n.Children.Get(data); ok {
				return Prune(child, lvl, data, inverted)
			}
			return Prune(n.Default, lvl, data, inverted)
		}
		n.Children.Delete(data)
		if n.Children.Len() == 0 {
			return Prune(n.Default, lvl, data, inverted)
		}
	}
	newChildren := NewChildren()
	n.Children.ForEach(func(d uint64, child NP) bool {
		pruned := Prune(child, lvl, data, inverted)
		pruned.Data = d
		pruned.SetParent(n)
		newChildren.Set(d, pruned)
		return true
	})
	n.Children = newChildren
	if !n.Default.IsNull() {
		n.Default = Prune(n.Default, lvl, data, inverted)
		n.Default.SetParent(n)
	}
	return np
}

// ReplaceLeaves substitutes, for every leaf of a, a pruned copy of b
// parented at that leaf's former position, propagating the leaf's payload
// into each of b's substituted leaves (§4.2). a must be detached from any
// parent; b is never mutated (always duplicated per attach site).
func ReplaceLeaves(a, b NP, discardFCBData bool, origin string) (NP, error) {
	return replaceLeavesRec(a, nil, b, discardFCBData, origin)
}

func replaceLeavesRec(np NP, facts []fact, b NP, discard bool, origin string) (NP, error) {
	if np.IsNull() {
		return np, nil
	}
	if np.IsLeaf() {
		copyOfB := pruneAgainstFacts(Duplicate(b, true), facts)
		if copyOfB.IsNull() {
			return np, nil
		}
		if !discard {
			if err := mergeIntoAllLeaves(copyOfB, np.Leaf, origin, "<replaced-leaf>"); err != nil {
				return NP{}, err
			}
		}
		copyOfB.Data = np.Data
		return copyOfB, nil
	}
	n := np.Node
	newChildren := NewChildren()
	var rErr error
	n.Children.ForEach(func(d uint64, child NP) bool {
		nf := append(append([]fact{}, facts...), fact{n.Level, d})
		replaced, err := replaceLeavesRec(child, nf, b, discard, origin)
		if err != nil {
			rErr = err
			return false
		}
		replaced.Data = d
		replaced.SetParent(n)
		newChildren.Set(d, replaced)
		return true
	})
	if rErr != nil {
		return NP{}, rErr
	}
	n.Children = newChildren
	if !n.Default.IsNull() {
		replaced, err := replaceLeavesRec(n.Default, facts, b, discard, origin)
		if err != nil {
			return NP{}, err
		}
		replaced.SetParent(n)
		n.Default = replaced
	}
	return np, nil
}
