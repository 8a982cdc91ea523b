package ftree

import "github.com/flowcore/fct/level"

// NP (Flow Node Pointer) is a tagged union of {leaf FCB, child Node, null}.
// Exactly one of Leaf/Node is non-nil for a non-null NP. Data is the key
// value on the edge from the parent that stores this NP (§3).
type NP struct {
	Node *Node
	Leaf *FCB
	Data uint64
}

func (p NP) IsNull() bool { return p.Node == nil && p.Leaf == nil }
func (p NP) IsLeaf() bool { return p.Leaf != nil }
func (p NP) IsNode() bool { return p.Node != nil }

// SetParent updates whichever side of the union is populated to point back
// at parent, maintaining the "child's node_data equals the data under which
// the parent stores it" and "parent back-pointer" invariants together with
// the caller setting Data.
func (p NP) SetParent(parent *Node) {
	switch {
	case p.Leaf != nil:
		p.Leaf.Parent = parent
		p.Leaf.NodeData = p.Data
	case p.Node != nil:
		p.Node.Parent = parent
		p.Node.NodeData = p.Data
	}
}

// LeafNP wraps an FCB as a leaf NP carrying the given edge data.
func LeafNP(fcb *FCB, data uint64) NP { return NP{Leaf: fcb, Data: data} }

// NodeNP wraps a Node as a node NP carrying the given edge data.
func NodeNP(n *Node, data uint64) NP { return NP{Node: n, Data: data} }

// Node is a tree node holding children indexed by key data plus one
// default edge (§3, component B). Threads is the bitmap of CPUs that may
// ever walk through it (set by the optimiser's per-thread fan-out splice,
// §4.3 rule 2); a nil bitmap means "all threads".
type Node struct {
	Level    level.Level
	Children *Children
	Default  NP
	NodeData uint64
	Parent   *Node
	Threads  *ThreadSet

	// NoElse pins this node's default edge: the rule parser sets it for a
	// "!" (else-drop) class, and the combine algebra's default-filling
	// paths must leave the edge alone once set.
	NoElse bool

	// Hint, if non-zero, is an explicit container-variant hint from the
	// rule text (":HASH-n" or ":ARRAY"), which the optimiser honours
	// instead of its own heuristic.
	Hint      Variant
	HintClass int
}

// NewNode creates a node with an empty child container and null default.
func NewNode(lvl level.Level) *Node {
	return &Node{Level: lvl, Children: NewChildren()}
}

// ThreadSet is a small bitmap of CPU indices, used only to tag which
// threads may reach a given node (design note "per-thread fan-out").
type ThreadSet struct{ bits uint64 }

func NewThreadSet(ids ...int) *ThreadSet {
	t := &ThreadSet{}
	for _, id := range ids {
		t.Add(id)
	}
	return t
}

func (t *ThreadSet) Add(id int) { t.bits |= 1 << uint(id) }
func (t *ThreadSet) Has(id int) bool {
	if t == nil {
		return true
	}
	return t.bits&(1<<uint(id)) != 0
}
func (t *ThreadSet) Count() int {
	if t == nil {
		return 0
	}
	n := 0
	for b := t.bits; b != 0; b &= b - 1 {
		n++
	}
	return n
}
func (t *ThreadSet) Each(fn func(id int)) {
	if t == nil {
		return
	}
	for id := 0; id < 64; id++ {
		if t.bits&(1<<uint(id)) != 0 {
			fn(id)
		}
	}
}

// Find looks up the child at data, falling back to the default edge
// (matching spec's "default edge is taken when no child's data matches").
func (n *Node) Find(data uint64) NP {
	if np, ok := n.Children.Get(data); ok {
		return np
	}
	return n.Default
}

// InsertChild attaches np as the child at data, parenting it to n. Used
// both at build time and for dynamic-node growth at packet time.
func (n *Node) InsertChild(data uint64, np NP) {
	np.Data = data
	np.SetParent(n)
	n.Children.Set(data, np)
}

// ReleaseChild detaches the child at data (§4.5 release-up-the-tree).
func (n *Node) ReleaseChild(data uint64) {
	n.Children.Delete(data)
}

// SetDefault attaches np as the unconditional default edge.
func (n *Node) SetDefault(np NP) {
	np.Data = 0
	np.SetParent(n)
	n.Default = np
}

// Classify walks the tree rooted at root, returning the FCB reached by
// following child/default edges according to each node's Level.Key(ctx).
// A nil leaf result means the walk fell off the tree entirely (no default
// anywhere), which is itself a configuration bug a debug build should
// have caught earlier.
func Classify(root NP, ctx level.EvalCtx) *FCB {
	for {
		if root.IsNull() {
			return nil
		}
		if root.IsLeaf() {
			return root.Leaf
		}
		n := root.Node
		key := n.Level.Key(ctx)
		if np, ok := n.Children.Get(key); ok {
			root = np
			continue
		}
		root = n.Default
	}
}
