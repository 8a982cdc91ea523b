package ftree

import (
	"fmt"
	"sort"
	"strings"
)

// Dump renders the subtree rooted at np as an indented text tree, in the
// spirit of the teacher's stringify/dumper output: useful for debug logs
// and for golden-style tests (the optimiser's idempotence test compares these).
func Dump(np NP) string {
	var b strings.Builder
	dump(&b, np, 0)
	return b.String()
}

func dump(b *strings.Builder, np NP, depth int) {
	indent := strings.Repeat("  ", depth)
	if np.IsNull() {
		fmt.Fprintf(b, "%s<null>\n", indent)
		return
	}
	if np.IsLeaf() {
		fmt.Fprintf(b, "%sFCB data=%d flags=%#x use=%d\n", indent, np.Data, np.Leaf.Flags, np.Leaf.UseCount)
		return
	}
	n := np.Node
	fmt.Fprintf(b, "%sNode data=%d level=%s\n", indent, np.Data, n.Level.String())

	type kv struct {
		d  uint64
		np NP
	}
	var kvs []kv
	n.Children.ForEach(func(d uint64, c NP) bool {
		kvs = append(kvs, kv{d, c})
		return true
	})
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].d < kvs[j].d })
	for _, e := range kvs {
		dump(b, e.np, depth+1)
	}
	if !n.Default.IsNull() {
		fmt.Fprintf(b, "%sdefault:\n", indent)
		dump(b, n.Default, depth+1)
	}
}
