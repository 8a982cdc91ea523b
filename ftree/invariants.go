package ftree

import "fmt"

// CheckInvariants walks the subtree rooted at root and verifies property
// P1: every node's child count matches its non-null children, every child
// NP's parent pointer points back at the owning node, and every child NP's
// Data equals the key it is indexed under. Intended for debug builds and
// tests, not the hot path.
func CheckInvariants(root NP) error {
	seen := map[*Node]bool{}
	return checkNP(root, nil, 0, seen)
}

func checkNP(np NP, expectParent *Node, expectData uint64, seen map[*Node]bool) error {
	if np.IsNull() {
		return nil
	}
	if np.Data != expectData {
		return fmt.Errorf("ftree: NP data %d does not match the key %d it is indexed under", np.Data, expectData)
	}
	if np.IsLeaf() {
		if np.Leaf.Parent != nil && np.Leaf.Parent != expectParent {
			return fmt.Errorf("ftree: leaf parent pointer does not match owning node")
		}
		return nil
	}
	n := np.Node
	if seen[n] {
		return fmt.Errorf("ftree: cycle detected revisiting node %p", n)
	}
	seen[n] = true
	if n.Parent != expectParent {
		return fmt.Errorf("ftree: node parent pointer does not match owning node")
	}
	count := 0
	var err error
	n.Children.ForEach(func(data uint64, child NP) bool {
		count++
		if e := checkNP(child, n, data, seen); e != nil {
			err = e
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if count != n.Children.Len() {
		return fmt.Errorf("ftree: node reports Len()=%d but ForEach visited %d children", n.Children.Len(), count)
	}
	if !n.Default.IsNull() {
		if err := checkNP(n.Default, n, n.Default.Data, seen); err != nil {
			return err
		}
	}
	return nil
}
