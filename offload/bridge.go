// Package offload implements the optional NIC flow-director bridge of
// spec §6: translating the static (non-dynamic) prefix of a classification
// tree into hardware filter rules, and caching the small integer "mark IDs"
// a NIC assigns back to each offloaded path so the software classifier can
// recognise a hardware-tagged packet without re-walking the tree. This has
// no direct analogue in the teacher; it is grounded on fastclick's
// FlowIPManagerIMP/DPDK FDIR bridging described in spec §6 and on the
// pack's hashicorp/golang-lru for the mark-id cache, the same eviction
// policy ClusterCockpit keeps as an available dependency for this class of
// fixed-size lookaside cache.
package offload

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
)

// Filter is one hardware-offloadable rule: the full chain of match items
// from the root to a leaf (the AND of every static ancestor edge) plus the
// mark ID the NIC should stamp on a matching packet.
type Filter struct {
	Items  []level.DPDKFlowItem
	MarkID uint32
}

// ToFilters walks np from the root, emitting one Filter per static path up
// to (but not including) the first dynamic level, per spec §6: "only the
// static prefix of a path is eligible for hardware offload; anything
// beyond the first dynamic level must still be classified in software."
// Each level along the way contributes its own item via Level.ToDPDKFlow,
// so a multi-level static prefix is represented faithfully as a multi-item
// pattern instead of being collapsed to its deepest edge. A Filter is
// emitted only for a path whose levels are all static and which ends in a
// leaf; a path that reaches a dynamic node emits no Filter, and default
// edges are not walked.
func ToFilters(np ftree.NP, nextMarkID *uint32) []Filter {
	var out []Filter
	walkStatic(np, nil, 0, 0, nextMarkID, &out)
	return out
}

func walkStatic(np ftree.NP, path []level.DPDKFlowItem, lastLayer, lastOffset int, nextMarkID *uint32, out *[]Filter) {
	if np.IsNull() || np.IsLeaf() {
		return
	}
	n := np.Node
	if n.Level.Dynamic() {
		return
	}
	n.Children.ForEach(func(d uint64, child ftree.NP) bool {
		layer, offset, item, ok := n.Level.ToDPDKFlow(d, lastLayer, lastOffset)
		if !ok {
			return true
		}
		nf := append(append([]level.DPDKFlowItem{}, path...), item)
		if child.IsLeaf() {
			*out = append(*out, Filter{Items: nf, MarkID: *nextMarkID})
			*nextMarkID++
		} else {
			walkStatic(child, nf, layer, offset, nextMarkID, out)
		}
		return true
	})
}

// MarkCache maps a NIC-assigned mark ID back to the FCB it was offloaded
// for, so a hardware-tagged packet's mark can resolve directly to its FCB
// without a tree walk. Bounded by an LRU so a NIC that recycles mark IDs
// under table pressure never grows this cache unbounded.
type MarkCache struct {
	lru *lru.LRU[uint32, *ftree.FCB]
}

// NewMarkCache builds a cache holding at most capacity mark-id mappings.
func NewMarkCache(capacity int) (*MarkCache, error) {
	l, err := lru.NewLRU[uint32, *ftree.FCB](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("offload: building mark cache: %w", err)
	}
	return &MarkCache{lru: l}, nil
}

func (c *MarkCache) Put(markID uint32, fcb *ftree.FCB) { c.lru.Add(markID, fcb) }

func (c *MarkCache) Get(markID uint32) (*ftree.FCB, bool) { return c.lru.Get(markID) }

func (c *MarkCache) Remove(markID uint32) { c.lru.Remove(markID) }
