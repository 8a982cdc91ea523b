// Package level implements Flow Levels (§3, component A): pure functions
// extracting a classification key from a packet or from a runtime property,
// plus the metadata the tree algebra needs (dynamic?, useful?, equality,
// mask pruning).
package level

import "github.com/flowcore/fct/packet"

// EvalCtx carries everything a Level.Key needs beyond the packet bytes
// themselves: the current CPU, for the Thread level (§3 "a runtime
// property... thread ID").
type EvalCtx struct {
	Packet   packet.Packet
	ThreadID int
}

// Level is a pure function key(packet) -> uint64 with metadata.
type Level interface {
	// Key extracts the classification value for this level.
	Key(ctx EvalCtx) uint64

	// Dynamic reports whether this level's values are learned at runtime
	// rather than enumerated up front.
	Dynamic() bool

	// Useful reports whether this level still contributes bits to
	// discrimination (a level whose mask/key-space collapsed to nothing
	// after pruning is no longer useful and should be collapsed away).
	Useful() bool

	// Equal reports whether other extracts from the same place in the same
	// way, so that two nodes using it can be merged as one level.
	Equal(other Level) bool

	// PruneAgainst narrows this level given the fact that, somewhere above
	// it in the final tree, other.Key(...) == data is now known. It returns
	// the (possibly unchanged) narrowed level and whether it is still
	// useful afterward.
	PruneAgainst(other Level, data uint64) (narrowed Level, stillUseful bool)

	// KeySpace reports the number of distinct values this level can
	// produce and whether that count is exact (finite and enumerable,
	// e.g. Thread: 0..maxCPUs-1). The optimiser uses this to prefer an
	// array container over a hash when the space is small and dense.
	KeySpace() (size int, finite bool)

	// ToDPDKFlow converts one edge of this level (value data, reached at
	// byte offset, continuing from lastLayer) into a hardware match item
	// for the NIC offload bridge (§6: "a level-specific to_dpdk_flow(data,
	// last_layer, offset) -> (new_layer, new_offset, item)"). ok is false
	// for a level with no fixed-offset hardware representation; the
	// offload bridge already refuses to walk past a Dynamic level, so in
	// practice this only ever returns true for a static Generic level.
	ToDPDKFlow(data uint64, lastLayer, offset int) (newLayer, newOffset int, item DPDKFlowItem, ok bool)

	String() string
}

// DPDKFlowItem is one rte_flow-style hardware pattern item: a fixed-size
// offset/mask/value match plus the protocol layer it belongs to, used to
// build up the AND-chain of items an offloaded rule requires (§6).
type DPDKFlowItem struct {
	Layer  int
	Offset int
	Size   int
	Mask   uint64
	Value  uint64
}

// Equal reports structural equality between two Level values, treating a
// nil level as never equal to anything (used by node comparisons).
func Equal(a, b Level) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}
