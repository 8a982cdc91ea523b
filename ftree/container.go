package ftree

import (
	"fmt"

	"github.com/flowcore/fct/internal/metrics"
)

// Variant tags the polymorphic child container a Node uses, per spec
// §3/§4.3: dummy (0 children), two-case (1 child+default), three-case
// (2+default), hash<L> (open-addressed, capacity class L), or array
// (indexed directly by key, for small dense key spaces like Thread).
type Variant int

const (
	VariantEmpty Variant = iota
	VariantSingle
	VariantPair
	VariantHash
	VariantArray
)

func (v Variant) String() string {
	switch v {
	case VariantEmpty:
		return "empty"
	case VariantSingle:
		return "two-case"
	case VariantPair:
		return "three-case"
	case VariantHash:
		return "hash"
	case VariantArray:
		return "array"
	default:
		return "unknown"
	}
}

// baseHashCapacity is capacity class 0's bucket count; each escalation
// doubles it (spec §4.3 rule 3, §7 kind 4).
const baseHashCapacity = 4

// Children is the indexed-map-plus-default-edge abstraction shared by all
// five container variants (design note "polymorphic child container").
type Children struct {
	variant Variant

	// single/pair store their (at most two) children inline.
	d0, d1     uint64
	np0, np1   NP
	have0      bool
	have1      bool

	// hash<L>: open-addressed table, capacity class tracked for escalation.
	table     map[uint64]NP
	hashClass int

	// array: dense, indexed directly by key; used when the level's key
	// space is finite and small (e.g. Thread).
	arr []NP
}

// NewChildren returns an empty container (VariantEmpty).
func NewChildren() *Children { return &Children{variant: VariantEmpty} }

func (c *Children) Variant() Variant { return c.variant }

// Len returns the number of non-null children, checked against getNum() in
// debug builds (invariant P1).
func (c *Children) Len() int {
	switch c.variant {
	case VariantEmpty:
		return 0
	case VariantSingle:
		n := 0
		if c.have0 {
			n++
		}
		return n
	case VariantPair:
		n := 0
		if c.have0 {
			n++
		}
		if c.have1 {
			n++
		}
		return n
	case VariantHash:
		return len(c.table)
	case VariantArray:
		n := 0
		for _, np := range c.arr {
			if !np.IsNull() {
				n++
			}
		}
		return n
	}
	return 0
}

// Get looks up the child NP stored at data.
func (c *Children) Get(data uint64) (NP, bool) {
	switch c.variant {
	case VariantEmpty:
		return NP{}, false
	case VariantSingle:
		if c.have0 && c.d0 == data {
			return c.np0, true
		}
		return NP{}, false
	case VariantPair:
		if c.have0 && c.d0 == data {
			return c.np0, true
		}
		if c.have1 && c.d1 == data {
			return c.np1, true
		}
		return NP{}, false
	case VariantHash:
		np, ok := c.table[data]
		return np, ok
	case VariantArray:
		if data >= uint64(len(c.arr)) {
			return NP{}, false
		}
		np := c.arr[data]
		return np, !np.IsNull()
	}
	return NP{}, false
}

// Set inserts or replaces the child at data, growing the container's
// variant if necessary. No two child edges in one node may share data
// (invariant); Set enforces this by replacing in place when data already
// exists.
func (c *Children) Set(data uint64, np NP) {
	switch c.variant {
	case VariantEmpty:
		c.variant = VariantSingle
		c.d0, c.np0, c.have0 = data, np, true
	case VariantSingle:
		if c.have0 && c.d0 == data {
			c.np0 = np
			return
		}
		c.variant = VariantPair
		c.d1, c.np1, c.have1 = data, np, true
	case VariantPair:
		switch {
		case c.have0 && c.d0 == data:
			c.np0 = np
		case c.have1 && c.d1 == data:
			c.np1 = np
		default:
			c.promoteToHash()
			c.table[data] = np
			c.maybeEscalateHash()
		}
	case VariantHash:
		c.table[data] = np
		c.maybeEscalateHash()
	case VariantArray:
		if data >= uint64(len(c.arr)) {
			grown := make([]NP, data+1)
			copy(grown, c.arr)
			c.arr = grown
		}
		c.arr[data] = np
	}
}

// Delete removes the child at data, if present (§4.5 "release_child").
func (c *Children) Delete(data uint64) {
	switch c.variant {
	case VariantSingle:
		if c.have0 && c.d0 == data {
			c.have0 = false
			c.np0 = NP{}
		}
	case VariantPair:
		if c.have0 && c.d0 == data {
			c.have0 = false
			c.np0 = NP{}
		} else if c.have1 && c.d1 == data {
			c.have1 = false
			c.np1 = NP{}
		}
	case VariantHash:
		delete(c.table, data)
	case VariantArray:
		if data < uint64(len(c.arr)) {
			c.arr[data] = NP{}
		}
	}
}

// ForEach visits every non-null child. Stops early if fn returns false.
func (c *Children) ForEach(fn func(data uint64, np NP) bool) {
	switch c.variant {
	case VariantEmpty:
	case VariantSingle:
		if c.have0 && !fn(c.d0, c.np0) {
			return
		}
	case VariantPair:
		if c.have0 && !fn(c.d0, c.np0) {
			return
		}
		if c.have1 && !fn(c.d1, c.np1) {
			return
		}
	case VariantHash:
		for d, np := range c.table {
			if !fn(d, np) {
				return
			}
		}
	case VariantArray:
		for d, np := range c.arr {
			if !np.IsNull() && !fn(uint64(d), np) {
				return
			}
		}
	}
}

// HashClass reports the current capacity class of a hash<L> container
// (0 otherwise).
func (c *Children) HashClass() int { return c.hashClass }

func (c *Children) promoteToHash() {
	c.table = make(map[uint64]NP, baseHashCapacity)
	if c.have0 {
		c.table[c.d0] = c.np0
	}
	if c.have1 {
		c.table[c.d1] = c.np1
	}
	c.have0, c.have1 = false, false
	c.variant = VariantHash
}

// capacityFor returns the bucket budget of hash capacity class L.
func capacityFor(class int) int { return baseHashCapacity << class }

// maybeEscalateHash widens the hash class when the load factor exceeds the
// class's capacity, per spec §7 kind 4 "escalate to a wider container".
func (c *Children) maybeEscalateHash() {
	for len(c.table) > capacityFor(c.hashClass) {
		c.hashClass++
		metrics.CapacityEscalations.WithLabelValues(fmt.Sprintf("hash-%d", c.hashClass-1), fmt.Sprintf("hash-%d", c.hashClass)).Inc()
	}
}

// SetMinHashClass widens a hash<L> container up to at least class,
// regardless of current load factor. Used to honour an explicit rule-text
// ":HASH-n" hint (§4.1), which pins a minimum capacity even when the
// node's current child count would not otherwise call for it.
func (c *Children) SetMinHashClass(class int) {
	if c.variant != VariantHash {
		return
	}
	if c.hashClass < class {
		c.hashClass = class
	}
}

// ForceVariant rebuilds the container under a chosen variant, used by the
// optimiser once the final child count and key space are known (§4.3
// rule 3). It requires the container currently holds at most `variant`'s
// capacity of children (or is being escalated into hash/array, which have
// none); the caller computes eligibility first.
func (c *Children) ForceVariant(v Variant, arraySize int) {
	existing := make(map[uint64]NP)
	c.ForEach(func(d uint64, np NP) bool {
		existing[d] = np
		return true
	})
	*c = Children{variant: v}
	switch v {
	case VariantArray:
		c.arr = make([]NP, arraySize)
		for d, np := range existing {
			if d < uint64(arraySize) {
				c.arr[d] = np
			}
		}
	case VariantHash:
		c.table = make(map[uint64]NP, baseHashCapacity)
		for d, np := range existing {
			c.table[d] = np
		}
		c.maybeEscalateHash()
	default:
		for d, np := range existing {
			c.Set(d, np)
		}
	}
}
