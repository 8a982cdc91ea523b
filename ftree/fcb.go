// Package ftree implements the Flow Classification Tree: the node/leaf
// algebra of spec §3–§4 (components A–D). A tree is addressed through its
// root NP (Node Pointer), a tagged union of {leaf FCB, child Node, null}.
package ftree

import (
	"fmt"

	"github.com/flowcore/fct/internal/metrics"
)

// Flags are the low bits of an FCB's flag word. The timeout, in
// milliseconds, is packed into the remaining high bits (flags >>
// TimeoutShift), exactly as spec §5 describes.
type Flags uint32

const (
	FlagEarlyDrop Flags = 1 << iota
	FlagTimeoutInList
)

// TimeoutShift is the bit offset separating flag bits from the packed
// per-FCB timeout value, in milliseconds.
const TimeoutShift = 4

// FCB is a Flow Control Block: the leaf data structure owned by one
// classification path (§3). During build, Mask is non-nil and Payload is
// double-sized; after ctxmanager's poolify pass swaps build-time FCBs for
// pool-allocated runtime ones, Mask is nil and Payload is exactly the
// reserved size.
type FCB struct {
	NodeData uint64 // the key value that led to this leaf
	Parent   *Node  // the node that last stored this leaf; a leaf shared by several parents (post dedup) keeps only the last one

	Payload []byte // opaque, carved up by cooperating elements
	Mask    []byte // shadow byte mask, build-time only; nil at runtime

	Flags    Flags
	UseCount int32
	LastSeen int64 // ms since the recent-steady clock, set once per batch

	Next    *FCB       // intrusive singly linked timeout-list pointer
	Release func(*FCB) // optional release callback
	Pool    any        // opaque handle back to the owning fcbpool.Pool
}

// NewBuildFCB allocates a build-time FCB with payload+mask of the given
// reserved size, both initially zero (meaning "unassigned").
func NewBuildFCB(size int) *FCB {
	return &FCB{
		Payload: make([]byte, size),
		Mask:    make([]byte, size),
	}
}

// EarlyDrop reports whether this leaf is flagged to silently kill packets
// (spec §7 kind 6).
func (f *FCB) EarlyDrop() bool { return f.Flags&FlagEarlyDrop != 0 }

// TimeoutMillis returns the packed per-FCB timeout, 0 meaning "no timeout".
func (f *FCB) TimeoutMillis() int64 { return int64(f.Flags >> TimeoutShift) }

// SetTimeoutMillis packs ms into the flag word above TimeoutShift, keeping
// the low flag bits intact.
func (f *FCB) SetTimeoutMillis(ms int64) {
	f.Flags = (f.Flags & (1<<TimeoutShift - 1)) | Flags(ms<<TimeoutShift)
}

// Acquire bumps the use-count by n (n may be negative).
func (f *FCB) Acquire(n int32) { f.UseCount += n }

// ReleaseUse decrements the use-count by one and reports whether it reached
// zero (the caller should then run Release, if any, and return the FCB to
// its pool).
func (f *FCB) ReleaseUse() bool {
	f.UseCount--
	return f.UseCount <= 0
}

// Duplicate returns a structural copy of f with its own payload/mask
// buffers and the given initial use-count, used by the tree algebra's
// duplicate-leaf paths.
func (f *FCB) Duplicate(useCount int32) *FCB {
	nf := &FCB{
		NodeData: f.NodeData,
		Flags:    f.Flags,
		UseCount: useCount,
		Release:  f.Release,
	}
	if f.Payload != nil {
		nf.Payload = append([]byte(nil), f.Payload...)
	}
	if f.Mask != nil {
		nf.Mask = append([]byte(nil), f.Mask...)
	}
	return nf
}

// MergePayload applies the Payload Conflict Rule (§3 invariants) merging
// b's assigned bytes into a in place. Byte i is taken from whichever side
// has it masked in; if both sides assigned it, the bytes must already be
// equal or the merge is a fatal configuration error naming both origins.
func MergePayload(a, b *FCB, originA, originB string) error {
	if len(a.Payload) != len(b.Payload) {
		return fmt.Errorf("ftree: payload size mismatch merging %q into %q: %d != %d", originB, originA, len(b.Payload), len(a.Payload))
	}
	for i := range a.Payload {
		aSet := a.Mask != nil && a.Mask[i] != 0
		bSet := b.Mask != nil && b.Mask[i] != 0
		switch {
		case !aSet && bSet:
			a.Payload[i] = b.Payload[i]
			a.Mask[i] = b.Mask[i]
		case aSet && !bSet:
			// keep a as-is
		case aSet && bSet:
			if a.Payload[i] != b.Payload[i] {
				metrics.Conflicts.Inc()
				return &ConflictError{ByteIndex: i, OriginA: originA, OriginB: originB}
			}
		default:
			// neither side has assigned this byte; nothing to do
		}
	}
	return nil
}

// ConflictError is spec §7 error kind 2: two producing elements assigned
// contradictory payload to the same flow.
type ConflictError struct {
	ByteIndex int
	OriginA   string
	OriginB   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ftree: payload conflict at byte %d between %q and %q", e.ByteIndex, e.OriginA, e.OriginB)
}
