// Package rewriter implements the per-core Rewriter Flow Table of spec
// §4.7, grounded on fastclick's IPRewriterBase (elements/ip/iprewriterbase.{hh,cc}):
// each CPU owns its own flow map plus two expiry heaps, best-effort and
// guaranteed, so a flow with an explicit lifetime never gets pushed out
// early by ordinary timeout churn. Migration support (GetEntry fetching an
// unknown flow from a neighbouring core's table right after a topology
// change) follows the original's THREAD_MIGRATION_TIMEOUT window.
package rewriter

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/flowcore/fct/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// HeapKind distinguishes the best-effort and guaranteed expiry heaps
// (IPRewriterHeap's h_best_effort/h_guarantee).
type HeapKind int

const (
	BestEffort HeapKind = iota
	Guaranteed
)

func (k HeapKind) String() string {
	if k == Guaranteed {
		return "guaranteed"
	}
	return "best_effort"
}

// DefaultThreadMigrationTimeout mirrors THREAD_MIGRATION_TIMEOUT: how long
// after a rebalance a core keeps fetching flows it doesn't own yet from its
// neighbours before assuming its table is authoritative again.
const DefaultThreadMigrationTimeout = 10000 * time.Millisecond

// Default best-effort/guarantee timeouts, mirroring IPRewriterBase's
// default_timeout (5 minutes) and default_guarantee (5 seconds): a
// guaranteed flow keeps its slot for at least guaranteeTimeout, after which
// ShiftHeapBestEffort demotes it into the best-effort heap with a fresh
// expiry computed from this pair.
const (
	DefaultBestEffortTimeout = 300 * time.Second
	DefaultGuaranteeTimeout  = 5 * time.Second
)

// FlowID is the 4-tuple key identifying a rewritten flow.
type FlowID struct {
	Src     [4]byte
	Dst     [4]byte
	SrcPort uint16
	DstPort uint16
}

// Flow is one tracked rewrite mapping: which heap it lives in, its expiry
// time, and an opaque Payload the owning element attaches (the rewritten
// addresses/ports, NAT state, or similar).
type Flow struct {
	ID      FlowID
	Kind    HeapKind
	Expiry  int64 // unix millis
	index   int   // heap.Interface bookkeeping
	Payload any
}

// flowHeap is a container/heap.Interface min-heap ordered by Expiry,
// matching IPRewriterHeap's Vector<IPRewriterFlow*> kept heap-ordered by
// click_jiffies_t expiry.
type flowHeap []*Flow

func (h flowHeap) Len() int            { return len(h) }
func (h flowHeap) Less(i, j int) bool  { return h[i].Expiry < h[j].Expiry }
func (h flowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *flowHeap) Push(x any) {
	f := x.(*Flow)
	f.index = len(*h)
	*h = append(*h, f)
}
func (h *flowHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.index = -1
	*h = old[:n-1]
	return f
}

// ReplyInstaller is implemented by a flow table's reply-direction peer (the
// element on the other side of this flow's rewrite, normally a distinct
// Table for the return path) so add_flow can mirror the reply entry there
// too, per §4.7 "insert both directions... into both this table and the
// reply element's table."
type ReplyInstaller interface {
	InstallReply(id FlowID, f *Flow)
	RemoveReply(id FlowID)
}

// Table is one CPU's flow map plus its two expiry heaps. Capacity is the
// map/heap size ceiling (IPRewriterHeap::_capacity); exceeding it forces an
// eviction from the best-effort heap before the new flow is admitted.
// byID holds two keys per live flow (forward and reverseID(forward)), both
// pointing at the same *Flow; only the forward key's flow is ever pushed
// onto a heap, so Size and capacity accounting use the heaps, not len(byID).
type Table struct {
	mu       sync.Mutex
	byID     map[FlowID]*Flow
	replyOf  map[FlowID]FlowID // forward id -> reply id, for this table's own inserts
	heaps    [2]flowHeap
	capacity int

	bestEffortTimeout time.Duration
	guaranteeTimeout  time.Duration

	peer ReplyInstaller

	threadID     int
	rebalanced   bool  // set once MarkRebalanced has run
	rebalancedAt int64 // unix millis of the last topology change
	migrationFor time.Duration
	neighbours   []*Table
}

// NewTable returns an empty table for one CPU with the given flow capacity.
func NewTable(threadID, capacity int) *Table {
	t := &Table{
		byID:              make(map[FlowID]*Flow),
		replyOf:           make(map[FlowID]FlowID),
		capacity:          capacity,
		threadID:          threadID,
		migrationFor:      DefaultThreadMigrationTimeout,
		bestEffortTimeout: DefaultBestEffortTimeout,
		guaranteeTimeout:  DefaultGuaranteeTimeout,
	}
	heap.Init(&t.heaps[BestEffort])
	heap.Init(&t.heaps[Guaranteed])
	return t
}

// reverseID swaps source and destination, turning a forward flow key into
// its reply-direction counterpart (IPRewriterBase's entry(true) vs.
// entry(false)).
func reverseID(id FlowID) FlowID {
	return FlowID{Src: id.Dst, Dst: id.Src, SrcPort: id.DstPort, DstPort: id.SrcPort}
}

// ReverseFlowID exports reverseID for callers (and tests) that need to look
// up a flow's reply-direction key directly.
func ReverseFlowID(id FlowID) FlowID { return reverseID(id) }

// SetReplyPeer wires t's reply direction to peer's table, so every flow
// AddFlow admits here is also mirrored into peer (§4.7 "the reply element's
// table").
func (t *Table) SetReplyPeer(peer ReplyInstaller) {
	t.mu.Lock()
	t.peer = peer
	t.mu.Unlock()
}

// SetTimeouts overrides the best-effort/guarantee timeout pair ShiftHeapBestEffort
// uses to recompute a demoted flow's expiry (by default DefaultBestEffortTimeout
// and DefaultGuaranteeTimeout).
func (t *Table) SetTimeouts(bestEffort, guarantee time.Duration) {
	t.mu.Lock()
	t.bestEffortTimeout, t.guaranteeTimeout = bestEffort, guarantee
	t.mu.Unlock()
}

// InstallReply lets t serve as another table's reply peer: a raw mirror
// entry with no heap membership and no capacity accounting, since the
// owning table already admitted f and is the one tracking its lifetime.
func (t *Table) InstallReply(id FlowID, f *Flow) {
	t.mu.Lock()
	t.byID[id] = f
	t.mu.Unlock()
}

// RemoveReply undoes InstallReply once the owning table releases f.
func (t *Table) RemoveReply(id FlowID) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

// SetNeighbours records the other per-core tables this one may borrow
// unknown flows from during a migration window.
func (t *Table) SetNeighbours(others []*Table) { t.neighbours = others }

// SetMigrationTimeout overrides THREAD_MIGRATION_TIMEOUT for this table
// (DefaultThreadMigrationTimeout unless set).
func (t *Table) SetMigrationTimeout(d time.Duration) { t.migrationFor = d }

// AddFlow admits flow into the table, matching shrink_heap_for_new_flow:
// first demote any guaranteed flow whose guarantee already lapsed, then if
// the table is still at capacity evict the soonest-to-expire best-effort
// flow, and if none exists reject the new flow itself (admission control).
// On success it inserts both directions (forward f.ID, reply
// reverseID(f.ID)) into this table and, if a peer is wired, into the peer's
// table too (§4.7 add_flow).
func (t *Table) AddFlow(f *Flow, nowMillis int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shiftHeapBestEffortLocked(nowMillis)
	if len(t.heaps[BestEffort])+len(t.heaps[Guaranteed]) >= t.capacity {
		if !t.evictOneLocked() {
			return false
		}
	}

	rid := reverseID(f.ID)
	t.byID[f.ID] = f
	t.byID[rid] = f
	t.replyOf[f.ID] = rid
	heap.Push(&t.heaps[f.Kind], f)

	if t.peer != nil {
		t.peer.InstallReply(rid, f)
	}
	return true
}

// removeLocked deletes both of f's keys (forward and reply) and tells the
// peer, if any, to drop its mirrored entry too (scenario 6: "its reply-side
// entry is also gone").
func (t *Table) removeLocked(f *Flow) {
	delete(t.byID, f.ID)
	if rid, ok := t.replyOf[f.ID]; ok {
		delete(t.byID, rid)
		delete(t.replyOf, f.ID)
		if t.peer != nil {
			t.peer.RemoveReply(rid)
		}
	}
}

// removeFromHeapLocked pulls f out of whichever heap it currently occupies
// (container/heap.Remove, using f's own bookkeeping index), used when a
// flow is relocated rather than released.
func (t *Table) removeFromHeapLocked(f *Flow) {
	h := &t.heaps[f.Kind]
	if f.index < 0 || f.index >= h.Len() || (*h)[f.index] != f {
		return
	}
	heap.Remove(h, f.index)
}

// evictOneLocked pops the soonest-to-expire best-effort flow to make room
// for a new admission; guaranteed flows are never evicted under pressure.
func (t *Table) evictOneLocked() bool {
	if len(t.heaps[BestEffort]) == 0 {
		return false
	}
	victim := heap.Pop(&t.heaps[BestEffort]).(*Flow)
	t.removeLocked(victim)
	metrics.RewriterEvictions.WithLabelValues(BestEffort.String()).Inc()
	return true
}

// GetEntry looks up id in this table, and if not found and the table is
// within its migration window, asks every neighbour in turn (search_migrate_entry).
func (t *Table) GetEntry(id FlowID, nowMillis int64) (*Flow, bool) {
	t.mu.Lock()
	f, ok := t.byID[id]
	migrating := t.rebalanced && nowMillis-t.rebalancedAt < t.migrationFor.Milliseconds()
	t.mu.Unlock()
	if ok {
		return f, true
	}
	if !migrating {
		return nil, false
	}
	for _, n := range t.neighbours {
		n.mu.Lock()
		nf, nok := n.byID[id]
		n.mu.Unlock()
		if nok {
			return nf, true
		}
	}
	return nil, false
}

// ShiftHeapBestEffort demotes every guaranteed flow whose guarantee has
// expired (Expiry <= nowMillis) into the best-effort heap, resetting its
// expiry via best_effort_expiry's delta (old expiry plus the best-effort
// timeout minus the guarantee timeout). Nothing is released here: P11 only
// requires the guarantee heap be clear of past-due entries once this
// returns, not that the flow itself expires.
func (t *Table) ShiftHeapBestEffort(nowMillis int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shiftHeapBestEffortLocked(nowMillis)
}

func (t *Table) shiftHeapBestEffortLocked(nowMillis int64) {
	h := &t.heaps[Guaranteed]
	for h.Len() > 0 && (*h)[0].Expiry <= nowMillis {
		f := heap.Pop(h).(*Flow)
		f.Expiry += t.bestEffortTimeout.Milliseconds() - t.guaranteeTimeout.Milliseconds()
		f.Kind = BestEffort
		heap.Push(&t.heaps[BestEffort], f)
	}
}

// SweepExpiredBestEffort pops every best-effort flow (including one just
// demoted by ShiftHeapBestEffort) whose Expiry has already passed as of
// nowMillis, returning them for release to the caller's reaper.
func (t *Table) SweepExpiredBestEffort(nowMillis int64) []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Flow
	h := &t.heaps[BestEffort]
	for h.Len() > 0 && (*h)[0].Expiry <= nowMillis {
		f := heap.Pop(h).(*Flow)
		t.removeLocked(f)
		expired = append(expired, f)
	}
	return expired
}

// MarkRebalanced records that this table just changed ownership (a thread
// count change reshuffled which core owns which flow), opening the
// migration window so GetEntry will consult neighbours for a while.
func (t *Table) MarkRebalanced(nowMillis int64) {
	t.mu.Lock()
	t.rebalanced = true
	t.rebalancedAt = nowMillis
	t.mu.Unlock()
}

// CopyPolicy selects how Migrate moves flow state between tables: pre-copy
// eagerly relocates every flow up front, post-copy leaves flows in place
// and relies on GetEntry's neighbour fallback during the migration window.
type CopyPolicy int

const (
	PreCopy CopyPolicy = iota
	PostCopy
)

// Migrate reshuffles flows across tables when the number of active threads
// changes. up reports whether threads were added; it is not consulted, and
// both directions redistribute entries by owner the same way (no table is
// closed). Under PostCopy, only the rebalance timestamp is set on every
// table, deferring the actual data movement to lazy neighbour lookups;
// under PreCopy, every table's flows whose destination owner changed are
// moved synchronously, fanned out one goroutine per source table, each
// moving its own flows into whichever target table owns them.
func Migrate(ctx context.Context, tables []*Table, up bool, policy CopyPolicy, nowMillis int64, owner func(FlowID) int) error {
	for _, t := range tables {
		t.SetNeighbours(otherTables(tables, t))
		t.MarkRebalanced(nowMillis)
	}
	if policy == PostCopy {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for _, src := range tables {
		src := src
		g.Go(func() error {
			src.mu.Lock()
			toMove := make([]*Flow, 0)
			// Iterate the heaps, not byID: byID holds two keys per flow
			// (forward and reply) after AddFlow's reply-mirroring, and
			// ranging it would queue the same *Flow twice.
			for _, h := range src.heaps {
				for _, f := range h {
					if owner(f.ID) != src.threadID {
						toMove = append(toMove, f)
					}
				}
			}
			src.mu.Unlock()
			for _, f := range toMove {
				dstID := owner(f.ID)
				if dstID < 0 || dstID >= len(tables) {
					continue
				}
				dst := tables[dstID]
				src.mu.Lock()
				src.removeFromHeapLocked(f)
				src.removeLocked(f)
				src.mu.Unlock()
				dst.AddFlow(f, nowMillis)
			}
			return nil
		})
	}
	return g.Wait()
}

func otherTables(all []*Table, self *Table) []*Table {
	out := make([]*Table, 0, len(all)-1)
	for _, t := range all {
		if t != self {
			out = append(out, t)
		}
	}
	return out
}

// Size reports the total number of live flows across both heaps
// (IPRewriterHeap::size). byID is not used here: it carries two keys per
// flow (forward and reply) once AddFlow's mirroring is in play, and a flow
// is only ever pushed onto one heap.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heaps[BestEffort]) + len(t.heaps[Guaranteed])
}
