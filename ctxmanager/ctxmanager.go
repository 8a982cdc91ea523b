// Package ctxmanager implements the Context Manager of spec §4.5,
// grounded on fastclick's CTXManager (elements/ctx/ctxmanager.{hh,cc}): it
// owns the built classification tree, dispatches each batch's packets
// through it (optionally consulting the aggregate cache first), and runs
// a periodic reaper that releases timed-out FCBs back up the tree. The
// reaper's scheduling follows the teacher's gocron-based task manager
// (taskManager.Start registering periodic jobs on one shared scheduler).
package ctxmanager

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-co-op/gocron/v2"

	"github.com/flowcore/fct/aggcache"
	"github.com/flowcore/fct/fcbpool"
	"github.com/flowcore/fct/internal/logging"
	"github.com/flowcore/fct/internal/metrics"
	"github.com/flowcore/fct/level"
	"github.com/flowcore/fct/optimiser"
	"github.com/flowcore/fct/packet"
	"github.com/flowcore/fct/ruleparser"
	"github.com/flowcore/fct/ftree"
)

// DispatchMode selects how a batch is walked: Simple classifies every
// packet independently; Builder groups consecutive packets reaching the
// same FCB into sub-batches before handing them downstream, amortising
// per-packet dispatch cost at the price of a bounded reorder buffer
// (spec §9, BUILDER_RING_SIZE fixed to 16).
type DispatchMode int

const (
	Simple DispatchMode = iota
	Builder
)

// BuilderRingSize is fixed per spec §9's design notes; unlike CacheSize or
// RingSize it is never read from configuration.
const BuilderRingSize = 16

// Manager owns one built classification tree and dispatches packets
// through it for one NUMA-local set of threads.
type Manager struct {
	root      ftree.NP
	threads   int
	pools     *fcbpool.MultiPool
	cache     *aggcache.Cache
	mode      DispatchMode
	scheduler gocron.Scheduler

	reaperThreshold time.Duration
}

// Build parses rules, combines them into a single tree, and optimises it
// for nthreads CPUs, following the build-time sequence of CTXManager's
// configure(): parse every rule, combine left-to-right, then optimise once
// at the end (§4.5 "build").
func Build(rules []string, origin string, nthreads, payloadSize, cacheSize, ringSize int, aggTrust bool) (*Manager, error) {
	parsed, err := ruleparser.ParseRules(rules, origin)
	if err != nil {
		return nil, fmt.Errorf("ctxmanager: build: %w", err)
	}

	var root ftree.NP
	for i, r := range parsed {
		tagOutputOnLeaves(r.Root, r.Output)
		var mergeErr error
		root, mergeErr = ftree.Combine(root, r.Root, false, i == 0, true, origin, fmt.Sprintf("%s[%d]", origin, i))
		if mergeErr != nil {
			return nil, fmt.Errorf("ctxmanager: combining rule %d: %w", i, mergeErr)
		}
	}
	if err := ftree.CheckInvariants(root); err != nil {
		return nil, fmt.Errorf("ctxmanager: built tree failed invariant check: %w", err)
	}

	root = optimiser.Optimise(root, nthreads)
	root = optimiser.DedupLeaves(root, leafHash)

	m := &Manager{
		root:            root,
		threads:         nthreads,
		pools:           fcbpool.NewMulti(nthreads, payloadSize),
		cache:           aggcache.New(cacheSize, ringSize, aggTrust),
		mode:            Simple,
		reaperThreshold: 30 * time.Second,
	}
	m.root = m.poolify(m.root, 0, make(map[*ftree.FCB]*ftree.FCB))
	return m, nil
}

// leafHash hashes a leaf's build-time payload+mask for DedupLeaves (P6),
// grounded on the pack's cespare/xxhash usage elsewhere in the domain stack.
func leafHash(payload, mask []byte) uint64 {
	h := xxhash.New()
	h.Write(payload)
	h.Write(mask)
	return h.Sum64()
}

// poolify walks the built, optimised, deduplicated tree and swaps every
// build-time FCB (double-sized payload+mask, individually allocated) for a
// pool-allocated runtime one sized to the configured payload, matching
// spec §4.5's "rewrites leaves to pool-allocated FCBs" build step. Leaves
// still shared by more than one parent after dedup are converted once and
// the same runtime FCB reused at every sharing site. poolHint threads the
// owning CPU down through any thread-fanned subtree (§4.3 rule 2) so each
// core's static leaves come from its own pool.
func (m *Manager) poolify(np ftree.NP, poolHint int, converted map[*ftree.FCB]*ftree.FCB) ftree.NP {
	if np.IsNull() {
		return np
	}
	if np.IsLeaf() {
		build := np.Leaf
		if runtime, ok := converted[build]; ok {
			return ftree.LeafNP(runtime, np.Data)
		}
		runtime := m.pools.For(poolHint).Allocate()
		runtime.NodeData = build.NodeData
		runtime.Flags = build.Flags
		runtime.UseCount = build.UseCount
		runtime.Release = build.Release
		copy(runtime.Payload, build.Payload)
		converted[build] = runtime
		return ftree.LeafNP(runtime, np.Data)
	}

	n := np.Node
	hint := poolHint
	if n.Threads != nil && n.Threads.Count() == 1 {
		n.Threads.Each(func(id int) { hint = id })
	}
	n.Children.ForEach(func(d uint64, child ftree.NP) bool {
		replaced := m.poolify(child, hint, converted)
		replaced.Data = d
		replaced.SetParent(n)
		n.Children.Set(d, replaced)
		return true
	})
	if !n.Default.IsNull() {
		replaced := m.poolify(n.Default, hint, converted)
		replaced.SetParent(n)
		n.Default = replaced
	}
	return np
}

// tagOutputOnLeaves walks every leaf under root, writing output into the
// leaf's reserved output byte (payload index 0, masked in), used so a rule
// with a multi-level class chain still carries its numeric output at every
// terminal FCB it produces. A negative output (drop) also sets the leaf's
// early-drop flag.
func tagOutputOnLeaves(np ftree.NP, output int) {
	if np.IsLeaf() {
		np.Leaf.Payload[0] = byte(output)
		np.Leaf.Mask[0] = 0xFF
		if output < 0 {
			np.Leaf.Flags |= ftree.FlagEarlyDrop
		}
		return
	}
	if !np.IsNode() {
		return
	}
	np.Node.Children.ForEach(func(_ uint64, child ftree.NP) bool {
		tagOutputOnLeaves(child, output)
		return true
	})
	if !np.Node.Default.IsNull() {
		tagOutputOnLeaves(np.Node.Default, output)
	}
}

// SetMode switches between Simple and Builder dispatch.
func (m *Manager) SetMode(mode DispatchMode) { m.mode = mode }

// Classify resolves one packet's FCB, consulting the aggregate cache first
// when the packet carries a non-zero aggregate annotation (spec §9: a zero
// aggregate bypasses the cache).
func (m *Manager) Classify(threadID int, p packet.Packet) *ftree.FCB {
	ctx := level.EvalCtx{Packet: p, ThreadID: threadID}
	agg := p.Annotations().Aggregate
	if agg != 0 {
		if fcb, ok := m.cache.Get(agg, reverseMatch(ctx)); ok {
			if fcb.EarlyDrop() {
				metrics.EarlyDrops.Inc()
				return nil
			}
			return fcb
		}
	}

	fcb := ftree.Classify(m.root, ctx)
	if fcb == nil {
		return nil
	}
	if fcb.EarlyDrop() {
		metrics.EarlyDrops.Inc()
		return nil
	}
	fcb.LastSeen = time.Now().UnixMilli()
	if agg != 0 {
		m.cache.Put(agg, fcb)
	}
	return fcb
}

// reverseMatch builds the aggregate cache's VerifyFunc: instead of
// re-running the full tree walk, it retraces fcb's own ancestry from
// Parent up to the root, confirming at every node that the edge ctx selects
// (a keyed child or the default) is still the one on that path. AGGTRUST (cache.aggTrust) is the only
// thing allowed to skip this (spec §9, "keep AGGTRUST off by default");
// without it a reused aggregate id (§4.5 step 4) that now resolves
// elsewhere in the tree is caught here instead of returning a stale FCB.
func reverseMatch(ctx level.EvalCtx) aggcache.VerifyFunc {
	return func(_ uint32, fcb *ftree.FCB) bool {
		want := ftree.LeafNP(fcb, 0)
		node := fcb.Parent
		for node != nil {
			got := node.Find(node.Level.Key(ctx))
			if got.Leaf != want.Leaf || got.Node != want.Node {
				return false
			}
			want = ftree.NodeNP(node, 0)
			node = node.Parent
		}
		return true
	}
}

// ClassifyBatch dispatches an entire batch. Both modes return one
// sub-batch per FCB, each in input order; Builder mode additionally
// buffers runs of consecutive same-FCB packets before appending them.
func (m *Manager) ClassifyBatch(threadID int, batch *packet.Batch) map[*ftree.FCB]*packet.Batch {
	out := make(map[*ftree.FCB]*packet.Batch)
	if m.mode == Simple {
		batch.Each(func(p packet.Packet) {
			fcb := m.Classify(threadID, p)
			if fcb == nil {
				return
			}
			sub := out[fcb]
			if sub == nil {
				sub = &packet.Batch{}
				out[fcb] = sub
			}
			sub.Append(p)
		})
		return out
	}
	return m.classifyBuilder(threadID, batch)
}

// classifyBuilder implements the Builder dispatch mode: consecutive
// packets destined for the same FCB accumulate in a fixed-size ring
// before being flushed as one sub-batch, matching the teacher-style fixed
// resource budget (BuilderRingSize, never tunable) rather than growing
// unboundedly.
func (m *Manager) classifyBuilder(threadID int, batch *packet.Batch) map[*ftree.FCB]*packet.Batch {
	out := make(map[*ftree.FCB]*packet.Batch)
	var ringFCB *ftree.FCB
	ring := make([]packet.Packet, 0, BuilderRingSize)

	flush := func() {
		if ringFCB == nil || len(ring) == 0 {
			return
		}
		sub := out[ringFCB]
		if sub == nil {
			sub = &packet.Batch{}
			out[ringFCB] = sub
		}
		for _, p := range ring {
			sub.Append(p)
		}
		ring = ring[:0]
	}

	batch.Each(func(p packet.Packet) {
		fcb := m.Classify(threadID, p)
		if fcb == nil {
			return
		}
		if fcb != ringFCB || len(ring) >= BuilderRingSize {
			flush()
			ringFCB = fcb
		}
		ring = append(ring, p)
		if len(ring) >= BuilderRingSize {
			metrics.BuilderRingFlushes.Inc()
			flush()
		}
	})
	flush()
	return out
}

// StartReaper registers a periodic job on a shared gocron scheduler that
// walks the tree releasing any FCB whose TimeoutMillis has elapsed since
// LastSeen, in the manner of the teacher's taskManager registering one
// job per maintenance concern on a single scheduler instance. The job runs
// at the reaperThreshold current when StartReaper is called; later changes
// reapOnce makes to reaperThreshold do not alter the registered interval.
func (m *Manager) StartReaper() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("ctxmanager: creating reaper scheduler: %w", err)
	}
	m.scheduler = s

	_, err = s.NewJob(
		gocron.DurationJob(m.reaperThreshold),
		gocron.NewTask(m.reapOnce),
	)
	if err != nil {
		return fmt.Errorf("ctxmanager: registering reaper job: %w", err)
	}
	s.Start()
	return nil
}

func (m *Manager) StopReaper() {
	if m.scheduler != nil {
		_ = m.scheduler.Shutdown()
	}
}

// reapOnce releases every leaf whose timeout has elapsed, then recomputes
// reaperThreshold: 5s when more than 8 FCBs expired, otherwise one second
// longer (up to 30s) after a run that released none. The running job's
// interval is not updated from it.
func (m *Manager) reapOnce() {
	now := time.Now().UnixMilli()
	released := releaseExpired(m.root, now, m.cache)
	if released > 8 {
		m.reaperThreshold = 5 * time.Second
	} else if released == 0 && m.reaperThreshold < 30*time.Second {
		m.reaperThreshold += time.Second
	}
	if released > 0 {
		logging.Debugf("ctxmanager: reaper released %d FCBs", released)
	}
	metrics.ReaperEvictions.Add(float64(released))
}

// releaseExpired walks np releasing timed-out leaves (§4.5
// "release-up-the-tree"): a released leaf's edge in its parent is cleared.
// Nothing propagates further up: a parent left with no children stays in
// the tree.
func releaseExpired(np ftree.NP, nowMillis int64, cache *aggcache.Cache) int {
	if np.IsNull() {
		return 0
	}
	if np.IsLeaf() {
		f := np.Leaf
		if f.TimeoutMillis() == 0 {
			return 0
		}
		if nowMillis-f.LastSeen < f.TimeoutMillis() {
			return 0
		}
		if f.ReleaseUse() {
			cache.RemoveFCB(f)
			if f.Release != nil {
				f.Release(f)
			}
			releaseFromParent(f.Parent, f)
			return 1
		}
		return 0
	}
	n := np.Node
	count := 0
	n.Children.ForEach(func(_ uint64, child ftree.NP) bool {
		count += releaseExpired(child, nowMillis, cache)
		return true
	})
	if !n.Default.IsNull() {
		count += releaseExpired(n.Default, nowMillis, cache)
	}
	return count
}

// releaseFromParent detaches a released leaf's edge from its parent: the
// child edge keyed by f.NodeData when that edge holds f, otherwise the
// default edge when it holds f. No node is removed from the tree.
func releaseFromParent(parent *ftree.Node, f *ftree.FCB) {
	if parent == nil {
		return
	}
	if child, ok := parent.Children.Get(f.NodeData); ok && child.Leaf == f {
		parent.ReleaseChild(f.NodeData)
	} else if parent.Default.Leaf == f {
		parent.Default = ftree.NP{}
	}
}
