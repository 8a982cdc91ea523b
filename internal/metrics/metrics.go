// Package metrics exports the runtime counters and gauges that the core
// uses to surface the error kinds of spec §7 that must never propagate
// through the hot path (capacity escalation, cache collision, early-drop,
// reaper eviction, rewriter eviction, parse-time overlap warnings).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "build_payload_conflicts_total",
		Help:      "Fatal payload conflicts detected while merging FCBs during build.",
	})

	OverlapWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "build_overlap_warnings_total",
		Help:      "Overlapping rules without keep observed while combining trees.",
	})

	CapacityEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "optimiser_capacity_escalations_total",
		Help:      "Times a child container was escalated to a wider hash class or array.",
	}, []string{"from", "to"})

	CacheCollisions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "aggcache_collisions_total",
		Help:      "Aggregate hash collisions that forced a tree walk instead of a cache hit.",
	})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "aggcache_hits_total",
		Help:      "Aggregate cache hits that skipped the tree walk.",
	})

	EarlyDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "runtime_early_drops_total",
		Help:      "Packets killed because their FCB carries the early-drop flag.",
	})

	ReaperEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "reaper_evictions_total",
		Help:      "FCBs released by the timeout reaper.",
	})

	RewriterEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "rewriter_evictions_total",
		Help:      "Flows evicted from the rewriter table to make room for a new one.",
	}, []string{"heap"})

	BuilderRingFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowcore",
		Name:      "dispatch_builder_ring_flushes_total",
		Help:      "Forced sub-batch emissions because the builder ring (size 16) was full.",
	})
)

func init() {
	prometheus.MustRegister(
		Conflicts,
		OverlapWarnings,
		CapacityEscalations,
		CacheCollisions,
		CacheHits,
		EarlyDrops,
		ReaperEvictions,
		RewriterEvictions,
		BuilderRingFlushes,
	)
}
