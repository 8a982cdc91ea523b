package level

import "fmt"

// Thread reads the current CPU index. Unlike Aggregate, its key space is
// finite and enumerable (0..MaxCPUs-1), which is what lets the optimiser
// splice it in as an Array container instead of a hash (§4.3 rule 2/3,
// design note "per-thread fan-out").
type Thread struct {
	MaxCPUs int
}

func (t Thread) Key(ctx EvalCtx) uint64 { return uint64(ctx.ThreadID) }
func (t Thread) Dynamic() bool          { return true }
func (t Thread) Useful() bool           { return t.MaxCPUs > 1 }

func (t Thread) Equal(other Level) bool {
	o, ok := other.(Thread)
	return ok && o.MaxCPUs == t.MaxCPUs
}

func (t Thread) PruneAgainst(other Level, _ uint64) (Level, bool) {
	if _, ok := other.(Thread); ok {
		return t, false
	}
	return t, t.Useful()
}

func (t Thread) KeySpace() (int, bool) { return t.MaxCPUs, true }

// ToDPDKFlow: a thread index has no packet-header representation, so it is
// never offloadable; the offload bridge stops at the first dynamic level
// anyway, which Thread always is.
func (t Thread) ToDPDKFlow(uint64, int, int) (int, int, DPDKFlowItem, bool) {
	return 0, 0, DPDKFlowItem{}, false
}

func (t Thread) String() string { return fmt.Sprintf("thread[0..%d)", t.MaxCPUs) }
