package level

// Aggregate reads the packet's 32-bit aggregate annotation. It is always
// dynamic: the set of aggregate values in flight is never enumerated ahead
// of time. A zero aggregate is a valid tree key here (the "bypass the
// cache" sentinel of §9 applies only to the aggregate *cache*, not to
// classification by this level).
type Aggregate struct{}

func (Aggregate) Key(ctx EvalCtx) uint64 {
	return uint64(ctx.Packet.Annotations().Aggregate)
}

func (Aggregate) Dynamic() bool { return true }
func (Aggregate) Useful() bool  { return true }

func (Aggregate) Equal(other Level) bool {
	_, ok := other.(Aggregate)
	return ok
}

// PruneAgainst: once an ancestor has already pinned the aggregate value,
// a nested Aggregate level adds no further discrimination.
func (a Aggregate) PruneAgainst(other Level, _ uint64) (Level, bool) {
	if _, ok := other.(Aggregate); ok {
		return a, false
	}
	return a, true
}

func (Aggregate) KeySpace() (int, bool) { return 0, false }

// ToDPDKFlow: a learned flow id has no static header offset to match on;
// never offloadable.
func (Aggregate) ToDPDKFlow(uint64, int, int) (int, int, DPDKFlowItem, bool) {
	return 0, 0, DPDKFlowItem{}, false
}

func (Aggregate) String() string { return "agg" }
