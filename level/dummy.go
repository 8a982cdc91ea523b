package level

// Dummy is a constant-key level that exists only to carry a default edge
// (e.g. a rule with no classes, or a level collapsed by the optimiser once
// its mask became empty).
type Dummy struct{}

func (Dummy) Key(EvalCtx) uint64 { return 0 }
func (Dummy) Dynamic() bool      { return false }
func (Dummy) Useful() bool       { return false }

func (Dummy) Equal(other Level) bool {
	_, ok := other.(Dummy)
	return ok
}

func (d Dummy) PruneAgainst(Level, uint64) (Level, bool) { return d, false }
func (Dummy) KeySpace() (int, bool) { return 1, true }

// ToDPDKFlow: a constant-key placeholder carries no packet match; never
// offloadable.
func (Dummy) ToDPDKFlow(uint64, int, int) (int, int, DPDKFlowItem, bool) {
	return 0, 0, DPDKFlowItem{}, false
}

func (Dummy) String() string { return "dummy" }

// IsDummy reports whether l is the Dummy level.
func IsDummy(l Level) bool {
	_, ok := l.(Dummy)
	return ok
}
