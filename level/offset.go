package level

import "fmt"

// Generic is an offset/mask Flow Level reading 1, 2, 4, or 8 bytes from the
// packet at a fixed byte offset and masking them, per spec §3's "Generic
// offset/mask (8/16/32/64-bit)". It is dynamic when constructed with
// dynamic=true, which the rule parser does for a mask-only class (zero
// value, non-zero mask); such a node's children are not enumerated by the
// rule parser.
type Generic struct {
	Offset int
	Size   int // bytes: 1, 2, 4, or 8
	Mask   uint64
	IsDyn  bool
}

// NewGeneric builds an offset/mask level, validating the declared size.
func NewGeneric(offset, size int, mask uint64, dynamic bool) *Generic {
	switch size {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("level: invalid generic level size %d (want 1, 2, 4, or 8)", size))
	}
	return &Generic{Offset: offset, Size: size, Mask: mask, IsDyn: dynamic}
}

func (g *Generic) Key(ctx EvalCtx) uint64 {
	raw := ctx.Packet.At(g.Offset, g.Size)
	if raw == nil {
		return 0
	}
	var v uint64
	for _, b := range raw {
		v = (v << 8) | uint64(b)
	}
	return v & g.Mask
}

func (g *Generic) Dynamic() bool { return g.IsDyn }
func (g *Generic) Useful() bool  { return g.Mask != 0 }

func (g *Generic) Equal(other Level) bool {
	o, ok := other.(*Generic)
	if !ok {
		return false
	}
	return g.Offset == o.Offset && g.Size == o.Size && g.Mask == o.Mask
}

func (g *Generic) PruneAgainst(other Level, _ uint64) (Level, bool) {
	o, ok := other.(*Generic)
	if !ok || o.Offset != g.Offset || o.Size != g.Size {
		return g, g.Useful()
	}
	narrowed := g.Mask &^ o.Mask
	if narrowed == g.Mask {
		return g, g.Useful()
	}
	ng := &Generic{Offset: g.Offset, Size: g.Size, Mask: narrowed, IsDyn: g.IsDyn}
	return ng, ng.Useful()
}

func (g *Generic) KeySpace() (int, bool) {
	bits := 0
	for m := g.Mask; m != 0; m &= m - 1 {
		bits++
	}
	if bits >= 31 {
		return 0, false
	}
	return 1 << bits, true
}

// ToDPDKFlow represents this offset/mask match directly as a pattern item:
// the layer counter simply advances by one per static level crossed, since
// the bridge has no notion of named protocol layers, only fixed offsets.
func (g *Generic) ToDPDKFlow(data uint64, lastLayer, _ int) (int, int, DPDKFlowItem, bool) {
	layer := lastLayer + 1
	item := DPDKFlowItem{Layer: layer, Offset: g.Offset, Size: g.Size, Mask: g.Mask, Value: data & g.Mask}
	return layer, g.Offset + g.Size, item, true
}

func (g *Generic) String() string {
	return fmt.Sprintf("offset %d/%d mask %#x dyn=%v", g.Offset, g.Size, g.Mask, g.IsDyn)
}
