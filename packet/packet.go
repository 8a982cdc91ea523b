// Package packet defines the minimal packet abstraction the core consumes.
// No buffer layout, allocator, or zero-copy representation is prescribed;
// the core only needs byte access, length, a small annotation area, and a
// destructor handle (§3, §6).
package packet

// Type tags the packet's protocol classification, set by an upstream element.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeIP4
	TypeIP6
	TypeARP
	TypeOther
)

// Annotations is the small fixed-size annotation area every packet carries.
// Aggregate is a 32-bit flow identifier; zero means "unclassified, bypass
// the aggregate cache" (§9 design notes). VLAN is the 802.1Q tag, if any.
type Annotations struct {
	Aggregate uint32
	VLAN      uint16
	PType     Type
}

// Packet is the opaque buffer contract required by the classification core.
type Packet interface {
	// Bytes returns the full linear view of the packet from offset 0.
	Bytes() []byte
	// At returns len bytes starting at offset, or nil if the packet is too short.
	At(offset, length int) []byte
	// Length returns the total byte length of the packet.
	Length() int
	// Annotations returns a pointer to this packet's mutable annotation area.
	Annotations() *Annotations
	// Destructor is an opaque, pointer-sized handle used to recover the
	// backing buffer (e.g. a DPDK mbuf pointer) on release.
	Destructor() uintptr
	// Next returns the following packet in a singly linked batch, or nil.
	Next() Packet
	// SetNext links this packet to the next one in a batch.
	SetNext(Packet)
}

// Batch is a singly linked list of packets sharing no particular FCB.
type Batch struct {
	Head, Tail Packet
	Count      int
}

// Append adds p to the tail of the batch.
func (b *Batch) Append(p Packet) {
	p.SetNext(nil)
	if b.Tail == nil {
		b.Head = p
		b.Tail = p
	} else {
		b.Tail.SetNext(p)
		b.Tail = p
	}
	b.Count++
}

// AppendBatch concatenates other onto b, leaving other empty.
func (b *Batch) AppendBatch(other *Batch) {
	if other == nil || other.Head == nil {
		return
	}
	if b.Tail == nil {
		b.Head = other.Head
	} else {
		b.Tail.SetNext(other.Head)
	}
	b.Tail = other.Tail
	b.Count += other.Count
	other.Head, other.Tail, other.Count = nil, nil, 0
}

// Empty reports whether the batch has no packets.
func (b *Batch) Empty() bool { return b.Head == nil }

// Each walks the batch calling fn on every packet in order. A packet's
// successor is read before fn runs, so fn may relink the packet (for
// example by appending it to another batch).
func (b *Batch) Each(fn func(Packet)) {
	for p := b.Head; p != nil; {
		next := p.Next()
		fn(p)
		p = next
	}
}

// Basic is a minimal, heap-allocated Packet implementation suitable for
// tests and for the cmd/flowcored harness. Production use would plug in a
// DPDK-mbuf-backed or AF_PACKET-backed implementation instead.
type Basic struct {
	buf  []byte
	ann  Annotations
	dtor uintptr
	next Packet
}

// NewBasic wraps buf as a Packet with the zero annotation value.
func NewBasic(buf []byte) *Basic {
	return &Basic{buf: buf}
}

func (p *Basic) Bytes() []byte { return p.buf }

func (p *Basic) At(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(p.buf) {
		return nil
	}
	return p.buf[offset : offset+length]
}

func (p *Basic) Length() int               { return len(p.buf) }
func (p *Basic) Annotations() *Annotations  { return &p.ann }
func (p *Basic) Destructor() uintptr        { return p.dtor }
func (p *Basic) SetDestructor(d uintptr)    { p.dtor = d }
func (p *Basic) Next() Packet               { return p.next }
func (p *Basic) SetNext(n Packet)           { p.next = n }
