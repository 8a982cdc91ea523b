// Package fcbpool implements the per-thread FCB free-list of spec §4.4,
// grounded on the teacher's pool.go (a sync.Pool wrapper with atomic
// allocate/release counters) and multipool.go (one such pool per CPU to
// avoid cross-core contention). Unlike the teacher's generic value pool,
// fcbpool always hands out a fixed-size payload buffer sized once at
// construction, matching a configuration's reserved FCB payload size.
package fcbpool

import (
	"sync"
	"sync/atomic"

	"github.com/flowcore/fct/ftree"
)

// Pool is one CPU's FCB free-list. The zero value is not usable; construct
// with New.
type Pool struct {
	payloadSize int
	underlying  sync.Pool

	allocs   atomic.Int64
	releases atomic.Int64
	live     atomic.Int64
}

// New returns a Pool that allocates FCBs with a payloadSize-byte payload
// and no shadow mask (masks exist only on build-time FCBs, never at
// runtime; see ftree.FCB).
func New(payloadSize int) *Pool {
	p := &Pool{payloadSize: payloadSize}
	p.underlying.New = func() any {
		return &ftree.FCB{Payload: make([]byte, payloadSize)}
	}
	return p
}

// Allocate returns a fresh or recycled FCB with use count 1, its pool
// handle set so Release can find its way back here.
func (p *Pool) Allocate() *ftree.FCB {
	fcb := p.underlying.Get().(*ftree.FCB)
	fcb.NodeData = 0
	fcb.Parent = nil
	fcb.Flags = 0
	fcb.UseCount = 1
	fcb.LastSeen = 0
	fcb.Next = nil
	fcb.Release = nil
	fcb.Pool = p
	for i := range fcb.Payload {
		fcb.Payload[i] = 0
	}
	p.allocs.Add(1)
	p.live.Add(1)
	return fcb
}

// Release returns fcb to the free-list. Callers must have already checked
// fcb.ReleaseUse() reached zero; Release itself does not touch use count.
func (p *Pool) Release(fcb *ftree.FCB) {
	fcb.Pool = nil
	p.underlying.Put(fcb)
	p.releases.Add(1)
	p.live.Add(-1)
}

// Stats is a snapshot of a pool's lifetime counters, exposed for metrics
// and for the totals Compress returns below.
type Stats struct {
	Allocs   int64
	Releases int64
	Live     int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Allocs:   p.allocs.Load(),
		Releases: p.releases.Load(),
		Live:     p.live.Load(),
	}
}

// MultiPool holds one Pool per CPU, mirroring the teacher's per-core
// sharding of its value pool to keep allocation off any shared lock.
type MultiPool struct {
	mu          sync.Mutex
	pools       []*Pool
	payloadSize int
}

// NewMulti returns a MultiPool with nthreads independent pools, each
// sized for payloadSize-byte FCBs.
func NewMulti(nthreads, payloadSize int) *MultiPool {
	m := &MultiPool{pools: make([]*Pool, nthreads), payloadSize: payloadSize}
	for i := range m.pools {
		m.pools[i] = New(payloadSize)
	}
	return m
}

// For returns the pool owned by threadID, lazily rebuilding it if Compress
// previously dropped it for falling outside the active thread set.
func (m *MultiPool) For(threadID int) *Pool {
	i := threadID % len(m.pools)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools[i] == nil {
		m.pools[i] = New(m.payloadSize)
	}
	return m.pools[i]
}

// Compress restricts the pool to the active thread set (spec §4.4
// compress(threads)): every per-thread pool whose id is not in active is
// dropped outright, along with its lifetime counters, rather than merely
// excluded from the returned total; For rebuilds a dropped slot on demand
// if that thread resumes work later. The returned Stats aggregate only the
// pools that remain.
func (m *MultiPool) Compress(active []int) Stats {
	keep := make(map[int]bool, len(active))
	for _, id := range active {
		keep[id%len(m.pools)] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var total Stats
	for i := range m.pools {
		if !keep[i] {
			m.pools[i] = nil
			continue
		}
		if m.pools[i] == nil {
			m.pools[i] = New(m.payloadSize)
		}
		s := m.pools[i].Stats()
		total.Allocs += s.Allocs
		total.Releases += s.Releases
		total.Live += s.Live
	}
	return total
}
