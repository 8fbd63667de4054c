package buffer

import (
	"github.com/sqlcc/engine/pkg/page"
)

// shardDisker adapts the pool's shared disker so that a per-shard
// monolithic instance never allocates ids itself: the sharded pool
// does that once, up front, and routes the resulting id to the shard
// it hashes to. Deallocate/Read/Write pass straight through.
type shardDisker struct {
	dm disker
}

func (s shardDisker) AllocatePage() page.ID {
	panic("buffer: shard must not allocate pages directly")
}

func (s shardDisker) DeallocatePage(id page.ID) error {
	return s.dm.DeallocatePage(id)
}

func (s shardDisker) ReadPage(id page.ID, p *page.Page) error {
	return s.dm.ReadPage(id, p)
}

func (s shardDisker) WritePage(id page.ID, p *page.Page) error {
	return s.dm.WritePage(id, p)
}

var _ Pool = (*sharded)(nil)

// sharded is BufferPoolSharded from spec.md §4.4: numShards
// independent monolithic pools selected by page_id & (numShards-1),
// with no cross-shard coordination and atomic aggregate metrics.
type sharded struct {
	dm        disker
	shards    []*monolithic
	mask      int32
	numShards int
}

// NewSharded constructs the sharded BufferPool variant of spec.md §4.4.
// numShards must be a power of two; it is rounded up to the next one
// if not. Capacity is split as evenly as possible across shards.
func NewSharded(dm disker, cfg Config, numShards int) Pool {
	if numShards < 1 {
		numShards = 1
	}
	numShards = nextPowerOfTwo(numShards)

	log := cfg.logger()
	shardCap := cfg.Capacity / numShards
	if shardCap < 1 {
		shardCap = 1
	}
	remainder := cfg.Capacity - shardCap*numShards

	sp := &sharded{
		dm:        dm,
		shards:    make([]*monolithic, numShards),
		mask:      int32(numShards - 1),
		numShards: numShards,
	}

	for i := 0; i < numShards; i++ {
		shardCapacity := shardCap
		if i < remainder {
			shardCapacity++
		}
		shardCfg := cfg
		shardCfg.Capacity = shardCapacity
		shardCfg.Logger = log
		sp.shards[i] = New(shardDisker{dm: dm}, shardCfg).(*monolithic)
	}
	return sp
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *sharded) shardFor(id page.ID) *monolithic {
	return s.shards[int32(id)&s.mask]
}

func (s *sharded) FetchPage(id page.ID) (*page.Page, error) {
	if !id.Valid() {
		return nil, ErrInvalidPageID
	}
	return s.shardFor(id).FetchPage(id)
}

func (s *sharded) NewPage() (page.ID, *page.Page, error) {
	id := s.dm.AllocatePage()
	return s.shardFor(id).insertFresh(id)
}

func (s *sharded) UnpinPage(id page.ID, dirty bool) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	return s.shardFor(id).UnpinPage(id, dirty)
}

func (s *sharded) FlushPage(id page.ID) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	return s.shardFor(id).FlushPage(id)
}

// FlushAllPages sweeps every shard independently; a slow or stuck
// shard never blocks the others (spec.md §4.4: "no cross-shard
// coordination").
func (s *sharded) FlushAllPages() error {
	var firstErr error
	for _, sh := range s.shards {
		if err := sh.FlushAllPages(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *sharded) DeletePage(id page.ID) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	return s.shardFor(id).DeletePage(id)
}

// Resize distributes newCapacity evenly across shards, same as
// construction, evicting down within each shard independently.
func (s *sharded) Resize(newCapacity int) error {
	shardCap := newCapacity / s.numShards
	if shardCap < 1 {
		shardCap = 1
	}
	remainder := newCapacity - shardCap*s.numShards

	var firstErr error
	for i, sh := range s.shards {
		shardCapacity := shardCap
		if i < remainder {
			shardCapacity++
		}
		if err := sh.Resize(shardCapacity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *sharded) IsPageInBuffer(id page.ID) bool {
	if !id.Valid() {
		return false
	}
	return s.shardFor(id).IsPageInBuffer(id)
}

func (s *sharded) UsedPages() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.UsedPages()
	}
	return total
}

// Metrics aggregates every shard's atomic counters; no shard-spanning
// lock is taken (spec.md §4.4).
func (s *sharded) Metrics() Metrics {
	var m Metrics
	for _, sh := range s.shards {
		shm := sh.Metrics()
		m.TotalRequests += shm.TotalRequests
		m.CacheHits += shm.CacheHits
		m.Evictions += shm.Evictions
		m.LockTimeouts += shm.LockTimeouts
	}
	return m
}

func (s *sharded) SetWALGate(gate DurabilityGate) {
	for _, sh := range s.shards {
		sh.SetWALGate(gate)
	}
}

// SetSimulateFlushFailure forces every shard's writeback path to
// report failure, exercising the dirty-eviction recovery branch across
// the whole pool.
func (s *sharded) SetSimulateFlushFailure(on bool) {
	for _, sh := range s.shards {
		sh.SetSimulateFlushFailure(on)
	}
}

func (s *sharded) Close() error {
	return s.FlushAllPages()
}
