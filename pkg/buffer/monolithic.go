package buffer

import (
	"container/list"
	"sync/atomic"

	"github.com/sqlcc/engine/pkg/logsink"
	"github.com/sqlcc/engine/pkg/page"
)

// monolithic is the BufferPool of spec.md §4.3: a single shared table
// protected by one latch, with exact LRU over unpinned entries.
type monolithic struct {
	cfg   Config
	latch *timedLatch
	dm    disker
	log   logsink.Logger

	// guarded by latch
	capacity int
	table    map[page.ID]*cachedPage
	lru      *list.List // Value = page.ID, front = MRU

	gate    DurabilityGate
	gateSet atomic.Bool

	totalRequests atomic.Uint64
	cacheHits     atomic.Uint64
	evictions     atomic.Uint64
	lockTimeouts  atomic.Uint64

	simulateFlushFailure atomic.Bool
}

var _ Pool = (*monolithic)(nil)

// New constructs the monolithic BufferPool variant of spec.md §4.3.
func New(dm disker, cfg Config) Pool {
	return &monolithic{
		cfg:      cfg,
		latch:    newTimedLatch(),
		dm:       dm,
		log:      cfg.logger(),
		capacity: cfg.Capacity,
		table:    make(map[page.ID]*cachedPage),
		lru:      list.New(),
	}
}

// SetSimulateFlushFailure forces every writeback path to report
// failure, exercising the dirty-eviction recovery branch (spec.md §4.3
// "Testing hooks").
func (p *monolithic) SetSimulateFlushFailure(on bool) {
	p.simulateFlushFailure.Store(on)
}

func (p *monolithic) SetWALGate(gate DurabilityGate) {
	p.latch.lock()
	p.gate = gate
	p.gateSet.Store(gate != nil)
	p.latch.unlock()
}

func (p *monolithic) touchLRULocked(cp *cachedPage) {
	p.lru.MoveToFront(cp.lruElem)
}

func (p *monolithic) removeFromCacheLocked(id page.ID, cp *cachedPage) {
	delete(p.table, id)
	p.lru.Remove(cp.lruElem)
}

// findEvictableLocked scans the LRU tail for the first unpinned entry
// (spec.md §4.3 "Victim selection scans the LRU tail").
func (p *monolithic) findEvictableLocked() (page.ID, *cachedPage, bool) {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		id := e.Value.(page.ID)
		cp := p.table[id]
		if cp != nil && !cp.isPinned() {
			return id, cp, true
		}
	}
	return 0, nil, false
}

// flushToDisk writes a cached page back via the DiskManager, after
// consulting the WAL durability gate (the one hard cross-component
// contract, spec.md §4.5) and the flush fault-injection flag. Must be
// called without the latch held (spec.md §5 lock ordering).
func (p *monolithic) flushToDisk(id page.ID, cp *cachedPage) error {
	if p.gateSet.Load() && p.gate != nil {
		if err := p.gate.EnsureDurable(); err != nil {
			return err
		}
	}
	if p.simulateFlushFailure.Load() {
		return ErrSimulatedFlush
	}
	return p.dm.WritePage(id, cp.pg)
}

// makeRoomLocked evicts entries until the table has room for one more,
// using the release-I/O-reacquire pattern (spec.md §5, §9) for any
// dirty victim. Must be called with the latch held; may release and
// reacquire it. Returns with the latch held again on success.
func (p *monolithic) makeRoomLocked() error {
	for len(p.table) >= p.capacity {
		id, cp, ok := p.findEvictableLocked()
		if !ok {
			return ErrExhausted
		}

		if cp.dirty {
			p.latch.unlock()
			flushErr := p.flushToDisk(id, cp)
			if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
				p.lockTimeouts.Add(1)
				return ErrLockTimeout
			}
			cur, stillThere := p.table[id]
			if !stillThere || cur != cp {
				// Evicted or replaced by another thread while we had
				// the latch released; re-scan from the current state.
				continue
			}
			if flushErr != nil {
				p.log.Printf("buffer: dirty eviction of page %d failed: %v", id, flushErr)
				return flushErr
			}
			cur.dirty = false
		}

		if cp.isPinned() {
			// Pinned again (or still) after revalidation; try another victim.
			continue
		}

		p.removeFromCacheLocked(id, cp)
		p.evictions.Add(1)
	}
	return nil
}

func (p *monolithic) FetchPage(id page.ID) (*page.Page, error) {
	if !id.Valid() {
		return nil, ErrInvalidPageID
	}
	p.totalRequests.Add(1)

	if !p.latch.tryLock(p.cfg.ReadLockTimeout) {
		p.lockTimeouts.Add(1)
		return nil, ErrLockTimeout
	}

	if cp, ok := p.table[id]; ok {
		p.touchLRULocked(cp)
		cp.pin()
		p.cacheHits.Add(1)
		p.latch.unlock()
		return cp.pg, nil
	}

	if err := p.makeRoomLocked(); err != nil {
		p.latch.unlock()
		return nil, err
	}

	p.latch.unlock()
	pg := page.New(id)
	readErr := p.dm.ReadPage(id, pg)

	if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
		p.lockTimeouts.Add(1)
		return nil, ErrLockTimeout
	}
	defer p.latch.unlock()

	// Revalidate: another thread may have faulted in or evicted this
	// id while we were reading from disk (spec.md §5).
	if cp, ok := p.table[id]; ok {
		p.touchLRULocked(cp)
		cp.pin()
		p.cacheHits.Add(1)
		return cp.pg, nil
	}

	if readErr != nil {
		return nil, readErr
	}

	if len(p.table) >= p.capacity {
		if err := p.makeRoomLocked(); err != nil {
			return nil, err
		}
	}

	cp := newCachedPage(pg)
	p.table[id] = cp
	cp.lruElem = p.lru.PushFront(id)
	return cp.pg, nil
}

func (p *monolithic) NewPage() (page.ID, *page.Page, error) {
	if !p.latch.tryLock(p.cfg.WriteLockTimeout) {
		p.lockTimeouts.Add(1)
		return page.InvalidID, nil, ErrLockTimeout
	}
	if err := p.makeRoomLocked(); err != nil {
		p.latch.unlock()
		return page.InvalidID, nil, err
	}
	p.latch.unlock()

	id := p.dm.AllocatePage()
	return p.insertFresh(id)
}

// insertFresh installs a pinned, dirty, all-zero page for an id the
// caller already allocated (via the DiskManager) but has not yet
// placed in this pool's table. Split out of NewPage so the sharded
// variant can allocate the id once, pick the owning shard by it, and
// delegate insertion there.
func (p *monolithic) insertFresh(id page.ID) (page.ID, *page.Page, error) {
	pg := page.New(id)

	if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
		p.lockTimeouts.Add(1)
		return page.InvalidID, nil, ErrLockTimeout
	}
	defer p.latch.unlock()

	if len(p.table) >= p.capacity {
		if err := p.makeRoomLocked(); err != nil {
			return page.InvalidID, nil, err
		}
	}

	cp := newCachedPage(pg)
	cp.dirty = true
	p.table[id] = cp
	cp.lruElem = p.lru.PushFront(id)
	return id, cp.pg, nil
}

func (p *monolithic) UnpinPage(id page.ID, dirty bool) error {
	if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
		p.lockTimeouts.Add(1)
		return ErrLockTimeout
	}
	defer p.latch.unlock()

	cp, ok := p.table[id]
	if !ok {
		return ErrPageNotFound
	}
	if !cp.unpin() {
		p.log.Printf("buffer: page %d unpinned while pin count was already 0", id)
	}
	cp.dirty = cp.dirty || dirty
	return nil
}

func (p *monolithic) FlushPage(id page.ID) error {
	if !p.latch.tryLock(p.cfg.WriteLockTimeout) {
		p.lockTimeouts.Add(1)
		return ErrLockTimeout
	}

	cp, ok := p.table[id]
	if !ok {
		p.latch.unlock()
		return ErrPageNotFound
	}
	if !cp.dirty {
		p.latch.unlock()
		return nil
	}
	p.latch.unlock()

	err := p.flushToDisk(id, cp)

	if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
		p.lockTimeouts.Add(1)
		return ErrLockTimeout
	}
	defer p.latch.unlock()

	if cur, stillThere := p.table[id]; stillThere && cur == cp && err == nil {
		cur.dirty = false
	}
	return err
}

// dirtyEntry snapshots one table entry for FlushAllPages' sweep.
type dirtyEntry struct {
	id page.ID
	cp *cachedPage
}

// FlushAllPages flushes every dirty entry, per-page. It preserves the
// source's documented quirk (spec.md §9 Open Questions): the latch is
// dropped per page for the disk write, and if reacquiring it
// afterwards times out, that page's dirty bit is left set (it will be
// rewritten on a later flush) instead of blocking indefinitely.
func (p *monolithic) FlushAllPages() error {
	if !p.latch.tryLock(p.cfg.WriteLockTimeout) {
		p.lockTimeouts.Add(1)
		return ErrLockTimeout
	}
	var dirty []dirtyEntry
	for id, cp := range p.table {
		if cp.dirty {
			dirty = append(dirty, dirtyEntry{id, cp})
		}
	}
	p.latch.unlock()

	for _, d := range dirty {
		err := p.flushToDisk(d.id, d.cp)
		if err != nil {
			p.log.Printf("buffer: flush_all: page %d: %v", d.id, err)
			continue
		}
		if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
			p.lockTimeouts.Add(1)
			p.log.Printf("buffer: flush_all: could not reacquire latch to clear dirty bit for page %d", d.id)
			continue
		}
		if cur, stillThere := p.table[d.id]; stillThere && cur == d.cp {
			cur.dirty = false
		}
		p.latch.unlock()
	}
	return nil
}

func (p *monolithic) DeletePage(id page.ID) error {
	if !p.latch.tryLock(p.cfg.WriteLockTimeout) {
		p.lockTimeouts.Add(1)
		return ErrLockTimeout
	}

	cp, ok := p.table[id]
	if !ok {
		p.latch.unlock()
		return ErrPageNotFound
	}
	if cp.isPinned() {
		p.latch.unlock()
		return ErrPagePinned
	}

	if cp.dirty {
		p.latch.unlock()
		err := p.flushToDisk(id, cp)
		if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
			p.lockTimeouts.Add(1)
			return ErrLockTimeout
		}
		cur, stillThere := p.table[id]
		if !stillThere {
			p.latch.unlock()
			return ErrPageNotFound
		}
		if cur.isPinned() {
			p.latch.unlock()
			return ErrPagePinned
		}
		if err != nil {
			p.latch.unlock()
			return err
		}
	}

	p.removeFromCacheLocked(id, cp)
	p.latch.unlock()

	return p.dm.DeallocatePage(id)
}

func (p *monolithic) Resize(newCapacity int) error {
	if !p.latch.tryLock(p.cfg.WriteLockTimeout) {
		p.lockTimeouts.Add(1)
		return ErrLockTimeout
	}

	if newCapacity >= len(p.table) {
		p.capacity = newCapacity
		p.latch.unlock()
		return nil
	}

	for len(p.table) > newCapacity {
		id, cp, ok := p.findEvictableLocked()
		if !ok {
			break // transient capacity violation permitted during resize-down
		}

		if cp.dirty {
			p.latch.unlock()
			flushErr := p.flushToDisk(id, cp)
			if !p.latch.tryLock(p.cfg.DefaultLockTimeout) {
				p.lockTimeouts.Add(1)
				p.capacity = newCapacity
				return ErrLockTimeout
			}
			cur, stillThere := p.table[id]
			if !stillThere || cur != cp {
				continue
			}
			if flushErr != nil {
				p.log.Printf("buffer: resize: flush of page %d failed: %v", id, flushErr)
				continue
			}
			cur.dirty = false
		}

		if cp.isPinned() {
			continue
		}
		p.removeFromCacheLocked(id, cp)
		p.evictions.Add(1)
	}

	p.capacity = newCapacity
	p.latch.unlock()
	return nil
}

func (p *monolithic) IsPageInBuffer(id page.ID) bool {
	p.latch.lock()
	defer p.latch.unlock()
	_, ok := p.table[id]
	return ok
}

func (p *monolithic) UsedPages() int {
	p.latch.lock()
	defer p.latch.unlock()
	return len(p.table)
}

func (p *monolithic) Metrics() Metrics {
	return Metrics{
		TotalRequests: p.totalRequests.Load(),
		CacheHits:     p.cacheHits.Load(),
		Evictions:     p.evictions.Load(),
		LockTimeouts:  p.lockTimeouts.Load(),
	}
}

func (p *monolithic) Close() error {
	return p.FlushAllPages()
}
