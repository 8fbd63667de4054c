package buffer

import (
	"container/list"
	"sync/atomic"

	"github.com/sqlcc/engine/pkg/page"
)

// cachedPage is a CachedPage (spec.md §3): a page plus pin count,
// dirty flag, and its LRU list handle. pinCount is accessed both under
// the owning pool's latch and, for the fast IsPinned check used during
// eviction scans, atomically — mirroring the teacher's
// pkg/storage/buffer_pool.go CachedPage, which keeps pinned as an
// atomic int32 read by the evict() scan without taking the pool lock.
type cachedPage struct {
	pg       *page.Page
	pinCount int32 // atomic
	dirty    bool
	lruElem  *list.Element
}

func newCachedPage(p *page.Page) *cachedPage {
	return &cachedPage{pg: p, pinCount: 1}
}

func (c *cachedPage) pin() {
	atomic.AddInt32(&c.pinCount, 1)
}

// unpin decrements the pin count, clamping at 0 (spec.md §3: "an
// attempted over-unpin is reported but clamps at 0"). Returns false if
// the count was already 0.
func (c *cachedPage) unpin() bool {
	for {
		cur := atomic.LoadInt32(&c.pinCount)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.pinCount, cur, cur-1) {
			return true
		}
	}
}

func (c *cachedPage) isPinned() bool {
	return atomic.LoadInt32(&c.pinCount) > 0
}

func (c *cachedPage) pins() int32 {
	return atomic.LoadInt32(&c.pinCount)
}
