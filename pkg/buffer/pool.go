// Package buffer implements the buffer-pool capability set of
// spec.md §4.3/§4.4/§9: an in-memory page cache with pin counts, dirty
// tracking, LRU eviction, and configurable capacity, in a monolithic
// form (Pool returned by New) and a sharded form (Pool returned by
// NewSharded) that trades exact global LRU for lock-free inter-shard
// concurrency.
//
// spec.md §9 models both variants as a single capability set instead
// of a class hierarchy: Pool is that interface, and upper layers are
// written against it rather than against either concrete type.
package buffer

import (
	"errors"
	"time"

	"github.com/sqlcc/engine/pkg/disk"
	"github.com/sqlcc/engine/pkg/logsink"
	"github.com/sqlcc/engine/pkg/page"
)

// Errors returned by Pool operations (spec.md §7).
var (
	ErrInvalidPageID  = errors.New("buffer: invalid page id")
	ErrPageNotFound   = errors.New("buffer: page not in cache")
	ErrPagePinned     = errors.New("buffer: page is pinned")
	ErrExhausted      = errors.New("buffer: no unpinned victim available")
	ErrLockTimeout    = errors.New("buffer: latch acquisition timed out")
	ErrSimulatedFlush = errors.New("buffer: simulated flush failure")
)

// DurabilityGate is the one hard cross-component contract from
// spec.md §4.5: before the pool writes a dirty page back to disk, it
// must ensure every WAL record covering that write is durable. Rather
// than thread a per-page LSN through the unpin_page(id, dirty) call
// spec.md gives callers (which carries no LSN parameter), the pool
// conservatively calls EnsureDurable before every dirty writeback,
// which WalManager implements as force_flush. See DESIGN.md for the
// Open Question this resolves.
type DurabilityGate interface {
	EnsureDurable() error
}

// Metrics are the counters spec.md §4.3 requires ("total_requests,
// cache_hits, evictions, derived hit_rate()"), extended per
// SPEC_FULL.md with a lock-timeout counter from original_source's
// buffer_pool_v2.h.
type Metrics struct {
	TotalRequests uint64
	CacheHits     uint64
	Evictions     uint64
	LockTimeouts  uint64
}

// HitRate returns CacheHits/TotalRequests, or 0 when there have been
// no requests yet.
func (m Metrics) HitRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(m.TotalRequests)
}

// Pool is the capability set both buffer-pool variants implement
// (spec.md §9).
type Pool interface {
	// FetchPage returns a pinned page, reading it from disk on a miss,
	// or an error on read failure/timeout/exhaustion. The caller must
	// Unpin it exactly once.
	FetchPage(id page.ID) (*page.Page, error)
	// NewPage allocates a new page id via the DiskManager and installs
	// a pinned, empty page in the cache.
	NewPage() (page.ID, *page.Page, error)
	// UnpinPage decrements the pin count and ORs dirty into the entry.
	UnpinPage(id page.ID, dirty bool) error
	// FlushPage writes the page back to disk if dirty.
	FlushPage(id page.ID) error
	// FlushAllPages flushes every dirty entry, logging (not aborting
	// on) per-page errors.
	FlushAllPages() error
	// DeletePage removes an unpinned page from the cache and the disk
	// manager's allocator.
	DeletePage(id page.ID) error
	// Resize changes capacity, evicting if shrinking.
	Resize(newCapacity int) error
	// IsPageInBuffer reports whether id is currently cached.
	IsPageInBuffer(id page.ID) bool
	// UsedPages returns the number of cached pages.
	UsedPages() int
	// Metrics returns a snapshot of the pool's counters.
	Metrics() Metrics
	// SetWALGate wires the WAL durability gate described above.
	SetWALGate(gate DurabilityGate)
	// Close flushes all dirty pages.
	Close() error
}

// Config bundles the timeouts and toggles a Pool needs from
// spec.md §6's buffer_pool.* keys.
type Config struct {
	Capacity           int
	ReadLockTimeout    time.Duration
	WriteLockTimeout   time.Duration
	DefaultLockTimeout time.Duration
	Logger             logsink.Logger
}

func (c Config) logger() logsink.Logger {
	if c.Logger == nil {
		return logsink.Discard
	}
	return c.Logger
}

// disker is the subset of *disk.Manager a Pool needs; declared
// locally (rather than importing a wide interface) to keep Pool
// implementations honest about what they actually call.
type disker interface {
	AllocatePage() page.ID
	DeallocatePage(page.ID) error
	ReadPage(page.ID, *page.Page) error
	WritePage(page.ID, *page.Page) error
}

var _ disker = (*disk.Manager)(nil)
