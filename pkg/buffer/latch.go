package buffer

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// timedLatch is bp.latch from spec.md §5: a "timed reentrant-unsafe
// mutex". Go's sync.Mutex has no bounded-wait acquire and no example
// in the corpus hand-rolls one, so this uses a binary
// golang.org/x/sync/semaphore.Weighted the same way a single-slot
// mutex would be used, bounding Acquire with a context timeout. Every
// public BufferPool operation that can suspend on disk I/O (spec.md
// §5, "Suspension points") acquires it this way instead of a plain
// Lock().
type timedLatch struct {
	sem *semaphore.Weighted
}

func newTimedLatch() *timedLatch {
	return &timedLatch{sem: semaphore.NewWeighted(1)}
}

// lock blocks until acquired; used by SetWALGate and by observers that
// never suspend on I/O (spec.md §5: "Observer operations... only
// acquire the latch briefly").
func (t *timedLatch) lock() {
	_ = t.sem.Acquire(context.Background(), 1)
}

func (t *timedLatch) unlock() {
	t.sem.Release(1)
}

// tryLock attempts to acquire the latch within timeout, reporting
// false on timeout (spec.md §5: "On timeout the operation fails
// rather than blocking forever").
func (t *timedLatch) tryLock(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.sem.Acquire(ctx, 1) == nil
}
