// Package disk implements the DiskManager component of spec.md §4.1:
// a block-device abstraction that allocates page ids, reads/writes/
// prefetches fixed-size pages, and maintains the file size and
// free-list over a single backing file.
//
// The source's "recursive mutex" (spec.md §5, dm.io_mutex) is not
// reproduced with an actual reentrant lock — Go's sync.Mutex is not
// reentrant, and the corpus this package is modeled on (e.g.
// mnohosten-laura-db's disk_manager.go) instead splits every operation
// into a locking public method and a lock-free internal method, so
// that one public operation can call another's internals without
// re-acquiring the lock. That is the pattern used here, with the
// lock-free halves named "...Locked" (allocatePageLocked,
// readPageLocked, writePageLocked).
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sqlcc/engine/pkg/logsink"
	"github.com/sqlcc/engine/pkg/page"
)

// ErrFatalOpen is returned by Open when the backing file cannot be
// opened or stat'd; spec.md §7 classifies this as fatal.
var ErrFatalOpen = errors.New("disk: fatal error opening database file")

// ErrInvalidPageID is returned for negative ids, a programmer error
// per spec.md §7.
var ErrInvalidPageID = errors.New("disk: invalid page id")

// ErrNilBuffer is returned when a caller passes a nil read/write buffer.
var ErrNilBuffer = errors.New("disk: buffer is nil")

// ErrSimulated is returned by a fault-injection flag (spec.md §9,
// "Testing fault injection").
var ErrSimulated = errors.New("disk: simulated failure")

// ErrClosed is returned once the Manager has been closed.
var ErrClosed = errors.New("disk: manager is closed")

// Manager owns one read/write file and the in-memory page-id
// allocator and free-list (spec.md §4.1).
type Manager struct {
	mu           sync.Mutex
	file         *os.File
	scanFile     *os.File // second descriptor used by BatchReadPages (seek isolation)
	path         string
	fileSize     int64 // bytes
	nextPageID   page.ID
	freePages    []page.ID // LIFO stack
	log          logsink.Logger
	enablePrefetch bool

	failRead  atomic.Bool
	failWrite atomic.Bool
	failSeek  atomic.Bool
	failFlush atomic.Bool
}

// Options configures a Manager at construction time.
type Options struct {
	EnablePrefetch bool
	Logger         logsink.Logger
}

// Open opens or creates the backing file at path and derives
// next_page_id from its length (spec.md §6: "No file header —
// next_page_id is derived from file length at startup").
func Open(path string, opts Options) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatalOpen, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFatalOpen, err)
	}

	scan, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFatalOpen, err)
	}

	log := opts.Logger
	if log == nil {
		log = logsink.Discard
	}

	m := &Manager{
		file:           f,
		scanFile:       scan,
		path:           path,
		fileSize:       stat.Size(),
		nextPageID:     page.ID(stat.Size() / page.Size),
		log:            log,
		enablePrefetch: opts.EnablePrefetch,
	}
	return m, nil
}

// Close closes the backing file and the scan descriptor. It does not
// sync; every WritePage has already synced its own write.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.scanFile.Close()
	m.file = nil
	m.scanFile = nil
	return err
}

// AllocatePage pops from the free-list if non-empty, otherwise returns
// next_page_id and increments it (spec.md §4.1).
func (m *Manager) AllocatePage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocatePageLocked()
}

func (m *Manager) allocatePageLocked() page.ID {
	if n := len(m.freePages); n > 0 {
		id := m.freePages[n-1]
		m.freePages = m.freePages[:n-1]
		return id
	}
	id := m.nextPageID
	m.nextPageID++
	return id
}

// DeallocatePage pushes id onto the in-memory free-list. This is not
// persisted: after a restart, freed ids are lost and the tail of the
// id space grows monotonically again (spec.md §9 open question,
// documented in DESIGN.md).
func (m *Manager) DeallocatePage(id page.ID) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freePages = append(m.freePages, id)
	return nil
}

// ReadPage reads Size bytes for id into p.Data(). A short read near
// EOF is zero-filled rather than treated as an error (spec.md §4.1).
func (m *Manager) ReadPage(id page.ID, p *page.Page) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	if p == nil {
		return ErrNilBuffer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPageLocked(id, p.Data())
}

func (m *Manager) readPageLocked(id page.ID, dst []byte) error {
	if m.file == nil {
		return ErrClosed
	}
	if m.failRead.Load() {
		return ErrSimulated
	}
	offset := int64(id) * page.Size
	if offset >= m.fileSize {
		return fmt.Errorf("disk: page %d beyond file size", id)
	}
	if m.failSeek.Load() {
		return ErrSimulated
	}

	n, err := m.file.ReadAt(dst, offset)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("disk: read page %d: %w", id, err)
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// WritePage writes p's data for id to disk, growing the file if
// needed, and flushes OS buffers (spec.md §4.1).
func (m *Manager) WritePage(id page.ID, p *page.Page) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	if p == nil {
		return ErrNilBuffer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePageLocked(id, p.Data())
}

func (m *Manager) writePageLocked(id page.ID, src []byte) error {
	if m.file == nil {
		return ErrClosed
	}
	if m.failWrite.Load() {
		return ErrSimulated
	}
	if m.failSeek.Load() {
		return ErrSimulated
	}

	offset := int64(id) * page.Size
	if _, err := m.file.WriteAt(src, offset); err != nil {
		return fmt.Errorf("disk: write page %d: %w", id, err)
	}

	end := offset + page.Size
	if end > m.fileSize {
		m.fileSize = end
	}

	if m.failFlush.Load() {
		return ErrSimulated
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("disk: sync after write page %d: %w", id, err)
	}
	return nil
}

// batchItem pairs a page id with the destination buffer for
// BatchReadPages, sorted by id to minimize seeking.
type batchItem struct {
	id  page.ID
	buf []byte
}

// BatchReadPages reads every id into its matching buf, sorting by id
// first to minimize seeking and using a dedicated scan descriptor so
// the primary file's position is undisturbed (spec.md §4.1). Missing
// ids are zero-filled. Returns the count successfully read from disk
// (zero-filled pages past EOF still count as "handled", matching
// single-page ReadPage's tolerance, but are not counted as reads).
func (m *Manager) BatchReadPages(ids []page.ID, bufs [][]byte) (int, error) {
	if len(ids) != len(bufs) {
		return 0, errors.New("disk: ids and bufs length mismatch")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return 0, ErrClosed
	}
	if m.failRead.Load() {
		return 0, ErrSimulated
	}

	items := make([]batchItem, len(ids))
	for i := range ids {
		items[i] = batchItem{id: ids[i], buf: bufs[i]}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].id < items[j].id })

	count := 0
	for _, it := range items {
		offset := int64(it.id) * page.Size
		if !it.id.Valid() || offset >= m.fileSize {
			for i := range it.buf {
				it.buf[i] = 0
			}
			continue
		}
		n, err := m.scanFile.ReadAt(it.buf, offset)
		if err != nil && n == 0 {
			for i := range it.buf {
				it.buf[i] = 0
			}
			continue
		}
		for i := n; i < len(it.buf); i++ {
			it.buf[i] = 0
		}
		count++
	}
	return count, nil
}

// PrefetchPage is an advisory hint that id is likely to be read soon.
// It never blocks I/O and is a no-op when enablePrefetch is false or
// the platform has no fadvise support (see prefetch_linux.go /
// prefetch_other.go).
func (m *Manager) PrefetchPage(id page.ID) {
	if !m.enablePrefetch || !id.Valid() {
		return
	}
	m.mu.Lock()
	f := m.file
	m.mu.Unlock()
	if f == nil {
		return
	}
	prefetchHint(f, int64(id)*page.Size, page.Size)
}

// BatchPrefetchPages merges contiguous id ranges into single advisory
// calls before issuing them (spec.md §4.1).
func (m *Manager) BatchPrefetchPages(ids []page.ID) {
	if !m.enablePrefetch || len(ids) == 0 {
		return
	}
	m.mu.Lock()
	f := m.file
	m.mu.Unlock()
	if f == nil {
		return
	}

	sorted := append([]page.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	start := sorted[0]
	prev := sorted[0]
	flush := func(from, to page.ID) {
		offset := int64(from) * page.Size
		length := int64(to-from+1) * page.Size
		prefetchHint(f, offset, length)
	}
	for _, id := range sorted[1:] {
		if id == prev || id == prev+1 {
			prev = id
			continue
		}
		flush(start, prev)
		start, prev = id, id
	}
	flush(start, prev)
}

// Sync forces OS-level durability of the backing file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if m.failFlush.Load() {
		return ErrSimulated
	}
	return m.file.Sync()
}

// FileSizePages returns the current file length in pages.
func (m *Manager) FileSizePages() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileSize / page.Size
}

// SetReadFailure toggles the read fault-injection flag (spec.md §9).
func (m *Manager) SetReadFailure(on bool) { m.failRead.Store(on) }

// SetWriteFailure toggles the write fault-injection flag.
func (m *Manager) SetWriteFailure(on bool) { m.failWrite.Store(on) }

// SetSeekFailure toggles the seek fault-injection flag.
func (m *Manager) SetSeekFailure(on bool) { m.failSeek.Store(on) }

// SetFlushFailure toggles the flush/sync fault-injection flag.
func (m *Manager) SetFlushFailure(on bool) { m.failFlush.Store(on) }
