// Package storage wires DiskManager, BufferPool, and WalManager into
// the single cross-component contract spec.md §4.5 calls out: a dirty
// page must not be written back before the WAL record that dirtied it
// is durable. Engine is grounded on the teacher's pkg/engine package,
// which plays the same "assemble the independently testable pieces"
// role for cobaltdb's SQL engine.
package storage

import (
	"path/filepath"

	"github.com/sqlcc/engine/pkg/buffer"
	"github.com/sqlcc/engine/pkg/config"
	"github.com/sqlcc/engine/pkg/disk"
	"github.com/sqlcc/engine/pkg/logsink"
	"github.com/sqlcc/engine/pkg/page"
	"github.com/sqlcc/engine/pkg/wal"
)

// Engine is the assembled storage core.
type Engine struct {
	Disk *disk.Manager
	Pool buffer.Pool
	WAL  *wal.Manager
	log  logsink.Logger
}

// Options lets callers opt into the sharded BufferPool variant; zero
// value (NumShards == 0) selects the monolithic one.
type Options struct {
	NumShards int
	Logger    logsink.Logger
}

// Open reads the spec.md §6 keys the core acts on (file path, pool
// size, lock timeouts, prefetch, WAL force-sync and flush interval),
// opens the page file and WAL, and wires the WAL as the buffer pool's
// DurabilityGate. The informational keys (page size, replacement
// policy, async/direct I/O hints) are not read.
func Open(cfg *config.Config, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logsink.Discard
	}

	dbPath := cfg.String(config.KeyDBFilePath)
	dm, err := disk.Open(dbPath, disk.Options{
		EnablePrefetch: cfg.Bool(config.KeyEnablePrefetch),
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	walPath := filepath.Clean(dbPath) + ".wal"
	wm, err := wal.Open(walPath, wal.Options{
		ForceSync:     cfg.Bool(config.KeyWALForceSync),
		FlushInterval: cfg.Duration(config.KeyWALFlushIntervalMS),
		Logger:        log,
	})
	if err != nil {
		dm.Close()
		return nil, err
	}

	poolCfg := buffer.Config{
		Capacity:           cfg.Int(config.KeyPoolSize),
		ReadLockTimeout:    cfg.Duration(config.KeyReadLockTimeoutMS),
		WriteLockTimeout:   cfg.Duration(config.KeyWriteLockTimeoutMS),
		DefaultLockTimeout: cfg.Duration(config.KeyDefaultLockTimeoutMS),
		Logger:             log,
	}

	var pool buffer.Pool
	if opts.NumShards > 1 {
		pool = buffer.NewSharded(dm, poolCfg, opts.NumShards)
	} else {
		pool = buffer.New(dm, poolCfg)
	}
	pool.SetWALGate(wm)

	return &Engine{Disk: dm, Pool: pool, WAL: wm, log: log}, nil
}

// FetchPage returns a pinned page; callers must Unpin it exactly once.
func (e *Engine) FetchPage(id page.ID) (*page.Page, error) {
	return e.Pool.FetchPage(id)
}

// NewPage allocates a page id and installs an empty pinned page.
func (e *Engine) NewPage() (page.ID, *page.Page, error) {
	return e.Pool.NewPage()
}

// UnpinPage releases a pin acquired by FetchPage or NewPage.
func (e *Engine) UnpinPage(id page.ID, dirty bool) error {
	return e.Pool.UnpinPage(id, dirty)
}

// LogAndUnpin is the mutating-caller sequence spec.md §2 describes:
// log the change before it's applied, then unpin dirty. The WAL write
// happens first so the dirty-page write (whenever it is eventually
// evicted or flushed) is always covered by a durable-before-written
// record once the pool's DurabilityGate is consulted.
func (e *Engine) LogAndUnpin(id page.ID, record wal.LogRecord) (uint64, error) {
	lsn, err := e.WAL.Log(record)
	if err != nil {
		return 0, err
	}
	if err := e.Pool.UnpinPage(id, true); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// FlushPage writes a dirty page back to disk, consulting the WAL gate.
func (e *Engine) FlushPage(id page.ID) error {
	return e.Pool.FlushPage(id)
}

// FlushAllPages flushes every dirty page, then forces the WAL durable
// so the two durability boundaries line up on a clean shutdown path.
func (e *Engine) FlushAllPages() error {
	if err := e.Pool.FlushAllPages(); err != nil {
		return err
	}
	return e.WAL.ForceFlush()
}

// DeletePage removes an unpinned page and frees its id.
func (e *Engine) DeletePage(id page.ID) error {
	return e.Pool.DeletePage(id)
}

// Resize changes the buffer pool's capacity.
func (e *Engine) Resize(newCapacity int) error {
	return e.Pool.Resize(newCapacity)
}

// Metrics returns the buffer pool's counters.
func (e *Engine) Metrics() buffer.Metrics {
	return e.Pool.Metrics()
}

// Recover seeds from the latest checkpoint and replays every WAL
// record after it, returning the reconstructed key-value page states
// (spec.md §4.5's recover_from_log, scoped to the WAL's own key-value
// model — mapping those states onto concrete page bytes is an
// upper-layer concern outside this core).
func (e *Engine) Recover() (*wal.RecoveryResult, error) {
	return e.WAL.RecoverFromLog()
}

// Checkpoint snapshots pageStates into a WAL checkpoint (force-flushing
// the log first) and then flushes all dirty pages. It does not truncate
// the log; that is WAL.CompactLog's job.
func (e *Engine) Checkpoint(pageStates map[string]wal.Value) (uint64, error) {
	lsn, err := e.WAL.CreateCheckpoint(pageStates, true)
	if err != nil {
		return 0, err
	}
	if err := e.Pool.FlushAllPages(); err != nil {
		e.log.Printf("storage: checkpoint flush_all_pages failed: %v", err)
	}
	return lsn, nil
}

// Close flushes everything and closes the disk file and WAL.
func (e *Engine) Close() error {
	flushErr := e.FlushAllPages()
	walErr := e.WAL.Close()
	diskErr := e.Disk.Close()
	if flushErr != nil {
		return flushErr
	}
	if walErr != nil {
		return walErr
	}
	return diskErr
}
