// Package wal implements WalManager from spec.md §4.5: an append-only,
// LSN-ordered log with group commit, checkpointing, and crash
// recovery. The wire format and the length-prefixed/crc32 framing
// follow the teacher's pkg/storage/wal.go; the background flush
// worker follows mnohosten-laura-db's pkg/database/worker_pool.go
// context+channel shutdown pattern rather than a hand-rolled
// (mutex, condvar) pair, since that idiom is already present in the
// retrieved corpus.
package wal

import (
	"bufio"
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sqlcc/engine/pkg/logsink"
)

// maxCheckpointHistory bounds how many CheckpointState records
// CompactLog keeps on disk and in memory. It is an engine-chosen
// retention constant, not borrowed from any example's source (see
// DESIGN.md); spec.md's own checkpoint_history field is the grounding
// for keeping more than one snapshot at all.
const maxCheckpointHistory = 8

// Options configures a Manager from spec.md §6's wal.* keys.
type Options struct {
	ForceSync     bool
	FlushInterval time.Duration
	Logger        logsink.Logger
}

// Manager is WalManager (spec.md §4.5).
type Manager struct {
	logPath        string
	checkpointPath string
	file           *os.File
	bufWriter      *bufio.Writer

	bufMu          sync.Mutex
	buffer         []LogRecord
	nextLSN        uint64
	lastFlushedLSN uint64
	signalCh       chan struct{}

	checkpointMu      sync.Mutex
	lastCheckpointLSN uint64
	checkpointHistory []CheckpointState

	forceSync     bool
	flushInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log    logsink.Logger
	closed bool
}

// Open opens (or creates) the WAL log file at logPath and its
// companion checkpoint file (logPath + ".checkpoint"), replays the
// existing log to recover next_lsn/last_flushed_lsn, and starts the
// background flush worker unless ForceSync is set.
func Open(logPath string, opts Options) (*Manager, error) {
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = logsink.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logPath:        logPath,
		checkpointPath: logPath + ".checkpoint",
		file:           file,
		bufWriter:      bufio.NewWriter(file),
		signalCh:       make(chan struct{}, 1),
		forceSync:      opts.ForceSync,
		flushInterval:  interval,
		ctx:            ctx,
		cancel:         cancel,
		log:            log,
	}

	if err := m.restoreState(); err != nil {
		file.Close()
		cancel()
		return nil, err
	}

	if !m.forceSync {
		m.wg.Add(1)
		go m.flushLoop()
	}
	return m, nil
}

// restoreState scans the existing log to recompute next_lsn and
// last_flushed_lsn, and loads the checkpoint file if present.
func (m *Manager) restoreState() error {
	if _, err := m.file.Seek(0, 0); err != nil {
		return err
	}
	res, err := scanLog(m.file)
	if err != nil {
		return err
	}
	if res.corruptOffset >= 0 {
		m.log.Printf("wal: truncating corrupt tail at offset %d", res.corruptOffset)
		if err := m.file.Truncate(res.corruptOffset); err != nil {
			return err
		}
	}
	if n := len(res.records); n > 0 {
		last := res.records[n-1].LSN
		m.nextLSN = last + 1
		m.lastFlushedLSN = last
	} else {
		m.nextLSN = 1
	}
	if _, err := m.file.Seek(0, 2); err != nil {
		return err
	}

	history, err := readCheckpointHistory(m.checkpointPath)
	if err != nil {
		m.log.Printf("wal: checkpoint file unreadable, ignoring: %v", err)
	} else if len(history) > 0 {
		m.checkpointHistory = history
		m.lastCheckpointLSN = history[len(history)-1].LSN
	}
	return nil
}

// latestCheckpoint returns the newest checkpoint recorded, if any.
func (m *Manager) latestCheckpoint() (CheckpointState, bool) {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	if len(m.checkpointHistory) == 0 {
		return CheckpointState{}, false
	}
	return m.checkpointHistory[len(m.checkpointHistory)-1], true
}

// CheckpointHistory returns a copy of every checkpoint currently
// retained (spec.md's checkpoint_history, oldest first).
func (m *Manager) CheckpointHistory() []CheckpointState {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	out := make([]CheckpointState, len(m.checkpointHistory))
	copy(out, m.checkpointHistory)
	return out
}

func (m *Manager) signalFlush() {
	select {
	case m.signalCh <- struct{}{}:
	default:
	}
}

// flushLoop is the single background worker of spec.md §9 ("a single
// background worker drains the WAL buffer"), woken by a timer or an
// explicit signal, and drained a final time on shutdown.
func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.backgroundFlushTick()
			return
		case <-ticker.C:
			m.backgroundFlushTick()
		case <-m.signalCh:
			m.backgroundFlushTick()
		}
	}
}

func (m *Manager) drain() []LogRecord {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	if len(m.buffer) == 0 {
		return nil
	}
	records := m.buffer
	m.buffer = nil
	return records
}

func (m *Manager) requeueFront(records []LogRecord) {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	m.buffer = append(records, m.buffer...)
}

// writeRecords appends records to the log file in order, flushing and
// fsyncing once at the end (group commit).
func (m *Manager) writeRecords(records []LogRecord) error {
	for _, r := range records {
		framed, err := frameRecord(encodeRecord(r))
		if err != nil {
			return err
		}
		if _, err := m.bufWriter.Write(framed); err != nil {
			return err
		}
	}
	if err := m.bufWriter.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

// backgroundFlushTick is the non-propagating counterpart of
// ForceFlush: I/O failures are logged and the records are requeued for
// the next tick (spec.md §7).
func (m *Manager) backgroundFlushTick() {
	records := m.drain()
	if len(records) == 0 {
		return
	}
	if err := m.writeRecords(records); err != nil {
		m.requeueFront(records)
		m.log.Printf("wal: async flush failed, will retry: %v", err)
		return
	}
	m.bufMu.Lock()
	m.lastFlushedLSN = records[len(records)-1].LSN
	m.bufMu.Unlock()
}

// Log assigns the next LSN, appends the record to the in-memory
// buffer, and signals the flush worker (or flushes inline under
// force_sync). Returns the assigned LSN.
func (m *Manager) Log(r LogRecord) (uint64, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}
	r.Timestamp = time.Now()

	m.bufMu.Lock()
	r.LSN = m.nextLSN
	m.nextLSN++
	m.buffer = append(m.buffer, r)
	m.bufMu.Unlock()

	if m.forceSync {
		return r.LSN, m.ForceFlush()
	}
	m.signalFlush()
	return r.LSN, nil
}

// LogBatch reserves a contiguous LSN range for records and appends all
// of them under one lock acquisition, preserving caller order (spec.md
// §4.5: "Group commit is always enabled at batch granularity").
func (m *Manager) LogBatch(records []LogRecord) (uint64, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}
	if len(records) == 0 {
		return 0, nil
	}
	now := time.Now()

	m.bufMu.Lock()
	base := m.nextLSN
	for i := range records {
		records[i].LSN = base + uint64(i)
		records[i].Timestamp = now
	}
	m.nextLSN += uint64(len(records))
	m.buffer = append(m.buffer, records...)
	last := m.nextLSN - 1
	m.bufMu.Unlock()

	if m.forceSync {
		return last, m.ForceFlush()
	}
	m.signalFlush()
	return last, nil
}

// ForceFlush blocks until every LSN assigned before this call is
// durable (spec.md §4.5).
func (m *Manager) ForceFlush() error {
	if m.isClosed() {
		return ErrClosed
	}
	m.bufMu.Lock()
	target := m.nextLSN - 1
	m.bufMu.Unlock()

	for {
		m.bufMu.Lock()
		if m.lastFlushedLSN >= target {
			m.bufMu.Unlock()
			return nil
		}
		m.bufMu.Unlock()

		records := m.drain()
		if len(records) == 0 {
			return nil
		}
		if err := m.writeRecords(records); err != nil {
			m.requeueFront(records)
			return err
		}
		m.bufMu.Lock()
		m.lastFlushedLSN = records[len(records)-1].LSN
		m.bufMu.Unlock()
	}
}

// EnsureDurable satisfies buffer.DurabilityGate: the cross-component
// contract is implemented as a conservative full flush (see
// pkg/buffer.DurabilityGate's doc comment).
func (m *Manager) EnsureDurable() error {
	return m.ForceFlush()
}

func (m *Manager) isClosed() bool {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	return m.closed
}

// LSN returns the next LSN that will be assigned.
func (m *Manager) LSN() uint64 {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	return m.nextLSN
}

// LastFlushedLSN returns the highest LSN known durable on disk.
func (m *Manager) LastFlushedLSN() uint64 {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	return m.lastFlushedLSN
}

// LastCheckpointLSN returns the LSN of the most recent checkpoint, or
// 0 if none has been taken.
func (m *Manager) LastCheckpointLSN() uint64 {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	return m.lastCheckpointLSN
}

// ReadLogRange returns records with from <= lsn <= to, read from disk
// (never from the in-memory buffer, per spec.md §4.5).
func (m *Manager) ReadLogRange(from, to uint64) ([]LogRecord, error) {
	if from > to {
		return nil, ErrInvalidRange
	}
	all, err := m.readAllFromDisk()
	if err != nil {
		return nil, err
	}
	var out []LogRecord
	for _, r := range all {
		if r.LSN >= from && r.LSN <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) readAllFromDisk() ([]LogRecord, error) {
	if err := m.bufWriter.Flush(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	res, err := scanLog(f)
	if err != nil {
		return nil, err
	}
	return res.records, nil
}

// VerifyLogIntegrity scans the on-disk log and reports how many
// leading records are well-formed and the byte offset of the first
// corrupt or torn record, or -1 if the file is entirely clean.
func (m *Manager) VerifyLogIntegrity() (validRecords int, corruptOffset int64, err error) {
	if err := m.bufWriter.Flush(); err != nil {
		return 0, -1, err
	}
	f, err := os.Open(m.logPath)
	if err != nil {
		return 0, -1, err
	}
	defer f.Close()
	res, err := scanLog(f)
	if err != nil {
		return 0, -1, err
	}
	return len(res.records), res.corruptOffset, nil
}

// applyRedo folds one Insert/Update/Delete record into a page-state
// map, the shared core of RecoverFromLog and ReplayLog.
func applyRedo(states map[string]Value, r LogRecord) {
	switch r.Kind {
	case KindInsert, KindUpdate:
		states[r.Key] = r.NewValue
	case KindDelete:
		delete(states, r.Key)
	}
}

// RecoveryResult is the outcome of RecoverFromLog.
type RecoveryResult struct {
	PageStates  map[string]Value
	Compensated []uint64
}

// RecoverFromLog implements spec.md §4.5's recover_from_log: locates
// the latest checkpoint, seeds page_states from its snapshot, scans
// forward over only the records after it, redoes every mutation for
// committed transactions, and emits a Compensate record for any
// transaction that began but never committed or aborted.
func (m *Manager) RecoverFromLog() (*RecoveryResult, error) {
	records, err := m.readAllFromDisk()
	if err != nil {
		return nil, err
	}

	states := make(map[string]Value)
	var sinceLSN uint64
	if cp, ok := m.latestCheckpoint(); ok {
		for k, v := range cp.PageStates {
			states[k] = v
		}
		sinceLSN = cp.LSN
	}

	committed := make(map[uint64]bool)
	pending := make(map[uint64][]LogRecord)
	open := make(map[uint64]bool)

	for _, r := range records {
		if r.LSN <= sinceLSN {
			continue
		}
		switch r.Kind {
		case KindBegin:
			open[r.TxnID] = true
		case KindCommit:
			committed[r.TxnID] = true
			delete(open, r.TxnID)
			for _, pr := range pending[r.TxnID] {
				applyRedo(states, pr)
			}
			delete(pending, r.TxnID)
		case KindAbort, KindCompensate:
			delete(open, r.TxnID)
			delete(pending, r.TxnID)
		case KindInsert, KindUpdate, KindDelete:
			if committed[r.TxnID] {
				applyRedo(states, r)
			} else {
				pending[r.TxnID] = append(pending[r.TxnID], r)
			}
		}
	}

	var compensated []uint64
	for txnID := range open {
		compensated = append(compensated, txnID)
	}
	sort.Slice(compensated, func(i, j int) bool { return compensated[i] < compensated[j] })

	for _, txnID := range compensated {
		if _, err := m.Log(LogRecord{TxnID: txnID, Kind: KindCompensate}); err != nil {
			return nil, err
		}
	}
	if len(compensated) > 0 {
		if err := m.ForceFlush(); err != nil {
			return nil, err
		}
	}

	return &RecoveryResult{PageStates: states, Compensated: compensated}, nil
}

// ReplayLog deterministically redoes records in [from, to] without
// mutating the log (spec.md §4.5: "used by tooling and tests"). Like
// RecoverFromLog, it seeds from the latest checkpoint and skips any
// requested record already covered by it.
func (m *Manager) ReplayLog(from, to uint64) (map[string]Value, error) {
	records, err := m.ReadLogRange(from, to)
	if err != nil {
		return nil, err
	}

	states := make(map[string]Value)
	var sinceLSN uint64
	if cp, ok := m.latestCheckpoint(); ok {
		for k, v := range cp.PageStates {
			states[k] = v
		}
		sinceLSN = cp.LSN
	}

	committed := make(map[uint64]bool)
	pending := make(map[uint64][]LogRecord)

	for _, r := range records {
		if r.LSN <= sinceLSN {
			continue
		}
		switch r.Kind {
		case KindCommit:
			committed[r.TxnID] = true
			for _, pr := range pending[r.TxnID] {
				applyRedo(states, pr)
			}
			delete(pending, r.TxnID)
		case KindAbort, KindCompensate:
			delete(pending, r.TxnID)
		case KindInsert, KindUpdate, KindDelete:
			if committed[r.TxnID] {
				applyRedo(states, r)
			} else {
				pending[r.TxnID] = append(pending[r.TxnID], r)
			}
		}
	}
	return states, nil
}

// CreateCheckpoint snapshots pageStates, persists it to the checkpoint
// file, and records it in the in-memory checkpoint history.
func (m *Manager) CreateCheckpoint(pageStates map[string]Value, sync bool) (uint64, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}
	lsn := m.LSN() - 1

	snapshot := make(map[string]Value, len(pageStates))
	for k, v := range pageStates {
		snapshot[k] = v
	}
	cp := CheckpointState{LSN: lsn, Timestamp: time.Now(), PageStates: snapshot}

	if sync {
		if err := m.ForceFlush(); err != nil {
			return 0, err
		}
	}

	if err := appendCheckpointFile(m.checkpointPath, cp); err != nil {
		return 0, err
	}

	m.checkpointMu.Lock()
	m.lastCheckpointLSN = lsn
	m.checkpointHistory = append(m.checkpointHistory, cp)
	m.checkpointMu.Unlock()

	return lsn, nil
}

// CompactLog truncates records with lsn < keepLSN and rewrites the
// log, then trims the checkpoint history to the most recent
// maxCheckpointHistory entries. The newest checkpoint is always among
// those kept, so it is preserved regardless of how aggressively the
// log is compacted (spec.md §4.5, §9 open question).
func (m *Manager) CompactLog(keepLSN uint64) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.ForceFlush(); err != nil {
		return err
	}

	records, err := m.readAllFromDisk()
	if err != nil {
		return err
	}
	var kept []LogRecord
	for _, r := range records {
		if r.LSN >= keepLSN {
			kept = append(kept, r)
		}
	}

	if err := m.file.Truncate(0); err != nil {
		return err
	}
	if _, err := m.file.Seek(0, 0); err != nil {
		return err
	}
	m.bufWriter = bufio.NewWriter(m.file)

	if err := m.writeRecords(kept); err != nil {
		return err
	}

	return m.truncateCheckpointHistory()
}

// truncateCheckpointHistory keeps only the most recent
// maxCheckpointHistory checkpoints, in memory and on disk.
func (m *Manager) truncateCheckpointHistory() error {
	m.checkpointMu.Lock()
	if len(m.checkpointHistory) > maxCheckpointHistory {
		m.checkpointHistory = append([]CheckpointState(nil),
			m.checkpointHistory[len(m.checkpointHistory)-maxCheckpointHistory:]...)
	}
	snapshot := append([]CheckpointState(nil), m.checkpointHistory...)
	m.checkpointMu.Unlock()

	return rewriteCheckpointFile(m.checkpointPath, snapshot)
}

// Close stops the background flush worker, drains and flushes any
// remaining buffered records, and closes the log file.
func (m *Manager) Close() error {
	m.bufMu.Lock()
	if m.closed {
		m.bufMu.Unlock()
		return nil
	}
	m.closed = true
	m.bufMu.Unlock()

	if !m.forceSync {
		m.cancel()
		m.wg.Wait()
	}

	records := m.drain()
	if len(records) > 0 {
		if err := m.writeRecords(records); err != nil {
			m.log.Printf("wal: final drain on close failed: %v", err)
		} else {
			m.lastFlushedLSN = records[len(records)-1].LSN
		}
	}

	return m.file.Close()
}
