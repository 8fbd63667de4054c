package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts Options) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	m, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLogAssignsIncreasingLSNs(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	lsn1, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)
	lsn2, err := m.Log(LogRecord{TxnID: 1, Kind: KindCommit})
	require.NoError(t, err)

	require.Equal(t, uint64(1), lsn1)
	require.Equal(t, uint64(2), lsn2)
}

func TestLogBatchReservesContiguousRange(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	records := []LogRecord{
		{TxnID: 1, Kind: KindBegin},
		{TxnID: 1, Kind: KindInsert, Key: "k", NewValue: IntValue(1)},
		{TxnID: 1, Kind: KindCommit},
	}
	last, err := m.LogBatch(records)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
	require.Equal(t, uint64(1), records[0].LSN)
	require.Equal(t, uint64(2), records[1].LSN)
	require.Equal(t, uint64(3), records[2].LSN)
}

func TestForceFlushMakesRecordsDurable(t *testing.T) {
	m := openTest(t, Options{FlushInterval: time.Hour})

	lsn, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)
	require.Less(t, m.LastFlushedLSN(), lsn)

	require.NoError(t, m.ForceFlush())
	require.GreaterOrEqual(t, m.LastFlushedLSN(), lsn)
}

func TestAsyncFlushEventuallyPersists(t *testing.T) {
	m := openTest(t, Options{FlushInterval: 5 * time.Millisecond})

	lsn, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.LastFlushedLSN() >= lsn
	}, time.Second, 2*time.Millisecond)
}

func TestReadLogRangeOnlyReadsDisk(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	for i := uint64(1); i <= 3; i++ {
		_, err := m.Log(LogRecord{TxnID: i, Kind: KindBegin})
		require.NoError(t, err)
	}

	records, err := m.ReadLogRange(2, 3)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(2), records[0].LSN)
	require.Equal(t, uint64(3), records[1].LSN)
}

func TestRecoverFromLogScenario(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	_, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 1, Kind: KindInsert, Key: "k", NewValue: IntValue(7)})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 1, Kind: KindCommit})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 2, Kind: KindBegin})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 2, Kind: KindInsert, Key: "k2", NewValue: IntValue(9)})
	require.NoError(t, err)
	// no commit for txn 2: simulated crash

	result, err := m.RecoverFromLog()
	require.NoError(t, err)
	require.Equal(t, IntValue(7), result.PageStates["k"])
	_, hasK2 := result.PageStates["k2"]
	require.False(t, hasK2)
	require.Equal(t, []uint64{2}, result.Compensated)
}

func TestRecoveryIsDeterministicAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	m, err := Open(path, Options{ForceSync: true})
	require.NoError(t, err)

	_, err = m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 1, Kind: KindInsert, Key: "k", NewValue: IntValue(7)})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 1, Kind: KindCommit})
	require.NoError(t, err)

	first, err := m.RecoverFromLog()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m2, err := Open(path, Options{ForceSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { m2.Close() })

	second, err := m2.RecoverFromLog()
	require.NoError(t, err)
	require.Equal(t, first.PageStates, second.PageStates)
}

func TestVerifyLogIntegrityDetectsCorruption(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})
	_, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)

	valid, corrupt, err := m.VerifyLogIntegrity()
	require.NoError(t, err)
	require.Equal(t, 1, valid)
	require.Equal(t, int64(-1), corrupt)

	// Append a torn frame: a length prefix promising more bytes than follow.
	info, err := os.Stat(m.logPath)
	require.NoError(t, err)
	f, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	valid, corrupt, err = m.VerifyLogIntegrity()
	require.NoError(t, err)
	require.Equal(t, 1, valid)
	require.Equal(t, info.Size(), corrupt)
}

func TestCompactLogDropsOldRecordsButKeepsCheckpoint(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	for i := uint64(1); i <= 5; i++ {
		_, err := m.Log(LogRecord{TxnID: i, Kind: KindBegin})
		require.NoError(t, err)
	}
	_, err := m.CreateCheckpoint(map[string]Value{"k": IntValue(1)}, true)
	require.NoError(t, err)

	require.NoError(t, m.CompactLog(4))

	records, err := m.ReadLogRange(1, 5)
	require.NoError(t, err)
	for _, r := range records {
		require.GreaterOrEqual(t, r.LSN, uint64(4))
	}
	require.Equal(t, uint64(5), m.LastCheckpointLSN())
}

func TestRecoverFromLogSeedsFromCheckpointAfterCompaction(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	_, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 1, Kind: KindInsert, Key: "k", NewValue: IntValue(7)})
	require.NoError(t, err)
	commitLSN, err := m.Log(LogRecord{TxnID: 1, Kind: KindCommit})
	require.NoError(t, err)

	_, err = m.CreateCheckpoint(map[string]Value{"k": IntValue(7)}, true)
	require.NoError(t, err)
	require.NoError(t, m.CompactLog(commitLSN+1))

	// The Begin/Insert/Commit records for txn 1 are gone from the log;
	// recovery must still see "k" because it comes from the checkpoint,
	// not from a scan of the (now truncated) log.
	result, err := m.RecoverFromLog()
	require.NoError(t, err)
	require.Equal(t, IntValue(7), result.PageStates["k"])
	require.Empty(t, result.Compensated)

	_, err = m.Log(LogRecord{TxnID: 2, Kind: KindBegin})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 2, Kind: KindInsert, Key: "k2", NewValue: IntValue(3)})
	require.NoError(t, err)
	_, err = m.Log(LogRecord{TxnID: 2, Kind: KindCommit})
	require.NoError(t, err)

	result, err = m.RecoverFromLog()
	require.NoError(t, err)
	require.Equal(t, IntValue(7), result.PageStates["k"])
	require.Equal(t, IntValue(3), result.PageStates["k2"])
}

func TestCheckpointHistoryTruncatedToMostRecentNOnCompact(t *testing.T) {
	m := openTest(t, Options{ForceSync: true})

	var lastLSN uint64
	for i := 0; i < maxCheckpointHistory+3; i++ {
		lsn, err := m.Log(LogRecord{TxnID: uint64(i + 1), Kind: KindBegin})
		require.NoError(t, err)
		lastLSN = lsn
		_, err = m.CreateCheckpoint(map[string]Value{"k": IntValue(int64(i))}, true)
		require.NoError(t, err)
	}
	require.Len(t, m.CheckpointHistory(), maxCheckpointHistory+3)

	require.NoError(t, m.CompactLog(lastLSN))

	history := m.CheckpointHistory()
	require.Len(t, history, maxCheckpointHistory)
	require.Equal(t, IntValue(int64(maxCheckpointHistory+2)), history[len(history)-1].PageStates["k"])

	// The persisted file must agree with the in-memory view across a
	// reopen (comparing LSN/PageStates rather than Timestamp, which
	// loses its monotonic reading and gains a UTC location on reload).
	require.NoError(t, m.Close())
	m2, err := Open(m.logPath, Options{ForceSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { m2.Close() })

	reloaded := m2.CheckpointHistory()
	require.Len(t, reloaded, len(history))
	for i := range history {
		require.Equal(t, history[i].LSN, reloaded[i].LSN)
		require.Equal(t, history[i].PageStates, reloaded[i].PageStates)
	}
}

func TestEnsureDurableSatisfiesGateContract(t *testing.T) {
	m := openTest(t, Options{FlushInterval: time.Hour})
	lsn, err := m.Log(LogRecord{TxnID: 1, Kind: KindBegin})
	require.NoError(t, err)

	require.NoError(t, m.EnsureDurable())
	require.GreaterOrEqual(t, m.LastFlushedLSN(), lsn)
}
