package wal

import (
	"bytes"
	"os"
	"time"
)

// CheckpointState is spec.md §3's CheckpointState: a snapshot of
// materialized values at checkpoint time, used to bound recovery
// replay.
type CheckpointState struct {
	LSN        uint64
	Timestamp  time.Time
	PageStates map[string]Value
}

// encodeCheckpoint uses the same primitives as record encoding (len-
// prefixed strings, tagged values) per spec.md §6 ("using the same
// encoding").
func encodeCheckpoint(c CheckpointState) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, c.LSN)
	writeInt64(&buf, c.Timestamp.UnixNano())
	writeUint64(&buf, uint64(len(c.PageStates)))
	for k, v := range c.PageStates {
		writeLenPrefixed(&buf, k)
		encodeValue(&buf, v)
	}
	return buf.Bytes()
}

func decodeCheckpoint(payload []byte) (CheckpointState, error) {
	cur := &cursor{buf: payload}
	var cp CheckpointState
	var err error
	if cp.LSN, err = cur.readUint64(); err != nil {
		return cp, err
	}
	ts, err := cur.readInt64()
	if err != nil {
		return cp, err
	}
	cp.Timestamp = time.Unix(0, ts).UTC()
	count, err := cur.readUint64()
	if err != nil {
		return cp, err
	}
	cp.PageStates = make(map[string]Value, count)
	for i := uint64(0); i < count; i++ {
		k, err := cur.readString()
		if err != nil {
			return cp, err
		}
		v, err := decodeValue(cur)
		if err != nil {
			return cp, err
		}
		cp.PageStates[k] = v
	}
	return cp, nil
}

// appendCheckpointFile appends one framed CheckpointState to the
// checkpoint file (spec.md's checkpoint_history, newest-last). The
// file accumulates one record per CreateCheckpoint call; CompactLog is
// what trims it back to the most recent N (see manager.go).
func appendCheckpointFile(path string, c CheckpointState) error {
	framed, err := frameRecord(encodeCheckpoint(c))
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(framed); err != nil {
		return err
	}
	return f.Sync()
}

// readCheckpointHistory returns every checkpoint record in the file,
// oldest first. A missing file yields (nil, nil), the fresh-database
// case.
func readCheckpointHistory(path string) ([]CheckpointState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var history []CheckpointState
	for len(data) > 0 {
		payload, n, ok := unframeRecord(data)
		if !ok {
			if history == nil {
				return nil, ErrCheckpointCorrupted
			}
			break // torn tail from an interrupted append; keep what parsed cleanly
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, ErrCheckpointCorrupted
		}
		history = append(history, cp)
		data = data[n:]
	}
	return history, nil
}

// rewriteCheckpointFile replaces the checkpoint file's contents with
// exactly the given history, used by CompactLog to truncate to the
// most recent N entries.
func rewriteCheckpointFile(path string, history []CheckpointState) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, cp := range history {
		framed, err := frameRecord(encodeCheckpoint(cp))
		if err != nil {
			return err
		}
		if _, err := f.Write(framed); err != nil {
			return err
		}
	}
	return f.Sync()
}
