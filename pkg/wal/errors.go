package wal

import "errors"

// Errors returned by Manager operations (spec.md §7).
var (
	ErrClosed              = errors.New("wal: manager is closed")
	ErrTruncatedRecord     = errors.New("wal: truncated record")
	ErrCheckpointCorrupted = errors.New("wal: checkpoint file corrupted")
	ErrInvalidRange        = errors.New("wal: invalid lsn range")
)
