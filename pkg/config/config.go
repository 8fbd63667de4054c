// Package config provides the read-only typed configuration view
// described in spec.md §4.6 and §6. It wraps a plain map[string]any —
// parsing config files is explicitly an external collaborator's job
// (spec.md §1) — and layers the defaulted-struct convention the
// teacher repo uses (engine.DefaultOptions, txn.DefaultOptions) on
// top of it.
package config

import "time"

// Config is a read-only typed accessor over a configuration map.
// Callers query keys with their typed getters; a missing key or a
// type mismatch falls back to the documented default.
type Config struct {
	values map[string]any
}

// New builds a Config from a plain map. The map is copied; later
// mutation of the caller's map does not affect the Config, matching
// spec.md §4.6 ("read-only typed accessor").
func New(values map[string]any) *Config {
	c := &Config{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Defaults returns a Config populated with every default from
// spec.md §6.
func Defaults() *Config {
	return New(map[string]any{
		KeyDBFilePath:             "./data/sqlcc.db",
		KeyPageSize:               8192,
		KeyPoolSize:               64,
		KeyReadLockTimeoutMS:      2000,
		KeyWriteLockTimeoutMS:     5000,
		KeyDefaultLockTimeoutMS:   3000,
		KeyReplacementPolicy:      "LRU",
		KeyEnablePrefetch:         true,
		KeyEnableAsyncIO:          true,
		KeyEnableDirectIO:         false,
		KeyWALForceSync:           false,
		KeyWALFlushIntervalMS:     10,
	})
}

// Keys consumed by the storage core, per spec.md §6.
const (
	KeyDBFilePath           = "database.db_file_path"
	KeyPageSize             = "database.page_size"
	KeyPoolSize             = "buffer_pool.pool_size"
	KeyReadLockTimeoutMS    = "buffer_pool.read_lock_timeout_ms"
	KeyWriteLockTimeoutMS   = "buffer_pool.write_lock_timeout_ms"
	KeyDefaultLockTimeoutMS = "buffer_pool.default_lock_timeout_ms"
	KeyReplacementPolicy    = "buffer_pool.replacement_policy"
	KeyEnablePrefetch       = "buffer_pool.enable_prefetch"
	KeyEnableAsyncIO        = "disk_manager.enable_async_io"
	KeyEnableDirectIO       = "disk_manager.enable_direct_io"
	KeyWALForceSync         = "wal.force_sync"
	KeyWALFlushIntervalMS   = "wal.flush_interval_ms"
)

// defaultFor returns the documented spec.md §6 default for a known
// key, used when the caller's map omits it or supplies the wrong type.
var defaultFor = map[string]any{
	KeyDBFilePath:           "./data/sqlcc.db",
	KeyPageSize:             8192,
	KeyPoolSize:             64,
	KeyReadLockTimeoutMS:    2000,
	KeyWriteLockTimeoutMS:   5000,
	KeyDefaultLockTimeoutMS: 3000,
	KeyReplacementPolicy:    "LRU",
	KeyEnablePrefetch:       true,
	KeyEnableAsyncIO:        true,
	KeyEnableDirectIO:       false,
	KeyWALForceSync:         false,
	KeyWALFlushIntervalMS:   10,
}

// String returns the string value for key, or its default.
func (c *Config) String(key string) string {
	if v, ok := c.values[key].(string); ok {
		return v
	}
	if d, ok := defaultFor[key].(string); ok {
		return d
	}
	return ""
}

// Int returns the int value for key, or its default. Accepts int and
// int64 so callers can build maps from either literal type.
func (c *Config) Int(key string) int {
	switch v := c.values[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	switch d := defaultFor[key].(type) {
	case int:
		return d
	case int64:
		return int(d)
	}
	return 0
}

// Bool returns the bool value for key, or its default.
func (c *Config) Bool(key string) bool {
	if v, ok := c.values[key].(bool); ok {
		return v
	}
	if d, ok := defaultFor[key].(bool); ok {
		return d
	}
	return false
}

// Duration interprets an "_ms"-suffixed int key as milliseconds.
func (c *Config) Duration(key string) time.Duration {
	return time.Duration(c.Int(key)) * time.Millisecond
}

// Has reports whether key was present in the map the Config was built
// from (as opposed to falling back to a default).
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}
