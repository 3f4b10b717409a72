// Package config holds the connection-level options recognized by the
// storage engine.
package config

import "time"

// Config controls WAL durability policy, cache sizing, and checkpoint
// scheduling for a Connection. Zero value is not valid; use Default() or
// WithDefaults to fill in the documented defaults.
type Config struct {
	// WalEnabled is carried in the struct (default true) but is not
	// consulted: a Connection always opens, recovers and writes the
	// global WAL, whatever its value.
	WalEnabled bool `json:"wal_enabled"`

	// WalSyncIntervalMs amortizes fsync across concurrent committers; 0
	// means strict per-commit sync. Default 100.
	WalSyncIntervalMs uint32 `json:"wal_sync_interval_ms"`

	// CheckpointAfterUpdates makes each table's pager checkpoint its own
	// btree once N page mutations have been committed to it since its
	// last checkpoint (pager.Pager.CheckpointDue). It counts page
	// mutations, not transaction commits, and does not start a
	// connection-wide checkpoint. Nil disables automatic checkpointing.
	CheckpointAfterUpdates *uint64 `json:"checkpoint_after_updates,omitempty"`

	// CacheCapacityPages bounds the page cache. Default 256.
	CacheCapacityPages uint32 `json:"cache_capacity_pages"`

	// PreallocatePages extends a freshly created table file by this many
	// blocks into avail before any data is written. Default 0.
	PreallocatePages uint32 `json:"preallocate_pages"`

	// LockStatsEnabled turns on contention counters. Default false.
	LockStatsEnabled bool `json:"lock_stats_enabled"`
}

// Default returns the documented option defaults.
func Default() Config {
	return Config{
		WalEnabled:         true,
		WalSyncIntervalMs:  100,
		CacheCapacityPages: 256,
		PreallocatePages:   0,
		LockStatsEnabled:   false,
	}
}

// WithDefaults fills CacheCapacityPages with its documented default when
// the caller left it unset. WalSyncIntervalMs of 0 is meaningful (strict
// per-commit sync) so it is never defaulted here; use Default() directly
// to get the amortized 100ms interval.
func WithDefaults(cfg Config) Config {
	if cfg.CacheCapacityPages == 0 {
		cfg.CacheCapacityPages = Default().CacheCapacityPages
	}
	return cfg
}

// SyncInterval returns WalSyncIntervalMs as a time.Duration for use with
// the WAL's sync-due check.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.WalSyncIntervalMs) * time.Millisecond
}
