// Package logstats provides optional lock-contention counters for the
// subsystems named in the storage engine's concurrency model: the page
// cache, the MVCC chain shards, and the WAL append buffer. Disabled by
// default; enabled via config.Config.LockStatsEnabled.
package logstats

import (
	"sync/atomic"
	"time"
)

// Kind names a subsystem whose lock contention is tracked.
type Kind int

const (
	KindPageCache Kind = iota
	KindMvccShard
	KindWal
	KindCheckpoint

	numKinds = int(KindCheckpoint) + 1
)

type counter struct {
	acquires uint64
	waitNs   uint64
}

// Counters is a set of per-subsystem contention counters. The zero value
// is usable and records nothing meaningfully distinct from a disabled
// Counters, but Enabled() reports false for it; use New to get a Counters
// that actually records.
type Counters struct {
	enabled bool
	c       [numKinds]counter
}

// New creates a Counters that records when enabled is true and is a
// cheap no-op (aside from the branch) when enabled is false.
func New(enabled bool) *Counters {
	return &Counters{enabled: enabled}
}

// Enabled reports whether this Counters records contention.
func (s *Counters) Enabled() bool {
	return s != nil && s.enabled
}

// RecordWait records a lock acquisition that waited for wait before
// succeeding. Call with wait == 0 for an uncontended acquisition (still
// counts toward Acquires).
func (s *Counters) RecordWait(kind Kind, wait time.Duration) {
	if s == nil || !s.enabled {
		return
	}
	c := &s.c[kind]
	atomic.AddUint64(&c.acquires, 1)
	if wait > 0 {
		atomic.AddUint64(&c.waitNs, uint64(wait))
	}
}

// Snapshot is a point-in-time read of one subsystem's counters.
type Snapshot struct {
	Acquires uint64
	WaitNs   uint64
}

// Snapshot returns the current counters for kind.
func (s *Counters) Snapshot(kind Kind) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	c := &s.c[kind]
	return Snapshot{
		Acquires: atomic.LoadUint64(&c.acquires),
		WaitNs:   atomic.LoadUint64(&c.waitNs),
	}
}

// TimedAcquire returns a closure that records the wait duration for kind
// when called: acquired := stats.TimedAcquire(KindWal); lock.Lock();
// acquired().
func (s *Counters) TimedAcquire(kind Kind) func() {
	if s == nil || !s.enabled {
		return func() {}
	}
	start := time.Now()
	return func() {
		s.RecordWait(kind, time.Since(start))
	}
}
