// Package session implements C8 from the storage engine design: the
// session/transaction coordinator that sits on top of the per-table
// btree and MVCC layers and the connection-wide WAL (spec.md §4.8).
package session

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"docengine/btree"
	"docengine/config"
	"docengine/logstats"
	"docengine/mvcc"
	"docengine/txn"
)

// Entry is one key/value pair returned from a range scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Table is a single collection's (or index's) durable B+ tree plus its
// in-memory MVCC chain layer. It is the Go counterpart of the original
// implementation's storage::table::Table, minus secondary-index
// catalog management (out of scope; see DESIGN.md).
type Table struct {
	mu    sync.RWMutex
	name  string // the uri this handle was opened under, e.g. "table:docs"
	tree  *btree.BTree
	mvcc  *mvcc.State
	stats *logstats.Counters
}

// openTable opens the btree at path if it already exists, or creates
// it fresh otherwise, and wraps it with an MVCC layer sharing global's
// transaction bookkeeping.
func openTable(path, uri string, cfg config.Config, global *txn.GlobalState, stats *logstats.Counters) (*Table, error) {
	var tree *btree.BTree
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		tree, err = btree.Open(path, cfg)
	} else {
		tree, err = btree.Create(path, 4096, cfg)
	}
	if err != nil {
		return nil, err
	}
	return &Table{name: uri, tree: tree, mvcc: mvcc.New(tree, global, stats), stats: stats}, nil
}

func (t *Table) Name() string { return t.name }

// Get, Put, Delete, and ScanRange all serialize on t.mu before reaching
// the btree's own page cache (pager.Pager) beneath t.tree — this is the
// page-cache lock named in spec.md §5, so its acquisitions are tracked
// under logstats.KindPageCache.
func (t *Table) Get(key []byte, tr *txn.Transaction) ([]byte, bool, error) {
	acquired := t.stats.TimedAcquire(logstats.KindPageCache)
	t.mu.RLock()
	acquired()
	defer t.mu.RUnlock()
	return t.mvcc.Get(key, tr)
}

func (t *Table) Put(key, value []byte, tr *txn.Transaction) error {
	acquired := t.stats.TimedAcquire(logstats.KindPageCache)
	t.mu.Lock()
	acquired()
	defer t.mu.Unlock()
	return t.mvcc.Put(key, value, tr)
}

func (t *Table) Delete(key []byte, tr *txn.Transaction) error {
	acquired := t.stats.TimedAcquire(logstats.KindPageCache)
	t.mu.Lock()
	acquired()
	defer t.mu.Unlock()
	return t.mvcc.Delete(key, tr)
}

func (t *Table) MarkUpdatesCommitted(tr *txn.Transaction) error {
	acquired := t.stats.TimedAcquire(logstats.KindPageCache)
	t.mu.Lock()
	acquired()
	defer t.mu.Unlock()
	return t.mvcc.MarkUpdatesCommitted(tr)
}

func (t *Table) MarkUpdatesAborted(tr *txn.Transaction) error {
	acquired := t.stats.TimedAcquire(logstats.KindPageCache)
	t.mu.Lock()
	acquired()
	defer t.mu.Unlock()
	return t.mvcc.MarkUpdatesAborted(tr)
}

// ScanRange returns every key/value pair visible to tr whose key lies
// within [start, end] (a nil bound is unbounded on that side), merging
// the durable btree's keys with any not-yet-flushed in-memory chain
// entries, deduplicated and sorted ascending (mirroring the original
// implementation's Table::scan_range).
func (t *Table) ScanRange(start, end []byte, tr *txn.Transaction) ([]Entry, error) {
	acquired := t.stats.TimedAcquire(logstats.KindPageCache)
	t.mu.RLock()
	acquired()
	defer t.mu.RUnlock()

	startBound, endBound := btree.Unbounded, btree.Unbounded
	if start != nil {
		startBound = btree.Bound{Key: start, Inclusive: true}
	}
	if end != nil {
		endBound = btree.Bound{Key: end, Inclusive: true}
	}

	it, err := t.tree.Range(startBound, endBound)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var keys [][]byte
	for {
		k, _, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if _, dup := seen[string(k)]; dup {
			continue
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, k)
	}
	for _, k := range t.mvcc.ChainKeysInRange(start, end) {
		if _, dup := seen[string(k)]; dup {
			continue
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, ok, err := t.mvcc.Get(k, tr)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out, nil
}

// Checkpoint flushes every committed MVCC chain into the durable btree
// and commits a new stable root.
func (t *Table) Checkpoint() error {
	acquired := t.stats.TimedAcquire(logstats.KindCheckpoint)
	t.mu.Lock()
	acquired()
	defer t.mu.Unlock()
	if err := t.mvcc.Flush(); err != nil {
		return err
	}
	return t.tree.Checkpoint()
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Close()
}
