// Package recovery implements C9 from the storage engine design:
// rebuilding durable table state from the global WAL after a crash
// (spec.md §4.9 "Recovery").
//
// Recovery runs in two passes over the WAL, the same shape as the
// original implementation's RecoveryTxnTable: pass one classifies every
// transaction id it ever saw as committed, aborted, or (at the end)
// presumed-aborted; pass two replays only the records that belong to a
// committed transaction (or carry no transaction at all) straight into
// each table's durable btree, bypassing MVCC entirely since no live
// transaction exists yet to contend with the replay.
package recovery

import (
	"docengine/btree"
	"docengine/txn"
	"docengine/wal"
)

// TableOpener opens (creating if necessary) the durable btree backing
// store, called lazily the first time recovery sees a record for it.
type TableOpener func(store string) (*btree.BTree, error)

// Outcome summarizes one recovery run.
type Outcome struct {
	// Skipped is true when the caller decided not to run recovery at
	// all (e.g. an unreadable WAL header) rather than something this
	// package decided; Recover itself never sets it.
	Skipped   bool
	Reason    error
	Committed int
	Aborted   int
	Applied   int
}

// txnTable tracks, for every transaction id seen in the WAL, whether it
// ended up committed, aborted, or neither — mirroring the original
// implementation's RecoveryTxnTable "presumed abort" rule: anything
// still pending once the log ends is treated as aborted, since a
// commit record is the only way a transaction's writes ever become
// durable intent.
type txnTable struct {
	committed map[uint64]struct{}
	aborted   map[uint64]struct{}
	pending   map[uint64]struct{}
}

func newTxnTable() *txnTable {
	return &txnTable{
		committed: make(map[uint64]struct{}),
		aborted:   make(map[uint64]struct{}),
		pending:   make(map[uint64]struct{}),
	}
}

func (t *txnTable) isFinalized(id uint64) bool {
	_, committed := t.committed[id]
	_, aborted := t.aborted[id]
	return committed || aborted
}

func (t *txnTable) isCommitted(id uint64) bool {
	_, ok := t.committed[id]
	return ok
}

// processRecord folds one WAL record into the table and, for any
// record carrying a transaction id, returns it so the caller can track
// the high-water mark for txn.GlobalState.AdvancePast.
func (t *txnTable) processRecord(r wal.Record) (txnID uint64, ok bool) {
	switch r.Type {
	case wal.RecordTxnCommit:
		c, err := wal.DecodeTxnCommit(r.Payload)
		if err != nil {
			return 0, false
		}
		delete(t.pending, c.TxnID)
		t.committed[c.TxnID] = struct{}{}
		return c.TxnID, true
	case wal.RecordTxnAbort:
		a, err := wal.DecodeTxnAbort(r.Payload)
		if err != nil {
			return 0, false
		}
		delete(t.pending, a.TxnID)
		t.aborted[a.TxnID] = struct{}{}
		return a.TxnID, true
	case wal.RecordPut:
		p, err := wal.DecodePut(r.Payload)
		if err != nil {
			return 0, false
		}
		if p.TxnID != txn.NoTxn && !t.isFinalized(p.TxnID) {
			t.pending[p.TxnID] = struct{}{}
		}
		return p.TxnID, true
	case wal.RecordDelete:
		d, err := wal.DecodeDelete(r.Payload)
		if err != nil {
			return 0, false
		}
		if d.TxnID != txn.NoTxn && !t.isFinalized(d.TxnID) {
			t.pending[d.TxnID] = struct{}{}
		}
		return d.TxnID, true
	default:
		return 0, false
	}
}

// finalizePending moves every transaction still pending at end-of-log
// into aborted: without a commit record its writes never became
// durable intent, so presumed-abort is the only safe call.
func (t *txnTable) finalizePending() {
	for id := range t.pending {
		t.aborted[id] = struct{}{}
	}
	t.pending = make(map[uint64]struct{})
}

// shouldApply reports whether r's write should be replayed: always for
// a non-transactional write (txn_id == NoTxn), otherwise only if its
// writer ended up committed.
func (t *txnTable) shouldApply(r wal.Record) bool {
	var txnID uint64
	switch r.Type {
	case wal.RecordPut:
		p, err := wal.DecodePut(r.Payload)
		if err != nil {
			return false
		}
		txnID = p.TxnID
	case wal.RecordDelete:
		d, err := wal.DecodeDelete(r.Payload)
		if err != nil {
			return false
		}
		txnID = d.TxnID
	default:
		return false
	}
	if txnID == txn.NoTxn {
		return true
	}
	return t.isCommitted(txnID)
}

func ensureTree(trees map[string]*btree.BTree, open TableOpener, store string) (*btree.BTree, error) {
	if t, ok := trees[store]; ok {
		return t, nil
	}
	t, err := open(store)
	if err != nil {
		return nil, err
	}
	trees[store] = t
	return t, nil
}

// Recover replays w against global and the tables open opens, applying
// every record from a committed (or non-transactional) writer directly
// to the relevant table's durable btree. Every table touched during
// replay is checkpointed once at the end, publishing the recovered
// state as the new stable root, and w itself is truncated back to its
// header since that state is now durable and no session has opened a
// transaction yet. global's transaction id counter is advanced past
// the highest transaction id recovery observed, so a freshly started
// session can never allocate an id a crashed run already used.
func Recover(w *wal.Wal, global *txn.GlobalState, open TableOpener) (Outcome, error) {
	table := newTxnTable()
	var maxTxnID uint64

	if err := w.Replay(func(r wal.Record) error {
		if id, ok := table.processRecord(r); ok && id > maxTxnID {
			maxTxnID = id
		}
		return nil
	}); err != nil {
		return Outcome{}, err
	}
	table.finalizePending()

	trees := make(map[string]*btree.BTree)
	applied := 0
	if err := w.Replay(func(r wal.Record) error {
		if !table.shouldApply(r) {
			return nil
		}
		switch r.Type {
		case wal.RecordPut:
			p, err := wal.DecodePut(r.Payload)
			if err != nil {
				return err
			}
			tree, err := ensureTree(trees, open, p.Store)
			if err != nil {
				return err
			}
			if err := tree.Put(p.Key, p.Value); err != nil {
				return err
			}
			applied++
		case wal.RecordDelete:
			d, err := wal.DecodeDelete(r.Payload)
			if err != nil {
				return err
			}
			tree, err := ensureTree(trees, open, d.Store)
			if err != nil {
				return err
			}
			if _, err := tree.Delete(d.Key); err != nil {
				return err
			}
			applied++
		}
		return nil
	}); err != nil {
		return Outcome{}, err
	}

	for _, tree := range trees {
		if err := tree.Checkpoint(); err != nil {
			return Outcome{}, err
		}
	}

	// Every checkpointed table's state is now durable and no session has
	// opened a transaction yet, so the replayed log can be truncated to
	// its header immediately rather than waiting for the first quiescent
	// session.Checkpoint (spec.md §4.9 step 4).
	if err := w.TruncateToHeader(); err != nil {
		return Outcome{}, err
	}

	if maxTxnID > 0 {
		global.AdvancePast(maxTxnID)
	}

	return Outcome{
		Committed: len(table.committed),
		Aborted:   len(table.aborted),
		Applied:   applied,
	}, nil
}
