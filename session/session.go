package session

import (
	"time"

	"docengine/engineerr"
	"docengine/txn"

	"github.com/google/uuid"
)

// Session is a single client's handle onto a Connection: at most one
// active Transaction at a time, plus the open cursors it drives
// (spec.md §4.8).
type Session struct {
	id   uuid.UUID
	conn *Connection
	txn  *txn.Transaction
}

func newSession(conn *Connection) *Session {
	return &Session{id: uuid.New(), conn: conn}
}

func (s *Session) ID() uuid.UUID { return s.id }

// Begin starts a new snapshot transaction, failing with
// ErrTransactionActive if one is already open on this session.
func (s *Session) Begin() error {
	if err := s.conn.checkOpen(); err != nil {
		return err
	}
	if s.txn != nil {
		return ErrTransactionActive
	}
	s.txn = s.conn.globalTxn.BeginSnapshotTxn()
	return nil
}

// currentTxn returns the active transaction, or a throwaway
// non-transactional one (txn.NoTxn) when the caller issues a bare read
// with no Begin — mirroring spec.md §4.8's "ensure snapshot" rule for
// get() outside an explicit transaction.
func (s *Session) currentTxn() *txn.Transaction {
	if s.txn != nil {
		return s.txn
	}
	return txn.NewReadSnapshot(s.conn.globalTxn)
}

func (s *Session) resolveTable(uri string) (*Table, error) {
	if err := s.conn.checkOpen(); err != nil {
		return nil, err
	}
	path, err := tablePath(s.conn.dir, uri)
	if err != nil {
		return nil, err
	}
	return s.conn.cache.getOrOpen(uri, func() (*Table, error) {
		return openTable(path, uri, s.conn.cfg, s.conn.globalTxn, s.conn.stats)
	})
}

// Put resolves the table named by uri, writes key -> value into its
// MVCC chain, and buffers a matching WAL record to be appended around
// the active transaction's commit. A Put outside a Begin/Commit pair
// is its own implicit one-write transaction.
func (s *Session) Put(uri string, key, value []byte) error {
	table, err := s.resolveTable(uri)
	if err != nil {
		return err
	}
	implicit := s.txn == nil
	if implicit {
		if err := s.Begin(); err != nil {
			return err
		}
	}
	if err := table.Put(key, value, s.txn); err != nil {
		return err
	}
	s.txn.MarkTableTouched(uri)
	s.conn.globalTxn.RecordPendingPut(s.txn.ID(), uri, key, value)
	if implicit {
		return s.Commit()
	}
	return nil
}

func (s *Session) Delete(uri string, key []byte) error {
	table, err := s.resolveTable(uri)
	if err != nil {
		return err
	}
	implicit := s.txn == nil
	if implicit {
		if err := s.Begin(); err != nil {
			return err
		}
	}
	if err := table.Delete(key, s.txn); err != nil {
		return err
	}
	s.txn.MarkTableTouched(uri)
	s.conn.globalTxn.RecordPendingDelete(s.txn.ID(), uri, key)
	if implicit {
		return s.Commit()
	}
	return nil
}

func (s *Session) Get(uri string, key []byte) ([]byte, bool, error) {
	table, err := s.resolveTable(uri)
	if err != nil {
		return nil, false, err
	}
	return table.Get(key, s.currentTxn())
}

// Commit flushes this session's buffered writes to the WAL as a single
// batch, marks the transaction committed, and flips its writes visible
// everywhere at once (spec.md §4.8).
func (s *Session) Commit() error {
	if s.txn == nil {
		return ErrNoTransaction
	}
	tr := s.txn
	s.txn = nil

	ops := s.conn.globalTxn.TakePendingWalOps(tr.ID())
	if len(ops) == 0 {
		tr.End()
		return nil
	}

	for _, op := range ops {
		if op.IsPut {
			if _, err := s.conn.globalWal.LogPutStore(op.Store, op.Key, op.Value, tr.ID()); err != nil {
				return err
			}
		} else {
			if _, err := s.conn.globalWal.LogDeleteStore(op.Store, op.Key, tr.ID()); err != nil {
				return err
			}
		}
	}
	if _, err := s.conn.globalWal.LogTxnCommit(tr.ID(), tr.ID()); err != nil {
		return err
	}
	if err := s.conn.globalWal.SyncIfDue(time.Now()); err != nil {
		return err
	}

	if _, err := tr.Commit(); err != nil {
		return err
	}
	for _, uri := range tr.TouchedTables() {
		table, err := s.resolveTable(uri)
		if err != nil {
			return err
		}
		if err := table.MarkUpdatesCommitted(tr); err != nil {
			return err
		}
	}
	return nil
}

// Abort discards this session's buffered writes without ever writing
// them to the WAL, rolls back the in-memory MVCC chains they touched,
// and records a TxnAbort marker (no mandatory sync: a lost abort
// record just means recovery presumes the transaction aborted anyway).
func (s *Session) Abort() error {
	if s.txn == nil {
		return ErrNoTransaction
	}
	tr := s.txn
	s.txn = nil

	s.conn.globalTxn.ClearPendingWalOps(tr.ID())

	touched := tr.TouchedTables()
	if _, err := s.conn.globalWal.LogTxnAbort(tr.ID()); err != nil {
		return err
	}

	// Stamp every chain entry tr wrote before Abort clears its
	// write-set, or MarkUpdatesAborted would have nothing to walk.
	for _, uri := range touched {
		table, err := s.resolveTable(uri)
		if err != nil {
			return err
		}
		if err := table.MarkUpdatesAborted(tr); err != nil {
			return err
		}
	}
	return tr.Abort()
}

// Checkpoint runs a connection-wide checkpoint, refusing while this
// session (or any other) still has a transaction open.
func (s *Session) Checkpoint() error {
	if err := s.conn.checkOpen(); err != nil {
		return err
	}
	if s.conn.globalTxn.HasActiveTransactions() {
		return engineerr.New(engineerr.KindActiveTxnInFlight, "checkpoint refused: a transaction is active")
	}
	return s.conn.checkpointAll()
}

// OpenCursor opens a Cursor over the collection or index named by uri
// ("table:<name>" or "index:<name>:<field>"), reading (and, for a
// table cursor, writing) through this session's current transaction.
func (s *Session) OpenCursor(uri string) (*Cursor, error) {
	table, err := s.resolveTable(uri)
	if err != nil {
		return nil, err
	}
	kind := KindTable
	if len(uri) >= 6 && uri[:6] == "index:" {
		kind = KindIndex
	}
	return &Cursor{session: s, table: table, kind: kind}, nil
}
