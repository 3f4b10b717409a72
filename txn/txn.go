// Package txn implements C7 from the storage engine design: global
// transaction bookkeeping (id allocation, the active-transaction set,
// snapshot construction) and the per-transaction handle operations on
// it, per spec.md §5 "MVCC & Transactions".
package txn

import (
	"math"
	"sort"
	"sync"

	"docengine/engineerr"
	"docengine/logstats"
)

// TxnID identifies a transaction. NoTxn (0) marks "no transaction" /
// the non-transactional reader. AbortedTxn is a sentinel used to stamp
// an update's stop_txn when its writer aborts, never allocated as a
// real id.
type TxnID = uint64

const (
	NoTxn      TxnID = 0
	AbortedTxn TxnID = math.MaxUint64
)

// Snapshot is the read view a transaction takes at Begin: every write
// from a transaction with id < SnapMin is visible (committed before
// the snapshot existed); every write with id >= SnapMax is invisible
// (started after); in between, visibility depends on whether the
// writer is still in Active.
type Snapshot struct {
	SnapMax TxnID
	SnapMin TxnID
	Active  []TxnID
	Aborted map[TxnID]struct{}
	MyTxnID TxnID
}

// IsVisible reports whether a write stamped with txnID is visible to
// the holder of this snapshot (spec.md §5 visibility rule).
func (s Snapshot) IsVisible(txnID TxnID) bool {
	if txnID == s.MyTxnID {
		return true
	}
	if _, aborted := s.Aborted[txnID]; aborted {
		return false
	}
	if txnID >= s.SnapMax {
		return false
	}
	if txnID < s.SnapMin {
		return true
	}
	for _, a := range s.Active {
		if a == txnID {
			return false
		}
	}
	return true
}

// GlobalState is the single source of truth for transaction ids, the
// active-transaction set, and aborted ids — read at snapshot
// construction and during visibility checks, never mutated via chain
// timestamps at commit time (spec.md §5, Design Notes).
type GlobalState struct {
	mu sync.RWMutex

	currentTxnID TxnID
	active       []TxnID
	aborted      map[TxnID]struct{}
	oldestActive TxnID

	pendingWalOps map[TxnID][]PendingWalOp

	stats *logstats.Counters
}

func NewGlobalState(stats *logstats.Counters) *GlobalState {
	if stats == nil {
		stats = logstats.New(false)
	}
	return &GlobalState{
		aborted:       make(map[TxnID]struct{}),
		pendingWalOps: make(map[TxnID][]PendingWalOp),
		stats:         stats,
	}
}

// HasActiveTransactions reports whether any transaction is currently
// registered active — checkpoint truncates the WAL only once this is
// false, since an in-flight transaction's commit record still needs a
// spot in the log it hasn't written yet.
func (g *GlobalState) HasActiveTransactions() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.active) > 0
}

// ActiveCount returns the number of currently registered active
// transactions, for Connection.Stats().
func (g *GlobalState) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.active)
}

// OldestActiveTxnID is the GC threshold: updates whose stop_txn
// predates it can never become visible to any present or future
// transaction.
func (g *GlobalState) OldestActiveTxnID() TxnID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.oldestActive == NoTxn {
		return g.currentTxnID + 1
	}
	return g.oldestActive
}

func (g *GlobalState) recalculateOldestLocked() {
	if len(g.active) == 0 {
		g.oldestActive = NoTxn
		return
	}
	oldest := g.active[0]
	for _, id := range g.active[1:] {
		if id < oldest {
			oldest = id
		}
	}
	g.oldestActive = oldest
}

func (g *GlobalState) AllocateTxnID() TxnID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentTxnID++
	return g.currentTxnID
}

// AdvancePast raises the id counter so the next AllocateTxnID returns
// at least id+1. Used once, at startup, to fast-forward past whatever
// transaction ids recovery found committed or aborted in the WAL, so a
// freshly allocated id can never collide with one a crashed run already
// used.
func (g *GlobalState) AdvancePast(id TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.currentTxnID {
		g.currentTxnID = id
	}
}

func (g *GlobalState) RegisterActive(id TxnID) {
	acquired := g.stats.TimedAcquire(logstats.KindMvccShard)
	g.mu.Lock()
	acquired()
	defer g.mu.Unlock()
	wasEmpty := len(g.active) == 0
	g.active = append(g.active, id)
	if wasEmpty {
		g.oldestActive = id
	}
}

func (g *GlobalState) UnregisterActive(id TxnID) {
	acquired := g.stats.TimedAcquire(logstats.KindMvccShard)
	g.mu.Lock()
	acquired()
	defer g.mu.Unlock()
	wasOldest := len(g.active) > 0 && minTxnID(g.active) == id
	out := g.active[:0]
	for _, a := range g.active {
		if a != id {
			out = append(out, a)
		}
	}
	g.active = out
	if wasOldest {
		g.recalculateOldestLocked()
	}
}

func minTxnID(ids []TxnID) TxnID {
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m
}

func (g *GlobalState) MarkAborted(id TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted[id] = struct{}{}
}

func (g *GlobalState) IsAborted(id TxnID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.aborted[id]
	return ok
}

// TakeSnapshot builds a read view as of right now. myTxnID is NoTxn
// for a non-transactional reader.
func (g *GlobalState) TakeSnapshot(myTxnID TxnID) Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snapMax := g.currentTxnID + 1
	active := make([]TxnID, 0, len(g.active))
	for _, id := range g.active {
		if id != myTxnID && id != NoTxn {
			active = append(active, id)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })

	snapMin := snapMax
	if len(active) > 0 {
		snapMin = active[0]
	}

	aborted := make(map[TxnID]struct{}, len(g.aborted))
	for id := range g.aborted {
		aborted[id] = struct{}{}
	}

	return Snapshot{SnapMax: snapMax, SnapMin: snapMin, Active: active, Aborted: aborted, MyTxnID: myTxnID}
}

// CheckpointSnapshot is the read view a checkpoint uses to decide
// which versions are safe to discard: it behaves like a non-txn
// snapshot (my_txn_id = NoTxn).
func (g *GlobalState) CheckpointSnapshot() Snapshot {
	return g.TakeSnapshot(NoTxn)
}

// BeginSnapshotTxn allocates an id, registers it active, and takes its
// snapshot — the three steps must happen together, or a transaction
// between two other transactions' id allocations could see an
// inconsistent active set.
func (g *GlobalState) BeginSnapshotTxn() *Transaction {
	id := g.AllocateTxnID()
	g.RegisterActive(id)
	snap := g.TakeSnapshot(id)
	return &Transaction{id: id, snapshot: snap, state: StateActive, global: g}
}

// NewReadSnapshot returns a non-transactional read handle: a snapshot
// taken right now, with no id of its own (MyTxnID = NoTxn) and no
// entry in the active set. Used for a bare Session.Get issued outside
// a Begin/Commit pair, where there is no write-set to track and
// nothing to unregister afterward.
func NewReadSnapshot(g *GlobalState) *Transaction {
	return &Transaction{id: NoTxn, snapshot: g.TakeSnapshot(NoTxn), state: StateActive, global: g}
}

// TxnState is a transaction's lifecycle state.
type TxnState int

const (
	StateActive TxnState = iota
	StateCommitted
	StateAborted
)

// WriteOp tags a transaction's write-set entries.
type WriteOp int

const (
	OpPut WriteOp = iota
	OpDelete
)

type WriteRef struct {
	Key []byte
	Op  WriteOp
}

// PendingWalOp is a buffered WAL record waiting to be flushed around
// a transaction's commit. Transaction.Modifications tracks just key +
// op, which is enough for MVCC chain bookkeeping but not for the WAL
// (it also needs the store name and, for a Put, the value), so the
// session layer buffers these separately here and flushes them as a
// batch once the transaction commits (spec.md §4.8).
type PendingWalOp struct {
	Store string
	Key   []byte
	Value []byte // nil for a delete
	IsPut bool
}

// RecordPendingPut buffers a Put to be WAL-logged if id commits.
func (g *GlobalState) RecordPendingPut(id TxnID, store string, key, value []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingWalOps[id] = append(g.pendingWalOps[id], PendingWalOp{
		Store: store,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
		IsPut: true,
	})
}

// RecordPendingDelete buffers a Delete to be WAL-logged if id commits.
func (g *GlobalState) RecordPendingDelete(id TxnID, store string, key []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingWalOps[id] = append(g.pendingWalOps[id], PendingWalOp{
		Store: store,
		Key:   append([]byte(nil), key...),
		IsPut: false,
	})
}

// TakePendingWalOps removes and returns id's buffered ops, for the
// caller to flush to the WAL around commit.
func (g *GlobalState) TakePendingWalOps(id TxnID) []PendingWalOp {
	g.mu.Lock()
	defer g.mu.Unlock()
	ops := g.pendingWalOps[id]
	delete(g.pendingWalOps, id)
	return ops
}

// ClearPendingWalOps discards id's buffered ops without flushing them
// — used on abort, where the writes never become durable intent.
func (g *GlobalState) ClearPendingWalOps(id TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pendingWalOps, id)
}

// Transaction is a single snapshot-isolated transaction handle.
// Reading and writing storage with it goes through the mvcc package;
// Transaction itself only tracks identity, snapshot, and lifecycle.
type Transaction struct {
	id       TxnID
	snapshot Snapshot
	readTS   *uint64
	state    TxnState
	commitTS TxnID

	modifications []WriteRef
	touchedTables map[string]struct{}

	global *GlobalState
}

func (t *Transaction) ID() TxnID          { return t.id }
func (t *Transaction) Snapshot() Snapshot { return t.snapshot }
func (t *Transaction) State() TxnState    { return t.state }

func (t *Transaction) MarkTableTouched(uri string) {
	if t.touchedTables == nil {
		t.touchedTables = make(map[string]struct{})
	}
	t.touchedTables[uri] = struct{}{}
}

func (t *Transaction) TouchedTables() []string {
	out := make([]string, 0, len(t.touchedTables))
	for uri := range t.touchedTables {
		out = append(out, uri)
	}
	return out
}

func (t *Transaction) TrackWrite(key []byte, op WriteOp) {
	t.modifications = append(t.modifications, WriteRef{Key: append([]byte(nil), key...), Op: op})
}

func (t *Transaction) Modifications() []WriteRef { return t.modifications }

// Commit transitions the transaction to committed and unregisters it
// from the active set. The commit timestamp in this design is simply
// the transaction id, per the original implementation's stand-in for
// a timestamp oracle.
func (t *Transaction) Commit() (TxnID, error) {
	switch t.state {
	case StateActive:
		t.commitTS = t.id
		t.state = StateCommitted
		if t.id != NoTxn {
			t.global.UnregisterActive(t.id)
		}
		return t.commitTS, nil
	case StateCommitted:
		return 0, engineerr.New(engineerr.KindActiveTxnInFlight, "transaction already committed")
	default:
		return 0, engineerr.New(engineerr.KindActiveTxnInFlight, "cannot commit aborted transaction")
	}
}

// Abort transitions the transaction to aborted, clears its write-set,
// and marks it aborted in the global state so no snapshot will ever
// consider its writes visible.
func (t *Transaction) Abort() error {
	switch t.state {
	case StateActive:
		t.state = StateAborted
		t.modifications = nil
		if t.id != NoTxn {
			t.global.MarkAborted(t.id)
			t.global.UnregisterActive(t.id)
		}
		return nil
	case StateCommitted:
		return engineerr.New(engineerr.KindActiveTxnInFlight, "cannot abort committed transaction")
	default:
		return engineerr.New(engineerr.KindActiveTxnInFlight, "transaction already aborted")
	}
}

func (t *Transaction) IsCommitted() bool { return t.state == StateCommitted }
func (t *Transaction) IsAborted() bool   { return t.state == StateAborted }

func (t *Transaction) SetReadTS(ts uint64) {
	if ts == 0 {
		t.readTS = nil
		return
	}
	t.readTS = &ts
}

// End unregisters the transaction without changing its commit/abort
// state — Session.Commit uses it for a transaction that wrote nothing.
func (t *Transaction) End() {
	if t.id != NoTxn {
		t.global.UnregisterActive(t.id)
	}
}

// CanSee reports whether a chain entry written by writerTxnID, with
// the given visibility time window, is visible to this transaction.
// Decoupled from the mvcc package's Update type so txn has no
// dependency on it (spec.md §5: visibility is derived purely from
// GlobalTxnState/Snapshot at read time).
func (t *Transaction) CanSee(writerTxnID TxnID, startTS, stopTS uint64) bool {
	if !t.snapshot.IsVisible(writerTxnID) {
		return false
	}
	if t.readTS == nil {
		return true
	}
	return startTS <= *t.readTS && *t.readTS < stopTS
}
