// Package mvcc implements C5 from the storage engine design: per-key
// update chains layered over the btree so concurrent snapshot-isolated
// transactions can read consistent versions of a document without
// blocking writers (spec.md §5 "MVCC & Transactions").
package mvcc

import (
	"math"

	"docengine/txn"
)

// UpdateType tags what an Update represents in a key's version chain.
type UpdateType int

const (
	// Standard is an ordinary value write.
	Standard UpdateType = iota
	// Tombstone marks the key deleted as of this update.
	Tombstone
	// Reserve is a placeholder version with no visible value, used to
	// hold a key's slot during a prepared-but-not-yet-applied write;
	// find_visible skips over it rather than returning it.
	Reserve
)

// tsNone and tsMax mirror the original implementation's sentinel
// timestamps: a start_ts of tsNone means "not yet assigned a commit
// timestamp", and a stop_ts of tsMax means "not yet superseded".
const (
	tsNone uint64 = 0
	tsMax  uint64 = math.MaxUint64
)

// TimeWindow records when an update became visible and when (if ever)
// it was superseded. Visibility is decided by txn.Transaction.CanSee:
// the writer's id is checked against the transaction's snapshot, and
// StartTS/StopTS are compared only when the transaction has a read
// timestamp set (SetReadTS). StopTxn also drives GC (truncateObsolete).
type TimeWindow struct {
	StartTS  uint64
	StartTxn txn.TxnID
	StopTS   uint64
	StopTxn  txn.TxnID
	Prepared bool
}

func newTimeWindow(startTxn txn.TxnID) TimeWindow {
	return TimeWindow{
		StartTS:  tsNone,
		StartTxn: startTxn,
		StopTS:   tsMax,
		StopTxn:  txn.AbortedTxn,
	}
}

// markStopped records that writer superseded this update.
func (w *TimeWindow) markStopped(writer txn.TxnID) {
	w.StopTS = writer
	w.StopTxn = writer
}

// Update is one version of a key: the value written (or absence of
// one, for a Tombstone), who wrote it, and the window it's eligible
// to be seen in.
type Update struct {
	TxnID      txn.TxnID
	TimeWindow TimeWindow
	Type       UpdateType
	Data       []byte
	next       *Update
}

func newUpdate(writer txn.TxnID, typ UpdateType, data []byte) *Update {
	return &Update{
		TxnID:      writer,
		TimeWindow: newTimeWindow(writer),
		Type:       typ,
		Data:       data,
	}
}

// UpdateChain is a singly linked, head-is-newest list of a key's
// versions. It lives entirely in memory; the durable value for a key
// lives in the btree once mark_updates_committed's bookkeeping and a
// later checkpoint have run.
type UpdateChain struct {
	head *Update
}

// Prepend installs update as the new head. Callers that want the
// previous head's time window stamped as superseded must do so via
// Head() before calling Prepend — see State.Put/Delete.
func (c *UpdateChain) Prepend(update *Update) {
	update.next = c.head
	c.head = update
}

// FindVisible walks the chain head-to-tail, returning the first update
// visible to tr, skipping Reserve entries (they hold a slot but carry
// no visible value).
func (c *UpdateChain) FindVisible(tr *txn.Transaction) *Update {
	for cur := c.head; cur != nil; cur = cur.next {
		if !tr.CanSee(cur.TxnID, cur.TimeWindow.StartTS, cur.TimeWindow.StopTS) {
			continue
		}
		if cur.Type == Reserve {
			continue
		}
		return cur
	}
	return nil
}

// Head returns the chain's newest update, or nil if empty.
func (c *UpdateChain) Head() *Update { return c.head }

// IsEmpty reports whether the chain has no versions left.
func (c *UpdateChain) IsEmpty() bool { return c.head == nil }

// MarkAborted stamps every update written by writer as aborted: its
// stop window is reset to "never superseded" (stop_ts = TS_NONE,
// stop_txn = AbortedTxn) so find_visible can never present it as the
// value some other update was replaced by. Visibility for the aborted
// writer's own entries is still excluded via the global aborted set in
// txn.Snapshot, not by this bookkeeping.
func (c *UpdateChain) MarkAborted(writer txn.TxnID) {
	for cur := c.head; cur != nil; cur = cur.next {
		if cur.TxnID == writer {
			cur.TimeWindow.StopTS = tsNone
			cur.TimeWindow.StopTxn = txn.AbortedTxn
		}
	}
}

// truncateObsolete drops every update that was superseded by a writer
// older than threshold (the oldest still-active transaction id): once
// an update's stop_txn predates every transaction that could possibly
// still be reading, nothing alive now or in the future can ever need
// it again, nor anything chained behind it, since later entries in the
// chain were superseded no later than this one. Returns the number of
// updates dropped.
func (c *UpdateChain) truncateObsolete(threshold txn.TxnID) int {
	cur := c.head
	var prev *Update
	for cur != nil {
		if cur.TimeWindow.StopTxn != txn.AbortedTxn && cur.TimeWindow.StopTxn < threshold {
			break
		}
		prev = cur
		cur = cur.next
	}
	if cur == nil {
		return 0
	}
	removed := 0
	for n := cur; n != nil; n = n.next {
		removed++
	}
	if prev == nil {
		c.head = nil
	} else {
		prev.next = nil
	}
	return removed
}
