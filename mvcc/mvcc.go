package mvcc

import (
	"bytes"
	"sync"

	"docengine/btree"
	"docengine/engineerr"
	"docengine/logstats"
	"docengine/txn"

	"github.com/cespare/xxhash/v2"
)

// numShards stripes the in-memory chain table across this many
// independently-locked buckets, so readers and writers touching
// unrelated keys never contend on the same mutex.
const numShards = 256

type shard struct {
	mu     sync.RWMutex
	chains map[string]*UpdateChain
}

// State holds every key's in-memory update chain plus a reference to
// the durable btree those chains eventually collapse into. It is the
// Go counterpart of the original implementation's per-BTree MvccState.
//
// State never touches the WAL: logging writes and transaction outcomes
// durably is the session layer's job (it buffers pending WAL ops and
// appends them as a batch around commit/abort), so State can stay a
// plain in-memory chain manager with no durability side effects of its
// own (spec.md §4.8).
type State struct {
	global *txn.GlobalState
	tree   *btree.BTree
	shards [numShards]*shard
	stats  *logstats.Counters
}

// New builds an MVCC layer over tree. stats may be nil.
func New(tree *btree.BTree, global *txn.GlobalState, stats *logstats.Counters) *State {
	if stats == nil {
		stats = logstats.New(false)
	}
	s := &State{global: global, tree: tree, stats: stats}
	for i := range s.shards {
		s.shards[i] = &shard{chains: make(map[string]*UpdateChain)}
	}
	return s
}

func (s *State) shardFor(key []byte) *shard {
	return s.shards[xxhash.Sum64(key)%numShards]
}

// chain returns the existing chain for key, or nil.
func (s *State) chain(key []byte) *UpdateChain {
	sh := s.shardFor(key)
	acquired := s.stats.TimedAcquire(logstats.KindMvccShard)
	sh.mu.RLock()
	acquired()
	defer sh.mu.RUnlock()
	return sh.chains[string(key)]
}

func (s *State) chainOrCreate(key []byte) (*shard, *UpdateChain) {
	sh := s.shardFor(key)
	acquired := s.stats.TimedAcquire(logstats.KindMvccShard)
	sh.mu.Lock()
	acquired()
	defer sh.mu.Unlock()
	c, ok := sh.chains[string(key)]
	if !ok {
		c = &UpdateChain{}
		sh.chains[string(key)] = c
	}
	return sh, c
}

// Get reads key as of tr's snapshot: a visible chain entry wins over
// the durable btree value, and a Tombstone visible to tr means the key
// reads as absent even if the btree still has an older committed value
// on disk. Reserve entries are skipped by FindVisible and never decide
// the result.
func (s *State) Get(key []byte, tr *txn.Transaction) ([]byte, bool, error) {
	if c := s.chain(key); c != nil {
		if u := c.FindVisible(tr); u != nil {
			if u.Type == Standard {
				return append([]byte(nil), u.Data...), true, nil
			}
			return nil, false, nil
		}
	}
	return s.tree.Get(key)
}

// GetCommitted reads the durable value, ignoring any in-flight MVCC
// chain — used by non-transactional callers and by the checkpoint
// path.
func (s *State) GetCommitted(key []byte) ([]byte, bool, error) {
	return s.tree.Get(key)
}

// Put records a new Standard version of key under tr. Durability is
// the caller's concern: the session layer buffers a matching WAL Put
// record and appends it around commit, after this in-memory chain
// update has already happened (spec.md §4.8).
func (s *State) Put(key, value []byte, tr *txn.Transaction) error {
	_, c := s.chainOrCreate(key)
	if head := c.Head(); head != nil {
		head.TimeWindow.markStopped(tr.ID())
	}
	c.Prepend(newUpdate(tr.ID(), Standard, append([]byte(nil), value...)))
	tr.TrackWrite(key, txn.OpPut)
	return nil
}

// Delete records a Tombstone version of key under tr.
func (s *State) Delete(key []byte, tr *txn.Transaction) error {
	_, c := s.chainOrCreate(key)
	if head := c.Head(); head != nil {
		head.TimeWindow.markStopped(tr.ID())
	}
	c.Prepend(newUpdate(tr.ID(), Tombstone, nil))
	tr.TrackWrite(key, txn.OpDelete)
	return nil
}

// MarkUpdatesCommitted updates the time-window bookkeeping on the chain
// head each of tr's writes produced. This is a bookkeeping step only:
// visibility for the committed writes is already governed by
// txn.GlobalState dropping tr's id from the active set, never by these
// timestamps (spec.md §5 Design Notes), and the WAL TxnCommit record
// itself is appended by the session layer, not here.
func (s *State) MarkUpdatesCommitted(tr *txn.Transaction) error {
	for _, mod := range tr.Modifications() {
		sh := s.shardFor(mod.Key)
		sh.mu.Lock()
		if c, ok := sh.chains[string(mod.Key)]; ok {
			if head := c.Head(); head != nil && head.TxnID == tr.ID() {
				head.TimeWindow.StartTS = tr.ID()
				head.TimeWindow.StopTS = tsMax
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

// MarkUpdatesAborted stamps every chain entry tr wrote so find_visible
// will never treat it as a value some other update was superseded by.
// The WAL TxnAbort record, if any, is appended by the session layer.
func (s *State) MarkUpdatesAborted(tr *txn.Transaction) error {
	for _, mod := range tr.Modifications() {
		sh := s.shardFor(mod.Key)
		sh.mu.Lock()
		if c, ok := sh.chains[string(mod.Key)]; ok {
			c.MarkAborted(tr.ID())
		}
		sh.mu.Unlock()
	}
	return nil
}

// Flush collapses every key's most recent committed version into the
// durable btree and drops its chain, making it safe to run right
// before a checkpoint: anything left in memory afterward belongs to
// transactions still in flight. Keys whose newest update is not yet
// visible to a CheckpointSnapshot (i.e. its writer is still active or
// aborted) are left in the chain for a later flush.
func (s *State) Flush() error {
	snap := s.global.CheckpointSnapshot()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, c := range sh.chains {
			head := c.Head()
			if head == nil {
				delete(sh.chains, key)
				continue
			}
			if !snap.IsVisible(head.TxnID) {
				continue
			}
			var err error
			switch head.Type {
			case Standard:
				err = s.tree.Put([]byte(key), head.Data)
			case Tombstone:
				_, err = s.tree.Delete([]byte(key))
			case Reserve:
				// nothing durable to write yet
			}
			if err != nil {
				sh.mu.Unlock()
				return engineerr.Wrap(engineerr.KindIO, "mvcc flush to btree", err)
			}
			delete(sh.chains, key)
		}
		sh.mu.Unlock()
	}
	return nil
}

// RunGC truncates every chain at the oldest active transaction
// threshold, dropping chains left empty. Returns the number of chains
// that had at least one update removed, the total updates removed, and
// the number of chains dropped entirely.
func (s *State) RunGC() (chainsCleaned, updatesRemoved, chainsDropped int) {
	threshold := s.global.OldestActiveTxnID()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, c := range sh.chains {
			removed := c.truncateObsolete(threshold)
			if removed > 0 {
				chainsCleaned++
				updatesRemoved += removed
			}
			if c.IsEmpty() {
				delete(sh.chains, key)
				chainsDropped++
			}
		}
		sh.mu.Unlock()
	}
	return
}

// ChainKeysInRange returns every key with a live in-memory chain whose
// byte value falls within [start, end] (a nil bound is unbounded on
// that side), for range scans that need to see not-yet-flushed writes
// alongside the durable btree's own keys (mirroring the original
// implementation's Table::mvcc_keys_in_range).
func (s *State) ChainKeysInRange(start, end []byte) [][]byte {
	var out [][]byte
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key := range sh.chains {
			kb := []byte(key)
			if start != nil && bytes.Compare(kb, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(kb, end) > 0 {
				continue
			}
			out = append(out, append([]byte(nil), kb...))
		}
		sh.mu.RUnlock()
	}
	return out
}

// ChainCount returns the number of keys with a live in-memory chain,
// for diagnostics.
func (s *State) ChainCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.chains)
		sh.mu.RUnlock()
	}
	return n
}
