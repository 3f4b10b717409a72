package recovery

import (
	"path/filepath"
	"testing"

	"docengine/btree"
	"docengine/config"
	"docengine/txn"
	"docengine/wal"

	"github.com/stretchr/testify/require"
)

// openerFor returns a TableOpener that creates/opens each store's
// btree under dir, tracking every tree it opens so the test can assert
// against them after Recover returns.
func openerFor(t *testing.T, dir string, opened map[string]*btree.BTree) TableOpener {
	return func(store string) (*btree.BTree, error) {
		if tr, ok := opened[store]; ok {
			return tr, nil
		}
		tr, err := btree.Create(filepath.Join(dir, store+".db"), 4096, config.WithDefaults(config.Config{}))
		require.NoError(t, err)
		opened[store] = tr
		return tr, nil
	}
}

func TestRecoverAppliesCommittedWritesOnly(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(filepath.Join(dir, "global.wal"), 0, nil)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("committed-key"), []byte("v1"), 1)
	require.NoError(t, err)
	_, err = w.LogTxnCommit(1, 1)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("aborted-key"), []byte("v2"), 2)
	require.NoError(t, err)
	_, err = w.LogTxnAbort(2)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("direct-key"), []byte("v3"), 0)
	require.NoError(t, err)

	require.NoError(t, w.Sync())

	global := txn.NewGlobalState(nil)
	opened := make(map[string]*btree.BTree)
	outcome, err := Recover(w, global, openerFor(t, dir, opened))
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Committed)
	require.Equal(t, 1, outcome.Aborted)
	require.Equal(t, 2, outcome.Applied)

	tree := opened["docs"]
	require.NotNil(t, tree)

	v, ok, err := tree.Get([]byte("committed-key"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	_, ok, err = tree.Get([]byte("aborted-key"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = tree.Get([]byte("direct-key"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v3"), v)
}

func TestRecoverTreatsNeverFinalizedTxnAsAborted(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(filepath.Join(dir, "global.wal"), 0, nil)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("k"), []byte("v"), 9)
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	global := txn.NewGlobalState(nil)
	opened := make(map[string]*btree.BTree)
	outcome, err := Recover(w, global, openerFor(t, dir, opened))
	require.NoError(t, err)
	require.Equal(t, 0, outcome.Committed)
	require.Equal(t, 1, outcome.Aborted)
	require.Equal(t, 0, outcome.Applied)
}

func TestRecoverAdvancesGlobalTxnCounterPastRecoveredIDs(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(filepath.Join(dir, "global.wal"), 0, nil)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("k"), []byte("v"), 41)
	require.NoError(t, err)
	_, err = w.LogTxnCommit(41, 41)
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	global := txn.NewGlobalState(nil)
	opened := make(map[string]*btree.BTree)
	_, err = Recover(w, global, openerFor(t, dir, opened))
	require.NoError(t, err)

	next := global.AllocateTxnID()
	require.Greater(t, next, uint64(41))
}

func TestRecoverAppliesDeleteOverEarlierCommittedPut(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(filepath.Join(dir, "global.wal"), 0, nil)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("k"), []byte("v1"), 1)
	require.NoError(t, err)
	_, err = w.LogTxnCommit(1, 1)
	require.NoError(t, err)
	_, err = w.LogDeleteStore("docs", []byte("k"), 2)
	require.NoError(t, err)
	_, err = w.LogTxnCommit(2, 2)
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	global := txn.NewGlobalState(nil)
	opened := make(map[string]*btree.BTree)
	outcome, err := Recover(w, global, openerFor(t, dir, opened))
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Committed)

	_, ok, err := opened["docs"].Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecoverOnEmptyWalAppliesNothing(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(filepath.Join(dir, "global.wal"), 0, nil)
	require.NoError(t, err)

	global := txn.NewGlobalState(nil)
	opened := make(map[string]*btree.BTree)
	outcome, err := Recover(w, global, openerFor(t, dir, opened))
	require.NoError(t, err)
	require.Equal(t, 0, outcome.Committed)
	require.Equal(t, 0, outcome.Aborted)
	require.Equal(t, 0, outcome.Applied)
	require.Empty(t, opened)
}
