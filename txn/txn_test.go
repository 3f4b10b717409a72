package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotVisibilityRules(t *testing.T) {
	snap := Snapshot{
		SnapMin: 3,
		SnapMax: 10,
		Active:  []TxnID{5, 7},
		Aborted: map[TxnID]struct{}{8: {}},
		MyTxnID: 5,
	}

	require.True(t, snap.IsVisible(5), "own writes always visible")
	require.False(t, snap.IsVisible(8), "aborted writer never visible")
	require.False(t, snap.IsVisible(10), "started after snapshot")
	require.False(t, snap.IsVisible(11), "started after snapshot")
	require.True(t, snap.IsVisible(2), "committed before snap_min")
	require.False(t, snap.IsVisible(7), "concurrent and still active")
	require.True(t, snap.IsVisible(4), "between snap_min and snap_max, not active")
}

func TestBeginSnapshotTxnExcludesSelfFromActive(t *testing.T) {
	g := NewGlobalState(nil)
	txn := g.BeginSnapshotTxn()
	require.NotContains(t, txn.Snapshot().Active, txn.ID())
}

func TestTakeSnapshotReflectsConcurrentActiveSet(t *testing.T) {
	g := NewGlobalState(nil)
	t1 := g.BeginSnapshotTxn()
	t2 := g.BeginSnapshotTxn()

	snap := t2.Snapshot()
	require.Contains(t, snap.Active, t1.ID())
	require.Equal(t, t1.ID(), snap.SnapMin)
	require.Equal(t, t2.ID()+1, snap.SnapMax)
}

func TestCommitUnregistersFromActiveSet(t *testing.T) {
	g := NewGlobalState(nil)
	t1 := g.BeginSnapshotTxn()
	_, err := t1.Commit()
	require.NoError(t, err)
	require.True(t, t1.IsCommitted())

	t2 := g.BeginSnapshotTxn()
	require.NotContains(t, t2.Snapshot().Active, t1.ID())
}

func TestAbortMarksGloballyAbortedAndUnregisters(t *testing.T) {
	g := NewGlobalState(nil)
	t1 := g.BeginSnapshotTxn()
	require.NoError(t, t1.Abort())
	require.True(t, t1.IsAborted())
	require.True(t, g.IsAborted(t1.ID()))

	t2 := g.BeginSnapshotTxn()
	snap := t2.Snapshot()
	require.NotContains(t, snap.Active, t1.ID())
	require.False(t, snap.IsVisible(t1.ID()))
}

func TestCommitTwiceFails(t *testing.T) {
	g := NewGlobalState(nil)
	t1 := g.BeginSnapshotTxn()
	_, err := t1.Commit()
	require.NoError(t, err)
	_, err = t1.Commit()
	require.Error(t, err)
}

func TestOldestActiveTxnIDTracksMinimum(t *testing.T) {
	g := NewGlobalState(nil)
	t1 := g.BeginSnapshotTxn()
	t2 := g.BeginSnapshotTxn()
	require.Equal(t, t1.ID(), g.OldestActiveTxnID())

	_, err := t1.Commit()
	require.NoError(t, err)
	require.Equal(t, t2.ID(), g.OldestActiveTxnID())

	_, err = t2.Commit()
	require.NoError(t, err)
	require.Equal(t, g.OldestActiveTxnID(), g.OldestActiveTxnID()) // no active txns: stable
}

func TestCanSeeRespectsReadTimestampWindow(t *testing.T) {
	g := NewGlobalState(nil)
	txn := g.BeginSnapshotTxn()
	txn.SetReadTS(5)
	require.True(t, txn.CanSee(1, 0, 10))
	require.False(t, txn.CanSee(1, 6, 10))
	require.False(t, txn.CanSee(1, 0, 5))
}
