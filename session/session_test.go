package session

import (
	"path/filepath"
	"testing"

	"docengine/config"
	"docengine/engineerr"

	"github.com/stretchr/testify/require"
)

func openConn(t *testing.T) *Connection {
	dir := t.TempDir()
	conn, err := Open(dir, config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionImplicitPutCommitsAutomatically(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	require.NoError(t, sess.Put("table:docs", []byte("k1"), []byte("v1")))

	v, ok, err := sess.Get("table:docs", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestSessionExplicitTransactionCommit(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	require.NoError(t, sess.Begin())
	require.NoError(t, sess.Put("table:docs", []byte("a"), []byte("1")))
	require.NoError(t, sess.Put("table:docs", []byte("b"), []byte("2")))
	require.NoError(t, sess.Commit())

	other := conn.OpenSession()
	v, ok, err := other.Get("table:docs", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestSessionAbortDiscardsWrites(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	require.NoError(t, sess.Begin())
	require.NoError(t, sess.Put("table:docs", []byte("k"), []byte("v")))
	require.NoError(t, sess.Abort())

	_, ok, err := sess.Get("table:docs", []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionBeginTwiceRejected(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	require.NoError(t, sess.Begin())
	err := sess.Begin()
	require.ErrorIs(t, err, ErrTransactionActive)
	require.NoError(t, sess.Abort())
}

func TestSessionCommitWithoutTransactionRejected(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()
	require.ErrorIs(t, sess.Commit(), ErrNoTransaction)
}

func TestSessionDeleteRemovesKeyAfterCommit(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	require.NoError(t, sess.Put("table:docs", []byte("k"), []byte("v")))
	require.NoError(t, sess.Delete("table:docs", []byte("k")))

	_, ok, err := sess.Get("table:docs", []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionSnapshotIsolationHidesUncommittedWrites(t *testing.T) {
	conn := openConn(t)
	writer := conn.OpenSession()
	reader := conn.OpenSession()

	require.NoError(t, writer.Begin())
	require.NoError(t, writer.Put("table:docs", []byte("k"), []byte("v1")))

	_, ok, err := reader.Get("table:docs", []byte("k"))
	require.NoError(t, err)
	require.False(t, ok, "uncommitted write must not be visible to another session")

	require.NoError(t, writer.Commit())

	v, ok, err := reader.Get("table:docs", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestCheckpointRefusedWhileTransactionActive(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()
	require.NoError(t, sess.Begin())

	err := sess.Checkpoint()
	require.Error(t, err)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, engineerr.KindActiveTxnInFlight, kind)

	require.NoError(t, sess.Abort())
}

func TestCheckpointTruncatesWalWhenQuiescent(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()
	require.NoError(t, sess.Put("table:docs", []byte("k"), []byte("v")))

	lsnBeforeCheckpoint := conn.globalWal.CurrentLSN()
	require.Positive(t, lsnBeforeCheckpoint)

	require.NoError(t, sess.Checkpoint())
	require.Equal(t, lsnBeforeCheckpoint+1, conn.globalWal.CheckpointLSN())
}

func TestConnectionReopenRecoversCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(dir, config.Default())
	require.NoError(t, err)

	sess := conn.OpenSession()
	require.NoError(t, sess.Put("table:docs", []byte("k1"), []byte("v1")))
	require.NoError(t, sess.Begin())
	require.NoError(t, sess.Put("table:docs", []byte("k2"), []byte("v2")))
	require.NoError(t, sess.Abort())
	require.NoError(t, conn.Close())

	conn2, err := Open(dir, config.Default())
	require.NoError(t, err)
	defer conn2.Close()

	sess2 := conn2.OpenSession()
	v, ok, err := sess2.Get("table:docs", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	_, ok, err = sess2.Get("table:docs", []byte("k2"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionOperationsAfterCloseRejected(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(dir, config.Default())
	require.NoError(t, err)
	sess := conn.OpenSession()
	require.NoError(t, conn.Close())

	_, _, err = sess.Get("table:docs", []byte("k"))
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, sess.Begin(), ErrConnectionClosed)
	require.ErrorIs(t, sess.Put("table:docs", []byte("k"), []byte("v")), ErrConnectionClosed)
	require.ErrorIs(t, sess.Checkpoint(), ErrConnectionClosed)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(dir, config.Default())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestTablePathRejectsUnsupportedURI(t *testing.T) {
	_, err := tablePath(t.TempDir(), "bogus:docs")
	require.ErrorIs(t, err, ErrUnsupportedURI)
}

func TestTablePathMapsTableAndIndexURIs(t *testing.T) {
	dir := t.TempDir()

	p, err := tablePath(dir, "table:docs")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "docs.main.wt"), p)

	p, err = tablePath(dir, "index:docs:email")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "docs.email.idx.wt"), p)
}
