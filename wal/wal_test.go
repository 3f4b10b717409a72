package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"docengine/engineerr"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplayRoundTripsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Create(path, 0, nil)
	require.NoError(t, err)

	_, err = w.LogPutStore("docs", []byte("k1"), []byte("v1"), 7)
	require.NoError(t, err)
	_, err = w.LogDeleteStore("docs", []byte("k2"), 7)
	require.NoError(t, err)
	_, err = w.LogTxnCommit(7, 7)
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w2, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer w2.Close()

	var records []Record
	require.NoError(t, w2.Replay(func(r Record) error {
		records = append(records, r)
		return nil
	}))

	require.Len(t, records, 3)
	require.Equal(t, RecordPut, records[0].Type)
	put, err := DecodePut(records[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "docs", put.Store)
	require.Equal(t, []byte("k1"), put.Key)
	require.Equal(t, []byte("v1"), put.Value)
	require.Equal(t, uint64(7), put.TxnID)

	require.Equal(t, RecordDelete, records[1].Type)
	del, err := DecodeDelete(records[1].Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("k2"), del.Key)

	require.Equal(t, RecordTxnCommit, records[2].Type)
	commit, err := DecodeTxnCommit(records[2].Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(7), commit.TxnID)
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.wal")
	require.NoError(t, os.WriteFile(path, make([]byte, headerSize), 0644))

	_, err := Open(path, 0, nil)
	require.Error(t, err)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, engineerr.KindWalVersionMismatch, kind)
}

func TestRecordCheckpointPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Create(path, 0, nil)
	require.NoError(t, err)
	lsn, err := w.LogCheckpoint()
	require.NoError(t, err)
	require.NoError(t, w.RecordCheckpoint(lsn))
	require.NoError(t, w.Close())

	w2, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, lsn, w2.CheckpointLSN())
}

func TestTruncateToHeaderDropsAllRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Create(path, 0, nil)
	require.NoError(t, err)
	_, err = w.LogPutStore("docs", []byte("k"), []byte("v"), 1)
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.TruncateToHeader())

	var count int
	require.NoError(t, w.Replay(func(Record) error { count++; return nil }))
	require.Equal(t, 0, count)
}

func TestSyncIfDueRespectsInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Create(path, 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SyncIfDue(time.Now()))
	before := w.lastSync
	require.NoError(t, w.SyncIfDue(time.Now()))
	require.Equal(t, before, w.lastSync, "second call within the interval must not re-sync")
}

func TestReplayStopsAtTruncatedFinalRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Create(path, 0, nil)
	require.NoError(t, err)
	_, err = w.LogPutStore("docs", []byte("k1"), []byte("v1"), 1)
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	_, err = w.LogPutStore("docs", []byte("k2"), []byte("v2"), 1)
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	w2, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer w2.Close()

	var count int
	require.NoError(t, w2.Replay(func(Record) error { count++; return nil }))
	require.Equal(t, 1, count, "the corrupted trailing record must be dropped, not replayed")
}
