package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"docengine/btree"
	"docengine/config"
	"docengine/engineerr"
	"docengine/logstats"
	"docengine/recovery"
	"docengine/txn"
	"docengine/wal"

	"github.com/sirupsen/logrus"
)

const globalWalFileName = "global.wal"

// Connection owns everything a database directory needs shared across
// every Session opened against it: the single global WAL, the global
// transaction bookkeeping, and the bounded cache of open Table
// handles (spec.md §6, "one Connection per open database directory").
type Connection struct {
	dir       string
	cfg       config.Config
	globalWal *wal.Wal
	globalTxn *txn.GlobalState
	cache     *HandleCache
	stats     *logstats.Counters
	log       *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if necessary) the database directory at dir,
// replays the global WAL to rebuild every table it mentions, and
// returns a ready Connection. A WAL whose header can't be read (wrong
// version, wrong magic) is logged as a warning and skipped rather than
// failing Open outright: the data files' own last checkpoint is still
// valid, so the connection proceeds on that stable state and starts a
// fresh WAL going forward (spec.md §7; SPEC_FULL.md §4.9).
func Open(dir string, cfg config.Config) (*Connection, error) {
	cfg = config.WithDefaults(cfg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, engineerr.Wrap(engineerr.KindIO, "create database directory", err)
	}

	stats := logstats.New(cfg.LockStatsEnabled)
	log := logrus.WithField("component", "connection").WithField("dir", dir)

	cache, err := newHandleCache()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindIO, "build handle cache", err)
	}

	c := &Connection{
		dir:       dir,
		cfg:       cfg,
		globalTxn: txn.NewGlobalState(stats),
		cache:     cache,
		stats:     stats,
		log:       log,
	}

	// Recovery must resolve tables through the same handle cache a
	// Session will later use, not open a second, independent btree on
	// the same file: c.openForRecovery routes through cache.getOrOpen,
	// so the handle recovery writes into is the exact one Sessions see.
	walPath := filepath.Join(dir, globalWalFileName)
	w, outcome, err := openOrRecoverWal(walPath, cfg, stats, c.globalTxn, c.openForRecovery, log)
	if err != nil {
		return nil, err
	}
	c.globalWal = w
	if outcome.Skipped {
		log.WithError(outcome.Reason).Warn("skipping wal recovery, proceeding on last stable checkpoint")
	} else {
		log.WithFields(logrus.Fields{
			"committed": outcome.Committed,
			"aborted":   outcome.Aborted,
			"applied":   outcome.Applied,
		}).Info("wal recovery complete")
	}

	return c, nil
}

// openOrRecoverWal opens an existing WAL and replays it, or creates a
// fresh one if none exists yet. A version-mismatched existing WAL is
// moved aside and replaced with a fresh, empty one rather than
// aborting the connection.
func openOrRecoverWal(path string, cfg config.Config, stats *logstats.Counters, global *txn.GlobalState, opener recovery.TableOpener, log *logrus.Entry) (*wal.Wal, recovery.Outcome, error) {
	if _, statErr := os.Stat(path); statErr != nil {
		w, err := wal.Create(path, cfg.SyncInterval(), stats)
		if err != nil {
			return nil, recovery.Outcome{}, err
		}
		return w, recovery.Outcome{}, nil
	}

	w, err := wal.Open(path, cfg.SyncInterval(), stats)
	if err != nil {
		if kind, ok := engineerr.KindOf(err); ok && kind == engineerr.KindWalVersionMismatch {
			if renameErr := os.Rename(path, path+".bad"); renameErr != nil {
				log.WithError(renameErr).Warn("could not move aside mismatched wal")
			}
			fresh, createErr := wal.Create(path, cfg.SyncInterval(), stats)
			if createErr != nil {
				return nil, recovery.Outcome{}, createErr
			}
			return fresh, recovery.Outcome{Skipped: true, Reason: err}, nil
		}
		return nil, recovery.Outcome{}, err
	}

	outcome, err := recovery.Recover(w, global, opener)
	if err != nil {
		return nil, recovery.Outcome{}, err
	}
	return w, outcome, nil
}

// openForRecovery is the recovery.TableOpener used while replaying the
// WAL. It routes through the same handle cache a Session later uses,
// so the btree recovery writes into is the very one Sessions read
// from afterward rather than a second, independent open of the same
// file.
func (c *Connection) openForRecovery(uri string) (*btree.BTree, error) {
	path, err := tablePath(c.dir, uri)
	if err != nil {
		return nil, err
	}
	t, err := c.cache.getOrOpen(uri, func() (*Table, error) {
		return openTable(path, uri, c.cfg, c.globalTxn, c.stats)
	})
	if err != nil {
		return nil, err
	}
	return t.tree, nil
}

// tablePath maps a table/index uri to its backing file path, per the
// db layout in spec.md §6: "table:<name>" lives at
// "<name>.main.wt" and "index:<name>:<field>" lives at
// "<name>.<field>.idx.wt".
func tablePath(dir, uri string) (string, error) {
	if name, ok := stripPrefix(uri, "table:"); ok {
		return filepath.Join(dir, name+".main.wt"), nil
	}
	if rest, ok := stripPrefix(uri, "index:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
		}
		return filepath.Join(dir, parts[0]+"."+parts[1]+".idx.wt"), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
}

func stripPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	rest := s[len(prefix):]
	if rest == "" {
		return "", false
	}
	return rest, true
}

// checkOpen reports ErrConnectionClosed once Close has run, so a
// Session left over from before Close can't keep resolving tables or
// appending to a WAL that's already been flushed and closed out.
func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

// OpenSession returns a new Session sharing this Connection's WAL,
// global transaction state, and handle cache. A Connection may have
// many Sessions open concurrently; each owns at most one Transaction
// at a time. The returned Session's operations start failing with
// ErrConnectionClosed once Close runs.
func (c *Connection) OpenSession() *Session {
	return newSession(c)
}

// Stats is a debugging snapshot across every currently resident table
// handle plus the WAL and transaction bookkeeping (SPEC_FULL.md §6).
type Stats struct {
	CachePages    int
	CacheCapacity int
	DirtyPages    int
	RetiredPages  int
	WalSize       uint64
	ActiveTxns    int
}

func (c *Connection) Stats() Stats {
	var s Stats
	for _, t := range c.cache.allTables() {
		ps := t.tree.Pager().Stats()
		s.CachePages += ps.CachePages
		s.CacheCapacity += ps.CacheCapacity
		s.DirtyPages += ps.DirtyPages
		s.RetiredPages += t.tree.Pager().BlockFile().Stats().DiscardExtents
	}
	s.WalSize = c.globalWal.CurrentLSN()
	s.ActiveTxns = c.globalTxn.ActiveCount()
	return s
}

// checkpointAll flushes and checkpoints every resident table handle,
// then truncates the WAL to its header iff no transaction is
// currently active — truncating while one is in flight would discard
// Put/Delete records that still lack a TxnCommit (spec.md §5
// "Checkpoint safety").
func (c *Connection) checkpointAll() error {
	for _, t := range c.cache.allTables() {
		if err := t.Checkpoint(); err != nil {
			return err
		}
	}
	if c.globalTxn.HasActiveTransactions() {
		return nil
	}
	lsn, err := c.globalWal.LogCheckpoint()
	if err != nil {
		return err
	}
	if err := c.globalWal.RecordCheckpoint(lsn); err != nil {
		return err
	}
	if err := c.globalWal.Sync(); err != nil {
		return err
	}
	return c.globalWal.TruncateToHeader()
}

// Close checkpoints and closes every resident table and the WAL. Once
// Close returns, every Session still holding this Connection fails its
// next operation with ErrConnectionClosed rather than touching a
// flushed-and-closed WAL or handle cache. Close itself is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.checkpointAll(); err != nil {
		c.log.WithError(err).Warn("checkpoint during close failed")
	}
	if err := c.cache.closeAll(); err != nil {
		c.log.WithError(err).Warn("closing handle cache failed")
	}
	return c.globalWal.Close()
}
