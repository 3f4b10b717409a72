package session

import "docengine/engineerr"

// Kind distinguishes a cursor opened over a primary table from one
// opened over a secondary index; index cursors are read-only, since
// this repo has no index-catalog machinery to keep a written index in
// sync with its owning collection (Non-goal: secondary index catalog
// management).
type Kind int

const (
	KindTable Kind = iota
	KindIndex
)

// Cursor iterates a table or index in ascending key order, scoped to
// the range set by SetRange and the visibility rules of the owning
// Session's current transaction.
//
// Unlike the original implementation's incremental, overlap-and-skip
// buffering cursor, this Cursor fully materializes its range in one
// call to Table.ScanRange on the first Next(): ScanRange already has
// to walk and dedup the whole range to answer correctly, so buffering
// it incrementally here would just re-run that work in pieces without
// changing what's returned.
type Cursor struct {
	session *Session
	table   *Table
	kind    Kind

	start, end []byte
	buffered   []Entry
	pos        int
	loaded     bool
}

// SetRange scopes subsequent Next calls to [start, end] (nil bound is
// unbounded on that side). Must be called before the first Next.
func (c *Cursor) SetRange(start, end []byte) {
	c.start = start
	c.end = end
	c.Reset()
}

// Reset rewinds the cursor to the beginning of its current range,
// discarding any buffered entries so the next Next() re-scans.
func (c *Cursor) Reset() {
	c.buffered = nil
	c.pos = 0
	c.loaded = false
}

func (c *Cursor) fill() error {
	if c.loaded {
		return nil
	}
	entries, err := c.table.ScanRange(c.start, c.end, c.session.currentTxn())
	if err != nil {
		return err
	}
	c.buffered = entries
	c.pos = 0
	c.loaded = true
	return nil
}

// Next returns the next key/value pair in the cursor's range, or
// ok=false once exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if err := c.fill(); err != nil {
		return nil, nil, false, err
	}
	if c.pos >= len(c.buffered) {
		return nil, nil, false, nil
	}
	e := c.buffered[c.pos]
	c.pos++
	return e.Key, e.Value, true, nil
}

// Get looks up key directly, bypassing the buffered range scan. An
// absent key yields ok=false together with an engineerr.KindNotFound
// error.
func (c *Cursor) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := c.table.Get(key, c.session.currentTxn())
	if err == nil && !ok {
		return nil, false, engineerr.New(engineerr.KindNotFound, "cursor get: key not found")
	}
	return v, ok, err
}

func (c *Cursor) ensureWritable() error {
	if c.kind == KindIndex {
		return ErrReadOnlyCursor
	}
	return nil
}

// Put writes key -> value through the cursor's session, rejecting the
// write if this is a read-only index cursor.
func (c *Cursor) Put(key, value []byte) error {
	if err := c.ensureWritable(); err != nil {
		return err
	}
	return c.session.Put(c.table.Name(), key, value)
}

// Delete removes key through the cursor's session, rejecting the
// write if this is a read-only index cursor.
func (c *Cursor) Delete(key []byte) error {
	if err := c.ensureWritable(); err != nil {
		return err
	}
	return c.session.Delete(c.table.Name(), key)
}
