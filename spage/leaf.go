package spage

import "docengine/engineerr"

// LeafPage is a B+ tree leaf: a sorted run of key -> value records,
// plus sibling links set at split time (spec.md §4.3). btree.Iterator
// does not follow these links; it re-descends from its parent stack.
type LeafPage struct {
	page
	next uint64 // block id of the right sibling, 0 if none
	prev uint64 // block id of the left sibling, 0 if none
}

const leafHeaderSize = commonHeaderSize + 16 // + next(8) + prev(8)

// NewLeaf formats buf as an empty leaf page. buf's length is the page's
// usable payload size (the pager strips the CRC prefix before handing
// it here).
func NewLeaf(buf []byte) *LeafPage {
	l := &LeafPage{page: initPage(buf, TypeLeaf, leafHeaderSize)}
	return l
}

// OpenLeaf reinterprets an already-formatted buffer as a leaf page.
func OpenLeaf(buf []byte) (*LeafPage, error) {
	if buf[offPageType] != TypeLeaf {
		return nil, engineerr.New(engineerr.KindCorruption, "not a leaf page")
	}
	l := &LeafPage{page: page{buf: buf, headerSize: leafHeaderSize}}
	l.next = readU64(buf, commonHeaderSize)
	l.prev = readU64(buf, commonHeaderSize+8)
	return l, nil
}

func readU64(buf []byte, off int) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[off+i])
	}
	return v
}

func writeU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v)
		v >>= 8
	}
}

func (l *LeafPage) Bytes() []byte { return l.buf }

func (l *LeafPage) Count() int { return l.slotCount() }

func (l *LeafPage) Next() uint64 { return l.next }
func (l *LeafPage) Prev() uint64 { return l.prev }

func (l *LeafPage) SetNext(id uint64) {
	l.next = id
	writeU64(l.buf, commonHeaderSize, id)
}

func (l *LeafPage) SetPrev(id uint64) {
	l.prev = id
	writeU64(l.buf, commonHeaderSize+8, id)
}

// Get returns the value stored for key, and whether it was present.
// The returned slice aliases the page buffer and must not outlive it.
func (l *LeafPage) Get(key []byte) ([]byte, bool) {
	idx, found := l.findSlot(key)
	if !found {
		return nil, false
	}
	return l.valueAt(idx), true
}

func (l *LeafPage) Contains(key []byte) bool {
	_, found := l.findSlot(key)
	return found
}

// Put inserts or overwrites key -> value. Returns engineerr.KindPageFull
// if the record does not fit even after compaction — the caller is
// expected to split and retry.
func (l *LeafPage) Put(key, value []byte) error {
	return l.put(key, value)
}

// Delete logically removes key, returning whether it was present.
func (l *LeafPage) Delete(key []byte) bool {
	return l.delete(key)
}

func (l *LeafPage) KeyAt(i int) []byte   { return l.keyAt(i) }
func (l *LeafPage) ValueAt(i int) []byte { return l.valueAt(i) }

// FindSlot exposes the binary search for iterator construction (e.g.
// positioning a cursor at the first key >= a bound).
func (l *LeafPage) FindSlot(key []byte) (idx int, found bool) { return l.findSlot(key) }

// Compact packs the record area, reclaiming space left by logical
// deletes and overwrites.
func (l *LeafPage) Compact() { l.compact() }

// FreeSpace reports the contiguous bytes available for a new record.
func (l *LeafPage) FreeSpace() int { return l.freeContiguous() }

// SplitPoint picks the slot index at which to divide a full leaf,
// aiming for a roughly even byte split rather than an even slot split,
// since keys and values vary in length (spec.md §4.3 "Split").
func (l *LeafPage) SplitPoint() int {
	n := l.slotCount()
	if n < 2 {
		return n / 2
	}
	total := 0
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		_, ln := l.slotAt(i)
		sizes[i] = ln
		total += ln
	}
	half := total / 2
	run := 0
	for i := 0; i < n; i++ {
		run += sizes[i]
		if run >= half {
			if i == 0 {
				return 1
			}
			return i
		}
	}
	return n / 2
}

// SplitInto moves the records at and after splitAt out of l and into
// the empty leaf right, relinking the sibling chain: l.next = right's
// block id and right.prev = l's block id are the caller's
// responsibility since only it knows block ids.
func (l *LeafPage) SplitInto(splitAt int, right *LeafPage) {
	n := l.slotCount()
	for i := splitAt; i < n; i++ {
		k, v := l.recordAt(l.slotAtPublic(i))
		if err := right.Put(k, v); err != nil {
			// Fresh page, contents taken verbatim from a page that held
			// them: this can only happen if the caller picked a bad
			// splitAt.
			panic(err)
		}
	}
	for i := n - 1; i >= splitAt; i-- {
		l.deleteAt(i)
	}
	l.compact()
}

func (l *LeafPage) slotAtPublic(i int) (int, int) { return l.slotAt(i) }
