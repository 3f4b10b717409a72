package spage

import "docengine/engineerr"

// InternalPage is a B+ tree internal node: n separator keys and n+1
// child pointers, stored as first_child plus n (key -> right-child)
// records (spec.md §4.3). Child key[i] is the smallest key reachable
// through the child stored as record i's value; everything less than
// key[0] routes through first_child.
type InternalPage struct {
	page
	firstChild uint64
}

const internalHeaderSize = commonHeaderSize + 8 // + first_child(8)

func NewInternal(buf []byte, firstChild uint64) *InternalPage {
	n := &InternalPage{page: initPage(buf, TypeInternal, internalHeaderSize)}
	n.SetFirstChild(firstChild)
	return n
}

func OpenInternal(buf []byte) (*InternalPage, error) {
	if buf[offPageType] != TypeInternal {
		return nil, engineerr.New(engineerr.KindCorruption, "not an internal page")
	}
	n := &InternalPage{page: page{buf: buf, headerSize: internalHeaderSize}}
	n.firstChild = readU64(buf, commonHeaderSize)
	return n, nil
}

func (n *InternalPage) Bytes() []byte { return n.buf }

func (n *InternalPage) Count() int { return n.slotCount() }

func (n *InternalPage) FirstChild() uint64 { return n.firstChild }

func (n *InternalPage) SetFirstChild(id uint64) {
	n.firstChild = id
	writeU64(n.buf, commonHeaderSize, id)
}

func childIDBytes(id uint64) []byte {
	b := make([]byte, 8)
	writeU64(b, 0, id)
	return b
}

func decodeChildID(b []byte) uint64 { return readU64(b, 0) }

// ChildForKey returns the block id of the child subtree that may
// contain key: the last separator <= key, or first_child if key is
// less than every separator.
func (n *InternalPage) ChildForKey(key []byte) uint64 {
	idx, found := n.findSlot(key)
	if found {
		return decodeChildID(n.valueAt(idx))
	}
	// idx is the first slot with key > target; the routing child is the
	// one before it.
	if idx == 0 {
		return n.firstChild
	}
	return decodeChildID(n.valueAt(idx - 1))
}

// InsertSeparator adds (key -> child), where child holds everything
// with key >= the given key up to the next separator.
func (n *InternalPage) InsertSeparator(key []byte, child uint64) error {
	return n.put(key, childIDBytes(child))
}

// DeleteSeparator removes a separator key. Removing key[0] promotes
// key[1]'s child boundary down to first_child — spec.md leaves the
// exact merge/redistribute policy during deletion underspecified, so
// this package offers the primitive and leaves rebalancing to the
// btree package.
func (n *InternalPage) DeleteSeparator(key []byte) bool {
	return n.delete(key)
}

func (n *InternalPage) KeyAt(i int) []byte { return n.keyAt(i) }

// FindSlotForKey exposes the binary search used by ChildForKey, for
// callers (btree's split/reroute bookkeeping) that need to know which
// separator slot routing decided on.
func (n *InternalPage) FindSlotForKey(key []byte) (idx int, found bool) { return n.findSlot(key) }

func (n *InternalPage) ChildAt(i int) uint64 {
	if i == 0 {
		return n.firstChild
	}
	return decodeChildID(n.valueAt(i - 1))
}

// ChildAtSlot returns the child pointer stored alongside slot i's
// separator key (i.e. the child to its right), distinct from ChildAt
// which is 1-indexed against first_child.
func (n *InternalPage) ChildAtSlot(i int) uint64 {
	return decodeChildID(n.valueAt(i))
}

func (n *InternalPage) Compact() { n.compact() }

func (n *InternalPage) FreeSpace() int { return n.freeContiguous() }

func (n *InternalPage) SplitPoint() int {
	c := n.slotCount()
	return c / 2
}

// SplitInto moves separators at and after splitAt into right, and
// returns the separator key that must be promoted to the parent
// (the first moved key, per the standard B+ tree internal split rule).
// right.first_child is set to the promoted separator's former child.
func (n *InternalPage) SplitInto(splitAt int, right *InternalPage) []byte {
	count := n.slotCount()
	promoted := append([]byte(nil), n.keyAt(splitAt)...)
	right.SetFirstChild(decodeChildID(n.valueAt(splitAt)))
	for i := splitAt + 1; i < count; i++ {
		off, ln := n.slotAt(i)
		k, v := n.recordAt(off, ln)
		if err := right.InsertSeparator(k, decodeChildID(v)); err != nil {
			panic(err)
		}
	}
	for i := count - 1; i >= splitAt; i-- {
		n.deleteAt(i)
	}
	n.compact()
	return promoted
}
