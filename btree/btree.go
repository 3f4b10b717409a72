// Package btree implements C4 from the storage engine design: a
// recursive B+ tree over a pager.Pager, using spage for the on-page
// leaf/internal format (spec.md §4.3–§4.4).
package btree

import (
	"bytes"

	"docengine/config"
	"docengine/engineerr"
	"docengine/pager"
	"docengine/spage"

	"github.com/sirupsen/logrus"
)

// BTree is a B+ tree keyed by arbitrary byte strings, backed by a
// pager.Pager. No merge or redistribution is performed on delete —
// an emptied leaf is simply left in place, matching the storage
// engine's non-goal of active compaction (spec.md §4.4 Non-goals).
type BTree struct {
	pager *pager.Pager
	log   *logrus.Entry
}

// Create formats a fresh, empty B+ tree (a single empty leaf as root)
// at path and checkpoints it once so Open sees a valid stable root.
func Create(path string, pageSize uint32, cfg config.Config) (*BTree, error) {
	p, err := pager.Create(path, pageSize, cfg)
	if err != nil {
		return nil, err
	}
	t := &BTree{pager: p, log: logrus.WithField("component", "btree")}
	if err := t.initRootIfMissing(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Checkpoint(); err != nil {
		p.Close()
		return nil, err
	}
	return t, nil
}

// Open reopens an existing tree. Callers that use a WAL should replay
// it (see the recovery package) before issuing any Put/Delete.
func Open(path string, cfg config.Config) (*BTree, error) {
	p, err := pager.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	t := &BTree{pager: p, log: logrus.WithField("component", "btree")}
	if err := t.initRootIfMissing(); err != nil {
		p.Close()
		return nil, err
	}
	return t, nil
}

func (t *BTree) initRootIfMissing() error {
	if t.pager.RootPageID() != pager.NoPage {
		return nil
	}
	buf := make([]byte, t.pager.PagePayloadSize())
	spage.NewLeaf(buf)
	leafID, err := t.pager.WriteNewPage(buf)
	if err != nil {
		return err
	}
	t.pager.SetRootPageID(leafID)
	return nil
}

func (t *BTree) Pager() *pager.Pager { return t.pager }

func (t *BTree) Close() error { return t.pager.Close() }

func (t *BTree) Checkpoint() error { return t.pager.Checkpoint() }

// Get returns the value stored for key and whether it was present.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	nodeID := t.pager.RootPageID()
	if nodeID == pager.NoPage {
		return nil, false, nil
	}
	for {
		pinned, err := t.pager.PinPage(nodeID)
		if err != nil {
			return nil, false, err
		}
		page, err := spage.Decode(pinned.Payload())
		if err != nil {
			t.pager.UnpinPage(nodeID)
			return nil, false, engineerr.Wrap(engineerr.KindCorruption, "corrupt page during get", err)
		}
		switch p := page.(type) {
		case *spage.LeafPage:
			v, ok := p.Get(key)
			var out []byte
			if ok {
				out = append([]byte(nil), v...)
			}
			t.pager.UnpinPage(nodeID)
			return out, ok, nil
		case *spage.InternalPage:
			child := p.ChildForKey(key)
			t.pager.UnpinPage(nodeID)
			nodeID = child
		}
	}
}

// splitInfo is propagated upward when a child page splits: the caller
// must insert sepKey -> rightChild into its own page, where sepKey is
// the minimum key of rightChild.
type splitInfo struct {
	sepKey     []byte
	rightChild uint64
}

type insertResult struct {
	newNodeID uint64
	split     *splitInfo
}

// Put inserts or overwrites key -> value, splitting pages bottom-up as
// needed and growing the root when the top-level page splits.
func (t *BTree) Put(key, value []byte) error {
	root := t.pager.RootPageID()
	if root == pager.NoPage {
		return engineerr.New(engineerr.KindCorruption, "btree missing root")
	}

	result, err := t.insertRecursive(root, key, value)
	if err != nil {
		return err
	}

	if result.split != nil {
		buf := make([]byte, t.pager.PagePayloadSize())
		internal := spage.NewInternal(buf, result.newNodeID)
		if err := internal.InsertSeparator(result.split.sepKey, result.split.rightChild); err != nil {
			return engineerr.Wrap(engineerr.KindCorruption, "init new root internal", err)
		}
		newRootID, err := t.pager.WriteNewPage(buf)
		if err != nil {
			return err
		}
		t.pager.SetRootPageID(newRootID)
	} else {
		t.pager.SetRootPageID(result.newNodeID)
	}

	if t.pager.CheckpointDue() {
		if err := t.pager.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// PutUnique inserts key -> value only if key is not already present,
// failing with engineerr.KindDuplicateKey otherwise (spec.md §4.4).
func (t *BTree) PutUnique(key, value []byte) error {
	_, ok, err := t.Get(key)
	if err != nil {
		return err
	}
	if ok {
		return engineerr.New(engineerr.KindDuplicateKey, "key already exists")
	}
	return t.Put(key, value)
}

func (t *BTree) insertRecursive(nodeID uint64, key, value []byte) (insertResult, error) {
	pinned, err := t.pager.PinPageMut(nodeID)
	if err != nil {
		return insertResult{}, err
	}

	page, decodeErr := spage.Decode(pinned.Payload())
	if decodeErr != nil {
		t.pager.UnpinPageMutAbort(pinned)
		return insertResult{}, engineerr.Wrap(engineerr.KindCorruption, "corrupt page during put", decodeErr)
	}

	var result insertResult
	var opErr error
	switch p := page.(type) {
	case *spage.LeafPage:
		result, opErr = t.insertIntoLeaf(pinned, p, key, value)
	case *spage.InternalPage:
		result, opErr = t.insertIntoInternal(pinned, p, key, value)
	}

	if opErr != nil {
		t.pager.UnpinPageMutAbort(pinned)
		return insertResult{}, opErr
	}
	if err := t.pager.UnpinPageMutCommit(pinned); err != nil {
		return insertResult{}, err
	}
	return result, nil
}

func (t *BTree) insertIntoLeaf(pinned *pager.PinnedPageMut, leaf *spage.LeafPage, key, value []byte) (insertResult, error) {
	if err := leaf.Put(key, value); err == nil {
		return insertResult{newNodeID: pinned.PageID()}, nil
	} else if k, _ := engineerr.KindOf(err); k != engineerr.KindPageFull {
		return insertResult{}, err
	}

	splitAt := leaf.SplitPoint()
	rightBuf := make([]byte, t.pager.PagePayloadSize())
	right := spage.NewLeaf(rightBuf)
	leaf.SplitInto(splitAt, right)

	// The insert that triggered the split didn't land anywhere yet —
	// route it to whichever half now owns its key range.
	target := leaf
	if bytes.Compare(key, right.KeyAt(0)) >= 0 {
		target = right
	}
	if err := target.Put(key, value); err != nil {
		return insertResult{}, engineerr.Wrap(engineerr.KindPageFull, "record too large even after split", err)
	}

	sepKey := append([]byte(nil), right.KeyAt(0)...)
	right.SetPrev(pinned.PageID())
	right.SetNext(leaf.Next())
	rightID, err := t.pager.WriteNewPage(right.Bytes())
	if err != nil {
		return insertResult{}, err
	}
	leaf.SetNext(rightID)
	return insertResult{
		newNodeID: pinned.PageID(),
		split:     &splitInfo{sepKey: sepKey, rightChild: rightID},
	}, nil
}

func (t *BTree) insertIntoInternal(pinned *pager.PinnedPageMut, node *spage.InternalPage, key, value []byte) (insertResult, error) {
	childID := node.ChildForKey(key)
	childResult, err := t.insertRecursive(childID, key, value)
	if err != nil {
		return insertResult{}, err
	}
	if err := rerouteChild(node, key, childResult.newNodeID); err != nil {
		return insertResult{}, err
	}

	if childResult.split != nil {
		if err := node.InsertSeparator(childResult.split.sepKey, childResult.split.rightChild); err == nil {
			return insertResult{newNodeID: pinned.PageID()}, nil
		} else if k, _ := engineerr.KindOf(err); k != engineerr.KindPageFull {
			return insertResult{}, err
		}
	} else {
		return insertResult{newNodeID: pinned.PageID()}, nil
	}

	splitAt := node.SplitPoint()
	rightBuf := make([]byte, t.pager.PagePayloadSize())
	right := spage.NewInternal(rightBuf, 0)
	promoted := node.SplitInto(splitAt, right)

	target := node
	if bytes.Compare(childResult.split.sepKey, promoted) >= 0 {
		target = right
	}
	if err := target.InsertSeparator(childResult.split.sepKey, childResult.split.rightChild); err != nil {
		return insertResult{}, engineerr.Wrap(engineerr.KindPageFull, "separator too large even after split", err)
	}

	rightID, err := t.pager.WriteNewPage(right.Bytes())
	if err != nil {
		return insertResult{}, err
	}
	return insertResult{
		newNodeID: pinned.PageID(),
		split:     &splitInfo{sepKey: promoted, rightChild: rightID},
	}, nil
}

// rerouteChild rewrites the pointer this internal page holds for the
// child that just routed key, after that child may have been
// copy-on-write cloned to a new page id.
func rerouteChild(node *spage.InternalPage, key []byte, newChildID uint64) error {
	idx, found := node.FindSlotForKey(key)
	if !found && idx == 0 {
		node.SetFirstChild(newChildID)
		return nil
	}
	sepIdx := idx
	if !found {
		sepIdx = idx - 1
	}
	sepKey := append([]byte(nil), node.KeyAt(sepIdx)...)
	return node.InsertSeparator(sepKey, newChildID)
}

// Delete removes key, returning whether it was present. No merge or
// redistribution is attempted; an emptied leaf is left in place.
func (t *BTree) Delete(key []byte) (bool, error) {
	root := t.pager.RootPageID()
	if root == pager.NoPage {
		return false, nil
	}
	newRoot, deleted, err := t.deleteRecursive(root, key)
	if err != nil {
		return false, err
	}
	t.pager.SetRootPageID(newRoot)

	if t.pager.CheckpointDue() {
		if err := t.pager.Checkpoint(); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (t *BTree) deleteRecursive(nodeID uint64, key []byte) (uint64, bool, error) {
	pinned, err := t.pager.PinPageMut(nodeID)
	if err != nil {
		return 0, false, err
	}

	page, decodeErr := spage.Decode(pinned.Payload())
	if decodeErr != nil {
		t.pager.UnpinPageMutAbort(pinned)
		return 0, false, engineerr.Wrap(engineerr.KindCorruption, "corrupt page during delete", decodeErr)
	}

	var deleted bool
	var opErr error
	switch p := page.(type) {
	case *spage.LeafPage:
		deleted = p.Delete(key)
	case *spage.InternalPage:
		childID := p.ChildForKey(key)
		var newChildID uint64
		newChildID, deleted, opErr = t.deleteRecursive(childID, key)
		if opErr == nil {
			opErr = rerouteChild(p, key, newChildID)
		}
	}

	if opErr != nil {
		t.pager.UnpinPageMutAbort(pinned)
		return 0, false, opErr
	}
	if err := t.pager.UnpinPageMutCommit(pinned); err != nil {
		return 0, false, err
	}
	return pinned.PageID(), deleted, nil
}

// Bound is one end of a Range scan. A nil Key means unbounded.
type Bound struct {
	Key       []byte
	Inclusive bool
}

// Unbounded is the zero Bound: no constraint on that end of the range.
var Unbounded = Bound{}

// frame is one level of the Iterator's parent stack: the internal page
// at pageID, and the index of the child to descend into the next time
// this frame is revisited.
type frame struct {
	pageID     uint64
	childCount int
	next       int
}

// Iterator walks a Range in ascending lexicographic key order. It
// holds no pin between calls: every page it visits, the current leaf
// included, is unpinned as soon as it has been decoded, and entries are
// read from the decoded leaf. Parent pages are re-read from the stack
// when the scan needs to move to the next leaf (spec.md §4.4, §9
// "Iterator lifetime vs page eviction").
type Iterator struct {
	tree *BTree
	end  Bound

	stack []frame
	leaf  *spage.LeafPage
	slot  int
	done  bool
	err   error
}

// Range returns an Iterator over [start, end) (adjusted for each
// Bound's Inclusive flag), ascending by key.
func (t *BTree) Range(start, end Bound) (*Iterator, error) {
	it := &Iterator{tree: t, end: end}
	if err := it.seek(start); err != nil {
		return nil, err
	}
	return it, nil
}

func (t *BTree) loadPage(nodeID uint64) (spage.Page, error) {
	pinned, err := t.pager.PinPage(nodeID)
	if err != nil {
		return nil, err
	}
	page, err := spage.Decode(pinned.Payload())
	t.pager.UnpinPage(nodeID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindCorruption, "corrupt page during range scan", err)
	}
	return page, nil
}

// childIndexForKey mirrors InternalPage.ChildForKey's routing decision
// but returns the index into ChildAt rather than the block id, so the
// caller can record where to resume if it backtracks into node later.
func childIndexForKey(node *spage.InternalPage, key []byte) int {
	idx, found := node.FindSlotForKey(key)
	if found {
		return idx + 1
	}
	return idx
}

func (it *Iterator) seek(start Bound) error {
	root := it.tree.pager.RootPageID()
	if root == pager.NoPage {
		it.done = true
		return nil
	}

	nodeID := root
	for {
		page, err := it.tree.loadPage(nodeID)
		if err != nil {
			return err
		}
		switch p := page.(type) {
		case *spage.LeafPage:
			it.leaf = p
			if start.Key == nil {
				it.slot = 0
			} else {
				idx, found := p.FindSlot(start.Key)
				if found && !start.Inclusive {
					idx++
				}
				it.slot = idx
			}
			return it.skipPastEnd()
		case *spage.InternalPage:
			childIdx := 0
			if start.Key != nil {
				childIdx = childIndexForKey(p, start.Key)
			}
			it.stack = append(it.stack, frame{pageID: nodeID, childCount: p.Count() + 1, next: childIdx + 1})
			nodeID = p.ChildAt(childIdx)
		}
	}
}

// descendLeftmost pushes a frame for every internal page from nodeID
// down to (but not including) the leaf it bottoms out at, always
// taking the first child, and returns that leaf.
func (it *Iterator) descendLeftmost(nodeID uint64) (*spage.LeafPage, error) {
	for {
		page, err := it.tree.loadPage(nodeID)
		if err != nil {
			return nil, err
		}
		switch p := page.(type) {
		case *spage.LeafPage:
			return p, nil
		case *spage.InternalPage:
			it.stack = append(it.stack, frame{pageID: nodeID, childCount: p.Count() + 1, next: 1})
			nodeID = p.ChildAt(0)
		}
	}
}

// advance moves to the next leaf in key order by backtracking up the
// parent stack to the first frame with an unvisited child, then
// descending leftmost from there. Returns false once the stack is
// exhausted.
func (it *Iterator) advance() (bool, error) {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.next >= top.childCount {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		page, err := it.tree.loadPage(top.pageID)
		if err != nil {
			return false, err
		}
		node, ok := page.(*spage.InternalPage)
		if !ok {
			return false, engineerr.New(engineerr.KindCorruption, "range scan stack frame is not an internal page")
		}
		childIdx := top.next
		top.next++
		leaf, err := it.descendLeftmost(node.ChildAt(childIdx))
		if err != nil {
			return false, err
		}
		it.leaf = leaf
		it.slot = 0
		return true, nil
	}
	return false, nil
}

// skipPastEnd marks the iterator done once it runs out of entries in
// the current leaf that are still within the end bound, advancing to
// later leaves as needed. It does not consume an entry.
func (it *Iterator) skipPastEnd() error {
	for {
		if it.leaf == nil {
			it.done = true
			return nil
		}
		if it.slot < it.leaf.Count() {
			if it.end.Key != nil {
				cmp := bytes.Compare(it.leaf.KeyAt(it.slot), it.end.Key)
				if cmp > 0 || (cmp == 0 && !it.end.Inclusive) {
					it.done = true
				}
			}
			return nil
		}
		ok, err := it.advance()
		if err != nil {
			return err
		}
		if !ok {
			it.done = true
			return nil
		}
	}
}

// Next returns the next key/value pair in ascending order, or ok=false
// once the range is exhausted. The returned slices are copies, safe to
// retain past the next call.
func (it *Iterator) Next() (key, value []byte, ok bool, err error) {
	if it.err != nil {
		return nil, nil, false, it.err
	}
	if it.done {
		return nil, nil, false, nil
	}
	key = append([]byte(nil), it.leaf.KeyAt(it.slot)...)
	value = append([]byte(nil), it.leaf.ValueAt(it.slot)...)
	it.slot++
	if err := it.skipPastEnd(); err != nil {
		it.err = err
		it.done = true
		return key, value, true, nil
	}
	return key, value, true, nil
}
