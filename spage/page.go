// Package spage implements C3 from the storage engine design: the
// slotted page format shared by leaf and internal B+ tree pages
// (spec.md §3 "Slotted Page", §4.3).
//
// Both page kinds share one on-disk shape: a front-growing slot
// directory of (offset, length) pairs in ascending key order, and a
// back-growing packed record area. A record is always
// klen(u16) | vlen(u16) | key | value — for a leaf, value is the stored
// value; for an internal page, value is always 8 bytes holding a child
// block id. That shared shape lets both page kinds share one codec
// here (page) and differ only in their public operations (leaf.go,
// internal.go).
package spage

import (
	"bytes"
	"encoding/binary"

	"docengine/engineerr"
)

// Page type tags, stored as the first byte of every non-header block
// that holds a B+ tree page (spec.md §3, §9 "tagged variant").
const (
	TypeLeaf     byte = 1
	TypeInternal byte = 2
)

const (
	commonHeaderSize = 8 // page_type(1) flags(1) slot_count(2) lower(2) upper(2)
	slotSize         = 2 + 2
	recordHeaderSize = 2 + 2 // klen(2) vlen(2)

	offPageType  = 0
	offFlags     = 1
	offSlotCount = 2
	offLower     = 4
	offUpper     = 6

	// MaxPayload is the largest value size the u16 length fields allow
	// (spec.md §4.3 "Limits").
	MaxPayload = 65535
)

// page holds the slot-directory and record-area machinery common to
// leaf and internal pages. headerSize is commonHeaderSize+16 for a leaf
// (next and prev sibling ids) and commonHeaderSize+8 for an internal
// page (first_child).
type page struct {
	buf        []byte
	headerSize int
}

func initPage(buf []byte, typ byte, headerSize int) page {
	for i := range buf {
		buf[i] = 0
	}
	buf[offPageType] = typ
	binary.LittleEndian.PutUint16(buf[offSlotCount:], 0)
	binary.LittleEndian.PutUint16(buf[offLower:], uint16(headerSize))
	binary.LittleEndian.PutUint16(buf[offUpper:], uint16(len(buf)))
	return page{buf: buf, headerSize: headerSize}
}

func (p *page) pageType() byte        { return p.buf[offPageType] }
func (p *page) slotCount() int        { return int(binary.LittleEndian.Uint16(p.buf[offSlotCount:])) }
func (p *page) setSlotCount(n int)    { binary.LittleEndian.PutUint16(p.buf[offSlotCount:], uint16(n)) }
func (p *page) lower() int            { return int(binary.LittleEndian.Uint16(p.buf[offLower:])) }
func (p *page) setLower(v int)        { binary.LittleEndian.PutUint16(p.buf[offLower:], uint16(v)) }
func (p *page) upper() int            { return int(binary.LittleEndian.Uint16(p.buf[offUpper:])) }
func (p *page) setUpper(v int)        { binary.LittleEndian.PutUint16(p.buf[offUpper:], uint16(v)) }
func (p *page) freeContiguous() int   { return p.upper() - p.lower() }

func (p *page) slotBase(i int) int { return p.headerSize + i*slotSize }

func (p *page) slotAt(i int) (off, ln int) {
	base := p.slotBase(i)
	return int(binary.LittleEndian.Uint16(p.buf[base:])), int(binary.LittleEndian.Uint16(p.buf[base+2:]))
}

func (p *page) writeSlot(i, off, ln int) {
	base := p.slotBase(i)
	binary.LittleEndian.PutUint16(p.buf[base:], uint16(off))
	binary.LittleEndian.PutUint16(p.buf[base+2:], uint16(ln))
}

func recordLen(klen, vlen int) int { return recordHeaderSize + klen + vlen }

func (p *page) writeRecord(at int, key, value []byte) {
	binary.LittleEndian.PutUint16(p.buf[at:], uint16(len(key)))
	binary.LittleEndian.PutUint16(p.buf[at+2:], uint16(len(value)))
	copy(p.buf[at+4:], key)
	copy(p.buf[at+4+len(key):], value)
}

func (p *page) recordAt(off, ln int) (key, value []byte) {
	klen := int(binary.LittleEndian.Uint16(p.buf[off:]))
	vlen := int(binary.LittleEndian.Uint16(p.buf[off+2:]))
	_ = ln
	key = p.buf[off+4 : off+4+klen]
	value = p.buf[off+4+klen : off+4+klen+vlen]
	return key, value
}

func (p *page) keyAt(i int) []byte {
	off, ln := p.slotAt(i)
	k, _ := p.recordAt(off, ln)
	return k
}

func (p *page) valueAt(i int) []byte {
	off, ln := p.slotAt(i)
	_, v := p.recordAt(off, ln)
	return v
}

// findSlot does a lower-bound binary search over the sorted slot
// directory, returning (idx, true) if key is present at idx, or
// (insertion point, false) otherwise.
func (p *page) findSlot(key []byte) (idx int, found bool) {
	lo, hi := 0, p.slotCount()
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(p.keyAt(mid), key) {
		case -1:
			lo = mid + 1
		case 0:
			return mid, true
		default:
			hi = mid
		}
	}
	return lo, false
}

// deleteAt removes slot index (and, implicitly, the record it pointed
// to — the bytes are left as garbage until the next compact), shifting
// later slots left.
func (p *page) deleteAt(idx int) {
	n := p.slotCount()
	if idx+1 < n {
		src := p.slotBase(idx + 1)
		dst := p.slotBase(idx)
		copy(p.buf[dst:p.slotBase(n)], p.buf[src:p.slotBase(n)])
	}
	p.setSlotCount(n - 1)
	p.setLower(p.headerSize + (n-1)*slotSize)
}

// insertAt makes room at slot index idx (shifting later slots right)
// and writes the (off, ln) slot, bumping slot_count and lower.
func (p *page) insertAt(idx, off, ln int) {
	n := p.slotCount()
	if idx < n {
		src := p.slotBase(idx)
		dst := p.slotBase(idx + 1)
		copy(p.buf[dst:p.slotBase(n+1)], p.buf[src:p.slotBase(n)])
	}
	p.writeSlot(idx, off, ln)
	p.setSlotCount(n + 1)
	p.setLower(p.headerSize + (n+1)*slotSize)
}

// compact rewrites the page in place into a densely packed form,
// preserving slot order and every (key, value) pair, per spec.md §4.3.
func (p *page) compact() {
	n := p.slotCount()
	type saved struct{ off, ln int }
	slots := make([]saved, n)
	for i := 0; i < n; i++ {
		off, ln := p.slotAt(i)
		slots[i] = saved{off, ln}
	}

	newBuf := make([]byte, len(p.buf))
	copy(newBuf[:p.headerSize], p.buf[:p.headerSize])
	old := p.buf
	p.buf = newBuf

	upper := len(p.buf)
	for i := n - 1; i >= 0; i-- {
		s := slots[i]
		upper -= s.ln
		copy(p.buf[upper:upper+s.ln], old[s.off:s.off+s.ln])
		p.writeSlot(i, upper, s.ln)
	}
	p.setUpper(upper)
	p.setLower(p.headerSize + n*slotSize)

	// Copy the packed image back so the caller's buffer (e.g. a pinned
	// page payload) holds the result.
	copy(old, p.buf)
	p.buf = old
}

// put inserts or replaces key -> value, compacting once if the free gap
// is fragmented rather than truly insufficient, per spec.md §4.3. Returns
// engineerr.KindPageFull if there is genuinely no room.
func (p *page) put(key, value []byte) error {
	if len(key) > MaxPayload || len(value) > MaxPayload {
		return engineerr.New(engineerr.KindPageFull, "record exceeds max payload size")
	}
	idx, found := p.findSlot(key)
	rlen := recordLen(len(key), len(value))
	need := rlen + slotSize

	var oldValue []byte
	if found {
		// Save the old value before deleteAt/compact reclaim its bytes,
		// so a failed replace can restore the original record intact.
		off, ln := p.slotAt(idx)
		_, v := p.recordAt(off, ln)
		oldValue = append([]byte(nil), v...)
		p.deleteAt(idx)
	}

	if p.freeContiguous() < need {
		p.compact()
	}
	if p.freeContiguous() < need {
		if found {
			oldRlen := recordLen(len(key), len(oldValue))
			newUpper := p.upper() - oldRlen
			p.writeRecord(newUpper, key, oldValue)
			p.setUpper(newUpper)
			p.insertAt(idx, newUpper, oldRlen)
		}
		return engineerr.New(engineerr.KindPageFull, "insufficient space after compaction")
	}

	newUpper := p.upper() - rlen
	p.writeRecord(newUpper, key, value)
	p.setUpper(newUpper)
	p.insertAt(idx, newUpper, rlen)
	return nil
}

func (p *page) delete(key []byte) bool {
	idx, found := p.findSlot(key)
	if !found {
		return false
	}
	p.deleteAt(idx)
	return true
}
