package blockfile

import (
	"encoding/binary"
	"hash/crc32"

	"docengine/engineerr"
)

var fileMagic = [8]byte{'D', 'O', 'C', 'E', 'N', 'G', 'v', '1'}

const (
	headerVersion = 1

	// Fixed portion of the header payload: magic(8) + version(2) +
	// page_size(4) + two checkpoint slots (20 bytes each: root(8) +
	// generation(8) + crc(4)) + three list counts (4 bytes each).
	checkpointSlotSize = 20
	slotCount          = 2
	headerFixedSize    = 8 + 2 + 4 + slotCount*checkpointSlotSize + 3*4
	extentEntrySize    = 24 // offset(8) + size(8) + generation(8)

	// blockCRCSize is the CRC32 prefix stored on every non-header block.
	blockCRCSize = 4
)

type checkpointSlot struct {
	RootBlockID uint64
	Generation  uint64
}

func (s checkpointSlot) crc() uint32 {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], s.RootBlockID)
	binary.LittleEndian.PutUint64(buf[8:16], s.Generation)
	return crc32.ChecksumIEEE(buf)
}

type extentLists struct {
	alloc, avail, discard []Extent
}

// encodeHeader packs the checkpoint slots and extent lists into a
// pageSize-byte block 0 payload. Returns engineerr.KindHeaderCorrupt if
// the extent lists don't fit in one block — the header is, per spec.md
// §3, the payload of a single fixed-size block.
func encodeHeader(pageSize uint32, slots [slotCount]checkpointSlot, lists extentLists) ([]byte, error) {
	total := headerFixedSize + extentEntrySize*(len(lists.alloc)+len(lists.avail)+len(lists.discard))
	if uint32(total) > pageSize {
		return nil, engineerr.New(engineerr.KindHeaderCorrupt, "extent lists exceed page size")
	}

	buf := make([]byte, pageSize)
	off := 0
	copy(buf[off:], fileMagic[:])
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], headerVersion)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], pageSize)
	off += 4

	for _, s := range slots {
		binary.LittleEndian.PutUint64(buf[off:], s.RootBlockID)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], s.Generation)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], s.crc())
		off += 4
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(lists.alloc)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(lists.avail)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(lists.discard)))
	off += 4

	for _, group := range [][]Extent{lists.alloc, lists.avail, lists.discard} {
		for _, e := range group {
			binary.LittleEndian.PutUint64(buf[off:], e.Offset)
			off += 8
			binary.LittleEndian.PutUint64(buf[off:], e.Size)
			off += 8
			binary.LittleEndian.PutUint64(buf[off:], e.Generation)
			off += 8
		}
	}

	return buf, nil
}

type decodedHeader struct {
	pageSize uint32
	slots    [slotCount]checkpointSlot
	slotOK   [slotCount]bool
	lists    extentLists
}

func decodeHeader(buf []byte) (*decodedHeader, error) {
	if len(buf) < headerFixedSize {
		return nil, engineerr.New(engineerr.KindHeaderCorrupt, "header block truncated")
	}
	if [8]byte(buf[0:8]) != fileMagic {
		return nil, engineerr.New(engineerr.KindHeaderCorrupt, "bad magic")
	}
	off := 8
	version := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if version != headerVersion {
		return nil, engineerr.New(engineerr.KindHeaderCorrupt, "unsupported header version")
	}
	pageSize := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	h := &decodedHeader{pageSize: pageSize}
	for i := 0; i < slotCount; i++ {
		root := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		gen := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		storedCRC := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		slot := checkpointSlot{RootBlockID: root, Generation: gen}
		h.slots[i] = slot
		h.slotOK[i] = slot.crc() == storedCRC
	}

	allocCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	availCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	discardCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	readList := func(n uint32) ([]Extent, error) {
		out := make([]Extent, 0, n)
		for i := uint32(0); i < n; i++ {
			if off+extentEntrySize > len(buf) {
				return nil, engineerr.New(engineerr.KindHeaderCorrupt, "extent list truncated")
			}
			e := Extent{
				Offset:     binary.LittleEndian.Uint64(buf[off:]),
				Size:       binary.LittleEndian.Uint64(buf[off+8:]),
				Generation: binary.LittleEndian.Uint64(buf[off+16:]),
			}
			off += extentEntrySize
			out = append(out, e)
		}
		return out, nil
	}

	var err error
	if h.lists.alloc, err = readList(allocCount); err != nil {
		return nil, err
	}
	if h.lists.avail, err = readList(availCount); err != nil {
		return nil, err
	}
	if h.lists.discard, err = readList(discardCount); err != nil {
		return nil, err
	}

	return h, nil
}

// selectActiveSlot picks the slot with the greatest generation whose CRC
// is valid, per spec.md §4.1's checkpoint slot selection rule.
func selectActiveSlot(h *decodedHeader) (int, error) {
	best := -1
	for i := 0; i < slotCount; i++ {
		if !h.slotOK[i] {
			continue
		}
		if best == -1 || h.slots[i].Generation > h.slots[best].Generation {
			best = i
		}
	}
	if best == -1 {
		return 0, engineerr.New(engineerr.KindHeaderCorrupt, "both checkpoint slots invalid")
	}
	return best, nil
}
