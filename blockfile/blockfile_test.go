package blockfile

import (
	"os"
	"path/filepath"
	"testing"

	"docengine/engineerr"

	"github.com/stretchr/testify/require"
)

func TestSelectActiveSlotPicksValidSlotZeroOverCorruptSlotOne(t *testing.T) {
	h := &decodedHeader{
		slots:  [slotCount]checkpointSlot{{RootBlockID: 1, Generation: 5}, {RootBlockID: 2, Generation: 9}},
		slotOK: [slotCount]bool{true, false},
	}
	idx, err := selectActiveSlot(h)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestSelectActiveSlotPicksValidSlotOneOverCorruptSlotZero(t *testing.T) {
	h := &decodedHeader{
		slots:  [slotCount]checkpointSlot{{RootBlockID: 1, Generation: 99}, {RootBlockID: 2, Generation: 4}},
		slotOK: [slotCount]bool{false, true},
	}
	idx, err := selectActiveSlot(h)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestSelectActiveSlotPicksHighestGenerationWhenBothValid(t *testing.T) {
	h := &decodedHeader{
		slots:  [slotCount]checkpointSlot{{RootBlockID: 1, Generation: 3}, {RootBlockID: 2, Generation: 4}},
		slotOK: [slotCount]bool{true, true},
	}
	idx, err := selectActiveSlot(h)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestSelectActiveSlotBothInvalidReturnsHeaderCorrupt(t *testing.T) {
	h := &decodedHeader{
		slots:  [slotCount]checkpointSlot{{RootBlockID: 1, Generation: 5}, {RootBlockID: 2, Generation: 9}},
		slotOK: [slotCount]bool{false, false},
	}
	_, err := selectActiveSlot(h)
	require.Error(t, err)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, engineerr.KindHeaderCorrupt, kind)
}

func TestDecodeHeaderRejectsUnsupportedVersion(t *testing.T) {
	buf, err := encodeHeader(DefaultPageSize, [slotCount]checkpointSlot{{Generation: 1}, {}}, extentLists{})
	require.NoError(t, err)
	buf[8] = 0xFF // version field, little-endian low byte
	_, err = decodeHeader(buf)
	require.Error(t, err)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, engineerr.KindHeaderCorrupt, kind)
}

func TestExtentIndexBestFitPrefersSmallestSufficientThenLowestOffset(t *testing.T) {
	idx := newExtentIndex([]Extent{
		{Offset: 100, Size: 10},
		{Offset: 10, Size: 4},
		{Offset: 20, Size: 4}, // same size as the extent at offset 10, higher offset
		{Offset: 50, Size: 6},
	})

	found, ok := idx.bestFit(4)
	require.True(t, ok)
	require.Equal(t, uint64(10), found.Offset)
	require.Equal(t, uint64(4), found.Size)

	found, ok = idx.bestFit(5)
	require.True(t, ok)
	require.Equal(t, uint64(50), found.Offset, "smallest extent that still satisfies the request wins over a larger one")

	found, ok = idx.bestFit(11)
	require.False(t, ok, "no extent is large enough")
	_ = found
}

func TestExtentIndexInsertCoalescedMergesWithPredecessorAndSuccessor(t *testing.T) {
	idx := newExtentIndex([]Extent{
		{Offset: 0, Size: 4, Generation: 1},
		{Offset: 10, Size: 4, Generation: 1},
	})

	// Freed run sits exactly between the two existing extents, touching both.
	idx.insertCoalesced(Extent{Offset: 4, Size: 6, Generation: 2})

	require.Equal(t, 1, idx.len(), "predecessor, gap-filler, and successor must merge into one run")
	values := idx.values()
	require.Equal(t, uint64(0), values[0].Offset)
	require.Equal(t, uint64(14), values[0].Size)
}

func TestExtentIndexInsertCoalescedOnlyMergesTouchingRuns(t *testing.T) {
	idx := newExtentIndex([]Extent{
		{Offset: 0, Size: 4, Generation: 1},
	})

	// Gap between offset 4 (end of existing extent) and offset 10: not adjacent.
	idx.insertCoalesced(Extent{Offset: 10, Size: 4, Generation: 2})

	require.Equal(t, 2, idx.len())
}

func TestBlockFileCreateThenOpenPreservesRootAndGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t1.wt")

	bf, err := Create(path, DefaultPageSize)
	require.NoError(t, err)
	ext, err := bf.AllocateExtent(1)
	require.NoError(t, err)
	require.NoError(t, bf.CommitCheckpoint(ext.Offset))
	require.NoError(t, bf.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, ext.Offset, reopened.StableRootBlockID())
	require.Equal(t, uint64(2), reopened.StableGeneration())
}

// TestBlockFileOpenSurvivesActiveSlotCorruption corrupts the
// on-disk bytes of whichever checkpoint slot is currently active after
// two checkpoints (so both slots hold distinct, individually valid
// generations) and confirms Open falls back to the other, still-valid
// slot rather than failing outright — spec.md §8 invariant 1.
func TestBlockFileOpenSurvivesActiveSlotCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t2.wt")

	bf, err := Create(path, DefaultPageSize)
	require.NoError(t, err)
	ext1, err := bf.AllocateExtent(1)
	require.NoError(t, err)
	require.NoError(t, bf.CommitCheckpoint(ext1.Offset)) // slot 1 becomes active, generation 2
	ext2, err := bf.AllocateExtent(1)
	require.NoError(t, err)
	require.NoError(t, bf.CommitCheckpoint(ext2.Offset)) // slot 0 becomes active, generation 3
	require.NoError(t, bf.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	// Active slot (slot 0) starts at offset 8+2+4 = 14; corrupt its
	// root_block_id bytes so its CRC no longer matches.
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 14)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, ext1.Offset, reopened.StableRootBlockID())
	require.Equal(t, uint64(2), reopened.StableGeneration())
}

func TestBlockFileOpenBothSlotsCorruptReturnsHeaderCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t3.wt")

	bf, err := Create(path, DefaultPageSize)
	require.NoError(t, err)
	require.NoError(t, bf.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 14) // slot 0
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 34) // slot 1
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.Error(t, err)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, engineerr.KindHeaderCorrupt, kind)
}

func TestBlockFileCommitCheckpointReclaimsDiscardedExtents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t4.wt")

	bf, err := Create(path, DefaultPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { bf.Close() })

	ext, err := bf.AllocateExtent(2)
	require.NoError(t, err)
	require.NoError(t, bf.FreeExtent(ext.Offset, ext.Size))
	require.Equal(t, 1, bf.Stats().DiscardExtents)

	require.NoError(t, bf.CommitCheckpoint(0))
	require.Equal(t, 0, bf.Stats().DiscardExtents)
	require.Equal(t, 1, bf.Stats().AvailExtents)
}
