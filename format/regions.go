package format

// Regions describes the block offsets of each region of an image, in the
// fixed order the teacher's ext4/fat32 layout code also uses: metadata
// regions first (superblock, bitmaps, inode table), then the journal,
// then the data region, each block-aligned (§3.2).
type Regions struct {
	SuperblockBlocks uint64
	BlockBitmapStart uint64
	BlockBitmapCount uint64
	InodeBitmapStart uint64
	InodeBitmapCount uint64
	InodeTableStart  uint64
	InodeTableCount  uint64
	JournalStart     uint64
	JournalCount     uint64
	DataStart        uint64
	DataCount        uint64
}

// TotalBlocks returns the number of blocks the described regions span.
func (r Regions) TotalBlocks() uint64 {
	return r.DataStart + r.DataCount
}

// ComputeRegions derives block offsets for every region given the block
// size and the counts that drive each region's extent: data block count,
// inode count, and journal block count. One superblock block is
// reserved up front (the primary, at block 0), matching
// the teacher's convention of reserving fixed metadata blocks before any
// variable-length region.
func ComputeRegions(blockSize uint32, dataBlockCount, inodeCount, journalBlockCount uint64) Regions {
	// Only the primary superblock's block is reserved here; the backup
	// copy (FVM-hosted images only) lives at a separate fixed backup
	// offset outside this contiguous region layout (§6.1).
	const reservedSuperblockBlocks = 1

	blockBitmapCount := blocksForBits(dataBlockCount, blockSize)
	inodeBitmapCount := blocksForBits(inodeCount, blockSize)
	inodesPerBlock := uint64(blockSize) / InodeSize
	inodeTableCount := ceilDiv(inodeCount, inodesPerBlock)

	r := Regions{
		SuperblockBlocks: reservedSuperblockBlocks,
		BlockBitmapStart: reservedSuperblockBlocks,
		BlockBitmapCount: blockBitmapCount,
	}
	r.InodeBitmapStart = r.BlockBitmapStart + r.BlockBitmapCount
	r.InodeBitmapCount = inodeBitmapCount
	r.InodeTableStart = r.InodeBitmapStart + r.InodeBitmapCount
	r.InodeTableCount = inodeTableCount
	r.JournalStart = r.InodeTableStart + r.InodeTableCount
	r.JournalCount = journalBlockCount
	r.DataStart = r.JournalStart + r.JournalCount
	r.DataCount = dataBlockCount
	return r
}

func blocksForBits(nBits uint64, blockSize uint32) uint64 {
	bitsPerBlock := uint64(blockSize) * 8
	return ceilDiv(nBits, bitsPerBlock)
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SliceCount rounds a block count up to the number of FVM slices needed
// to hold it, for images described as FVM-hosted (§3.6, §9).
func SliceCount(blockCount uint64, blockSize uint32, sliceSize uint64) uint64 {
	bytesNeeded := blockCount * uint64(blockSize)
	return ceilDiv(bytesNeeded, sliceSize)
}
