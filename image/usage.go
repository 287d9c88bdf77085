package image

// Usage reports space/inode consumption distinct from Check and Mkfs,
// supplementing the spec per original_source/zircon/tools/blobfs's
// UsedDataSize/UsedInodes/UsedSize queries (§6 of SPEC_FULL.md).
type Usage struct {
	// UsedDataSize is the number of allocated data blocks, in bytes.
	UsedDataSize uint64
	// UsedInodes is the number of allocated, non-container inodes.
	UsedInodes uint64
	// UsedSize is the image's total backing size, in bytes.
	UsedSize uint64
}

// Usage computes current space/inode consumption from the superblock's
// live counters; it performs no I/O beyond what Open already did.
func (im *Image) Usage() Usage {
	totalBlocks := im.regions.TotalBlocks()
	return Usage{
		UsedDataSize: im.alloc.AllocBlockCount() * uint64(im.sb.BlockSize),
		UsedInodes:   im.alloc.AllocInodeCount(),
		UsedSize:     totalBlocks * uint64(im.sb.BlockSize),
	}
}
