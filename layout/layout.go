// Package layout computes where a single blob's Merkle tree and data
// bytes sit within its allocated blocks, for both the legacy padded
// format and the compact format (§4.1). It is grounded on the block/
// cluster arithmetic style of the teacher's ext4 allocator: every offset
// is a pure function of a handful of integer inputs, derived once and
// never mutated.
package layout

import (
	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/merkle"
)

// Format selects how a blob's Merkle tree is packed against its data.
type Format = format.BlobLayoutFormat

const (
	Padded  = format.LayoutPadded
	Compact = format.LayoutCompact
)

// maxRepresentableBytes bounds file_size/data_size so block counts fit
// comfortably in a uint64 block offset without overflow; derived from
// the encoded extent length width is not enough on its own (a blob can
// span many extents), so this is a generous sanity ceiling instead.
const maxRepresentableBytes = 1 << 48

// Layout is the computed placement of one blob's data and Merkle tree.
type Layout struct {
	Format                     Format
	MerkleTreeOffset           uint64 // absolute byte offset within the blob's block allocation
	MerkleTreeBlockOffset      uint64
	MerkleTreeOffsetWithinBlock uint32
	MerkleTreeBlockCount       uint64
	DataBlockOffset            uint64
	DataBlockCount             uint64
	TotalBlockCount            uint64
	HasSharedBlock             bool
}

// Compute derives a Layout for a blob whose logical size is fileSize and
// whose stored (possibly compressed) size is dataSize, given block size
// B and the chosen format.
func Compute(f Format, fileSize, dataSize int64, blockSize uint32) (*Layout, error) {
	if f != Padded && f != Compact {
		return nil, errs.New(errs.KindUnsupported, "unknown blob layout format")
	}
	if fileSize < 0 || dataSize < 0 || fileSize > maxRepresentableBytes || dataSize > maxRepresentableBytes {
		return nil, errs.New(errs.KindInvalidArgs, "file_size or data_size out of range")
	}
	if blockSize == 0 {
		return nil, errs.New(errs.KindInvalidArgs, "block size must be nonzero")
	}
	if blockSize != merkle.LeafSize {
		return nil, errs.Newf(errs.KindInvalidArgs, "block size %d must equal the merkle leaf size %d", blockSize, merkle.LeafSize)
	}

	if fileSize == 0 {
		return &Layout{Format: f}, nil
	}

	merkleFmt := merkle.Padded
	if f == Compact {
		merkleFmt = merkle.Compact
	}
	// Tree size is a function of the bytes actually hashed — the stored
	// (possibly compressed) bytes — not the logical file size: fsck and
	// the verifier must check what is physically on disk, and for an
	// uncompressed blob data_size == file_size so this never changes
	// the uncompressed case (see DESIGN.md).
	merkleSize := int64(merkle.Size(int(dataSize), merkleFmt))
	B := int64(blockSize)

	switch f {
	case Padded:
		return computePadded(dataSize, merkleSize, B)
	default:
		return computeCompact(dataSize, merkleSize, B)
	}
}

func computePadded(dataSize, merkleSize, B int64) (*Layout, error) {
	merkleBlocks := ceilDivI64(merkleSize, B)
	dataBlocks := ceilDivI64(dataSize, B)

	l := &Layout{
		Format:                 Padded,
		MerkleTreeOffset:       0,
		MerkleTreeBlockOffset:  0,
		MerkleTreeBlockCount:   uint64(merkleBlocks),
		DataBlockOffset:        uint64(merkleBlocks),
		DataBlockCount:         uint64(dataBlocks),
		TotalBlockCount:        uint64(merkleBlocks + dataBlocks),
		HasSharedBlock:         false,
	}
	return l, nil
}

func computeCompact(dataSize, merkleSize, B int64) (*Layout, error) {
	totalBytes := dataSize + merkleSize
	totalBlocks := ceilDivI64(totalBytes, B)

	merkleByteOffset := totalBlocks*B - merkleSize
	merkleBlockOffset := merkleByteOffset / B
	merkleOffsetWithinBlock := merkleByteOffset % B
	merkleBlockCount := totalBlocks - merkleBlockOffset

	dataBlocks := ceilDivI64(dataSize, B)

	hasSharedBlock := false
	if dataSize%B != 0 && merkleSize%B != 0 && merkleSize > 0 {
		if dataSize%B+merkleSize%B <= B {
			hasSharedBlock = true
		}
	}

	l := &Layout{
		Format:                      Compact,
		MerkleTreeOffset:            uint64(merkleByteOffset),
		MerkleTreeBlockOffset:       uint64(merkleBlockOffset),
		MerkleTreeOffsetWithinBlock: uint32(merkleOffsetWithinBlock),
		MerkleTreeBlockCount:        uint64(merkleBlockCount),
		DataBlockOffset:             0,
		DataBlockCount:              uint64(dataBlocks),
		TotalBlockCount:             uint64(totalBlocks),
		HasSharedBlock:              hasSharedBlock,
	}
	return l, nil
}

func ceilDivI64(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
