package backend

import (
	"fmt"
)

// BlockDevice adapts a byte-addressable Storage to the block-addressable
// read_blocks/write_blocks/get_block_count contract the image core
// consumes. It never reasons about bytes itself; every call is translated
// to an offset/length pair against the fixed block size.
type BlockDevice struct {
	Storage   Storage
	BlockSize int
}

// NewBlockDevice wraps a Storage with a fixed block size.
func NewBlockDevice(s Storage, blockSize int) (*BlockDevice, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	return &BlockDevice{Storage: s, BlockSize: blockSize}, nil
}

// ReadBlocks reads n blocks starting at startBlock into dst.
// len(dst) must be exactly n*BlockSize.
func (d *BlockDevice) ReadBlocks(startBlock, n uint64, dst []byte) error {
	want := int(n) * d.BlockSize
	if len(dst) != want {
		return fmt.Errorf("read_blocks: destination buffer is %d bytes, need %d", len(dst), want)
	}
	off := int64(startBlock) * int64(d.BlockSize)
	read, err := d.Storage.ReadAt(dst, off)
	if err != nil {
		return fmt.Errorf("read_blocks at block %d: %w", startBlock, err)
	}
	if read != want {
		return fmt.Errorf("read_blocks at block %d: short read of %d of %d bytes", startBlock, read, want)
	}
	return nil
}

// WriteBlocks writes n blocks starting at startBlock from src.
// len(src) must be exactly n*BlockSize.
func (d *BlockDevice) WriteBlocks(startBlock, n uint64, src []byte) error {
	want := int(n) * d.BlockSize
	if len(src) != want {
		return fmt.Errorf("write_blocks: source buffer is %d bytes, need %d", len(src), want)
	}
	w, err := d.Storage.Writable()
	if err != nil {
		return fmt.Errorf("write_blocks at block %d: %w", startBlock, err)
	}
	off := int64(startBlock) * int64(d.BlockSize)
	written, err := w.WriteAt(src, off)
	if err != nil {
		return fmt.Errorf("write_blocks at block %d: %w", startBlock, err)
	}
	if written != want {
		return fmt.Errorf("write_blocks at block %d: short write of %d of %d bytes", startBlock, written, want)
	}
	return nil
}

// GetBlockCount returns the total number of blocks addressable on the
// backing storage, derived from its reported size.
func (d *BlockDevice) GetBlockCount() (uint64, error) {
	size, err := deviceSize(d.Storage)
	if err != nil {
		return 0, err
	}
	return uint64(size) / uint64(d.BlockSize), nil
}
