// Package format defines the bit-exact on-disk structures of a blob
// image: the superblock, the packed inode/extent-container records, and
// the extent tuple, along with the region layout rules that place them.
package format

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// DigestSize is the width in bytes of a content digest: SHA-256.
const DigestSize = 32

// Digest is the content digest of a blob: the root of its Merkle tree.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest, used as a sentinel
// for "no blob" in contexts where a Digest is optional.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalJSON renders a Digest as its hex string rather than a byte
// array, so CLI JSON reports (check -json, export) read like blobfs'
// own merkle-root-keyed output.
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// NodeID is a dense 32-bit index into the inode table.
type NodeID uint32

// SentinelNode marks the end of an inode's extent-container chain.
const SentinelNode NodeID = 1<<32 - 1

// MaxEncodedExtentLength is the largest extent length representable in
// the on-disk uint16 length field (§6.1, §9 open question: the encoded
// width is a hard ceiling regardless of any smaller logical cap the
// allocator chooses to enforce).
const MaxEncodedExtentLength = 1<<16 - 1

// MaxBlocksPerExtent is the logical cap the allocator enforces on a
// single extent's length. §9 leaves this to the implementation provided
// it never exceeds MaxEncodedExtentLength; we set it to the encoded
// width itself since nothing in this image format needs a tighter cap.
const MaxBlocksPerExtent = MaxEncodedExtentLength

// MaxExtentsPerBlob bounds how many extents (inline plus all container
// chains) one blob may use before the allocator must refuse with
// kTooFragmented rather than grow the chain indefinitely.
const MaxExtentsPerBlob = InlineExtentCount + 64*ContainerExtentCount

// Extent is a contiguous run of data blocks.
type Extent struct {
	StartBlock uint64 // fits a uint48 on disk
	Length     uint16
}

// extentEncodedSize is the on-disk size of a packed extent:
// (start_block: uint48, length: uint16).
const extentEncodedSize = 8

const maxUint48 = 1<<48 - 1

// EncodeExtent packs e into an 8-byte little-endian record.
func EncodeExtent(e Extent) ([]byte, error) {
	if e.StartBlock > maxUint48 {
		return nil, fmt.Errorf("extent start block %d exceeds uint48 range", e.StartBlock)
	}
	b := make([]byte, extentEncodedSize)
	var buf8 [8]byte
	binary.LittleEndian.PutUint64(buf8[:], e.StartBlock)
	copy(b[0:6], buf8[0:6])
	binary.LittleEndian.PutUint16(b[6:8], e.Length)
	return b, nil
}

// DecodeExtent unpacks an 8-byte little-endian record into an Extent.
func DecodeExtent(b []byte) (Extent, error) {
	if len(b) < extentEncodedSize {
		return Extent{}, fmt.Errorf("extent record too short: %d bytes", len(b))
	}
	var buf8 [8]byte
	copy(buf8[0:6], b[0:6])
	start := binary.LittleEndian.Uint64(buf8[:])
	length := binary.LittleEndian.Uint16(b[6:8])
	return Extent{StartBlock: start, Length: length}, nil
}

// BlockCount returns the number of blocks spanned by a list of extents.
func BlockCount(extents []Extent) uint64 {
	var total uint64
	for _, e := range extents {
		total += uint64(e.Length)
	}
	return total
}

// Overlaps reports whether two extents share any block.
func (e Extent) Overlaps(o Extent) bool {
	eEnd := e.StartBlock + uint64(e.Length)
	oEnd := o.StartBlock + uint64(o.Length)
	return e.StartBlock < oEnd && o.StartBlock < eEnd
}
