package format

import (
	"encoding/binary"
	"fmt"
)

// InodeSize is the fixed on-disk size of one inode-table slot, shared by
// both inode kinds below.
const InodeSize = 64

// InlineExtentCount (K) is the number of extents a blob inode stores
// directly before it must chain to an extent-container node.
const InlineExtentCount = 1

// ContainerExtentCount (M) is the number of extents one extent-container
// node holds.
const ContainerExtentCount = 6

// Inode flag bits, carried in the 8-byte header shared by both kinds.
type InodeFlags uint16

const (
	// InodeAllocated marks a slot as in use; fsck cross-checks this
	// against the inode bitmap.
	InodeAllocated InodeFlags = 1 << 0
	// InodeExtentContainer marks a slot as an extent-container node
	// rather than a blob inode. The two kinds share only the header;
	// bodies are interpreted according to this bit.
	InodeExtentContainer InodeFlags = 1 << 1
	// InodeCompressed marks a blob inode (never a container) whose
	// stored bytes are chunk-compressed rather than raw logical bytes.
	InodeCompressed InodeFlags = 1 << 2
)

// Inode is a blob's primary inode-table entry: a Merkle root, a size, and
// up to InlineExtentCount extents inline, chaining to extent-container
// nodes (via NextNode) when the blob needs more.
type Inode struct {
	Flags       InodeFlags
	Version     uint16
	NextNode    NodeID
	MerkleRoot  Digest
	BlobSize    uint64
	BlockCount  uint32
	ExtentCount uint32
	Extents     [InlineExtentCount]Extent
}

// ExtentContainer is a chained node holding additional extents for a blob
// whose inode ran out of inline capacity.
type ExtentContainer struct {
	Flags        InodeFlags
	Version      uint16
	NextNode     NodeID
	PreviousNode NodeID
	ExtentCount  uint32
	Extents      [ContainerExtentCount]Extent
}

func (f InodeFlags) IsContainer() bool  { return f&InodeExtentContainer != 0 }
func (f InodeFlags) IsAllocated() bool  { return f&InodeAllocated != 0 }
func (f InodeFlags) IsCompressed() bool { return f&InodeCompressed != 0 }

// InodeToBytes packs a blob Inode into InodeSize bytes.
func InodeToBytes(n *Inode) ([]byte, error) {
	if n.ExtentCount > InlineExtentCount && n.NextNode == SentinelNode {
		return nil, fmt.Errorf("inode has %d extents but no container chain", n.ExtentCount)
	}
	b := make([]byte, InodeSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(n.Flags&^InodeExtentContainer))
	binary.LittleEndian.PutUint16(b[2:4], n.Version)
	binary.LittleEndian.PutUint32(b[4:8], uint32(n.NextNode))
	copy(b[8:40], n.MerkleRoot[:])
	binary.LittleEndian.PutUint64(b[40:48], n.BlobSize)
	binary.LittleEndian.PutUint32(b[48:52], n.BlockCount)
	binary.LittleEndian.PutUint32(b[52:56], n.ExtentCount)
	ext, err := EncodeExtent(n.Extents[0])
	if err != nil {
		return nil, err
	}
	copy(b[56:64], ext)
	return b, nil
}

// InodeFromBytes unpacks InodeSize bytes into a blob Inode. The caller
// must have already checked the container bit; calling this on a
// container-flagged slot returns a nonsensical (but not erroring) Inode.
func InodeFromBytes(b []byte) (*Inode, error) {
	if len(b) < InodeSize {
		return nil, fmt.Errorf("inode record too short: %d bytes, need %d", len(b), InodeSize)
	}
	n := &Inode{}
	n.Flags = InodeFlags(binary.LittleEndian.Uint16(b[0:2]))
	n.Version = binary.LittleEndian.Uint16(b[2:4])
	n.NextNode = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	copy(n.MerkleRoot[:], b[8:40])
	n.BlobSize = binary.LittleEndian.Uint64(b[40:48])
	n.BlockCount = binary.LittleEndian.Uint32(b[48:52])
	n.ExtentCount = binary.LittleEndian.Uint32(b[52:56])
	ext, err := DecodeExtent(b[56:64])
	if err != nil {
		return nil, err
	}
	n.Extents[0] = ext
	return n, nil
}

// ExtentContainerToBytes packs an ExtentContainer into InodeSize bytes.
func ExtentContainerToBytes(c *ExtentContainer) ([]byte, error) {
	b := make([]byte, InodeSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(c.Flags|InodeExtentContainer))
	binary.LittleEndian.PutUint16(b[2:4], c.Version)
	binary.LittleEndian.PutUint32(b[4:8], uint32(c.NextNode))
	binary.LittleEndian.PutUint32(b[8:12], uint32(c.PreviousNode))
	binary.LittleEndian.PutUint32(b[12:16], c.ExtentCount)
	off := 16
	for i := 0; i < ContainerExtentCount; i++ {
		ext, err := EncodeExtent(c.Extents[i])
		if err != nil {
			return nil, err
		}
		copy(b[off:off+8], ext)
		off += 8
	}
	return b, nil
}

// ExtentContainerFromBytes unpacks InodeSize bytes into an ExtentContainer.
func ExtentContainerFromBytes(b []byte) (*ExtentContainer, error) {
	if len(b) < InodeSize {
		return nil, fmt.Errorf("inode record too short: %d bytes, need %d", len(b), InodeSize)
	}
	c := &ExtentContainer{}
	c.Flags = InodeFlags(binary.LittleEndian.Uint16(b[0:2]))
	c.Version = binary.LittleEndian.Uint16(b[2:4])
	c.NextNode = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	c.PreviousNode = NodeID(binary.LittleEndian.Uint32(b[8:12]))
	c.ExtentCount = binary.LittleEndian.Uint32(b[12:16])
	off := 16
	for i := 0; i < ContainerExtentCount; i++ {
		ext, err := DecodeExtent(b[off : off+8])
		if err != nil {
			return nil, err
		}
		c.Extents[i] = ext
		off += 8
	}
	return c, nil
}
