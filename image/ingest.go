package image

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/contentfs/blobimage/alloc"
	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/layout"
	"github.com/contentfs/blobimage/merkle"
)

// blobIndex maps a digest to its head node-id, letting AddBlob's Phase 2
// dedupe check run without a full inode-table scan. Open leaves it
// unset; the first AddBlob on such an Image rebuilds it by walking
// allocated inodes, and AddBlob keeps it current afterwards.
type blobIndex map[format.Digest]format.NodeID

// AddBlob ingests raw as a new blob, following §4.4's six phases. If a
// blob with the same content digest is already present, this is a
// successful no-op (§4.4 Phase 2, §7 kAlreadyExists, §8 P7).
func (im *Image) AddBlob(raw []byte) error {
	f := im.sb.BlobLayoutFormat

	// Phase 1: prepare.
	stored, compressed, err := chooseStoredBytes(im.compressor, raw, f, im.sb.BlockSize)
	if err != nil {
		return err
	}
	merkleFmt := merkle.Padded
	if f == format.LayoutCompact {
		merkleFmt = merkle.Compact
	}
	tree := merkle.Build(stored)
	digest := tree.Root

	lay, err := layout.Compute(f, int64(len(raw)), int64(len(stored)), im.sb.BlockSize)
	if err != nil {
		return err
	}

	// Phase 2: dedupe.
	if im.index == nil {
		if err := im.rebuildIndex(); err != nil {
			return err
		}
	}
	if _, exists := im.index[digest]; exists {
		im.log.WithField("digest", digest.String()).Debug("add_blob: digest already present, no-op")
		return nil
	}

	// Phase 3: allocate.
	blockRes, err := im.alloc.ReserveBlocks(lay.TotalBlockCount)
	if err != nil {
		return err
	}
	extentCount := uint32(len(blockRes.Extents))
	containersNeeded := 0
	if int(extentCount) > format.InlineExtentCount {
		remaining := int(extentCount) - format.InlineExtentCount
		containersNeeded = (remaining + format.ContainerExtentCount - 1) / format.ContainerExtentCount
	}
	nodeRes, err := im.alloc.ReserveNodes(1+containersNeeded, 1)
	if err != nil {
		_ = im.alloc.ReleaseBlocks(blockRes)
		return err
	}

	if err := im.writeBlobPayload(stored, tree, lay, merkleFmt, blockRes.Extents); err != nil {
		im.abortReservations(blockRes, nodeRes)
		return err
	}

	if err := im.writeInodeChain(nodeRes.Nodes, blockRes.Extents, digest, uint64(len(raw)), lay.TotalBlockCount, compressed); err != nil {
		im.abortReservations(blockRes, nodeRes)
		return err
	}

	// Phase 6: commit.
	if err := im.alloc.CommitBlocks(blockRes); err != nil {
		im.abortReservations(blockRes, nodeRes)
		return err
	}
	if err := im.alloc.CommitNodes(nodeRes); err != nil {
		return err
	}
	blockBits := make([]byte, im.regions.BlockBitmapCount*uint64(im.sb.BlockSize))
	copy(blockBits, im.alloc.BlockBitmap())
	if err := im.bd.WriteBlocks(im.regions.BlockBitmapStart, im.regions.BlockBitmapCount, blockBits); err != nil {
		return errs.Wrap(errs.KindIoError, "write block bitmap", err)
	}
	nodeBits := make([]byte, im.regions.InodeBitmapCount*uint64(im.sb.BlockSize))
	copy(nodeBits, im.alloc.NodeBitmap())
	if err := im.bd.WriteBlocks(im.regions.InodeBitmapStart, im.regions.InodeBitmapCount, nodeBits); err != nil {
		return errs.Wrap(errs.KindIoError, "write inode bitmap", err)
	}
	im.sb.AllocBlockCount = im.alloc.AllocBlockCount()
	im.sb.AllocInodeCount = im.alloc.AllocInodeCount()
	if err := im.persistSuperblock(); err != nil {
		return err
	}

	im.index[digest] = nodeRes.Nodes[0]
	im.log.WithFields(logrus.Fields{
		"digest":     digest.String(),
		"blocks":     lay.TotalBlockCount,
		"compressed": compressed,
	}).Info("add_blob: ingested")
	return nil
}

func (im *Image) abortReservations(blockRes *alloc.Reservation, nodeRes *alloc.NodeReservation) {
	_ = im.alloc.ReleaseBlocks(blockRes)
	_ = im.alloc.ReleaseNodes(nodeRes)
}

// writeBlobPayload writes stored data bytes and the Merkle tree into the
// extents reserved for this blob, assembling the whole allocation in one
// buffer first so a compact-layout shared block carries both the data
// tail and the tree head (§4.4 Phase 4).
func (im *Image) writeBlobPayload(stored []byte, tree *merkle.Tree, lay *layout.Layout, merkleFmt merkle.Format, extents []format.Extent) error {
	blockSize := im.sb.BlockSize
	treeBytes := tree.Encode(merkleFmt)

	blob := make([]byte, lay.TotalBlockCount*uint64(blockSize))
	copy(blob[lay.DataBlockOffset*uint64(blockSize):], stored)
	copy(blob[lay.MerkleTreeOffset:], treeBytes)

	offset := uint64(0)
	for _, e := range extents {
		n := uint64(e.Length)
		chunk := blob[offset*uint64(blockSize) : (offset+n)*uint64(blockSize)]
		if err := im.bd.WriteBlocks(im.regions.DataStart+e.StartBlock, n, chunk); err != nil {
			return errs.Wrap(errs.KindIoError, "write blob extent", err)
		}
		offset += n
	}
	return nil
}

// writeInodeChain populates the head inode and any extent-container
// overflow nodes for a newly ingested blob (§4.4 Phase 5, §3.4).
func (im *Image) writeInodeChain(nodes []format.NodeID, extents []format.Extent, digest format.Digest, blobSize, blockCount uint64, compressed bool) error {
	flags := format.InodeAllocated
	if compressed {
		flags |= format.InodeCompressed
	}
	head := format.Inode{
		Flags:       flags,
		Version:     1,
		NextNode:    format.SentinelNode,
		MerkleRoot:  digest,
		BlobSize:    blobSize,
		BlockCount:  uint32(blockCount),
		ExtentCount: uint32(len(extents)),
	}
	if len(extents) > 0 {
		head.Extents[0] = extents[0]
	}
	overflow := extents[min(len(extents), format.InlineExtentCount):]
	containerNodes := nodes[1:]
	if len(containerNodes) > 0 {
		head.NextNode = containerNodes[0]
	}

	if err := im.writeInodeSlot(nodes[0], &head); err != nil {
		return err
	}

	for i, nodeID := range containerNodes {
		take := overflow
		if len(take) > format.ContainerExtentCount {
			take = take[:format.ContainerExtentCount]
		}
		overflow = overflow[len(take):]

		c := &format.ExtentContainer{
			Flags:       format.InodeAllocated | format.InodeExtentContainer,
			Version:     1,
			NextNode:    format.SentinelNode,
			ExtentCount: uint32(len(take)),
		}
		if i == 0 {
			c.PreviousNode = nodes[0]
		} else {
			c.PreviousNode = containerNodes[i-1]
		}
		copy(c.Extents[:], take)
		if i+1 < len(containerNodes) {
			c.NextNode = containerNodes[i+1]
		}
		if err := im.writeExtentContainerSlot(nodeID, c); err != nil {
			return err
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (im *Image) writeInodeSlot(node format.NodeID, n *format.Inode) error {
	b, err := format.InodeToBytes(n)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "encode inode", err)
	}
	return im.writeInodeBytes(node, b)
}

func (im *Image) writeExtentContainerSlot(node format.NodeID, c *format.ExtentContainer) error {
	b, err := format.ExtentContainerToBytes(c)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "encode extent container", err)
	}
	return im.writeInodeBytes(node, b)
}

func (im *Image) writeInodeBytes(node format.NodeID, raw []byte) error {
	inodesPerBlock := uint64(im.sb.BlockSize) / format.InodeSize
	block := uint64(node) / inodesPerBlock
	offInBlock := (uint64(node) % inodesPerBlock) * format.InodeSize

	buf := make([]byte, im.sb.BlockSize)
	if err := im.bd.ReadBlocks(im.regions.InodeTableStart+block, 1, buf); err != nil {
		return errs.Wrap(errs.KindIoError, "read inode block", err)
	}
	copy(buf[offInBlock:offInBlock+format.InodeSize], raw)
	if err := im.bd.WriteBlocks(im.regions.InodeTableStart+block, 1, buf); err != nil {
		return errs.Wrap(errs.KindIoError, "write inode block", err)
	}
	return nil
}

func (im *Image) readInodeBytes(node format.NodeID) ([]byte, error) {
	inodesPerBlock := uint64(im.sb.BlockSize) / format.InodeSize
	block := uint64(node) / inodesPerBlock
	offInBlock := (uint64(node) % inodesPerBlock) * format.InodeSize

	buf := make([]byte, im.sb.BlockSize)
	if err := im.bd.ReadBlocks(im.regions.InodeTableStart+block, 1, buf); err != nil {
		return nil, errs.Wrap(errs.KindIoError, "read inode block", err)
	}
	out := make([]byte, format.InodeSize)
	copy(out, buf[offInBlock:offInBlock+format.InodeSize])
	return out, nil
}

// rebuildIndex walks every inode slot and records allocated, non-
// container blobs by digest, used to lazily build the dedupe index on
// first AddBlob after Open.
func (im *Image) rebuildIndex() error {
	im.index = make(blobIndex)
	for i := uint64(0); i < im.sb.InodeCount; i++ {
		raw, err := im.readInodeBytes(format.NodeID(i))
		if err != nil {
			return err
		}
		flags := format.InodeFlags(binary.LittleEndian.Uint16(raw[0:2]))
		if !flags.IsAllocated() || flags.IsContainer() {
			continue
		}
		n, err := format.InodeFromBytes(raw)
		if err != nil {
			return err
		}
		im.index[n.MerkleRoot] = format.NodeID(i)
	}
	return nil
}
