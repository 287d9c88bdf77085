// Package alloc implements the block and node allocators described in
// §4.3: first-fit contiguous extent reservation over a block bitmap, and
// free-slot reservation over an inode bitmap, with an in-memory
// reserve/commit/release lifecycle that keeps the persistent bitmaps
// untouched until a reservation is committed. The allocation style
// (scan a bitmap's free-run list, carve extents, then coalesce back on
// abort) follows the teacher's own bitmap-backed allocation helpers.
package alloc

import (
	"math/bits"
	"sync"

	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/util/bitmap"
)

// Reservation is a pending, uncommitted grant of data blocks.
type Reservation struct {
	id      uint64
	Extents []format.Extent
}

// NodeReservation is a pending, uncommitted grant of inode slots. Nodes
// may include extent-container overflow nodes alongside the blob's head
// node; LiveCount names how many of Nodes are non-container (the ones
// that advance alloc_inode_count on commit), since §3.4's node chain
// mixes both kinds of slot in one reservation.
type NodeReservation struct {
	id        uint64
	Nodes     []format.NodeID
	LiveCount int
}

// Allocator tracks the block bitmap and the inode (node) bitmap for one
// image build. It is single-writer: callers must serialize reserve/
// commit/release calls on one goroutine, matching §4.3/§5's ordering
// contract for Phases 3-6 of ingest.
type Allocator struct {
	mu sync.Mutex

	// committed mirrors the persistent on-disk bitmap; working also
	// includes not-yet-committed reservations, so free-space scans
	// never hand out a block or node twice.
	committedBlocks *bitmap.Bitmap
	workingBlocks   *bitmap.Bitmap
	committedNodes  *bitmap.Bitmap
	workingNodes    *bitmap.Bitmap

	allocBlockCount uint64
	allocInodeCount uint64

	nextResID       uint64
	pendingBlockRes map[uint64][]format.Extent
	pendingNodeRes  map[uint64][]format.NodeID
}

// New creates an allocator over a fresh image with dataBlockCount blocks
// and inodeCount inode slots, all free.
func New(dataBlockCount, inodeCount uint64) *Allocator {
	a := NewFromBitmaps(bitmap.NewBits(int(dataBlockCount)), bitmap.NewBits(int(inodeCount)), 0, 0)
	// Bitmaps are byte-granular; mark the padding bits past each count as
	// used in the working bitmaps so no reservation can reach them.
	for i := int(dataBlockCount); i < len(a.workingBlocks.ToBytes())*8; i++ {
		_ = a.workingBlocks.Set(i)
	}
	for i := int(inodeCount); i < len(a.workingNodes.ToBytes())*8; i++ {
		_ = a.workingNodes.Set(i)
	}
	return a
}

// NewFromBitmaps builds an allocator over existing persisted bitmaps,
// e.g. when fsck or a future mutator reopens an image.
func NewFromBitmaps(blocks, nodes *bitmap.Bitmap, allocBlockCount, allocInodeCount uint64) *Allocator {
	return &Allocator{
		committedBlocks: blocks,
		workingBlocks:   bitmap.FromBytes(blocks.ToBytes()),
		committedNodes:  nodes,
		workingNodes:    bitmap.FromBytes(nodes.ToBytes()),
		allocBlockCount: allocBlockCount,
		allocInodeCount: allocInodeCount,
		pendingBlockRes: make(map[uint64][]format.Extent),
		pendingNodeRes:  make(map[uint64][]format.NodeID),
	}
}

// AllocBlockCount returns the number of committed (persisted) data
// blocks in use.
func (a *Allocator) AllocBlockCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocBlockCount
}

// AllocInodeCount returns the number of committed inode slots in use.
func (a *Allocator) AllocInodeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocInodeCount
}

// BlockBitmap returns a copy of the committed block bitmap's bytes, fit
// for persisting to the image's block-bitmap region.
func (a *Allocator) BlockBitmap() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committedBlocks.ToBytes()
}

// NodeBitmap returns a copy of the committed node bitmap's bytes.
func (a *Allocator) NodeBitmap() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committedNodes.ToBytes()
}

// IsBlockSet reports whether pos is marked used in the committed block
// bitmap, for fsck's bitmap/extent cross-check.
func (a *Allocator) IsBlockSet(pos uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committedBlocks.IsSet(int(pos))
}

// BlockBitmapPopCount returns the number of set bits in the committed
// block bitmap, for fsck's cross-check against alloc_block_count.
func (a *Allocator) BlockBitmapPopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, b := range a.committedBlocks.ToBytes() {
		count += bits.OnesCount8(b)
	}
	return count
}

// ReserveBlocks carves exactly n blocks, first-fit, out of free space
// into a sequence of extents each no longer than
// format.MaxBlocksPerExtent. It fails with kNoSpace if free space runs
// out, or kTooFragmented if satisfying n would need more than
// format.MaxExtentsPerBlob extents.
func (a *Allocator) ReserveBlocks(n uint64) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n == 0 {
		a.nextResID++
		res := &Reservation{id: a.nextResID}
		a.pendingBlockRes[res.id] = nil
		return res, nil
	}

	var extents []format.Extent
	remaining := n
	cursor := 0
	for remaining > 0 {
		pos, runLen := a.workingBlocks.FirstFreeRun(cursor, 1)
		if pos == -1 {
			a.rollbackExtents(extents)
			return nil, errs.New(errs.KindNoSpace, "insufficient free blocks")
		}
		take := uint64(runLen)
		if take > remaining {
			take = remaining
		}
		if take > format.MaxBlocksPerExtent {
			take = format.MaxBlocksPerExtent
		}
		ext := format.Extent{StartBlock: uint64(pos), Length: uint16(take)}
		for i := uint64(0); i < take; i++ {
			_ = a.workingBlocks.Set(pos + int(i))
		}
		extents = append(extents, ext)
		remaining -= take
		cursor = pos + int(take)

		if len(extents) > format.MaxExtentsPerBlob {
			a.rollbackExtents(extents)
			return nil, errs.New(errs.KindTooFragmented, "blob would need more than the maximum extents")
		}
	}

	a.nextResID++
	res := &Reservation{id: a.nextResID, Extents: extents}
	a.pendingBlockRes[res.id] = extents
	return res, nil
}

// rollbackExtents clears bits this reservation attempt set in
// workingBlocks before returning an error, so a failed reservation never
// leaks held-but-unreported space.
func (a *Allocator) rollbackExtents(extents []format.Extent) {
	for _, e := range extents {
		for i := uint64(0); i < uint64(e.Length); i++ {
			_ = a.workingBlocks.Clear(int(e.StartBlock) + int(i))
		}
	}
}

// CommitBlocks moves a reservation's extents from pending into the
// committed bitmap and advances alloc_block_count.
func (a *Allocator) CommitBlocks(res *Reservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pendingBlockRes[res.id]; !ok {
		return errs.New(errs.KindIllegalState, "reservation is not pending or already resolved")
	}
	for _, e := range res.Extents {
		for i := uint64(0); i < uint64(e.Length); i++ {
			if err := a.committedBlocks.Set(int(e.StartBlock) + int(i)); err != nil {
				return errs.Wrap(errs.KindIoError, "commit block bitmap", err)
			}
		}
		a.allocBlockCount += uint64(e.Length)
	}
	delete(a.pendingBlockRes, res.id)
	return nil
}

// ReleaseBlocks aborts a reservation: its bits return to the working
// free pool, and the persistent bitmap is never touched, matching §4.3's
// release contract.
func (a *Allocator) ReleaseBlocks(res *Reservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pendingBlockRes[res.id]; !ok {
		return errs.New(errs.KindIllegalState, "reservation is not pending or already resolved")
	}
	a.rollbackExtents(res.Extents)
	delete(a.pendingBlockRes, res.id)
	return nil
}

// ReserveNodes reserves count free inode slots: liveCount of them are
// non-container (blob head) nodes that will advance alloc_inode_count on
// commit, and the remaining count-liveCount are extent-container overflow
// nodes that occupy a node slot but are never counted as a live blob
// (§3.4, §4.6 step 5, spec P2).
func (a *Allocator) ReserveNodes(count, liveCount int) (*NodeReservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var nodes []format.NodeID
	cursor := 0
	for len(nodes) < count {
		pos := a.workingNodes.FirstFree(cursor)
		if pos == -1 {
			a.rollbackNodes(nodes)
			return nil, errs.New(errs.KindNoSpace, "insufficient free inode slots")
		}
		_ = a.workingNodes.Set(pos)
		nodes = append(nodes, format.NodeID(pos))
		cursor = pos + 1
	}

	a.nextResID++
	res := &NodeReservation{id: a.nextResID, Nodes: nodes, LiveCount: liveCount}
	a.pendingNodeRes[res.id] = nodes
	return res, nil
}

func (a *Allocator) rollbackNodes(nodes []format.NodeID) {
	for _, n := range nodes {
		_ = a.workingNodes.Clear(int(n))
	}
}

// CommitNodes moves a node reservation into the committed bitmap and
// advances alloc_inode_count by res.LiveCount only: extent-container
// overflow nodes occupy a committed node slot but are never counted as a
// live blob inode (§3.4, §4.6 step 5, spec P2), so fsck's non-container
// inode count agrees with alloc_inode_count for blobs whose extents spill
// past the inline capacity.
func (a *Allocator) CommitNodes(res *NodeReservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pendingNodeRes[res.id]; !ok {
		return errs.New(errs.KindIllegalState, "reservation is not pending or already resolved")
	}
	for _, n := range res.Nodes {
		if err := a.committedNodes.Set(int(n)); err != nil {
			return errs.Wrap(errs.KindIoError, "commit node bitmap", err)
		}
	}
	a.allocInodeCount += uint64(res.LiveCount)
	delete(a.pendingNodeRes, res.id)
	return nil
}

// ReleaseNodes aborts a node reservation without touching the persistent
// bitmap.
func (a *Allocator) ReleaseNodes(res *NodeReservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pendingNodeRes[res.id]; !ok {
		return errs.New(errs.KindIllegalState, "reservation is not pending or already resolved")
	}
	a.rollbackNodes(res.Nodes)
	delete(a.pendingNodeRes, res.id)
	return nil
}
