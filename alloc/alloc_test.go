package alloc

import (
	"testing"

	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
)

func TestReserveCommitBlocks(t *testing.T) {
	a := New(100, 10)
	res, err := a.ReserveBlocks(5)
	if err != nil {
		t.Fatal(err)
	}
	if format.BlockCount(res.Extents) != 5 {
		t.Fatalf("want 5 blocks reserved, got %d", format.BlockCount(res.Extents))
	}
	if err := a.CommitBlocks(res); err != nil {
		t.Fatal(err)
	}
	if a.AllocBlockCount() != 5 {
		t.Fatalf("want alloc_block_count=5, got %d", a.AllocBlockCount())
	}
}

func TestReserveBlocksNonOverlapping(t *testing.T) {
	a := New(100, 10)
	r1, err := a.ReserveBlocks(10)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.ReserveBlocks(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, e1 := range r1.Extents {
		for _, e2 := range r2.Extents {
			if e1.Overlaps(e2) {
				t.Fatalf("reservations overlap: %+v vs %+v", e1, e2)
			}
		}
	}
}

func TestReleaseBlocksReturnsToPool(t *testing.T) {
	a := New(10, 10)
	r1, err := a.ReserveBlocks(10)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReleaseBlocks(r1); err != nil {
		t.Fatal(err)
	}
	r2, err := a.ReserveBlocks(10)
	if err != nil {
		t.Fatalf("expected reservation to succeed after release: %v", err)
	}
	if format.BlockCount(r2.Extents) != 10 {
		t.Fatalf("want 10 blocks, got %d", format.BlockCount(r2.Extents))
	}
}

func TestReserveBlocksNoSpace(t *testing.T) {
	a := New(4, 10)
	if _, err := a.ReserveBlocks(5); !errs.Is(err, errs.KindNoSpace) {
		t.Fatalf("want kNoSpace, got %v", err)
	}
}

func TestReserveBlocksNoSpaceLeavesBitmapClean(t *testing.T) {
	a := New(4, 10)
	if _, err := a.ReserveBlocks(5); !errs.Is(err, errs.KindNoSpace) {
		t.Fatalf("want kNoSpace, got %v", err)
	}
	res, err := a.ReserveBlocks(4)
	if err != nil {
		t.Fatalf("failed reservation should not have consumed space: %v", err)
	}
	if format.BlockCount(res.Extents) != 4 {
		t.Fatalf("want all 4 blocks free, got %d", format.BlockCount(res.Extents))
	}
}

func TestReserveCommitNodes(t *testing.T) {
	a := New(100, 4)
	res, err := a.ReserveNodes(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("want 2 nodes, got %d", len(res.Nodes))
	}
	if err := a.CommitNodes(res); err != nil {
		t.Fatal(err)
	}
	if a.AllocInodeCount() != 2 {
		t.Fatalf("want alloc_inode_count=2, got %d", a.AllocInodeCount())
	}
}

// TestReserveCommitNodesContainerOverflowNotCounted covers the case a
// blob's extent-container overflow nodes (§3.4) must occupy committed
// node slots without being counted as live blob inodes: only the head
// node is "live", matching fsck's non-container inode count against
// alloc_inode_count (spec P2, §4.6 step 5).
func TestReserveCommitNodesContainerOverflowNotCounted(t *testing.T) {
	a := New(100, 10)
	res, err := a.ReserveNodes(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Nodes) != 4 {
		t.Fatalf("want 4 reserved node slots, got %d", len(res.Nodes))
	}
	if err := a.CommitNodes(res); err != nil {
		t.Fatal(err)
	}
	if a.AllocInodeCount() != 1 {
		t.Fatalf("want alloc_inode_count=1 (head only), got %d", a.AllocInodeCount())
	}
	// All four slots are nonetheless unavailable to a later reservation.
	res2, err := a.ReserveNodes(6, 6)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range res2.Nodes {
		for _, committed := range res.Nodes {
			if n == committed {
				t.Fatalf("node %d reserved twice", n)
			}
		}
	}
}

func TestCommitTwiceFails(t *testing.T) {
	a := New(100, 10)
	res, err := a.ReserveBlocks(5)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.CommitBlocks(res); err != nil {
		t.Fatal(err)
	}
	if err := a.CommitBlocks(res); !errs.Is(err, errs.KindIllegalState) {
		t.Fatalf("want kIllegalState on double commit, got %v", err)
	}
}
