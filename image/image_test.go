package image

import (
	"bytes"
	"os"
	"testing"

	"github.com/contentfs/blobimage/alloc"
	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/merkle"
	"github.com/contentfs/blobimage/testhelper"
	"github.com/contentfs/blobimage/util/bitmap"
)

func newTestImage(t *testing.T, f format.BlobLayoutFormat, c Compressor) *Image {
	t.Helper()
	store := testhelper.NewMemStorage(2 << 20) // 2 MiB, 256 blocks @ 8192
	im, err := Mkfs(store, 256, Options{NumInodes: 16, LayoutFormat: f, Compressor: c})
	if err != nil {
		t.Fatalf("mkfs: %v", err)
	}
	return im
}

func repeatingBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestMkfsProducesCleanImage(t *testing.T) {
	im := newTestImage(t, format.LayoutCompact, LZ4Compressor{})
	sb := im.Superblock()
	if sb.Magic0 != format.Magic0 || sb.Magic1 != format.Magic1 {
		t.Fatalf("bad magic in fresh superblock")
	}
	if !sb.CleanUnmount() {
		t.Fatalf("want clean-unmount flag set after mkfs")
	}
	report, err := im.Check(CheckOptions{Strict: true})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.OK() {
		t.Fatalf("fresh image should have no findings, got %+v", report.Findings)
	}
}

func TestAddBlobRoundTripCompact(t *testing.T) {
	im := newTestImage(t, format.LayoutCompact, LZ4Compressor{})

	blobs := map[string][]byte{
		"empty":       {},
		"one-byte":    {0x42},
		"one-block":   repeatingBytes(8192),
		"two-block+1": repeatingBytes(2*8192 + 1),
		"compressible": bytes.Repeat([]byte{0}, 20000),
	}

	for _, raw := range blobs {
		if err := im.AddBlob(raw); err != nil {
			t.Fatalf("add_blob: %v", err)
		}
	}

	report, err := im.Check(CheckOptions{Strict: true})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.OK() {
		t.Fatalf("want clean check after ingest, got %+v", report.Findings)
	}

	outDir := t.TempDir()
	exportReport, err := im.Export(outDir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !exportReport.OK() {
		t.Fatalf("want clean export, got %+v", exportReport.Failures)
	}
	if len(exportReport.Exported) != len(blobs) {
		t.Fatalf("want %d exported blobs, got %d", len(blobs), len(exportReport.Exported))
	}

	for _, raw := range blobs {
		digest := digestForBlob(t, raw, format.LayoutCompact, LZ4Compressor{})
		got, err := os.ReadFile(outDir + "/" + digest.String())
		if err != nil {
			t.Fatalf("read exported blob %s: %v", digest.String(), err)
		}
		if !bytes.Equal(got, raw) {
			t.Fatalf("exported blob %s does not round-trip: got %d bytes, want %d", digest.String(), len(got), len(raw))
		}
	}
}

func TestAddBlobRoundTripPadded(t *testing.T) {
	im := newTestImage(t, format.LayoutPadded, nil)
	raw := repeatingBytes(2*8192 - 64)
	if err := im.AddBlob(raw); err != nil {
		t.Fatalf("add_blob: %v", err)
	}
	report, err := im.Check(CheckOptions{Strict: true})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.OK() {
		t.Fatalf("want clean check, got %+v", report.Findings)
	}
	outDir := t.TempDir()
	if _, err := im.Export(outDir); err != nil {
		t.Fatalf("export: %v", err)
	}
	digest := digestForBlob(t, raw, format.LayoutPadded, nil)
	got, err := os.ReadFile(outDir + "/" + digest.String())
	if err != nil {
		t.Fatalf("read exported blob: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("padded blob did not round-trip")
	}
}

func TestAddBlobDedupeIsIdempotent(t *testing.T) {
	im := newTestImage(t, format.LayoutCompact, LZ4Compressor{})
	raw := repeatingBytes(4096)

	if err := im.AddBlob(raw); err != nil {
		t.Fatalf("first add_blob: %v", err)
	}
	before := im.Usage()

	if err := im.AddBlob(raw); err != nil {
		t.Fatalf("second add_blob: %v", err)
	}
	after := im.Usage()

	if before != after {
		t.Fatalf("duplicate add_blob changed usage counters: before=%+v after=%+v", before, after)
	}
}

func TestCheckDetectsCorruption(t *testing.T) {
	im := newTestImage(t, format.LayoutCompact, nil)
	raw := repeatingBytes(8192 * 2)
	if err := im.AddBlob(raw); err != nil {
		t.Fatalf("add_blob: %v", err)
	}

	// Flip a byte inside the data region, well past any metadata region.
	mem := im.bd.Storage.(*testhelper.MemStorage)
	buf := mem.Bytes()
	dataStart := int(im.regions.DataStart) * int(im.sb.BlockSize)
	buf[dataStart] ^= 0xff

	report, err := im.Check(CheckOptions{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.OK() {
		t.Fatalf("want a reportable finding after corrupting stored bytes")
	}
}

// TestAddBlobExtentContainerOverflow covers a blob whose extents exceed
// InlineExtentCount (§3.4): the free-block bitmap is seeded directly
// (rather than produced by prior real ingests, since this engine never
// fragments a monotonically-filled bitmap on its own) to simulate a free
// space fragmented down to single-block runs, forcing the ingested blob's
// extent chain to spill into an extent-container node.
func TestAddBlobExtentContainerOverflow(t *testing.T) {
	im := newTestImage(t, format.LayoutCompact, nil)

	blockBitmap := bitmap.NewBits(int(im.sb.DataBlockCount))
	for b := uint64(0); b < im.sb.DataBlockCount; b += 2 {
		if err := blockBitmap.Set(int(b)); err != nil {
			t.Fatal(err)
		}
	}
	nodeBitmap := bitmap.NewBits(int(im.sb.InodeCount))
	preUsed := uint64(blockBitmap.PopCount())
	im.alloc = alloc.NewFromBitmaps(blockBitmap, nodeBitmap, preUsed, 0)
	im.sb.AllocBlockCount = preUsed
	im.sb.AllocInodeCount = 0

	raw := repeatingBytes(2*8192 + 1)
	if err := im.AddBlob(raw); err != nil {
		t.Fatalf("add_blob: %v", err)
	}

	digest := merkle.Build(raw).Root
	headID, ok := im.index[digest]
	if !ok {
		t.Fatalf("digest not found in dedupe index after add")
	}
	raw2, err := im.readInodeBytes(headID)
	if err != nil {
		t.Fatalf("read head inode: %v", err)
	}
	n, err := format.InodeFromBytes(raw2)
	if err != nil {
		t.Fatalf("decode head inode: %v", err)
	}
	if n.ExtentCount <= format.InlineExtentCount {
		t.Fatalf("want extent_count > inline capacity %d, got %d", format.InlineExtentCount, n.ExtentCount)
	}
	if n.NextNode == format.SentinelNode {
		t.Fatalf("want head inode chained to an extent-container node")
	}

	extents, err := im.walkChain(headID, n)
	if err != nil {
		t.Fatalf("walk chain: %v", err)
	}
	if uint32(len(extents)) != n.ExtentCount {
		t.Fatalf("chain has %d extents, inode says %d", len(extents), n.ExtentCount)
	}
	for _, e := range extents {
		if e.Length != 1 {
			t.Fatalf("want fragmented single-block extents, got %+v", e)
		}
	}

	data, err := im.readLogicalBlob(headID, n)
	if err != nil {
		t.Fatalf("read back blob: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Fatalf("container-chained blob did not round-trip")
	}

	// The head node is the only inode this blob contributes; the
	// container node(s) it chained through must not inflate
	// alloc_inode_count (spec P2, §4.6 step 5).
	if im.alloc.AllocInodeCount() != 1 {
		t.Fatalf("want alloc_inode_count=1 for one ingested blob, got %d", im.alloc.AllocInodeCount())
	}
}

// TestAddBlobTooFragmentedFails covers the ">MAX_EXTENTS_PER_BLOB" boundary
// case (§4.3, §8): a blob whose stored bytes need more extents than the
// image's chain capacity allows must fail with kTooFragmented (or
// kNoSpace) and leave the image's allocation state untouched.
func TestAddBlobTooFragmentedFails(t *testing.T) {
	const dataBlocks = 2000
	store := testhelper.NewMemStorage(int64(dataBlocks+64) * 8192)
	im, err := Mkfs(store, dataBlocks, Options{NumInodes: 128, LayoutFormat: format.LayoutCompact})
	if err != nil {
		t.Fatalf("mkfs: %v", err)
	}

	blockBitmap := bitmap.NewBits(int(im.sb.DataBlockCount))
	for b := uint64(0); b < im.sb.DataBlockCount; b += 2 {
		if err := blockBitmap.Set(int(b)); err != nil {
			t.Fatal(err)
		}
	}
	nodeBitmap := bitmap.NewBits(int(im.sb.InodeCount))
	preUsed := uint64(blockBitmap.PopCount())
	im.alloc = alloc.NewFromBitmaps(blockBitmap, nodeBitmap, preUsed, 0)
	im.sb.AllocBlockCount = preUsed
	im.sb.AllocInodeCount = 0

	// format.MaxExtentsPerBlob = 1 + 64*6 = 385. A blob needing 402
	// single-block extents (400 data blocks plus 2 compact-tree blocks;
	// every free run here is 1 block) exceeds it.
	raw := repeatingBytes(400 * 8192)
	if err := im.AddBlob(raw); err == nil {
		t.Fatalf("want add_blob to fail, blob needs more extents than the image allows")
	} else if !errs.Is(err, errs.KindTooFragmented) && !errs.Is(err, errs.KindNoSpace) {
		t.Fatalf("want kTooFragmented or kNoSpace, got %v", err)
	}

	if im.alloc.AllocBlockCount() != preUsed {
		t.Fatalf("failed add_blob must leave alloc_block_count unchanged: want %d, got %d", preUsed, im.alloc.AllocBlockCount())
	}
	if im.alloc.BlockBitmapPopCount() != int(preUsed) {
		t.Fatalf("failed add_blob must leave the block bitmap unchanged: want popcount %d, got %d", preUsed, im.alloc.BlockBitmapPopCount())
	}
}

// digestForBlob recomputes the content digest AddBlob would have assigned
// raw under the given format/compressor, mirroring the ingester's own
// compression decision (§4.4 Phase 1) so tests can name exported files
// without duplicating AddBlob's internals.
func digestForBlob(t *testing.T, raw []byte, f format.BlobLayoutFormat, c Compressor) format.Digest {
	t.Helper()
	d, err := ComputeDigest(raw, f, c, DefaultBlockSize)
	if err != nil {
		t.Fatalf("ComputeDigest: %v", err)
	}
	return d
}
